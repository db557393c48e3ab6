package core

import (
	"encoding/json"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/state"
)

// StateDelta lists the entities an operation changed, in their
// post-operation form. Persistence upserts it; its canonical JSON is the
// state digest hashed into the chain.
type StateDelta struct {
	Globals           state.Globals              `json:"globals"`
	Providers         []state.Provider           `json:"providers,omitempty"`
	Historical        []state.HistoricalProvider `json:"historical,omitempty"`
	RetiredHistorical []ledger.AccountID         `json:"retired_historical,omitempty"`
	Policies          []state.Policy             `json:"policies,omitempty"`
	Authorities       *state.Authorities         `json:"authorities,omitempty"`
}

// Digest returns the canonical bytes of d.
func (d *StateDelta) Digest() ([]byte, error) {
	return json.Marshal(d)
}

// CoreOutput is emitted once per applied operation.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Delta    *StateDelta
}
