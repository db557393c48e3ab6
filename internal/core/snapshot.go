package core

import (
	"fmt"

	"CoverLedger/internal/state"
)

// SnapshotState holds the in-memory state of the ledger. Persistence
// assembles it from the keyed tables at startup.
type SnapshotState struct {
	// Sequence of the last applied operation, -1 for an empty ledger.
	Sequence  int64
	StateHash [32]byte

	Globals     state.Globals
	Providers   []state.Provider
	Historical  []state.HistoricalProvider
	Policies    []state.Policy
	Authorities state.Authorities

	// Recent composite request keys, oldest first.
	IdempotencyKeys []string
}

// RestoreFromSnapshot replaces the ledger state. It fails without changes
// when the entities disagree with the pool totals.
func (l *Ledger) RestoreFromSnapshot(snap *SnapshotState) error {
	g := snap.Globals
	g.Normalize()

	underwriters := state.NewUnderwriterLedger()
	underwriters.Restore(snap.Providers, snap.Historical)
	policies := state.NewPolicyBook()
	if err := policies.Restore(snap.Policies); err != nil {
		return err
	}

	if sum := underwriters.SumSTokens(); !sum.Equal(g.STokenSupply) {
		return fmt.Errorf("restore: stoken supply %s, providers hold %s", g.STokenSupply, sum)
	}
	if open := policies.OpenCoverage(); !open.Equal(g.TotalCoverage) {
		return fmt.Errorf("restore: total coverage %s, open policies cover %s", g.TotalCoverage, open)
	}
	if policies.Len() != g.PolicyCount {
		return fmt.Errorf("restore: policy count %d, found %d policies", g.PolicyCount, policies.Len())
	}
	if snap.Authorities.Judge.IsZero() || snap.Authorities.Official.IsZero() {
		return fmt.Errorf("restore: judge and official are required")
	}

	l.globals = g
	l.underwriters = underwriters
	l.policies = policies
	l.governance.Restore(snap.Authorities)

	l.sequence = snap.Sequence + 1
	if snap.Sequence < 0 {
		l.hasher.SetPrevHash(GenesisHash())
	} else {
		l.hasher.SetPrevHash(snap.StateHash)
	}
	l.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// CreateSnapshotState captures the current in-memory state.
func (l *Ledger) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        l.sequence - 1,
		StateHash:       l.hasher.GetPrevHash(),
		Globals:         l.globals,
		Providers:       l.underwriters.Providers(),
		Historical:      l.underwriters.HistoricalProviders(),
		Policies:        l.policies.Policies(),
		Authorities:     l.governance.Snapshot(),
		IdempotencyKeys: l.idempotency.lru.GetAllKeys(),
	}
}
