package query

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClaimHistoryResponse is one step of a policy's claim lifecycle.
type ClaimHistoryResponse struct {
	Sequence     int64            `json:"sequence"`
	PolicyID     uint64           `json:"policy_id"`
	Action       string           `json:"action"`
	Actor        string           `json:"actor"`
	Beneficiary  string           `json:"beneficiary,omitempty"`
	Coverage     *decimal.Decimal `json:"coverage,omitempty"`
	FromReserve  *decimal.Decimal `json:"from_reserve,omitempty"`
	Paid         *decimal.Decimal `json:"paid,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// TransferHistoryEntry is one settled token movement.
type TransferHistoryEntry struct {
	JournalID   string          `json:"journal_id"`
	BatchID     string          `json:"batch_id"`
	Sequence    int64           `json:"sequence"`
	JournalType string          `json:"journal_type"`
	Leg         string          `json:"leg"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   int64           `json:"timestamp"`
}

// EventSummary is an event log entry without its payload.
type EventSummary struct {
	Sequence  int64     `json:"sequence"`
	RequestID string    `json:"request_id"`
	EventType string    `json:"event_type"`
	Caller    string    `json:"caller"`
	StateHash string    `json:"state_hash"`
	Timestamp time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LatestSequence  int64   `json:"latest_sequence"`
	StateSequence   int64   `json:"state_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	StateBehindLog  bool    `json:"state_behind_log"`
}
