package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

// Claim actions recorded in projections.claim_history.
const (
	ClaimActionApplied  = "applied"
	ClaimActionRefused  = "refused"
	ClaimActionAccepted = "accepted"
)

// Transfer is the slice of a settled journal the projections need.
type Transfer struct {
	JournalType string
	To          ledger.AccountID
	Amount      fpmath.Amount
}

// TransfersFromBatch adapts a live core batch.
func TransfersFromBatch(b *ledger.Batch) []Transfer {
	if b.IsEmpty() {
		return nil
	}
	out := make([]Transfer, 0, len(b.Journals))
	for _, j := range b.Journals {
		out = append(out, Transfer{JournalType: j.JournalType.String(), To: j.To, Amount: j.Amount})
	}
	return out
}

// ClaimHistoryEntry is one step of a policy's claim lifecycle.
type ClaimHistoryEntry struct {
	Sequence    int64
	PolicyID    uint64
	Action      string
	Actor       ledger.AccountID
	Beneficiary ledger.AccountID
	Coverage    *fpmath.Amount
	FromReserve *fpmath.Amount
	Paid        *fpmath.Amount
	Timestamp   time.Time
}

// ClaimEntryFromEvent derives the claim history entry of env, if it has one.
func ClaimEntryFromEvent(env *event.EventEnvelope, transfers []Transfer) (ClaimHistoryEntry, bool, error) {
	switch env.EventType {
	case event.EventTypeApplyClaim, event.EventTypeRefuseClaim, event.EventTypeAcceptClaim:
	default:
		return ClaimHistoryEntry{}, false, nil
	}

	cmd, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return ClaimHistoryEntry{}, false, err
	}
	entry := ClaimHistoryEntry{
		Sequence:  env.Sequence,
		Actor:     env.Caller,
		Timestamp: env.Timestamp,
	}

	switch c := cmd.(type) {
	case *event.ApplyClaim:
		entry.PolicyID = c.PolicyID
		entry.Action = ClaimActionApplied
		entry.Beneficiary = env.Caller
	case *event.RefuseClaim:
		entry.PolicyID = c.PolicyID
		entry.Action = ClaimActionRefused
	case *event.AcceptClaim:
		entry.PolicyID = c.PolicyID
		entry.Action = ClaimActionAccepted
		reserve, paid := fpmath.Zero(), fpmath.Zero()
		for _, t := range transfers {
			switch t.JournalType {
			case ledger.JournalTypeReserveDraw.String():
				reserve = reserve.Add(t.Amount)
			case ledger.JournalTypeClaimPayout.String():
				paid = paid.Add(t.Amount)
				entry.Beneficiary = t.To
			}
		}
		entry.FromReserve = &reserve
		entry.Paid = &paid
		entry.Coverage = &paid
	}
	return entry, true, nil
}

func (e ClaimHistoryEntry) insert(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.claim_history
			(sequence, policy_id, action, actor, beneficiary, coverage, from_reserve, paid, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, e.Sequence, int64(e.PolicyID), e.Action, e.Actor.String(), nullAccount(e.Beneficiary),
		nullAmount(e.Coverage), nullAmount(e.FromReserve), nullAmount(e.Paid), e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert claim history %d: %w", e.Sequence, err)
	}
	return nil
}

func nullAccount(a ledger.AccountID) sql.NullString {
	return sql.NullString{String: a.String(), Valid: !a.IsZero()}
}

func nullAmount(a *fpmath.Amount) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fpmath.OrZero(*a).String(), Valid: true}
}
