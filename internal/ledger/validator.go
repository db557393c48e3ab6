package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker  *BalanceTracker
	accounts SystemAccounts
}

func NewInvariantValidator(tracker *BalanceTracker, accounts SystemAccounts) *InvariantValidator {
	return &InvariantValidator{
		tracker:  tracker,
		accounts: accounts,
	}
}

// ValidateBatch verifies the batch is well-formed and that every leg has
// the pool on one side.
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	for _, j := range batch.Journals {
		switch j.Leg {
		case LegTransfer:
			if j.From != v.accounts.Pool {
				return fmt.Errorf("journal %s: transfer leg must debit the pool, got %s", j.JournalID, v.accounts.AccountPath(j.From))
			}
		case LegTransferFrom:
			if j.To != v.accounts.Pool {
				return fmt.Errorf("journal %s: transfer_from leg must credit the pool, got %s", j.JournalID, v.accounts.AccountPath(j.To))
			}
		default:
			return fmt.Errorf("journal %s: unknown leg kind %d", j.JournalID, j.Leg)
		}
	}
	return nil
}

// ValidateConservation verifies that transfers neither created nor
// destroyed tokens.
func (v *InvariantValidator) ValidateConservation() error {
	total := v.tracker.ComputeTotalBalance()
	if !total.Equal(v.tracker.Minted()) {
		return fmt.Errorf("token supply drift: balances=%s minted=%s", total, v.tracker.Minted())
	}
	return nil
}
