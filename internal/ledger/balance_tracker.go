package ledger

import (
	"fmt"

	fpmath "CoverLedger/internal/math"
)

type allowanceKey struct {
	Owner   AccountID
	Spender AccountID
}

// BalanceTracker maintains in-memory token balances and allowances. It
// plays the role of the external token ledger for dev mode and tests.
type BalanceTracker struct {
	balances   map[AccountID]fpmath.Amount
	allowances map[allowanceKey]fpmath.Amount
	minted     fpmath.Amount
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances:   make(map[AccountID]fpmath.Amount),
		allowances: make(map[allowanceKey]fpmath.Amount),
		minted:     fpmath.Zero(),
	}
}

// Mint credits an account out of thin air and grows the tracked supply.
func (bt *BalanceTracker) Mint(to AccountID, amount fpmath.Amount) error {
	bal, err := fpmath.Add(bt.GetBalance(to), amount)
	if err != nil {
		return err
	}
	minted, err := fpmath.Add(bt.minted, amount)
	if err != nil {
		return err
	}
	bt.balances[to] = bal
	bt.minted = minted
	return nil
}

// ApplyJournal moves j.Amount from j.From to j.To. It fails without side
// effects when the source balance is short.
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	from, err := fpmath.Sub(bt.GetBalance(j.From), j.Amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", j.From, err)
	}
	to, err := fpmath.Add(bt.GetBalance(j.To), j.Amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", j.To, err)
	}
	bt.balances[j.From] = from
	bt.balances[j.To] = to
	return nil
}

// ApplyBatch applies all journals in a batch, all or nothing.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	saved := bt.Snapshot()
	for _, j := range batch.Journals {
		if err := bt.ApplyJournal(j); err != nil {
			bt.balances = saved
			return err
		}
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(a AccountID) fpmath.Amount {
	return fpmath.OrZero(bt.balances[a])
}

func (bt *BalanceTracker) Allowance(owner, spender AccountID) fpmath.Amount {
	return fpmath.OrZero(bt.allowances[allowanceKey{owner, spender}])
}

func (bt *BalanceTracker) Approve(owner, spender AccountID, amount fpmath.Amount) {
	bt.allowances[allowanceKey{owner, spender}] = fpmath.OrZero(amount)
}

// SpendAllowance decreases the allowance of spender over owner.
func (bt *BalanceTracker) SpendAllowance(owner, spender AccountID, amount fpmath.Amount) error {
	left, err := fpmath.Sub(bt.Allowance(owner, spender), amount)
	if err != nil {
		return fmt.Errorf("allowance %s->%s: %w", owner, spender, err)
	}
	bt.allowances[allowanceKey{owner, spender}] = left
	return nil
}

// ComputeTotalBalance sums all account balances. Transfers conserve it, so
// it must always equal the minted supply.
func (bt *BalanceTracker) ComputeTotalBalance() fpmath.Amount {
	total := fpmath.Zero()
	for _, balance := range bt.balances {
		total = total.Add(balance)
	}
	return total
}

func (bt *BalanceTracker) Minted() fpmath.Amount {
	return bt.minted
}

// Snapshot returns a copy of all balances.
func (bt *BalanceTracker) Snapshot() map[AccountID]fpmath.Amount {
	snapshot := make(map[AccountID]fpmath.Amount, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
