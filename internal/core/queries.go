package core

import (
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/state"
)

// Read-only views of live state. Like Process they must run on the
// Runner goroutine.

func (l *Ledger) AvailableCapital() fpmath.Amount {
	return state.AvailableCapital(&l.globals)
}

func (l *Ledger) FeeRate() (fpmath.Amount, error) {
	return state.FeeRate(&l.globals)
}

func (l *Ledger) RewardOf(id ledger.AccountID) (fpmath.Amount, error) {
	return l.underwriters.RewardOf(&l.globals, id)
}

func (l *Ledger) UnfrozenCapitalOf(id ledger.AccountID) (fpmath.Amount, error) {
	return l.underwriters.UnfrozenCapitalOf(&l.globals, id)
}

func (l *Ledger) Policy(id uint64) (state.Policy, error) {
	p, ok := l.policies.Policy(id)
	if !ok {
		return state.Policy{}, state.ErrNotExistedPolicy
	}
	return p, nil
}

func (l *Ledger) PoliciesOf(id ledger.AccountID) []uint64 {
	return l.policies.PoliciesOf(id)
}

// ProviderView is everything the ledger holds for one identity.
type ProviderView struct {
	Provider   *state.Provider
	Historical *state.HistoricalProvider
	Reward     fpmath.Amount
	Unfrozen   fpmath.Amount
}

func (l *Ledger) Provider(id ledger.AccountID) (ProviderView, error) {
	var view ProviderView
	if p, ok := l.underwriters.Provider(id); ok {
		view.Provider = &p
	}
	if h, ok := l.underwriters.Historical(id); ok {
		view.Historical = &h
	}
	if view.Provider == nil && view.Historical == nil {
		return ProviderView{}, state.ErrNotUnderwriter
	}

	var err error
	if view.Reward, err = l.RewardOf(id); err != nil {
		return ProviderView{}, err
	}
	if view.Unfrozen, err = l.UnfrozenCapitalOf(id); err != nil {
		return ProviderView{}, err
	}
	return view, nil
}

// PoolSummary is the live pool state.
type PoolSummary struct {
	Globals          state.Globals
	AvailableCapital fpmath.Amount
	FeeRate          fpmath.Amount
	Authorities      state.Authorities
	Accounts         ledger.SystemAccounts
	Sequence         int64
	StateHash        [32]byte
}

func (l *Ledger) Summary() (PoolSummary, error) {
	fee, err := l.FeeRate()
	if err != nil {
		return PoolSummary{}, err
	}
	return PoolSummary{
		Globals:          l.globals,
		AvailableCapital: l.AvailableCapital(),
		FeeRate:          fee,
		Authorities:      l.governance.Snapshot(),
		Accounts:         l.accounts,
		Sequence:         l.sequence,
		StateHash:        l.hasher.GetPrevHash(),
	}, nil
}
