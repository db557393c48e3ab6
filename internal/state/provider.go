package state

import (
	"time"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

// Provider is an active staking position. Index is assigned at stake time
// and never reused.
type Provider struct {
	Identity          ledger.AccountID `json:"identity"`
	Index             uint64           `json:"index"`
	ParticipationTime time.Time        `json:"participation_time"`
	STokenAmount      fpmath.Amount    `json:"stoken_amount"`
	RewardDebt        fpmath.Amount    `json:"reward_debt"`
	ShadowDebt        fpmath.Amount    `json:"shadow_debt"`
}

// IsActive reports whether the provider still owns shares. An exited
// provider keeps a zeroed record.
func (p Provider) IsActive() bool {
	return !fpmath.OrZero(p.STokenAmount).IsZero()
}

func (p *Provider) Normalize() {
	p.STokenAmount = fpmath.OrZero(p.STokenAmount)
	p.RewardDebt = fpmath.OrZero(p.RewardDebt)
	p.ShadowDebt = fpmath.OrZero(p.ShadowDebt)
}

// HistoricalProvider is the frozen remainder of an exited provider whose
// capital was still shadowed by open policies at exit.
type HistoricalProvider struct {
	Identity           ledger.AccountID `json:"identity"`
	IndexBefore        uint64           `json:"index_before"`
	STokenAmountBefore fpmath.Amount    `json:"stoken_amount_before"`

	// FrozenShares is held in share units so that a later devaluation of
	// the exchange rate also applies to frozen capital.
	FrozenShares     fpmath.Amount `json:"frozen_shares"`
	ShadowAccAtExit  fpmath.Amount `json:"shadow_acc_at_exit"`
	ShadowDebtBefore fpmath.Amount `json:"shadow_debt_before"`
	ExitTime         time.Time     `json:"exit_time"`
}

func (h *HistoricalProvider) Normalize() {
	h.STokenAmountBefore = fpmath.OrZero(h.STokenAmountBefore)
	h.FrozenShares = fpmath.OrZero(h.FrozenShares)
	h.ShadowAccAtExit = fpmath.OrZero(h.ShadowAccAtExit)
	h.ShadowDebtBefore = fpmath.OrZero(h.ShadowDebtBefore)
}
