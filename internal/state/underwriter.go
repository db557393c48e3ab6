package state

import (
	"fmt"
	"sort"
	"time"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

// UnderwriterLedger owns active and historical provider records.
//
// Mutating operations come in Plan/Apply pairs. Plan validates, computes
// the new records and updates the caller's scratch Globals; it never writes
// the maps. Apply commits a plan after settlement succeeded. A failed
// settlement therefore needs no rollback.
type UnderwriterLedger struct {
	providers  map[ledger.AccountID]Provider
	historical map[ledger.AccountID]HistoricalProvider
}

func NewUnderwriterLedger() *UnderwriterLedger {
	return &UnderwriterLedger{
		providers:  make(map[ledger.AccountID]Provider),
		historical: make(map[ledger.AccountID]HistoricalProvider),
	}
}

// Provider returns the provider record for id, active or retired.
func (u *UnderwriterLedger) Provider(id ledger.AccountID) (Provider, bool) {
	p, ok := u.providers[id]
	return p, ok
}

func (u *UnderwriterLedger) Historical(id ledger.AccountID) (HistoricalProvider, bool) {
	h, ok := u.historical[id]
	return h, ok
}

// PlanStake admits id with amount base units.
func (u *UnderwriterLedger) PlanStake(g *Globals, id ledger.AccountID, amount fpmath.Amount, now time.Time) (Provider, error) {
	if p, ok := u.providers[id]; ok && p.IsActive() {
		return Provider{}, fmt.Errorf("%s: %w", id, ErrExistingUnderwriter)
	}
	if _, ok := u.historical[id]; ok {
		return Provider{}, fmt.Errorf("%s has frozen capital from a previous stake: %w", id, ErrExistingUnderwriter)
	}
	if amount.IsNil() || amount.IsZero() {
		return Provider{}, ErrInvalidAmount
	}

	stoken, err := fpmath.ToShares(amount, g.ExchangeRate)
	if err != nil {
		return Provider{}, err
	}
	if stoken.IsZero() {
		return Provider{}, fmt.Errorf("stake of %s buys no shares: %w", amount, ErrInvalidAmount)
	}
	rewardDebt, shadowDebt, err := DebtsFor(g, stoken)
	if err != nil {
		return Provider{}, err
	}

	supply, err := fpmath.Add(g.STokenSupply, stoken)
	if err != nil {
		return Provider{}, err
	}
	pre := AvailableCapital(g)
	staked, err := fpmath.Add(g.TokenStaked, amount)
	if err != nil {
		return Provider{}, err
	}
	g.STokenSupply = supply
	g.TokenStaked = staked
	if err := Recalibrate(g, pre, AvailableCapital(g)); err != nil {
		return Provider{}, err
	}

	p := Provider{
		Identity:          id,
		Index:             g.ProviderCount,
		ParticipationTime: now,
		STokenAmount:      stoken,
		RewardDebt:        rewardDebt,
		ShadowDebt:        shadowDebt,
	}
	g.ProviderCount++
	return p, nil
}

// PutProvider commits a provider record.
func (u *UnderwriterLedger) PutProvider(p Provider) {
	u.providers[p.Identity] = p
}

// active returns the provider for id or the typed reason it cannot act.
func (u *UnderwriterLedger) active(id ledger.AccountID) (Provider, error) {
	p, ok := u.providers[id]
	if !ok {
		return Provider{}, fmt.Errorf("%s: %w", id, ErrNotUnderwriter)
	}
	if !p.IsActive() {
		return Provider{}, fmt.Errorf("%s: %w", id, ErrNotValidUnderwriter)
	}
	return p, nil
}

// PlanWithdrawReward resets the reward debt of id and returns the reward.
func (u *UnderwriterLedger) PlanWithdrawReward(g *Globals, id ledger.AccountID) (Provider, fpmath.Amount, error) {
	p, err := u.active(id)
	if err != nil {
		return Provider{}, fpmath.Zero(), err
	}
	reward, err := PendingReward(g, p)
	if err != nil {
		return Provider{}, fpmath.Zero(), err
	}
	debt, err := fpmath.AccruedFor(p.STokenAmount, g.AccRewardPerShare)
	if err != nil {
		return Provider{}, fpmath.Zero(), err
	}
	p.RewardDebt = debt
	return p, reward, nil
}

// ExitPlan is the outcome of a full provider exit.
type ExitPlan struct {
	Provider     Provider
	Historical   *HistoricalProvider
	TokenRemain  fpmath.Amount
	Withdrawable fpmath.Amount
	Reward       fpmath.Amount
}

// Payout is what the exiting provider receives.
func (e *ExitPlan) Payout() (fpmath.Amount, error) {
	return fpmath.Add(e.Withdrawable, e.Reward)
}

// PlanExit retires id. Capital still shadowed by open policies moves to a
// historical record and is released later through unfreeze.
func (u *UnderwriterLedger) PlanExit(g *Globals, id ledger.AccountID, now time.Time) (*ExitPlan, error) {
	p, err := u.active(id)
	if err != nil {
		return nil, err
	}

	remain, err := fpmath.ToTokens(p.STokenAmount, g.ExchangeRate)
	if err != nil {
		return nil, err
	}
	shadow, err := ShadowOf(g, p)
	if err != nil {
		return nil, err
	}
	withdrawable := fpmath.SatSub(remain, shadow)
	reward, err := PendingReward(g, p)
	if err != nil {
		return nil, err
	}

	plan := &ExitPlan{
		TokenRemain:  remain,
		Withdrawable: withdrawable,
		Reward:       reward,
	}

	if left := remain.Sub(withdrawable); !left.IsZero() {
		frozenShares, err := fpmath.ToShares(left, g.ExchangeRate)
		if err != nil {
			return nil, err
		}
		frozen, err := fpmath.Add(g.TokenFrozen, left)
		if err != nil {
			return nil, err
		}
		g.TokenFrozen = frozen
		plan.Historical = &HistoricalProvider{
			Identity:           id,
			IndexBefore:        p.Index,
			STokenAmountBefore: p.STokenAmount,
			FrozenShares:       frozenShares,
			ShadowAccAtExit:    g.AccShadowPerShare,
			ShadowDebtBefore:   p.ShadowDebt,
			ExitTime:           now,
		}
	}

	supply, err := fpmath.Sub(g.STokenSupply, p.STokenAmount)
	if err != nil {
		return nil, err
	}
	g.STokenSupply = supply

	pre := AvailableCapital(g)
	// Rounding after a devaluation can leave the sum of provider values a
	// few units above TokenStaked.
	g.TokenStaked = fpmath.SatSub(g.TokenStaked, remain)
	if err := Recalibrate(g, pre, AvailableCapital(g)); err != nil {
		return nil, err
	}

	p.STokenAmount = fpmath.Zero()
	p.RewardDebt = fpmath.Zero()
	plan.Provider = p
	return plan, nil
}

// ApplyExit commits an exit plan.
func (u *UnderwriterLedger) ApplyExit(plan *ExitPlan) {
	u.providers[plan.Provider.Identity] = plan.Provider
	if plan.Historical != nil {
		u.historical[plan.Historical.Identity] = *plan.Historical
	}
}

// UnfreezePlan is the outcome of a historical withdrawal.
type UnfreezePlan struct {
	Historical HistoricalProvider
	Released   fpmath.Amount
	// Retired is set when no frozen shares remain; the record is deleted.
	Retired bool
}

// PlanUnfreeze releases the part of id's frozen capital no longer shadowed.
func (u *UnderwriterLedger) PlanUnfreeze(g *Globals, id ledger.AccountID) (*UnfreezePlan, error) {
	h, ok := u.historical[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotHistoricalUnderwriter)
	}

	value, err := fpmath.ToTokens(h.FrozenShares, g.ExchangeRate)
	if err != nil {
		return nil, err
	}
	shadow, err := HistoricalShadowOf(g, h)
	if err != nil {
		return nil, err
	}
	if value.LTE(shadow) {
		return nil, fmt.Errorf("%s: frozen %s, shadow %s: %w", id, value, shadow, ErrInsufficientSToken)
	}

	released := value.Sub(shadow)
	residual, err := fpmath.ToShares(shadow, g.ExchangeRate)
	if err != nil {
		return nil, err
	}
	g.TokenFrozen = fpmath.SatSub(g.TokenFrozen, released)

	h.FrozenShares = residual
	return &UnfreezePlan{
		Historical: h,
		Released:   released,
		Retired:    residual.IsZero(),
	}, nil
}

// ApplyUnfreeze commits an unfreeze plan.
func (u *UnderwriterLedger) ApplyUnfreeze(plan *UnfreezePlan) {
	if plan.Retired {
		delete(u.historical, plan.Historical.Identity)
		return
	}
	u.historical[plan.Historical.Identity] = plan.Historical
}

// RewardOf is the claimable reward of id, zero for unknown identities.
func (u *UnderwriterLedger) RewardOf(g *Globals, id ledger.AccountID) (fpmath.Amount, error) {
	p, ok := u.providers[id]
	if !ok {
		return fpmath.Zero(), nil
	}
	return PendingReward(g, p)
}

// UnfrozenCapitalOf is what id could withdraw right now: the releasable
// part of a historical record, or the unshadowed value of an active stake.
func (u *UnderwriterLedger) UnfrozenCapitalOf(g *Globals, id ledger.AccountID) (fpmath.Amount, error) {
	if h, ok := u.historical[id]; ok {
		value, err := fpmath.ToTokens(h.FrozenShares, g.ExchangeRate)
		if err != nil {
			return fpmath.Zero(), err
		}
		shadow, err := HistoricalShadowOf(g, h)
		if err != nil {
			return fpmath.Zero(), err
		}
		return fpmath.SatSub(value, shadow), nil
	}

	p, ok := u.providers[id]
	if !ok || !p.IsActive() {
		return fpmath.Zero(), nil
	}
	remain, err := fpmath.ToTokens(p.STokenAmount, g.ExchangeRate)
	if err != nil {
		return fpmath.Zero(), err
	}
	shadow, err := ShadowOf(g, p)
	if err != nil {
		return fpmath.Zero(), err
	}
	return fpmath.SatSub(remain, shadow), nil
}

// SumSTokens totals active shares; it must equal Globals.STokenSupply.
func (u *UnderwriterLedger) SumSTokens() fpmath.Amount {
	total := fpmath.Zero()
	for _, p := range u.providers {
		total = total.Add(fpmath.OrZero(p.STokenAmount))
	}
	return total
}

// Providers returns all provider records ordered by index.
func (u *UnderwriterLedger) Providers() []Provider {
	out := make([]Provider, 0, len(u.providers))
	for _, p := range u.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// HistoricalProviders returns all historical records ordered by identity.
func (u *UnderwriterLedger) HistoricalProviders() []HistoricalProvider {
	out := make([]HistoricalProvider, 0, len(u.historical))
	for _, h := range u.historical {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Restore replaces all records, e.g. when loading from storage.
func (u *UnderwriterLedger) Restore(providers []Provider, historical []HistoricalProvider) {
	u.providers = make(map[ledger.AccountID]Provider, len(providers))
	for _, p := range providers {
		p.Normalize()
		u.providers[p.Identity] = p
	}
	u.historical = make(map[ledger.AccountID]HistoricalProvider, len(historical))
	for _, h := range historical {
		h.Normalize()
		u.historical[h.Identity] = h
	}
}
