package state

import (
	fpmath "CoverLedger/internal/math"
)

// Globals holds the pool-wide scalars. It is a value type: operations work
// on a copy and the caller commits the copy once settlement succeeds.
// Amount fields are immutable big numbers, so a shallow copy is safe.
type Globals struct {
	ProviderCount uint64 `json:"provider_count"`
	PolicyCount   uint64 `json:"policy_count"`

	// ExchangeRate is base units per share, scaled by RateScale.
	ExchangeRate fpmath.Amount `json:"exchange_rate"`

	// Per-share accumulators, scaled by AccScale. Never decrease.
	AccRewardPerShare   fpmath.Amount `json:"acc_reward_per_share"`
	AccShadowPerShare   fpmath.Amount `json:"acc_shadow_per_share"`
	AccShadowRolledBack fpmath.Amount `json:"acc_shadow_rolled_back"`

	TokenStaked   fpmath.Amount `json:"token_staked"`
	STokenSupply  fpmath.Amount `json:"stoken_supply"`
	TokenFrozen   fpmath.Amount `json:"token_frozen"`
	TotalCoverage fpmath.Amount `json:"total_coverage"`

	// PricingConstant is the bonding-curve k.
	PricingConstant     fpmath.Amount `json:"pricing_constant"`
	LatestUnfrozenIndex uint64        `json:"latest_unfrozen_index"`

	InitialFee          fpmath.Amount `json:"initial_fee"`
	MinFee              fpmath.Amount `json:"min_fee"`
	VirtualLiquidity    fpmath.Amount `json:"virtual_liquidity"`
	TeamClaimableReward fpmath.Amount `json:"team_claimable_reward"`
}

// NewGlobals returns the state of an empty pool.
func NewGlobals(p PoolParams) Globals {
	g := Globals{
		ExchangeRate:     fpmath.U(fpmath.InitialExchangeRate),
		InitialFee:       fpmath.U(p.InitialFee),
		MinFee:           fpmath.U(p.MinFee),
		VirtualLiquidity: fpmath.U(p.VirtualLiquidity),
	}
	g.Normalize()
	return g
}

// Normalize replaces nil amounts with zero, e.g. after decoding.
func (g *Globals) Normalize() {
	for _, a := range []*fpmath.Amount{
		&g.ExchangeRate,
		&g.AccRewardPerShare,
		&g.AccShadowPerShare,
		&g.AccShadowRolledBack,
		&g.TokenStaked,
		&g.STokenSupply,
		&g.TokenFrozen,
		&g.TotalCoverage,
		&g.PricingConstant,
		&g.InitialFee,
		&g.MinFee,
		&g.VirtualLiquidity,
		&g.TeamClaimableReward,
	} {
		*a = fpmath.OrZero(*a)
	}
}
