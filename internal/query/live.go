package query

import (
	"encoding/hex"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/state"

	"github.com/shopspring/decimal"
)

// Views of live core state. Amounts are integers in base units; rates are
// fractions rendered from their RateScale fixed-point form.

var rateScale = decimal.NewFromInt(int64(fpmath.RateScale))

// Amount renders a base-unit amount.
func Amount(a fpmath.Amount) decimal.Decimal {
	return decimal.NewFromBigInt(fpmath.OrZero(a).BigInt(), 0)
}

// Rate renders a RateScale-scaled value as a fraction, e.g. 98500 as 0.985.
func Rate(a fpmath.Amount) decimal.Decimal {
	return Amount(a).Div(rateScale)
}

type AmountResponse struct {
	Value        decimal.Decimal `json:"value"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

type PolicyView struct {
	ID             uint64             `json:"id"`
	Beneficiary    string             `json:"beneficiary"`
	Status         state.PolicyStatus `json:"status"`
	Coverage       decimal.Decimal    `json:"coverage"`
	Premium        decimal.Decimal    `json:"premium"`
	Deposit        decimal.Decimal    `json:"deposit"`
	StartTime      time.Time          `json:"start_time"`
	EffectiveUntil time.Time          `json:"effective_until"`
	ProviderIndex  uint64             `json:"latest_provider_index"`
	AsOfSequence   int64              `json:"as_of_sequence"`
}

func NewPolicyView(p state.Policy, seq int64) PolicyView {
	return PolicyView{
		ID:             p.ID,
		Beneficiary:    p.Beneficiary.String(),
		Status:         p.Status(),
		Coverage:       Amount(p.Coverage),
		Premium:        Amount(p.Premium),
		Deposit:        Amount(p.Deposit),
		StartTime:      p.StartTime,
		EffectiveUntil: p.EffectiveUntil,
		ProviderIndex:  p.LatestProviderIndex,
		AsOfSequence:   seq,
	}
}

type ProviderView struct {
	Identity          string           `json:"identity"`
	Active            bool             `json:"active"`
	Index             *uint64          `json:"index,omitempty"`
	ParticipationTime *time.Time       `json:"participation_time,omitempty"`
	Shares            decimal.Decimal  `json:"shares"`
	Reward            decimal.Decimal  `json:"reward"`
	Unfrozen          decimal.Decimal  `json:"unfrozen"`
	FrozenShares      *decimal.Decimal `json:"frozen_shares,omitempty"`
	ExitTime          *time.Time       `json:"exit_time,omitempty"`
	AsOfSequence      int64            `json:"as_of_sequence"`
}

func NewProviderView(id ledger.AccountID, v core.ProviderView, seq int64) ProviderView {
	out := ProviderView{
		Identity:     id.String(),
		Shares:       decimal.Zero,
		Reward:       Amount(v.Reward),
		Unfrozen:     Amount(v.Unfrozen),
		AsOfSequence: seq,
	}
	if p := v.Provider; p != nil {
		idx, joined := p.Index, p.ParticipationTime
		out.Active = p.IsActive()
		out.Index = &idx
		out.ParticipationTime = &joined
		out.Shares = Amount(p.STokenAmount)
	}
	if h := v.Historical; h != nil {
		frozen, exited := Amount(h.FrozenShares), h.ExitTime
		out.FrozenShares = &frozen
		out.ExitTime = &exited
	}
	return out
}

type PoolSummaryView struct {
	ProviderCount       uint64          `json:"provider_count"`
	PolicyCount         uint64          `json:"policy_count"`
	TokenStaked         decimal.Decimal `json:"token_staked"`
	STokenSupply        decimal.Decimal `json:"stoken_supply"`
	TokenFrozen         decimal.Decimal `json:"token_frozen"`
	TotalCoverage       decimal.Decimal `json:"total_coverage"`
	AvailableCapital    decimal.Decimal `json:"available_capital"`
	TeamClaimableReward decimal.Decimal `json:"team_claimable_reward"`
	ExchangeRate        decimal.Decimal `json:"exchange_rate"`
	FeeRate             decimal.Decimal `json:"fee_rate"`
	MinFee              decimal.Decimal `json:"min_fee"`
	Judge               string          `json:"judge"`
	Official            string          `json:"official"`
	MiningProxies       []string        `json:"mining_proxies"`
	StateHash           string          `json:"state_hash"`
	AsOfSequence        int64           `json:"as_of_sequence"`
}

// NewPoolSummaryView renders s. AsOfSequence is the last applied sequence.
func NewPoolSummaryView(s core.PoolSummary) PoolSummaryView {
	g := s.Globals
	proxies := make([]string, 0, len(s.Authorities.MiningProxies))
	for _, p := range s.Authorities.MiningProxies {
		proxies = append(proxies, p.String())
	}
	return PoolSummaryView{
		ProviderCount:       g.ProviderCount,
		PolicyCount:         g.PolicyCount,
		TokenStaked:         Amount(g.TokenStaked),
		STokenSupply:        Amount(g.STokenSupply),
		TokenFrozen:         Amount(g.TokenFrozen),
		TotalCoverage:       Amount(g.TotalCoverage),
		AvailableCapital:    Amount(s.AvailableCapital),
		TeamClaimableReward: Amount(g.TeamClaimableReward),
		ExchangeRate:        Rate(g.ExchangeRate),
		FeeRate:             Rate(s.FeeRate),
		MinFee:              Rate(g.MinFee),
		Judge:               s.Authorities.Judge.String(),
		Official:            s.Authorities.Official.String(),
		MiningProxies:       proxies,
		StateHash:           hex.EncodeToString(s.StateHash[:]),
		AsOfSequence:        s.Sequence - 1,
	}
}
