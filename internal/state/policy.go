package state

import (
	"time"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

// Policy is one purchased coverage. Policies are never deleted.
type Policy struct {
	ID             uint64           `json:"id"`
	Beneficiary    ledger.AccountID `json:"beneficiary"`
	Coverage       fpmath.Amount    `json:"coverage"`
	Premium        fpmath.Amount    `json:"premium"`
	Deposit        fpmath.Amount    `json:"deposit"`
	StartTime      time.Time        `json:"start_time"`
	EffectiveUntil time.Time        `json:"effective_until"`

	// LatestProviderIndex is the provider count at purchase. Providers
	// with a lower index were exposed to this policy.
	LatestProviderIndex uint64        `json:"latest_provider_index"`
	DeltaShadow         fpmath.Amount `json:"delta_shadow"`
	IsClaimed           bool          `json:"is_claimed"`
	InClaimApplying     bool          `json:"in_claim_applying"`
	IsCanceled          bool          `json:"is_canceled"`
}

// PolicyStatus is a display summary of the policy flags.
type PolicyStatus string

const (
	PolicyStatusActive   PolicyStatus = "active"
	PolicyStatusApplying PolicyStatus = "claim_applying"
	PolicyStatusClaimed  PolicyStatus = "claimed"
	PolicyStatusCanceled PolicyStatus = "canceled"
)

func (p Policy) Status() PolicyStatus {
	switch {
	case p.IsCanceled:
		return PolicyStatusCanceled
	case p.InClaimApplying:
		return PolicyStatusApplying
	case p.IsClaimed:
		return PolicyStatusClaimed
	default:
		return PolicyStatusActive
	}
}

// ExpiredAt reports whether the policy is past its effective window.
func (p Policy) ExpiredAt(now time.Time) bool {
	return !p.EffectiveUntil.After(now)
}

func (p *Policy) Normalize() {
	p.Coverage = fpmath.OrZero(p.Coverage)
	p.Premium = fpmath.OrZero(p.Premium)
	p.Deposit = fpmath.OrZero(p.Deposit)
	p.DeltaShadow = fpmath.OrZero(p.DeltaShadow)
}
