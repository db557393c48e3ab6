package state

import (
	"fmt"
	"time"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

// PolicyBook owns policies, dense by id, and the per-purchaser index.
// Like UnderwriterLedger it separates Plan (validate and compute against
// scratch Globals) from commit.
type PolicyBook struct {
	policies []Policy
	byOwner  map[ledger.AccountID][]uint64
}

func NewPolicyBook() *PolicyBook {
	return &PolicyBook{
		byOwner: make(map[ledger.AccountID][]uint64),
	}
}

func (b *PolicyBook) Policy(id uint64) (Policy, bool) {
	if id >= uint64(len(b.policies)) {
		return Policy{}, false
	}
	return b.policies[id], true
}

func (b *PolicyBook) lookup(id uint64) (Policy, error) {
	p, ok := b.Policy(id)
	if !ok {
		return Policy{}, fmt.Errorf("policy %d: %w", id, ErrNotExistedPolicy)
	}
	return p, nil
}

// PoliciesOf returns the ids of policies bought by owner, oldest first.
func (b *PolicyBook) PoliciesOf(owner ledger.AccountID) []uint64 {
	ids := b.byOwner[owner]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// BuyPlan is a priced, not yet committed purchase.
type BuyPlan struct {
	Policy  Policy
	Split   fpmath.PremiumSplit
	FeeRate fpmath.Amount
}

// PlanBuy prices coverage for purchaser, who is also the beneficiary.
func (b *PolicyBook) PlanBuy(g *Globals, purchaser ledger.AccountID, coverage fpmath.Amount, now time.Time) (*BuyPlan, error) {
	if coverage.IsNil() || coverage.IsZero() {
		return nil, ErrInvalidAmount
	}
	available := AvailableCapital(g)
	maxCoverage, err := fpmath.MaxCoverage(available)
	if err != nil {
		return nil, err
	}
	if available.IsZero() || coverage.GT(maxCoverage) {
		return nil, fmt.Errorf("coverage %s, limit %s: %w", coverage, maxCoverage, ErrInsufficientCoverage)
	}

	fee, err := FeeRate(g)
	if err != nil {
		return nil, err
	}
	split, err := fpmath.ComputePremiumSplit(coverage, fee)
	if err != nil {
		return nil, err
	}

	total, err := fpmath.Add(g.TotalCoverage, coverage)
	if err != nil {
		return nil, err
	}
	g.TotalCoverage = total
	deltaShadow, err := Distribute(g, split.ProviderPart, coverage)
	if err != nil {
		return nil, err
	}
	team, err := fpmath.Add(g.TeamClaimableReward, split.TeamReward)
	if err != nil {
		return nil, err
	}
	g.TeamClaimableReward = team

	policy := Policy{
		ID:                  g.PolicyCount,
		Beneficiary:         purchaser,
		Coverage:            coverage,
		Premium:             split.Premium,
		Deposit:             split.Deposit,
		StartTime:           now,
		EffectiveUntil:      now.Add(PolicyDuration),
		LatestProviderIndex: g.ProviderCount,
		DeltaShadow:         deltaShadow,
	}
	g.PolicyCount++

	return &BuyPlan{Policy: policy, Split: split, FeeRate: fee}, nil
}

// ApplyBuy appends the purchased policy.
func (b *PolicyBook) ApplyBuy(plan *BuyPlan) error {
	p := plan.Policy
	if p.ID != uint64(len(b.policies)) {
		return fmt.Errorf("policy id %d out of order, next is %d", p.ID, len(b.policies))
	}
	b.policies = append(b.policies, p)
	b.byOwner[p.Beneficiary] = append(b.byOwner[p.Beneficiary], p.ID)
	return nil
}

// Put replaces an existing policy with an updated copy.
func (b *PolicyBook) Put(p Policy) {
	b.policies[p.ID] = p
}

// PlanCancel releases the coverage and shadow of an expired policy.
// Policies cancel strictly in id order so that LatestUnfrozenIndex only
// moves forward.
func (b *PolicyBook) PlanCancel(g *Globals, id uint64, caller ledger.AccountID, now time.Time) (Policy, error) {
	p, err := b.lookup(id)
	if err != nil {
		return Policy{}, err
	}
	if p.IsCanceled {
		return Policy{}, fmt.Errorf("policy %d: %w", id, ErrAlreadyCancelledPolicy)
	}
	if id > 0 && !b.policies[id-1].IsCanceled {
		return Policy{}, fmt.Errorf("policy %d: %w", id-1, ErrPreviousPolicyNotCancelled)
	}
	if !p.ExpiredAt(now) {
		return Policy{}, fmt.Errorf("policy %d effective until %s: %w", id, p.EffectiveUntil.Format(time.RFC3339), ErrNotExpiredPolicy)
	}
	if p.InClaimApplying {
		return Policy{}, fmt.Errorf("policy %d: %w", id, ErrClaimingInProgress)
	}
	if now.Sub(p.EffectiveUntil) <= CancelGracePeriod && caller != p.Beneficiary {
		return Policy{}, fmt.Errorf("policy %d: %w", id, ErrOnlyPolicyHolderCanCancel)
	}

	total, err := fpmath.Sub(g.TotalCoverage, p.Coverage)
	if err != nil {
		return Policy{}, err
	}
	g.TotalCoverage = total
	if err := RollBack(g, p.DeltaShadow); err != nil {
		return Policy{}, err
	}
	g.LatestUnfrozenIndex = p.LatestProviderIndex
	if err := EnforceFloor(g); err != nil {
		return Policy{}, err
	}

	p.IsCanceled = true
	return p, nil
}

// PlanApplyClaim opens a claim on policy id for its beneficiary.
func (b *PolicyBook) PlanApplyClaim(id uint64, caller ledger.AccountID, now time.Time) (Policy, error) {
	p, err := b.lookup(id)
	if err != nil {
		return Policy{}, err
	}
	switch {
	case p.Beneficiary != caller:
		return Policy{}, fmt.Errorf("policy %d: %w", id, ErrNotBeneficiary)
	case p.IsClaimed:
		return Policy{}, fmt.Errorf("policy %d: %w", id, ErrAlreadyClaimedPolicy)
	case p.InClaimApplying:
		return Policy{}, fmt.Errorf("policy %d: %w", id, ErrInClaimingProgress)
	case p.IsCanceled:
		return Policy{}, fmt.Errorf("policy %d: %w", id, ErrAlreadyCancelledPolicy)
	case now.After(p.EffectiveUntil):
		return Policy{}, fmt.Errorf("policy %d: %w", id, ErrNotEffectivePolicy)
	}
	p.InClaimApplying = true
	return p, nil
}

// PlanRefuseClaim closes a pending claim without payment. Refusing a
// policy with no pending claim is a no-op.
func (b *PolicyBook) PlanRefuseClaim(id uint64) (Policy, error) {
	p, err := b.lookup(id)
	if err != nil {
		return Policy{}, err
	}
	p.InClaimApplying = false
	return p, nil
}

// PlanAcceptClaim marks a pending claim paid. The caller arranges payment.
func (b *PolicyBook) PlanAcceptClaim(id uint64) (Policy, error) {
	p, err := b.lookup(id)
	if err != nil {
		return Policy{}, err
	}
	if !p.InClaimApplying {
		return Policy{}, fmt.Errorf("policy %d: %w", id, ErrNotInClaimingProgress)
	}
	p.InClaimApplying = false
	p.IsClaimed = true
	return p, nil
}

// OpenCoverage sums coverage of non-cancelled policies; it must equal
// Globals.TotalCoverage.
func (b *PolicyBook) OpenCoverage() fpmath.Amount {
	total := fpmath.Zero()
	for _, p := range b.policies {
		if !p.IsCanceled {
			total = total.Add(p.Coverage)
		}
	}
	return total
}

// Policies returns all policies in id order.
func (b *PolicyBook) Policies() []Policy {
	out := make([]Policy, len(b.policies))
	copy(out, b.policies)
	return out
}

func (b *PolicyBook) Len() uint64 {
	return uint64(len(b.policies))
}

// Restore replaces all policies. They must be dense by id.
func (b *PolicyBook) Restore(policies []Policy) error {
	b.policies = make([]Policy, 0, len(policies))
	b.byOwner = make(map[ledger.AccountID][]uint64)
	for i, p := range policies {
		if p.ID != uint64(i) {
			return fmt.Errorf("restore: policy at position %d has id %d", i, p.ID)
		}
		p.Normalize()
		b.policies = append(b.policies, p)
		b.byOwner[p.Beneficiary] = append(b.byOwner[p.Beneficiary], p.ID)
	}
	return nil
}
