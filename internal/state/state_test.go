package state

import (
	"fmt"
	"testing"
	"time"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type pool struct {
	g      Globals
	under  *UnderwriterLedger
	policy *PolicyBook
}

func newPool(t *testing.T) *pool {
	t.Helper()
	params := DefaultPoolParams("judge", "official", ledger.SystemAccounts{
		Pool: "pool", RiskReserve: "reserve", Team: "team",
	}, 1_000_000)
	require.NoError(t, params.Validate())
	return &pool{
		g:      NewGlobals(params),
		under:  NewUnderwriterLedger(),
		policy: NewPolicyBook(),
	}
}

func (p *pool) stake(t *testing.T, id ledger.AccountID, amount uint64) Provider {
	t.Helper()
	pr, err := p.under.PlanStake(&p.g, id, fpmath.U(amount), t0)
	require.NoError(t, err)
	p.under.PutProvider(pr)
	return pr
}

func (p *pool) buy(t *testing.T, id ledger.AccountID, coverage uint64, at time.Time) Policy {
	t.Helper()
	plan, err := p.policy.PlanBuy(&p.g, id, fpmath.U(coverage), at)
	require.NoError(t, err)
	require.NoError(t, p.policy.ApplyBuy(plan))
	return plan.Policy
}

func (p *pool) cancel(t *testing.T, id uint64, caller ledger.AccountID, at time.Time) {
	t.Helper()
	pol, err := p.policy.PlanCancel(&p.g, id, caller, at)
	require.NoError(t, err)
	p.policy.Put(pol)
}

func u64(t *testing.T) func(a fpmath.Amount, err error) uint64 {
	return func(a fpmath.Amount, err error) uint64 {
		t.Helper()
		require.NoError(t, err)
		return a.Uint64()
	}
}

func TestStake_SeedsCurveAtInitialFee(t *testing.T) {
	p := newPool(t)
	pr := p.stake(t, "alice", 1_000_000)

	assert.Equal(t, uint64(0), pr.Index)
	assert.Equal(t, uint64(1_000_000), pr.STokenAmount.Uint64())
	assert.Equal(t, uint64(1), p.g.ProviderCount)
	assert.Equal(t, uint64(4_000_000_000), p.g.PricingConstant.Uint64())
	assert.Equal(t, uint64(2000), u64(t)(FeeRate(&p.g)))
	assert.Equal(t, uint64(1_000_000), AvailableCapital(&p.g).Uint64())
}

func TestStake_RecalibrationKeepsFeeContinuous(t *testing.T) {
	p := newPool(t)
	p.stake(t, "alice", 1_000_000)
	p.stake(t, "bob", 3_000_000)

	assert.Equal(t, uint64(10_000_000_000), p.g.PricingConstant.Uint64())
	assert.Equal(t, uint64(2000), u64(t)(FeeRate(&p.g)))
}

func TestStake_Rejections(t *testing.T) {
	p := newPool(t)
	p.stake(t, "alice", 1_000)

	_, err := p.under.PlanStake(&p.g, "alice", fpmath.U(1), t0)
	assert.ErrorIs(t, err, ErrExistingUnderwriter)

	_, err = p.under.PlanStake(&p.g, "bob", fpmath.Zero(), t0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestBuy_CoverageLimit(t *testing.T) {
	p := newPool(t)

	_, err := p.policy.PlanBuy(&p.g, "carol", fpmath.U(1), t0)
	assert.ErrorIs(t, err, ErrInsufficientCoverage)

	p.stake(t, "alice", 1_000_000)
	pol := p.buy(t, "carol", 20_000, t0)

	assert.Equal(t, uint64(0), pol.ID)
	assert.Equal(t, uint64(1), pol.LatestProviderIndex)
	assert.Equal(t, uint64(20), pol.Deposit.Uint64())
	assert.Equal(t, t0.Add(PolicyDuration), pol.EffectiveUntil)
	assert.Equal(t, uint64(20), p.g.TeamClaimableReward.Uint64())
	assert.Equal(t, []uint64{0}, p.policy.PoliciesOf("carol"))

	_, err = p.policy.PlanBuy(&p.g, "carol", fpmath.U(20_001), t0)
	assert.ErrorIs(t, err, ErrInsufficientCoverage)
}

func TestAccumulators_RewardAndShadow(t *testing.T) {
	p := newPool(t)
	p.stake(t, "alice", 1_000_000)
	p.stake(t, "bob", 3_000_000)
	p.buy(t, "carol", 50_000, t0)

	assert.Equal(t, uint64(237), u64(t)(p.under.RewardOf(&p.g, "alice")))
	assert.Equal(t, uint64(712), u64(t)(p.under.RewardOf(&p.g, "bob")))
	assert.True(t, u64(t)(p.under.RewardOf(&p.g, "nobody")) == 0)

	alice, _ := p.under.Provider("alice")
	bob, _ := p.under.Provider("bob")
	assert.Equal(t, uint64(12_500), u64(t)(ShadowOf(&p.g, alice)))
	assert.Equal(t, uint64(37_500), u64(t)(ShadowOf(&p.g, bob)))
	assert.Equal(t, uint64(987_500), u64(t)(p.under.UnfrozenCapitalOf(&p.g, "alice")))
}

func TestDistribute_EmptySupply(t *testing.T) {
	p := newPool(t)
	_, err := Distribute(&p.g, fpmath.U(1), fpmath.U(1))
	assert.ErrorIs(t, err, fpmath.ErrDivisionByZero)
}

func TestWithdrawReward_ResetsDebt(t *testing.T) {
	p := newPool(t)
	p.stake(t, "alice", 1_000_000)
	p.buy(t, "carol", 20_000, t0)

	pr, reward, err := p.under.PlanWithdrawReward(&p.g, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(380), reward.Uint64())
	p.under.PutProvider(pr)
	assert.True(t, u64(t)(p.under.RewardOf(&p.g, "alice")) == 0)

	_, _, err = p.under.PlanWithdrawReward(&p.g, "bob")
	assert.ErrorIs(t, err, ErrNotUnderwriter)
}

func TestExitAndUnfreeze_Lifecycle(t *testing.T) {
	p := newPool(t)
	p.stake(t, "alice", 1_000_000)
	p.buy(t, "carol", 20_000, t0)

	plan, err := p.under.PlanExit(&p.g, "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, uint64(980_000), plan.Withdrawable.Uint64())
	assert.Equal(t, uint64(380), plan.Reward.Uint64())
	require.NotNil(t, plan.Historical)
	assert.Equal(t, uint64(20_000), plan.Historical.FrozenShares.Uint64())
	p.under.ApplyExit(plan)

	assert.True(t, p.g.STokenSupply.IsZero())
	assert.True(t, p.g.TokenStaked.IsZero())
	assert.Equal(t, uint64(20_000), p.g.TokenFrozen.Uint64())
	assert.Equal(t, uint64(2_020_000_000), p.g.PricingConstant.Uint64())

	_, err = p.under.PlanExit(&p.g, "alice", t0)
	assert.ErrorIs(t, err, ErrNotValidUnderwriter)

	_, err = p.under.PlanUnfreeze(&p.g, "alice")
	assert.ErrorIs(t, err, ErrInsufficientSToken)

	expiry := t0.Add(PolicyDuration)
	p.cancel(t, 0, "carol", expiry.Add(time.Hour))
	assert.Equal(t, uint64(1), p.g.LatestUnfrozenIndex)
	assert.Equal(t, uint64(20_000), u64(t)(p.under.UnfrozenCapitalOf(&p.g, "alice")))

	up, err := p.under.PlanUnfreeze(&p.g, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), up.Released.Uint64())
	assert.True(t, up.Retired)
	p.under.ApplyUnfreeze(up)

	assert.True(t, p.g.TokenFrozen.IsZero())
	_, err = p.under.PlanUnfreeze(&p.g, "alice")
	assert.ErrorIs(t, err, ErrNotHistoricalUnderwriter)

	// retired and unfrozen, alice may stake again with a fresh index
	pr := p.stake(t, "alice", 500)
	assert.Equal(t, uint64(1), pr.Index)
}

func TestStakeExit_RoundTripWithoutPremiums(t *testing.T) {
	amounts := []uint64{1, 7, 1_000, 1_000_000, 123_456_789}
	cases := []struct {
		name      string
		rate      uint64 // zero keeps the initial rate
		shortfall uint64 // absorbed against a seeded provider before alice stakes
		exact     bool
	}{
		{name: "initial rate", exact: true},
		{name: "rate 0.99999", rate: 99_999},
		{name: "rate 0.33333", rate: 33_333},
		{name: "after shortfall", shortfall: 15_000},
	}

	for _, tc := range cases {
		for _, amount := range amounts {
			t.Run(fmt.Sprintf("%s/%d", tc.name, amount), func(t *testing.T) {
				p := newPool(t)
				if tc.rate != 0 {
					p.g.ExchangeRate = fpmath.U(tc.rate)
				}
				if tc.shortfall != 0 {
					p.stake(t, "seed", 1_000_000)
					require.NoError(t, AbsorbShortfall(&p.g, fpmath.U(tc.shortfall)))
				}
				supply := p.g.STokenSupply

				p.stake(t, "alice", amount)
				plan, err := p.under.PlanExit(&p.g, "alice", t0)
				require.NoError(t, err)
				p.under.ApplyExit(plan)

				assert.Nil(t, plan.Historical)
				assert.True(t, plan.Reward.IsZero())
				payout := u64(t)(plan.Payout())
				if tc.exact {
					assert.Equal(t, amount, payout)
				} else {
					// one floor on each conversion, at a rate below one
					assert.LessOrEqual(t, payout, amount)
					assert.GreaterOrEqual(t, payout+1, amount)
				}

				assert.True(t, p.g.STokenSupply.Equal(supply), "supply %s, want %s", p.g.STokenSupply, supply)
				if tc.shortfall == 0 {
					assert.True(t, p.g.STokenSupply.IsZero())
					assert.True(t, p.g.TokenStaked.IsZero())
				}
			})
		}
	}
}

func TestStake_BlockedWhileFrozen(t *testing.T) {
	p := newPool(t)
	p.stake(t, "alice", 1_000_000)
	p.buy(t, "carol", 20_000, t0)
	plan, err := p.under.PlanExit(&p.g, "alice", t0)
	require.NoError(t, err)
	p.under.ApplyExit(plan)

	_, err = p.under.PlanStake(&p.g, "alice", fpmath.U(1_000), t0)
	assert.ErrorIs(t, err, ErrExistingUnderwriter)
}

func TestCancel_OrderingAndGrace(t *testing.T) {
	p := newPool(t)
	p.stake(t, "alice", 10_000_000)
	p.buy(t, "carol", 1_000, t0)
	p.buy(t, "dave", 1_000, t0.Add(time.Minute))
	expiry := t0.Add(time.Minute).Add(PolicyDuration)

	_, err := p.policy.PlanCancel(&p.g, 1, "dave", expiry.Add(time.Hour))
	assert.ErrorIs(t, err, ErrPreviousPolicyNotCancelled)

	_, err = p.policy.PlanCancel(&p.g, 0, "carol", t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotExpiredPolicy)

	_, err = p.policy.PlanCancel(&p.g, 0, "mallory", expiry)
	assert.ErrorIs(t, err, ErrOnlyPolicyHolderCanCancel)

	// anyone may clean up after the grace period
	p.cancel(t, 0, "mallory", expiry.Add(CancelGracePeriod+time.Minute))
	_, err = p.policy.PlanCancel(&p.g, 0, "carol", expiry.Add(48*time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyCancelledPolicy)

	p.cancel(t, 1, "dave", expiry)
	assert.True(t, p.g.TotalCoverage.IsZero())
	assert.True(t, p.g.AccShadowRolledBack.Equal(p.g.AccShadowPerShare))

	_, err = p.policy.PlanCancel(&p.g, 7, "dave", expiry)
	assert.ErrorIs(t, err, ErrNotExistedPolicy)
}

func TestCancel_EnforcesFeeFloor(t *testing.T) {
	p := newPool(t)
	p.stake(t, "alice", 1_000_000)
	p.buy(t, "carol", 20_000, t0)

	// a curve this flat prices below the floor once coverage is released
	p.g.PricingConstant = fpmath.U(1_000)
	p.cancel(t, 0, "carol", t0.Add(PolicyDuration))

	assert.Equal(t, uint64(2000), u64(t)(FeeRate(&p.g)))
	assert.Equal(t, uint64(4_000_000_000), p.g.PricingConstant.Uint64())
}

func TestClaimStateMachine(t *testing.T) {
	p := newPool(t)
	p.stake(t, "alice", 1_000_000)
	p.buy(t, "carol", 20_000, t0)

	_, err := p.policy.PlanApplyClaim(0, "mallory", t0)
	assert.ErrorIs(t, err, ErrNotBeneficiary)

	pol, err := p.policy.PlanApplyClaim(0, "carol", t0.Add(time.Hour))
	require.NoError(t, err)
	p.policy.Put(pol)

	_, err = p.policy.PlanApplyClaim(0, "carol", t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrInClaimingProgress)

	_, err = p.policy.PlanCancel(&p.g, 0, "carol", t0.Add(PolicyDuration+time.Hour))
	assert.ErrorIs(t, err, ErrClaimingInProgress)

	// refuse is idempotent
	pol, err = p.policy.PlanRefuseClaim(0)
	require.NoError(t, err)
	p.policy.Put(pol)
	again, err := p.policy.PlanRefuseClaim(0)
	require.NoError(t, err)
	assert.Equal(t, pol, again)

	_, err = p.policy.PlanAcceptClaim(0)
	assert.ErrorIs(t, err, ErrNotInClaimingProgress)

	_, err = p.policy.PlanApplyClaim(0, "carol", t0.Add(PolicyDuration+time.Second))
	assert.ErrorIs(t, err, ErrNotEffectivePolicy)
}

func TestAbsorbShortfall(t *testing.T) {
	p := newPool(t)
	p.stake(t, "alice", 1_000_000)

	reserve := NewRiskReserve("reserve")
	fromReserve, shortfall := reserve.ComputeCoverage(fpmath.U(5_000), fpmath.U(20_000))
	assert.Equal(t, uint64(5_000), fromReserve.Uint64())
	assert.Equal(t, uint64(15_000), shortfall.Uint64())

	require.NoError(t, AbsorbShortfall(&p.g, shortfall))
	assert.Equal(t, uint64(98_500), p.g.ExchangeRate.Uint64())
	assert.Equal(t, uint64(985_000), p.g.TokenStaked.Uint64())
	assert.Equal(t, uint64(985_000), u64(t)(p.under.UnfrozenCapitalOf(&p.g, "alice")))

	err := AbsorbShortfall(&p.g, fpmath.U(2_000_000))
	assert.ErrorIs(t, err, fpmath.ErrArithmeticUnderflow)
}

func TestGovernance(t *testing.T) {
	gv := NewGovernance("judge", "official")

	assert.ErrorIs(t, gv.RequireJudge("official"), ErrNotJudger)
	assert.NoError(t, gv.RequireJudge("judge"))
	assert.ErrorIs(t, gv.RequireOfficial("judge"), ErrNotOfficial)

	gv.SetMiningProxy("proxy-b", true)
	gv.SetMiningProxy("proxy-a", true)
	gv.SetMiningProxy("proxy-b", false)
	assert.True(t, gv.IsMiningProxy("proxy-a"))
	assert.False(t, gv.IsMiningProxy("proxy-b"))

	restored := NewGovernance("", "")
	restored.Restore(gv.Snapshot())
	assert.Equal(t, gv.Snapshot(), restored.Snapshot())
}
