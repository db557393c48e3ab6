package state

import (
	"fmt"

	fpmath "CoverLedger/internal/math"
)

// Per-share accumulator arithmetic. A principal holding s shares is owed
// s*acc/AccScale - debt, where debt was taken at the accumulator value it
// joined at. Distribution is O(1) regardless of how many providers exist.

// Distribute credits a premium event to every current share. It returns
// the shadow delta to be recorded on the policy.
func Distribute(g *Globals, providerReward, coverage fpmath.Amount) (fpmath.Amount, error) {
	if g.STokenSupply.IsZero() {
		return fpmath.Zero(), fmt.Errorf("distribute: no shares outstanding: %w", fpmath.ErrDivisionByZero)
	}

	deltaReward, err := fpmath.PerShare(providerReward, g.STokenSupply)
	if err != nil {
		return fpmath.Zero(), err
	}
	deltaShadow, err := fpmath.PerShare(coverage, g.STokenSupply)
	if err != nil {
		return fpmath.Zero(), err
	}

	accReward, err := fpmath.Add(g.AccRewardPerShare, deltaReward)
	if err != nil {
		return fpmath.Zero(), err
	}
	accShadow, err := fpmath.Add(g.AccShadowPerShare, deltaShadow)
	if err != nil {
		return fpmath.Zero(), err
	}

	g.AccRewardPerShare = accReward
	g.AccShadowPerShare = accShadow
	return deltaShadow, nil
}

// RollBack releases a cancelled policy's shadow contribution.
func RollBack(g *Globals, deltaShadow fpmath.Amount) error {
	rolled, err := fpmath.Add(g.AccShadowRolledBack, deltaShadow)
	if err != nil {
		return err
	}
	if rolled.GT(g.AccShadowPerShare) {
		return fmt.Errorf("rollback %s past accumulator %s: %w", rolled, g.AccShadowPerShare, fpmath.ErrArithmeticOverflow)
	}
	g.AccShadowRolledBack = rolled
	return nil
}

// DebtsFor returns the reward and shadow debts of stoken new shares.
func DebtsFor(g *Globals, stoken fpmath.Amount) (rewardDebt, shadowDebt fpmath.Amount, err error) {
	rewardDebt, err = fpmath.AccruedFor(stoken, g.AccRewardPerShare)
	if err != nil {
		return fpmath.Zero(), fpmath.Zero(), err
	}
	shadowDebt, err = fpmath.AccruedFor(stoken, g.AccShadowPerShare)
	if err != nil {
		return fpmath.Zero(), fpmath.Zero(), err
	}
	return rewardDebt, shadowDebt, nil
}

// PendingReward is the claimable premium share of p.
func PendingReward(g *Globals, p Provider) (fpmath.Amount, error) {
	if !p.IsActive() {
		return fpmath.Zero(), nil
	}
	accrued, err := fpmath.AccruedFor(p.STokenAmount, g.AccRewardPerShare)
	if err != nil {
		return fpmath.Zero(), err
	}
	return fpmath.Sub(accrued, p.RewardDebt)
}

// ShadowOf is the capital of p locked behind open policies. Providers that
// joined after the last processed cancellation carry their own debt;
// earlier ones share the global rollback.
func ShadowOf(g *Globals, p Provider) (fpmath.Amount, error) {
	if p.Index > g.LatestUnfrozenIndex {
		accrued, err := fpmath.AccruedFor(p.STokenAmount, g.AccShadowPerShare)
		if err != nil {
			return fpmath.Zero(), err
		}
		return fpmath.Sub(accrued, p.ShadowDebt)
	}

	open, err := fpmath.Sub(g.AccShadowPerShare, g.AccShadowRolledBack)
	if err != nil {
		return fpmath.Zero(), err
	}
	return fpmath.AccruedFor(p.STokenAmount, open)
}

// HistoricalShadowOf is ShadowOf evaluated on the snapshot taken at exit.
// Rollbacks can exceed the accumulator seen at exit because policies sold
// after the exit also cancel, so that difference saturates at zero.
func HistoricalShadowOf(g *Globals, h HistoricalProvider) (fpmath.Amount, error) {
	if h.IndexBefore > g.LatestUnfrozenIndex {
		accrued, err := fpmath.AccruedFor(h.STokenAmountBefore, h.ShadowAccAtExit)
		if err != nil {
			return fpmath.Zero(), err
		}
		return fpmath.Sub(accrued, h.ShadowDebtBefore)
	}

	open := fpmath.SatSub(h.ShadowAccAtExit, g.AccShadowRolledBack)
	return fpmath.AccruedFor(h.STokenAmountBefore, open)
}
