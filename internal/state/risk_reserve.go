package state

import (
	"fmt"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

// RiskReserve pays accepted claims. Its balance lives on the external token
// ledger; when it runs short, the remainder is absorbed by all capital in
// the pool through a devaluation of the exchange rate.
type RiskReserve struct {
	Account ledger.AccountID
}

func NewRiskReserve(account ledger.AccountID) *RiskReserve {
	return &RiskReserve{Account: account}
}

// ComputeCoverage returns how much of a claim the reserve can pay and the
// shortfall left for the pool.
func (r *RiskReserve) ComputeCoverage(reserveBalance, coverage fpmath.Amount) (fromReserve, shortfall fpmath.Amount) {
	if reserveBalance.GTE(coverage) {
		return coverage, fpmath.Zero()
	}
	return reserveBalance, coverage.Sub(reserveBalance)
}

// AbsorbShortfall devalues every share so that staked and frozen capital
// together shrink by exceeded.
func AbsorbShortfall(g *Globals, exceeded fpmath.Amount) error {
	if exceeded.IsZero() {
		return nil
	}

	pre, err := fpmath.Add(g.TokenStaked, g.TokenFrozen)
	if err != nil {
		return err
	}
	if pre.IsZero() {
		return fmt.Errorf("absorb shortfall %s: pool is empty: %w", exceeded, fpmath.ErrDivisionByZero)
	}
	after, err := fpmath.Sub(pre, exceeded)
	if err != nil {
		return fmt.Errorf("absorb shortfall %s exceeds pool capital %s: %w", exceeded, pre, err)
	}

	delta, err := fpmath.MulDiv(after, fpmath.U(fpmath.RateScale), pre)
	if err != nil {
		return err
	}
	rate, err := fpmath.ToTokens(g.ExchangeRate, delta)
	if err != nil {
		return err
	}
	staked, err := fpmath.ToTokens(g.TokenStaked, delta)
	if err != nil {
		return err
	}
	frozen, err := fpmath.ToTokens(g.TokenFrozen, delta)
	if err != nil {
		return err
	}

	g.ExchangeRate = rate
	g.TokenStaked = staked
	g.TokenFrozen = frozen
	return nil
}
