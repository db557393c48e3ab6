package state

import (
	fpmath "CoverLedger/internal/math"
)

// AvailableCapital is staked capital not yet promised to coverage.
func AvailableCapital(g *Globals) fpmath.Amount {
	return fpmath.SatSub(g.TokenStaked, g.TotalCoverage)
}

// FeeRate is the current premium rate in RateScale units of coverage, or
// zero when nothing is available.
func FeeRate(g *Globals) (fpmath.Amount, error) {
	available := AvailableCapital(g)
	if available.IsZero() {
		return fpmath.Zero(), nil
	}
	return fpmath.ComputeFeeRate(g.PricingConstant, available, g.VirtualLiquidity)
}

// Recalibrate keeps the fee continuous across a change of staked capital
// from pre to post. The first provider seeds the curve at InitialFee.
func Recalibrate(g *Globals, pre, post fpmath.Amount) error {
	fee := g.InitialFee
	if g.ProviderCount != 0 {
		var err error
		fee, err = fpmath.ComputeFeeRate(g.PricingConstant, pre, g.VirtualLiquidity)
		if err != nil {
			return err
		}
	}

	k, err := fpmath.ComputeCurveConstant(fee, post, g.VirtualLiquidity)
	if err != nil {
		return err
	}
	g.PricingConstant = k
	return nil
}

// EnforceFloor raises the curve so that cancellations never price below
// MinFee.
func EnforceFloor(g *Globals) error {
	if !g.TokenStaked.GT(g.TotalCoverage) {
		return nil
	}
	available := AvailableCapital(g)

	tentative, err := fpmath.ComputeFeeRate(g.PricingConstant, available, g.VirtualLiquidity)
	if err != nil {
		return err
	}
	if tentative.GTE(g.MinFee) {
		return nil
	}

	k, err := fpmath.ComputeCurveConstant(g.MinFee, available, g.VirtualLiquidity)
	if err != nil {
		return err
	}
	g.PricingConstant = k
	return nil
}
