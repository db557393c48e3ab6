// internal/math/curve.go
package math

// Premium splits. All percentages are of the premium.
const (
	DepositPercent = 5
	TeamPercent    = 5

	// MaxCoveragePercent caps a single purchase against available capital.
	MaxCoveragePercent = 2
)

// ComputeFeeRate evaluates the bonding curve k / (capital + virtual).
// The rate is in RateScale units of coverage.
func ComputeFeeRate(k, capital, virtual Amount) (Amount, error) {
	denom, err := Add(capital, virtual)
	if err != nil {
		return Zero(), err
	}
	return Quo(k, denom)
}

// ComputeCurveConstant returns the constant that prices capital at fee.
func ComputeCurveConstant(fee, capital, virtual Amount) (Amount, error) {
	denom, err := Add(capital, virtual)
	if err != nil {
		return Zero(), err
	}
	return Mul(fee, denom)
}

// PremiumSplit is the breakdown of one coverage purchase.
type PremiumSplit struct {
	Premium      Amount
	Deposit      Amount
	TeamReward   Amount
	ProviderPart Amount
}

// Collected is what the purchaser pays up front.
func (s PremiumSplit) Collected() (Amount, error) {
	return Add(s.Premium, s.Deposit)
}

// ComputePremiumSplit prices coverage at feeRate and splits the premium.
func ComputePremiumSplit(coverage, feeRate Amount) (PremiumSplit, error) {
	premium, err := MulDiv(coverage, feeRate, U(RateScale))
	if err != nil {
		return PremiumSplit{}, err
	}
	deposit, err := PercentOf(premium, DepositPercent)
	if err != nil {
		return PremiumSplit{}, err
	}
	team, err := PercentOf(premium, TeamPercent)
	if err != nil {
		return PremiumSplit{}, err
	}
	providers, err := Sub(premium, team)
	if err != nil {
		return PremiumSplit{}, err
	}
	return PremiumSplit{
		Premium:      premium,
		Deposit:      deposit,
		TeamReward:   team,
		ProviderPart: providers,
	}, nil
}

// MaxCoverage is the largest single purchase available capital allows.
func MaxCoverage(available Amount) (Amount, error) {
	return PercentOf(available, MaxCoveragePercent)
}

// ToShares converts base units to shares at rate.
func ToShares(amount, rate Amount) (Amount, error) {
	return MulDiv(amount, U(RateScale), rate)
}

// ToTokens converts shares to base units at rate.
func ToTokens(shares, rate Amount) (Amount, error) {
	return MulDiv(shares, rate, U(RateScale))
}

// PerShare scales value by AccScale over supply.
func PerShare(value, supply Amount) (Amount, error) {
	return MulDiv(value, U(AccScale), supply)
}

// AccruedFor is shares * acc / AccScale.
func AccruedFor(shares, acc Amount) (Amount, error) {
	return MulDiv(shares, acc, U(AccScale))
}
