package math

import (
	"math/big"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maxAmount() Amount {
	v := new(big.Int).Lsh(big.NewInt(1), 256)
	v.Sub(v, big.NewInt(1))
	return sdkmath.NewUintFromBigInt(v)
}

func TestMulDiv(t *testing.T) {
	got, err := MulDiv(U(10), U(3), U(4))
	require.NoError(t, err)
	assert.Equal(t, "7", got.String())

	// the intermediate product exceeds 256 bits but the quotient fits
	got, err = MulDiv(maxAmount(), U(AccScale), U(AccScale))
	require.NoError(t, err)
	assert.True(t, got.Equal(maxAmount()))

	_, err = MulDiv(U(1), U(1), Zero())
	assert.ErrorIs(t, err, ErrDivisionByZero)

	_, err = MulDiv(maxAmount(), U(2), U(1))
	assert.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestMulDivResultIsNotPooled(t *testing.T) {
	a, err := MulDiv(U(6), U(7), U(1))
	require.NoError(t, err)
	_, err = MulDiv(U(1), U(1), U(1))
	require.NoError(t, err)
	assert.Equal(t, "42", a.String())
}

func TestAddSubOverflow(t *testing.T) {
	_, err := Add(maxAmount(), U(1))
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	_, err = Mul(maxAmount(), U(2))
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	_, err = Sub(U(1), U(2))
	assert.ErrorIs(t, err, ErrArithmeticUnderflow)
	assert.True(t, IsArithmetic(err))

	d, err := Sub(U(5), U(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), d.Uint64())

	assert.True(t, SatSub(U(1), U(2)).IsZero())
	assert.Equal(t, uint64(4), SatSub(U(6), U(2)).Uint64())
}

func TestNilAmountsBehaveAsZero(t *testing.T) {
	var nilAmount Amount
	sum, err := Add(nilAmount, U(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sum.Uint64())
	assert.True(t, OrZero(nilAmount).IsZero())
}

func TestComputePremiumSplit(t *testing.T) {
	split, err := ComputePremiumSplit(U(20_000), U(2000))
	require.NoError(t, err)
	assert.Equal(t, uint64(400), split.Premium.Uint64())
	assert.Equal(t, uint64(20), split.Deposit.Uint64())
	assert.Equal(t, uint64(20), split.TeamReward.Uint64())
	assert.Equal(t, uint64(380), split.ProviderPart.Uint64())

	collected, err := split.Collected()
	require.NoError(t, err)
	assert.Equal(t, uint64(420), collected.Uint64())
}

func TestCurveRoundTrip(t *testing.T) {
	k, err := ComputeCurveConstant(U(2000), U(1_000_000), U(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(4_000_000_000), k.Uint64())

	fee, err := ComputeFeeRate(k, U(1_000_000), U(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), fee.Uint64())

	_, err = ComputeFeeRate(k, Zero(), Zero())
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestShareConversion(t *testing.T) {
	shares, err := ToShares(U(1_000_000), U(InitialExchangeRate))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), shares.Uint64())

	// after a 10% devaluation
	tokens, err := ToTokens(shares, U(90_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(900_000), tokens.Uint64())

	maxCov, err := MaxCoverage(U(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), maxCov.Uint64())
}
