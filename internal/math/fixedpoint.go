// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	sdkmath "cosmossdk.io/math"
)

const (
	// AccScale is the precision of the per-share accumulators.
	AccScale uint64 = 10_000_000_000_000

	// RateScale is the precision of the exchange rate and of fee rates.
	// A fee rate of 2000 means 2% of coverage.
	RateScale uint64 = 100_000

	// InitialExchangeRate is one base unit per share.
	InitialExchangeRate uint64 = RateScale
)

var (
	ErrArithmeticOverflow  = errors.New("arithmetic overflow")
	ErrArithmeticUnderflow = errors.New("arithmetic underflow")
	ErrDivisionByZero      = errors.New("division by zero")
)

// Amount is an unsigned 256-bit token quantity.
type Amount = sdkmath.Uint

var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// Zero returns a non-nil zero amount. The zero value of sdkmath.Uint wraps
// a nil big.Int and panics on most methods.
func Zero() Amount {
	return sdkmath.ZeroUint()
}

func U(n uint64) Amount {
	return sdkmath.NewUint(n)
}

// OrZero replaces a nil amount (e.g. a field missing from decoded JSON).
func OrZero(a Amount) Amount {
	if a.IsNil() {
		return Zero()
	}
	return a
}

// Parse reads a base-10 amount.
func Parse(s string) (Amount, error) {
	return sdkmath.ParseUint(s)
}

// guard converts a panic from the big-number library into a typed error.
func guard(op string, fn func() Amount) (result Amount, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Zero()
			err = fmt.Errorf("%s: %w (%v)", op, ErrArithmeticOverflow, r)
		}
	}()
	return fn(), nil
}

// Add returns a + b, or ErrArithmeticOverflow past 256 bits.
func Add(a, b Amount) (Amount, error) {
	return guard("add", func() Amount { return OrZero(a).Add(OrZero(b)) })
}

// Sub returns a - b, or ErrArithmeticUnderflow when b > a.
func Sub(a, b Amount) (Amount, error) {
	a, b = OrZero(a), OrZero(b)
	if b.GT(a) {
		return Zero(), fmt.Errorf("sub %s - %s: %w", a, b, ErrArithmeticUnderflow)
	}
	return a.Sub(b), nil
}

// SatSub returns max(0, a - b).
func SatSub(a, b Amount) Amount {
	a, b = OrZero(a), OrZero(b)
	if b.GTE(a) {
		return Zero()
	}
	return a.Sub(b)
}

// Mul returns a * b, or ErrArithmeticOverflow past 256 bits.
func Mul(a, b Amount) (Amount, error) {
	return guard("mul", func() Amount { return OrZero(a).Mul(OrZero(b)) })
}

// Quo returns floor(a / b).
func Quo(a, b Amount) (Amount, error) {
	if OrZero(b).IsZero() {
		return Zero(), fmt.Errorf("quo %s / 0: %w", OrZero(a), ErrDivisionByZero)
	}
	return OrZero(a).Quo(b), nil
}

// MulDiv returns floor(a * b / c). The product is held in an unbounded
// intermediate, so only the final quotient must fit in 256 bits.
func MulDiv(a, b, c Amount) (Amount, error) {
	a, b, c = OrZero(a), OrZero(b), OrZero(c)
	if c.IsZero() {
		return Zero(), fmt.Errorf("muldiv %s * %s / 0: %w", a, b, ErrDivisionByZero)
	}

	product := getBig()
	defer putBig(product)
	product.Mul(a.BigInt(), b.BigInt())
	product.Quo(product, c.BigInt())

	if product.BitLen() > sdkmath.MaxBitLen {
		return Zero(), fmt.Errorf("muldiv %s * %s / %s: %w", a, b, c, ErrArithmeticOverflow)
	}
	// NewUintFromBigInt keeps the pointer; copy out of the pool.
	return guard("muldiv", func() Amount { return sdkmath.NewUintFromBigInt(new(big.Int).Set(product)) })
}

// MulDivU64 is MulDiv with constant factors.
func MulDivU64(a Amount, b, c uint64) (Amount, error) {
	return MulDiv(a, U(b), U(c))
}

// PercentOf returns floor(amount * pct / 100).
func PercentOf(amount Amount, pct uint64) (Amount, error) {
	return MulDivU64(amount, pct, 100)
}

// IsArithmetic reports whether err is one of the arithmetic failures.
func IsArithmetic(err error) bool {
	return errors.Is(err, ErrArithmeticOverflow) ||
		errors.Is(err, ErrArithmeticUnderflow) ||
		errors.Is(err, ErrDivisionByZero)
}

// ToFloat approximates a for metrics and display.
func ToFloat(a Amount) float64 {
	f, _ := new(big.Float).SetInt(OrZero(a).BigInt()).Float64()
	return f
}
