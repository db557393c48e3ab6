package state

import (
	"fmt"
	"time"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

const (
	// PolicyDuration is how long a purchased policy stays effective.
	PolicyDuration = 90 * 24 * time.Hour

	// CancelGracePeriod is the window after expiry in which only the
	// beneficiary may cancel.
	CancelGracePeriod = 24 * time.Hour

	DefaultInitialFee uint64 = 2000 // 2% of coverage
	DefaultMinFee     uint64 = 2000
)

// PoolParams configures a new pool.
type PoolParams struct {
	InitialFee       uint64
	MinFee           uint64
	VirtualLiquidity uint64
	Judge            ledger.AccountID
	Official         ledger.AccountID
	Accounts         ledger.SystemAccounts
}

// DefaultPoolParams returns the stock fee settings with the given
// authorities and accounts.
func DefaultPoolParams(judge, official ledger.AccountID, accounts ledger.SystemAccounts, virtualLiquidity uint64) PoolParams {
	return PoolParams{
		InitialFee:       DefaultInitialFee,
		MinFee:           DefaultMinFee,
		VirtualLiquidity: virtualLiquidity,
		Judge:            judge,
		Official:         official,
		Accounts:         accounts,
	}
}

// Validate checks parameter consistency
func (p PoolParams) Validate() error {
	if p.VirtualLiquidity == 0 {
		return fmt.Errorf("virtual liquidity must be positive")
	}
	if p.InitialFee == 0 || p.InitialFee > fpmath.RateScale {
		return fmt.Errorf("initial fee must be in (0, %d], got %d", fpmath.RateScale, p.InitialFee)
	}
	if p.MinFee > fpmath.RateScale {
		return fmt.Errorf("min fee must be at most %d, got %d", fpmath.RateScale, p.MinFee)
	}
	if p.Judge.IsZero() {
		return fmt.Errorf("judge identity is required")
	}
	if p.Official.IsZero() {
		return fmt.Errorf("official identity is required")
	}
	return p.Accounts.Validate()
}
