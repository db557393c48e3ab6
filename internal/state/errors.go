package state

import "errors"

// ErrOperationInProgress rejects an operation issued while another one is
// still settling, e.g. from a token callback.
var ErrOperationInProgress = errors.New("another operation is in progress")

// Authorization
var (
	ErrNotJudger   = errors.New("caller is not the judger")
	ErrNotOfficial = errors.New("caller is not the official")
)

// Underwriting and economic preconditions
var (
	ErrInvalidAmount                       = errors.New("amount must be positive")
	ErrInsufficientCoverage                = errors.New("insufficient capital for coverage")
	ErrExistingUnderwriter                 = errors.New("underwriter already exists")
	ErrNotUnderwriter                      = errors.New("not an underwriter")
	ErrNotValidUnderwriter                 = errors.New("underwriter has no stake")
	ErrProviderLeavingInProgress           = errors.New("provider exit in progress")
	ErrNotHistoricalUnderwriter            = errors.New("not a historical underwriter")
	ErrHistoricalProviderLeavingInProgress = errors.New("historical provider withdrawal in progress")
	ErrInsufficientSToken                  = errors.New("no unfrozen capital to release")
	ErrNotValidMiningProxy                 = errors.New("not a valid mining proxy")
	ErrInsufficientIdleCapital             = errors.New("amount exceeds idle capital")
)

// Policy state machine
var (
	ErrNotExistedPolicy           = errors.New("policy does not exist")
	ErrAlreadyCancelledPolicy     = errors.New("policy already cancelled")
	ErrNotExpiredPolicy           = errors.New("policy has not expired")
	ErrClaimingInProgress         = errors.New("policy has a claim in progress")
	ErrOnlyPolicyHolderCanCancel  = errors.New("only the policy holder can cancel during the grace period")
	ErrPreviousPolicyNotCancelled = errors.New("previous policy not cancelled")
	ErrNotBeneficiary             = errors.New("caller is not the beneficiary")
	ErrAlreadyClaimedPolicy       = errors.New("policy already claimed")
	ErrInClaimingProgress         = errors.New("claim already applied")
	ErrNotEffectivePolicy         = errors.New("policy is no longer effective")
	ErrNotInClaimingProgress      = errors.New("policy has no pending claim")
)

// IsAuthorization reports whether err is a caller-identity rejection.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrNotJudger) ||
		errors.Is(err, ErrNotOfficial) ||
		errors.Is(err, ErrNotBeneficiary) ||
		errors.Is(err, ErrOnlyPolicyHolderCanCancel)
}

// IsNotFound reports whether err names a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotExistedPolicy) ||
		errors.Is(err, ErrNotUnderwriter) ||
		errors.Is(err, ErrNotHistoricalUnderwriter)
}

// IsInProgress reports whether err is a reentrancy latch rejection.
func IsInProgress(err error) bool {
	return errors.Is(err, ErrOperationInProgress) ||
		errors.Is(err, ErrProviderLeavingInProgress) ||
		errors.Is(err, ErrHistoricalProviderLeavingInProgress)
}
