package event

import (
	fpmath "CoverLedger/internal/math"
)

// BuyCover purchases coverage for the caller.
type BuyCover struct {
	Header
	Coverage fpmath.Amount `json:"coverage"`
}

func (b *BuyCover) EventType() EventType {
	return EventTypeBuyCover
}

type CancelPolicy struct {
	Header
	PolicyID uint64 `json:"policy_id"`
}

func (c *CancelPolicy) EventType() EventType {
	return EventTypeCancelPolicy
}

type ApplyClaim struct {
	Header
	PolicyID uint64 `json:"policy_id"`
}

func (a *ApplyClaim) EventType() EventType {
	return EventTypeApplyClaim
}

// RefuseClaim and AcceptClaim are judge decisions.
type RefuseClaim struct {
	Header
	PolicyID uint64 `json:"policy_id"`
}

func (r *RefuseClaim) EventType() EventType {
	return EventTypeRefuseClaim
}

type AcceptClaim struct {
	Header
	PolicyID uint64 `json:"policy_id"`
}

func (a *AcceptClaim) EventType() EventType {
	return EventTypeAcceptClaim
}
