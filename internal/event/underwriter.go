package event

import (
	fpmath "CoverLedger/internal/math"
)

// Stake admits the caller as a capital provider.
type Stake struct {
	Header
	Amount fpmath.Amount `json:"amount"`
}

func (s *Stake) EventType() EventType {
	return EventTypeStake
}

// WithdrawReward pays the caller's accrued premium share.
type WithdrawReward struct {
	Header
}

func (w *WithdrawReward) EventType() EventType {
	return EventTypeWithdrawReward
}

// Exit retires the caller's stake.
type Exit struct {
	Header
}

func (e *Exit) EventType() EventType {
	return EventTypeExit
}

// Unfreeze releases frozen capital of an exited provider.
type Unfreeze struct {
	Header
}

func (u *Unfreeze) EventType() EventType {
	return EventTypeUnfreeze
}
