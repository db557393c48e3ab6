package token

import (
	"context"
	"errors"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrTransfer              = errors.New("transfer failed")
)

// Service is the external fungible-token ledger the pool settles against.
// The pool's own account is implicit: Transfer debits it and TransferFrom
// spends an allowance granted to it.
type Service interface {
	Transfer(ctx context.Context, to ledger.AccountID, amount fpmath.Amount) error
	TransferFrom(ctx context.Context, from, to ledger.AccountID, amount fpmath.Amount) error
	BalanceOf(ctx context.Context, account ledger.AccountID) (fpmath.Amount, error)
}

// IsTransferError reports whether err came from the token service.
func IsTransferError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientAllowance) ||
		errors.Is(err, ErrTransfer)
}

// Normalize maps an arbitrary service failure onto the error taxonomy.
func Normalize(err error) error {
	if err == nil || IsTransferError(err) {
		return err
	}
	return errors.Join(ErrTransfer, err)
}
