package token

import (
	"context"
	"errors"
	"fmt"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

// ErrUnrecoverable marks a settlement whose completed legs could not be
// reversed. Funds are out of sync with the ledger and need an operator.
var ErrUnrecoverable = errors.New("settlement could not be compensated")

// Call is one token-service invocation. Consecutive journals with the same
// leg kind and endpoints are merged into one call.
type Call struct {
	Leg    ledger.LegKind
	From   ledger.AccountID
	To     ledger.AccountID
	Amount fpmath.Amount
}

// Plan merges the journals of batch into service calls, preserving order.
func Plan(batch *ledger.Batch) []Call {
	if batch.IsEmpty() {
		return nil
	}
	calls := make([]Call, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		if n := len(calls); n > 0 {
			last := &calls[n-1]
			if last.Leg == j.Leg && last.From == j.From && last.To == j.To {
				last.Amount = last.Amount.Add(j.Amount)
				continue
			}
		}
		calls = append(calls, Call{Leg: j.Leg, From: j.From, To: j.To, Amount: j.Amount})
	}
	return calls
}

// Settle executes batch against svc. When a call fails, completed
// transfer_from calls are refunded in reverse order and the original error
// is returned. A completed outgoing transfer cannot be pulled back, so its
// presence yields ErrUnrecoverable.
func Settle(ctx context.Context, svc Service, batch *ledger.Batch) error {
	calls := Plan(batch)
	for i, c := range calls {
		if err := execute(ctx, svc, c); err != nil {
			err = Normalize(err)
			if cerr := compensate(ctx, svc, calls[:i]); cerr != nil {
				return errors.Join(err, cerr)
			}
			return err
		}
	}
	return nil
}

func execute(ctx context.Context, svc Service, c Call) error {
	if c.Leg == ledger.LegTransferFrom {
		return svc.TransferFrom(ctx, c.From, c.To, c.Amount)
	}
	return svc.Transfer(ctx, c.To, c.Amount)
}

func compensate(ctx context.Context, svc Service, done []Call) error {
	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		c := done[i]
		if c.Leg != ledger.LegTransferFrom {
			errs = append(errs, fmt.Errorf("%w: transfer of %s to %s already executed", ErrUnrecoverable, c.Amount, c.To))
			continue
		}
		if err := svc.Transfer(ctx, c.From, c.Amount); err != nil {
			errs = append(errs, fmt.Errorf("%w: refund %s to %s: %v", ErrUnrecoverable, c.Amount, c.From, err))
		}
	}
	return errors.Join(errs...)
}
