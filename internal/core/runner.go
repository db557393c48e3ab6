package core

import (
	"context"
	"errors"

	"CoverLedger/internal/event"

	"github.com/rs/zerolog"
)

var ErrRunnerStopped = errors.New("ledger runner stopped")

type job struct {
	fn   func(l *Ledger)
	done chan struct{}
}

// Runner owns a Ledger and serialises every command and query onto one
// goroutine. gRPC, HTTP and the NATS subscriber all submit through it.
type Runner struct {
	ledger  *Ledger
	jobs    chan job
	stopped chan struct{}
	log     zerolog.Logger
}

func NewRunner(l *Ledger, queueSize int, log zerolog.Logger) *Runner {
	return &Runner{
		ledger:  l,
		jobs:    make(chan job, queueSize),
		stopped: make(chan struct{}),
		log:     log,
	}
}

// Run processes jobs until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.stopped)
	r.log.Info().Int64("next_sequence", r.ledger.GetSequence()).Msg("ledger runner started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Int64("next_sequence", r.ledger.GetSequence()).Msg("ledger runner stopped")
			return ctx.Err()
		case j := <-r.jobs:
			j.fn(r.ledger)
			close(j.done)
		}
	}
}

// Do runs fn on the ledger goroutine and waits for it. ctx bounds only the
// wait for a queue slot: once queued, Do returns after fn has run, or with
// ErrRunnerStopped if the runner exits first.
func (r *Runner) Do(ctx context.Context, fn func(l *Ledger)) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case r.jobs <- j:
	case <-r.stopped:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-j.done:
		return nil
	case <-r.stopped:
		// Run may have finished fn just before returning.
		select {
		case <-j.done:
			return nil
		default:
			return ErrRunnerStopped
		}
	}
}

// Submit processes cmd on the ledger goroutine.
func (r *Runner) Submit(ctx context.Context, cmd event.Command) (*Receipt, error) {
	var (
		receipt *Receipt
		err     error
	)
	if doErr := r.Do(ctx, func(l *Ledger) {
		receipt, err = l.Process(ctx, cmd)
	}); doErr != nil {
		return nil, doErr
	}
	return receipt, err
}

// Query runs a read-only fn on the ledger goroutine.
func Query[T any](ctx context.Context, r *Runner, fn func(l *Ledger) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if doErr := r.Do(ctx, func(l *Ledger) {
		out, err = fn(l)
	}); doErr != nil {
		var zero T
		return zero, doErr
	}
	return out, err
}
