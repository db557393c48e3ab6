package ingestion

import (
	"context"
	"errors"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/token"

	"github.com/rs/zerolog"
)

// Submitter applies one command on the ledger goroutine. *core.Runner
// implements it.
type Submitter interface {
	Submit(ctx context.Context, cmd event.Command) (*core.Receipt, error)
}

// Outcome is what happened to an inbound message.
type Outcome int

const (
	OutcomeApplied  Outcome = iota
	OutcomeRejected         // domain rejection, final
	OutcomeRetry            // redeliver later
	OutcomeDropped          // malformed or unrecoverable, never redeliver
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRejected:
		return "rejected"
	case OutcomeRetry:
		return "retry"
	default:
		return "dropped"
	}
}

// Dispatcher is the single path from every ingest surface to the core.
// gRPC and HTTP call Dispatch directly; NATS messages arrive through Run.
type Dispatcher struct {
	submitter Submitter
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewDispatcher(submitter Submitter, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		submitter: submitter,
		metrics:   metrics,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch submits cmd and records ingest-to-apply latency from received.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd event.Command, received time.Time) (*core.Receipt, error) {
	receipt, err := d.submitter.Submit(ctx, cmd)
	if err == nil && d.metrics != nil {
		d.metrics.IngestToApply.WithLabelValues(cmd.EventType().String()).Observe(time.Since(received).Seconds())
	}
	return receipt, err
}

// Run drains in until it closes or ctx ends.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle parses, applies and acknowledges one message.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) Outcome {
	cmd, err := ParseRawEvent(raw)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		raw.term()
		return OutcomeDropped
	}

	receipt, err := d.Dispatch(ctx, cmd, raw.Timestamp)
	outcome := Classify(err)
	switch outcome {
	case OutcomeApplied:
		d.log.Debug().Str("op", cmd.EventType().String()).Int64("sequence", receipt.Sequence).Msg("applied")
		raw.ack()
	case OutcomeRejected:
		d.log.Info().Err(err).Str("op", cmd.EventType().String()).
			Str("request_id", cmd.Meta().RequestID.String()).Str("reason", core.RejectReason(err)).Msg("command rejected")
		raw.ack()
	case OutcomeRetry:
		d.log.Warn().Err(err).Str("op", cmd.EventType().String()).Msg("command deferred")
		raw.nak()
	default:
		observability.Critical(&d.log).Err(err).Str("op", cmd.EventType().String()).
			Str("request_id", cmd.Meta().RequestID.String()).Msg("settlement left token balances inconsistent")
		raw.term()
	}
	return outcome
}

// Classify maps a Submit error onto an acknowledgement outcome.
// Compensated transfer failures are retried since the token side may
// recover; an uncompensated one must not run again.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, token.ErrUnrecoverable):
		return OutcomeDropped
	case errors.Is(err, core.ErrRunnerStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		token.IsTransferError(err):
		return OutcomeRetry
	default:
		return OutcomeRejected
	}
}
