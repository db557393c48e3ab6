package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectPrefix is the outbound namespace, one subject per event
// type: cover.events.{event_type}.
const EventSubjectPrefix = "cover.events."

// JetStreamPublisher is the part of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied operations to NATS for downstream
// consumers. The publish channel drops under load, so consumers that need
// every event read the event log.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// PublishableEvent is the outbound wire form of an applied operation.
type PublishableEvent struct {
	Sequence  int64               `json:"sequence"`
	EventType string              `json:"event_type"`
	RequestID string              `json:"request_id"`
	Caller    string              `json:"caller"`
	Payload   json.RawMessage     `json:"payload"`
	Transfers []PublishedTransfer `json:"transfers,omitempty"`
	StateHash string              `json:"state_hash"`
	PrevHash  string              `json:"prev_hash"`
	Timestamp time.Time           `json:"timestamp"`
}

type PublishedTransfer struct {
	JournalType string `json:"journal_type"`
	Leg         string `json:"leg"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log.With().Str("component", "publisher").Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, output); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.log.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, output core.CoreOutput) error {
	evt := NewPublishableEvent(output)
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Msg-ID dedups republished sequences inside the stream's window.
	_, err = op.js.Publish(ctx, EventSubject(output.Envelope.EventType), data,
		jetstream.WithMsgID(strconv.FormatInt(evt.Sequence, 10)))
	return err
}

// EventSubject returns the outbound subject for et.
func EventSubject(et event.EventType) string {
	return EventSubjectPrefix + et.String()
}

// NewPublishableEvent converts a core output into its outbound form.
func NewPublishableEvent(output core.CoreOutput) PublishableEvent {
	env := output.Envelope
	evt := PublishableEvent{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		RequestID: env.RequestID.String(),
		Caller:    env.Caller.String(),
		Payload:   json.RawMessage(env.Payload),
		StateHash: hex.EncodeToString(env.StateHash[:]),
		PrevHash:  hex.EncodeToString(env.PrevHash[:]),
		Timestamp: env.Timestamp,
	}
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			evt.Transfers = append(evt.Transfers, PublishedTransfer{
				JournalType: j.JournalType.String(),
				Leg:         j.Leg.String(),
				From:        j.From.String(),
				To:          j.To.String(),
				Amount:      j.Amount.String(),
			})
		}
	}
	return evt
}
