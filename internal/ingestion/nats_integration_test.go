package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

func connectTestNATS(t *testing.T) jetstream.JetStream {
	t.Helper()
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("NATS unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ingestion.EnsureStreams(ctx, js, zerolog.Nop()); err != nil {
		nc.Close()
		t.Fatalf("ensure streams: %v", err)
	}
	t.Cleanup(nc.Close)
	return js
}

func TestNATS_CommandRoundTrip(t *testing.T) {
	js := connectTestNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, ingestion.CommandStream)
	if err != nil {
		t.Fatalf("command stream: %v", err)
	}
	if err := stream.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}

	consumer := fmt.Sprintf("it-commands-%d", time.Now().UnixNano())
	defer func() { _ = js.DeleteConsumer(context.Background(), ingestion.CommandStream, consumer) }()

	rawChan := make(chan ingestion.RawEvent, 1)
	sub := ingestion.NewNATSSubscriber(js, rawChan, zerolog.Nop())
	if err := sub.Subscribe(ctx, []ingestion.SubjectConfig{{
		Subject:      ingestion.SubjectPrefix + ">",
		ConsumerName: consumer,
		StreamName:   ingestion.CommandStream,
	}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	msg := nats.NewMsg(ingestion.CommandSubject(event.EventTypeStake))
	msg.Header.Set(ingestion.CallerHeader, "alice")
	msg.Data = []byte(`{"request_id":"` + uuid.NewString() + `","amount":"1000"}`)
	if _, err := js.PublishMsg(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var raw ingestion.RawEvent
	select {
	case raw = <-rawChan:
	case <-ctx.Done():
		t.Fatal("no message delivered")
	}
	if raw.Caller != "alice" {
		t.Errorf("caller: got %q, want alice", raw.Caller)
	}

	submitter := &fakeSubmitter{}
	d := ingestion.NewDispatcher(submitter, nil, zerolog.Nop())
	if got := d.Handle(ctx, raw); got != ingestion.OutcomeApplied {
		t.Fatalf("outcome: got %s, want applied", got)
	}
	if submitter.seen[0].EventType() != event.EventTypeStake {
		t.Errorf("submitted %s, want stake", submitter.seen[0].EventType())
	}
}

func TestNATS_PublisherWritesEventStream(t *testing.T) {
	js := connectTestNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seq := time.Now().UnixNano()
	out := make(chan core.CoreOutput, 1)
	out <- core.CoreOutput{Envelope: &event.EventEnvelope{
		Sequence:  seq,
		RequestID: uuid.New(),
		EventType: event.EventTypeClaimTeamReward,
		Caller:    "team",
		Payload:   []byte(`{}`),
		Timestamp: time.Now().UTC(),
	}}
	close(out)

	pub := ingestion.NewOutboundPublisher(js, out, nil, zerolog.Nop())
	if err := pub.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	stream, err := js.Stream(ctx, ingestion.EventStream)
	if err != nil {
		t.Fatalf("event stream: %v", err)
	}
	last, err := stream.GetLastMsgForSubject(ctx, ingestion.EventSubject(event.EventTypeClaimTeamReward))
	if err != nil {
		t.Fatalf("last message: %v", err)
	}

	var got ingestion.PublishableEvent
	if err := json.Unmarshal(last.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sequence != seq || got.Caller != "team" {
		t.Errorf("got sequence %d caller %q, want %d team", got.Sequence, got.Caller, seq)
	}
}
