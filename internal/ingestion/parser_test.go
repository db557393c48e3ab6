package ingestion_test

import (
	"errors"
	"testing"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"
)

const requestID = "550e8400-e29b-41d4-a716-446655440000"

func raw(subject, caller, body string) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Caller:    caller,
		Data:      []byte(body),
		Timestamp: time.Now(),
	}
}

func TestParseBuyCover(t *testing.T) {
	cmd, err := ingestion.ParseRawEvent(raw(
		"cover.commands.buy_cover", "carol",
		`{"request_id":"`+requestID+`","coverage":"20000"}`,
	))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	bc, ok := cmd.(*event.BuyCover)
	if !ok {
		t.Fatalf("expected *event.BuyCover, got %T", cmd)
	}
	if bc.Caller != "carol" {
		t.Errorf("caller: got %s, want carol", bc.Caller)
	}
	if bc.RequestID.String() != requestID {
		t.Errorf("request_id: got %s, want %s", bc.RequestID, requestID)
	}
	if bc.Coverage.String() != "20000" {
		t.Errorf("coverage: got %s, want 20000", bc.Coverage)
	}
}

func TestParseCallerFromBody(t *testing.T) {
	cmd, err := ingestion.ParseRawEvent(raw(
		"cover.commands.accept_claim", "",
		`{"request_id":"`+requestID+`","caller":"judge","policy_id":3}`,
	))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ac := cmd.(*event.AcceptClaim)
	if ac.Caller != "judge" {
		t.Errorf("caller: got %s, want judge", ac.Caller)
	}
	if ac.PolicyID != 3 {
		t.Errorf("policy_id: got %d, want 3", ac.PolicyID)
	}
}

func TestParseEveryEventType(t *testing.T) {
	for _, et := range event.EventTypes() {
		body := `{"request_id":"` + requestID + `"}`
		switch et {
		case event.EventTypeStake:
			body = `{"request_id":"` + requestID + `","amount":"1"}`
		case event.EventTypeBuyCover:
			body = `{"request_id":"` + requestID + `","coverage":"1"}`
		case event.EventTypeDeployIdleCapital:
			body = `{"request_id":"` + requestID + `","proxy":"miner","amount":"1"}`
		}

		cmd, err := ingestion.ParseRawEvent(raw(ingestion.CommandSubject(et), "someone", body))
		if err != nil {
			t.Errorf("%s: parse failed: %v", et, err)
			continue
		}
		if cmd.EventType() != et {
			t.Errorf("%s: got command type %s", et, cmd.EventType())
		}
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		caller  string
		body    string
	}{
		{"foreign subject", "orders.trades.x", "carol", `{}`},
		{"unknown type", "cover.commands.rebalance", "carol", `{}`},
		{"bad json", "cover.commands.exit", "carol", `{`},
		{"unknown field", "cover.commands.exit", "carol", `{"request_id":"` + requestID + `","extra":1}`},
		{"missing request id", "cover.commands.exit", "carol", `{}`},
		{"missing caller", "cover.commands.exit", "", `{"request_id":"` + requestID + `"}`},
		{"caller mismatch", "cover.commands.exit", "carol", `{"request_id":"` + requestID + `","caller":"mallory"}`},
		{"missing amount", "cover.commands.stake", "alice", `{"request_id":"` + requestID + `"}`},
		{"missing coverage", "cover.commands.buy_cover", "carol", `{"request_id":"` + requestID + `"}`},
		{"missing proxy", "cover.commands.deploy_idle_capital", "official", `{"request_id":"` + requestID + `","amount":"5"}`},
		{"negative amount", "cover.commands.stake", "alice", `{"request_id":"` + requestID + `","amount":"-5"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(raw(tt.subject, tt.caller, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ingestion.ErrMalformedCommand) {
				t.Errorf("expected ErrMalformedCommand, got %v", err)
			}
		})
	}
}

func TestZeroAmountReachesCore(t *testing.T) {
	// Zero is well-formed; the core rejects it with its own error.
	if _, err := ingestion.ParseRawEvent(raw(
		"cover.commands.stake", "alice",
		`{"request_id":"`+requestID+`","amount":"0"}`,
	)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
