package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"

	"github.com/google/uuid"
)

// SubjectPrefix is the inbound command namespace. Each event type has its
// own subject, e.g. cover.commands.buy_cover.
const SubjectPrefix = "cover.commands."

// ErrMalformedCommand marks input that can never be applied. Such messages
// are terminated instead of redelivered.
var ErrMalformedCommand = errors.New("malformed command")

// CommandSubject returns the inbound subject for et.
func CommandSubject(et event.EventType) string {
	return SubjectPrefix + et.String()
}

// EventTypeFromSubject maps an inbound subject to its event type.
func EventTypeFromSubject(subject string) (event.EventType, error) {
	name, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok {
		return event.EventTypeUnknown, fmt.Errorf("%w: subject %q outside %s>", ErrMalformedCommand, subject, SubjectPrefix)
	}
	et, err := event.ParseEventType(name)
	if err != nil {
		return event.EventTypeUnknown, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return et, nil
}

// ParseRawEvent converts a RawEvent into a typed command. The event type
// comes from the subject.
func ParseRawEvent(raw RawEvent) (event.Command, error) {
	et, err := EventTypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return ParseCommand(et, raw.Data, ledger.AccountID(raw.Caller))
}

// ParseCommand decodes a JSON command body. Unknown fields are rejected.
// A non-empty verified caller is stamped onto the command; a body naming a
// different caller is rejected.
func ParseCommand(et event.EventType, data []byte, verified ledger.AccountID) (event.Command, error) {
	cmd, err := event.New(et)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cmd); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformedCommand, et, err)
	}

	if !verified.IsZero() {
		if claimed := cmd.Meta().Caller; !claimed.IsZero() && claimed != verified {
			return nil, fmt.Errorf("%w: body caller %q does not match identity %q", ErrMalformedCommand, claimed, verified)
		}
		cmd.SetCaller(verified)
	}

	if err := Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Validate checks the fields every command needs before it may reach the
// core. Value checks such as a zero amount are left to the core.
func Validate(cmd event.Command) error {
	meta := cmd.Meta()
	if meta.RequestID == uuid.Nil {
		return fmt.Errorf("%w: %s: request_id is required", ErrMalformedCommand, cmd.EventType())
	}
	if meta.Caller.IsZero() {
		return fmt.Errorf("%w: %s: caller is required", ErrMalformedCommand, cmd.EventType())
	}

	var (
		field  string
		amount fpmath.Amount
	)
	switch c := cmd.(type) {
	case *event.Stake:
		field, amount = "amount", c.Amount
	case *event.BuyCover:
		field, amount = "coverage", c.Coverage
	case *event.DeployIdleCapital:
		field, amount = "amount", c.Amount
		if c.Proxy.IsZero() {
			return fmt.Errorf("%w: %s: proxy is required", ErrMalformedCommand, cmd.EventType())
		}
	default:
		return nil
	}
	if amount.IsNil() {
		return fmt.Errorf("%w: %s: %s is required", ErrMalformedCommand, cmd.EventType(), field)
	}
	if amount.BigInt().Sign() < 0 {
		return fmt.Errorf("%w: %s: %s is negative", ErrMalformedCommand, cmd.EventType(), field)
	}
	return nil
}
