package event

import (
	"encoding/json"
	"fmt"
	"time"

	"CoverLedger/internal/ledger"

	"github.com/google/uuid"
)

// EventType discriminator for commands and their log entries
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeStake
	EventTypeWithdrawReward
	EventTypeExit
	EventTypeUnfreeze
	EventTypeBuyCover
	EventTypeCancelPolicy
	EventTypeApplyClaim
	EventTypeRefuseClaim
	EventTypeAcceptClaim
	EventTypeTransferJudge
	EventTypeTransferOfficial
	EventTypeManageMiningProxy
	EventTypeDeployIdleCapital
	EventTypeClaimTeamReward
)

var eventTypeNames = map[EventType]string{
	EventTypeStake:             "stake",
	EventTypeWithdrawReward:    "withdraw_reward",
	EventTypeExit:              "exit",
	EventTypeUnfreeze:          "unfreeze",
	EventTypeBuyCover:          "buy_cover",
	EventTypeCancelPolicy:      "cancel_policy",
	EventTypeApplyClaim:        "apply_claim",
	EventTypeRefuseClaim:       "refuse_claim",
	EventTypeAcceptClaim:       "accept_claim",
	EventTypeTransferJudge:     "transfer_judge",
	EventTypeTransferOfficial:  "transfer_official",
	EventTypeManageMiningProxy: "manage_mining_proxy",
	EventTypeDeployIdleCapital: "deploy_idle_capital",
	EventTypeClaimTeamReward:   "claim_team_reward",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

// EventTypes lists every known type in declaration order.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypeNames))
	for et := EventTypeStake; et <= EventTypeClaimTeamReward; et++ {
		out = append(out, et)
	}
	return out
}

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Idempotency key from the caller
	RequestID uuid.UUID

	EventType EventType

	// Verified identity the command ran as
	Caller ledger.AccountID

	// Clock sample the operation ran at
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Header is embedded in every command.
type Header struct {
	RequestID uuid.UUID        `json:"request_id"`
	Caller    ledger.AccountID `json:"caller"`
}

func (h Header) Meta() Header {
	return h
}

// SetCaller stamps the verified identity onto the command.
func (h *Header) SetCaller(id ledger.AccountID) {
	h.Caller = id
}

// Command is the interface all ledger operations implement
type Command interface {
	// Meta returns the request id and caller identity
	Meta() Header

	SetCaller(id ledger.AccountID)

	// EventType returns the discriminator
	EventType() EventType
}

// New returns an empty command of type et, ready to be decoded into.
func New(et EventType) (Command, error) {
	switch et {
	case EventTypeStake:
		return &Stake{}, nil
	case EventTypeWithdrawReward:
		return &WithdrawReward{}, nil
	case EventTypeExit:
		return &Exit{}, nil
	case EventTypeUnfreeze:
		return &Unfreeze{}, nil
	case EventTypeBuyCover:
		return &BuyCover{}, nil
	case EventTypeCancelPolicy:
		return &CancelPolicy{}, nil
	case EventTypeApplyClaim:
		return &ApplyClaim{}, nil
	case EventTypeRefuseClaim:
		return &RefuseClaim{}, nil
	case EventTypeAcceptClaim:
		return &AcceptClaim{}, nil
	case EventTypeTransferJudge:
		return &TransferJudge{}, nil
	case EventTypeTransferOfficial:
		return &TransferOfficial{}, nil
	case EventTypeManageMiningProxy:
		return &ManageMiningProxy{}, nil
	case EventTypeDeployIdleCapital:
		return &DeployIdleCapital{}, nil
	case EventTypeClaimTeamReward:
		return &ClaimTeamReward{}, nil
	default:
		return nil, fmt.Errorf("no command for event type %d", et)
	}
}

// Decode rebuilds a command from a logged payload.
func Decode(et EventType, payload []byte) (Command, error) {
	cmd, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return cmd, nil
}

// Encode is the payload stored in EventEnvelope.
func Encode(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}
