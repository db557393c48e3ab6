package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CallerMetadataKey carries the caller identity established by the
// upstream proxy. HTTP requests use the X-Caller-Identity header.
const CallerMetadataKey = "x-caller-identity"

var errNoHistory = status.Error(codes.Unavailable, "history queries need postgres")

// --- request and response types ---

type Empty struct{}

type AccountRequest struct {
	Account string `json:"account"`
}

type PolicyRequest struct {
	PolicyID uint64 `json:"policy_id"`
}

type HistoryRequest struct {
	Account        string `json:"account"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type CommandResponse struct {
	Sequence  int64          `json:"sequence"`
	EventType string         `json:"event_type"`
	StateHash string         `json:"state_hash"`
	Timestamp time.Time      `json:"timestamp"`
	PolicyID  *uint64        `json:"policy_id,omitempty"`
	Transfers []TransferView `json:"transfers,omitempty"`
}

type TransferView struct {
	Leg    string `json:"leg"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type PoliciesResponse struct {
	PolicyIDs    []uint64 `json:"policy_ids"`
	AsOfSequence int64    `json:"as_of_sequence"`
}

type ClaimHistoryResponse struct {
	Entries []query.ClaimHistoryResponse `json:"entries"`
}

type TransferHistoryResponse struct {
	Transfers []query.TransferHistoryEntry `json:"transfers"`
}

type EventsResponse struct {
	Events []query.EventSummary `json:"events"`
}

type RebuildResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

// --- service ---

// Deps holds everything the ledger service calls into. History and Rebuild
// are nil when the service runs without postgres.
type Deps struct {
	Dispatcher *ingestion.Dispatcher
	Runner     *core.Runner
	History    *query.QueryService
	Rebuild    func(ctx context.Context) error
}

// Service implements coverledger.v1.Ledger. Commands go through the
// dispatcher; live reads run on the ledger goroutine; history reads go to
// postgres.
type Service struct {
	deps Deps
}

func NewService(deps Deps) *Service {
	return &Service{deps: deps}
}

// Execute parses body as a command of type et and applies it as the caller
// found in ctx.
func (s *Service) Execute(ctx context.Context, et event.EventType, body json.RawMessage) (*CommandResponse, error) {
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	cmd, err := ingestion.ParseCommand(et, body, callerFromContext(ctx))
	if err != nil {
		return nil, err
	}
	receipt, err := s.deps.Dispatcher.Dispatch(ctx, cmd, time.Now())
	if err != nil {
		return nil, err
	}
	return newCommandResponse(receipt), nil
}

func newCommandResponse(r *core.Receipt) *CommandResponse {
	resp := &CommandResponse{
		Sequence:  r.Sequence,
		EventType: r.EventType.String(),
		StateHash: hex.EncodeToString(r.StateHash[:]),
		Timestamp: r.Timestamp,
		PolicyID:  r.PolicyID,
	}
	for _, c := range r.Transfers {
		resp.Transfers = append(resp.Transfers, TransferView{
			Leg:    c.Leg.String(),
			From:   c.From.String(),
			To:     c.To.String(),
			Amount: c.Amount.String(),
		})
	}
	return resp
}

func callerFromContext(ctx context.Context) ledger.AccountID {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(CallerMetadataKey); len(v) > 0 {
		return ledger.AccountID(strings.TrimSpace(v[0]))
	}
	return ""
}

func lastApplied(l *core.Ledger) int64 {
	return l.GetSequence() - 1
}

func (s *Service) AvailableCapital(ctx context.Context, _ *Empty) (query.AmountResponse, error) {
	return core.Query(ctx, s.deps.Runner, func(l *core.Ledger) (query.AmountResponse, error) {
		return query.AmountResponse{Value: query.Amount(l.AvailableCapital()), AsOfSequence: lastApplied(l)}, nil
	})
}

func (s *Service) FeeRate(ctx context.Context, _ *Empty) (query.AmountResponse, error) {
	return core.Query(ctx, s.deps.Runner, func(l *core.Ledger) (query.AmountResponse, error) {
		fee, err := l.FeeRate()
		if err != nil {
			return query.AmountResponse{}, err
		}
		return query.AmountResponse{Value: query.Rate(fee), AsOfSequence: lastApplied(l)}, nil
	})
}

func (s *Service) RewardOf(ctx context.Context, req *AccountRequest) (query.AmountResponse, error) {
	id, err := accountOf(req.Account)
	if err != nil {
		return query.AmountResponse{}, err
	}
	return core.Query(ctx, s.deps.Runner, func(l *core.Ledger) (query.AmountResponse, error) {
		reward, err := l.RewardOf(id)
		if err != nil {
			return query.AmountResponse{}, err
		}
		return query.AmountResponse{Value: query.Amount(reward), AsOfSequence: lastApplied(l)}, nil
	})
}

func (s *Service) UnfrozenCapitalOf(ctx context.Context, req *AccountRequest) (query.AmountResponse, error) {
	id, err := accountOf(req.Account)
	if err != nil {
		return query.AmountResponse{}, err
	}
	return core.Query(ctx, s.deps.Runner, func(l *core.Ledger) (query.AmountResponse, error) {
		unfrozen, err := l.UnfrozenCapitalOf(id)
		if err != nil {
			return query.AmountResponse{}, err
		}
		return query.AmountResponse{Value: query.Amount(unfrozen), AsOfSequence: lastApplied(l)}, nil
	})
}

func (s *Service) Policy(ctx context.Context, req *PolicyRequest) (query.PolicyView, error) {
	return core.Query(ctx, s.deps.Runner, func(l *core.Ledger) (query.PolicyView, error) {
		p, err := l.Policy(req.PolicyID)
		if err != nil {
			return query.PolicyView{}, err
		}
		return query.NewPolicyView(p, lastApplied(l)), nil
	})
}

func (s *Service) Provider(ctx context.Context, req *AccountRequest) (query.ProviderView, error) {
	id, err := accountOf(req.Account)
	if err != nil {
		return query.ProviderView{}, err
	}
	return core.Query(ctx, s.deps.Runner, func(l *core.Ledger) (query.ProviderView, error) {
		v, err := l.Provider(id)
		if err != nil {
			return query.ProviderView{}, err
		}
		return query.NewProviderView(id, v, lastApplied(l)), nil
	})
}

func (s *Service) PoliciesOf(ctx context.Context, req *AccountRequest) (PoliciesResponse, error) {
	id, err := accountOf(req.Account)
	if err != nil {
		return PoliciesResponse{}, err
	}
	return core.Query(ctx, s.deps.Runner, func(l *core.Ledger) (PoliciesResponse, error) {
		ids := l.PoliciesOf(id)
		if ids == nil {
			ids = []uint64{}
		}
		return PoliciesResponse{PolicyIDs: ids, AsOfSequence: lastApplied(l)}, nil
	})
}

func (s *Service) PoolSummary(ctx context.Context, _ *Empty) (query.PoolSummaryView, error) {
	return core.Query(ctx, s.deps.Runner, func(l *core.Ledger) (query.PoolSummaryView, error) {
		sum, err := l.Summary()
		if err != nil {
			return query.PoolSummaryView{}, err
		}
		return query.NewPoolSummaryView(sum), nil
	})
}

// --- postgres read side ---

func (s *Service) ClaimHistory(ctx context.Context, req *PolicyRequest) (ClaimHistoryResponse, error) {
	if s.deps.History == nil {
		return ClaimHistoryResponse{}, errNoHistory
	}
	entries, err := s.deps.History.GetClaimHistory(ctx, req.PolicyID)
	return ClaimHistoryResponse{Entries: entries}, err
}

func (s *Service) TransferHistory(ctx context.Context, req *HistoryRequest) (TransferHistoryResponse, error) {
	if s.deps.History == nil {
		return TransferHistoryResponse{}, errNoHistory
	}
	if _, err := accountOf(req.Account); err != nil {
		return TransferHistoryResponse{}, err
	}
	transfers, err := s.deps.History.GetTransferHistory(ctx, req.Account, req.Limit, req.BeforeSequence)
	return TransferHistoryResponse{Transfers: transfers}, err
}

func (s *Service) AccountFlow(ctx context.Context, req *AccountRequest) (*query.AccountFlowResponse, error) {
	if s.deps.History == nil {
		return nil, errNoHistory
	}
	if _, err := accountOf(req.Account); err != nil {
		return nil, err
	}
	return s.deps.History.GetAccountFlow(ctx, req.Account)
}

func (s *Service) Events(ctx context.Context, req *HistoryRequest) (EventsResponse, error) {
	if s.deps.History == nil {
		return EventsResponse{}, errNoHistory
	}
	if _, err := accountOf(req.Account); err != nil {
		return EventsResponse{}, err
	}
	events, err := s.deps.History.GetEvents(ctx, req.Account, req.Limit, req.BeforeSequence)
	return EventsResponse{Events: events}, err
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.deps.History == nil {
		return nil, errNoHistory
	}
	return s.deps.History.VerifyIntegrity(ctx)
}

func (s *Service) RebuildProjections(ctx context.Context, _ *Empty) (RebuildResponse, error) {
	if s.deps.Rebuild == nil {
		return RebuildResponse{}, errNoHistory
	}
	if err := s.deps.Rebuild(ctx); err != nil {
		return RebuildResponse{}, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return RebuildResponse{Rebuilt: true}, nil
}

func accountOf(s string) (ledger.AccountID, error) {
	id := ledger.AccountID(strings.TrimSpace(s))
	if id.IsZero() {
		return "", status.Error(codes.InvalidArgument, "account is required")
	}
	return id, nil
}

// isClientError reports whether err was caused by the request rather than
// the service.
func isClientError(err error) bool {
	code := codeOf(err)
	return code != codes.Internal && code != codes.Unavailable && !errors.Is(err, context.DeadlineExceeded)
}
