package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/query"
	"CoverLedger/internal/state"
	"CoverLedger/internal/testutil"
	"CoverLedger/internal/token"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	accounts := ledger.SystemAccounts{Pool: "pool", RiskReserve: "reserve", Team: "team"}
	tokens := token.NewMemoryService(accounts.Pool)
	for id, amount := range map[ledger.AccountID]uint64{"alice": 1_000_000, "carol": 1_000} {
		require.NoError(t, tokens.Mint(id, fpmath.U(amount)))
		tokens.Approve(id, fpmath.U(amount))
	}

	l, err := core.NewLedger(core.Config{
		Params: state.DefaultPoolParams("judge", "official", accounts, 1_000_000),
		Token:  tokens,
		Clock:  testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runner := core.NewRunner(l, 16, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return NewService(Deps{
		Dispatcher: ingestion.NewDispatcher(runner, nil, zerolog.Nop()),
		Runner:     runner,
	})
}

func dialBufconn(t *testing.T, svc *Service) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer("", "", svc, nil, observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
	})
	return conn
}

func as(caller string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), CallerMetadataKey, caller)
}

func rpc(name string) string {
	return "/" + ServiceName + "/" + name
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "BuyCover", MethodName(event.EventTypeBuyCover))
	assert.Equal(t, "DeployIdleCapital", MethodName(event.EventTypeDeployIdleCapital))
	assert.Equal(t, "Exit", MethodName(event.EventTypeExit))
}

func TestServiceDesc_CoversEveryCommand(t *testing.T) {
	names := map[string]bool{}
	for _, m := range ServiceDesc().Methods {
		assert.False(t, names[m.MethodName], "duplicate method %s", m.MethodName)
		names[m.MethodName] = true
	}
	for _, et := range event.EventTypes() {
		assert.True(t, names[MethodName(et)], et.String())
	}
	assert.True(t, names["PoolSummary"])
}

func TestCodeOf(t *testing.T) {
	cases := map[error]codes.Code{
		state.ErrNotJudger:                 codes.PermissionDenied,
		state.ErrNotExistedPolicy:          codes.NotFound,
		state.ErrNotExpiredPolicy:          codes.FailedPrecondition,
		core.ErrDuplicateRequest:           codes.AlreadyExists,
		token.ErrInsufficientAllowance:     codes.Aborted,
		ingestion.ErrMalformedCommand:      codes.InvalidArgument,
		core.ErrRunnerStopped:              codes.Unavailable,
		state.ErrProviderLeavingInProgress: codes.FailedPrecondition,
		state.ErrOperationInProgress:       codes.FailedPrecondition,
	}
	for err, want := range cases {
		assert.Equal(t, want, codeOf(err), err.Error())
	}
	assert.Equal(t, codes.OK, codeOf(nil))
	assert.Equal(t, codes.Unavailable, codeOf(errNoHistory))
}

func TestGRPC_CommandsAndQueries(t *testing.T) {
	conn := dialBufconn(t, newTestService(t))

	var staked CommandResponse
	require.NoError(t, conn.Invoke(as("alice"), rpc("Stake"),
		map[string]any{"request_id": uuid.New(), "amount": "1000000"}, &staked))
	assert.Equal(t, int64(0), staked.Sequence)
	assert.Equal(t, "stake", staked.EventType)

	var bought CommandResponse
	require.NoError(t, conn.Invoke(as("carol"), rpc("BuyCover"),
		map[string]any{"request_id": uuid.New(), "coverage": "20000"}, &bought))
	require.NotNil(t, bought.PolicyID)
	assert.Equal(t, uint64(0), *bought.PolicyID)
	require.Len(t, bought.Transfers, 1)
	assert.Equal(t, "420", bought.Transfers[0].Amount)

	var summary query.PoolSummaryView
	require.NoError(t, conn.Invoke(context.Background(), rpc("PoolSummary"), Empty{}, &summary))
	assert.Equal(t, "20000", summary.TotalCoverage.String())
	assert.Equal(t, uint64(1), summary.PolicyCount)
	assert.Equal(t, int64(1), summary.AsOfSequence)

	var policy query.PolicyView
	require.NoError(t, conn.Invoke(context.Background(), rpc("Policy"), PolicyRequest{PolicyID: 0}, &policy))
	assert.Equal(t, "carol", policy.Beneficiary)
	assert.Equal(t, state.PolicyStatusActive, policy.Status)

	var ids PoliciesResponse
	require.NoError(t, conn.Invoke(context.Background(), rpc("PoliciesOf"), AccountRequest{Account: "carol"}, &ids))
	assert.Equal(t, []uint64{0}, ids.PolicyIDs)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	conn := dialBufconn(t, newTestService(t))
	var resp CommandResponse

	err := conn.Invoke(context.Background(), rpc("Exit"), map[string]any{"request_id": uuid.New()}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "missing caller")

	err = conn.Invoke(as("carol"), rpc("AcceptClaim"), map[string]any{"request_id": uuid.New(), "policy_id": 0}, &resp)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	err = conn.Invoke(as("bob"), rpc("Exit"), map[string]any{"request_id": uuid.New()}, &resp)
	assert.Equal(t, codes.NotFound, status.Code(err))

	id := uuid.New()
	require.NoError(t, conn.Invoke(as("alice"), rpc("Stake"), map[string]any{"request_id": id, "amount": "10"}, &resp))
	err = conn.Invoke(as("alice"), rpc("Stake"), map[string]any{"request_id": id, "amount": "10"}, &resp)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	var history ClaimHistoryResponse
	err = conn.Invoke(context.Background(), rpc("ClaimHistory"), PolicyRequest{}, &history)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestHTTP_Routes(t *testing.T) {
	hc := observability.NewHealthChecker()
	srv := httptest.NewServer(NewHTTPHandler(newTestService(t), hc, nil, zerolog.Nop()))
	defer srv.Close()

	post := func(path, caller string, body any) *http.Response {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(data))
		require.NoError(t, err)
		if caller != "" {
			req.Header.Set(CallerHeader, caller)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("/v1/commands/stake", "alice", map[string]any{"request_id": uuid.New(), "amount": "1000000"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cmd CommandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cmd))
	assert.Equal(t, int64(0), cmd.Sequence)

	resp = post("/v1/commands/stake", "mallory", map[string]any{"request_id": uuid.New(), "caller": "alice", "amount": "1"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "caller mismatch")

	resp = post("/v1/commands/rebalance", "alice", map[string]any{})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		return resp
	}

	resp = get("/v1/providers/alice")
	var provider query.ProviderView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&provider))
	resp.Body.Close()
	assert.True(t, provider.Active)
	assert.Equal(t, "1000000", provider.Shares.String())

	resp = get("/v1/pool/fee-rate")
	var fee query.AmountResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fee))
	resp.Body.Close()
	assert.True(t, fee.Value.IsPositive())

	resp = get("/v1/policies/abc")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get("/v1/policies/7")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get("/healthz")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
