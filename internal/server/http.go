package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CallerHeader is the HTTP form of CallerMetadataKey.
const CallerHeader = "X-Caller-Identity"

const maxBodyBytes = 1 << 20

type httpGateway struct {
	addr    string
	handler http.Handler
	log     zerolog.Logger
}

func newHTTPGateway(addr string, svc *Service, hc *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *httpGateway {
	return &httpGateway{
		addr:    addr,
		handler: NewHTTPHandler(svc, hc, metrics, log),
		log:     log,
	}
}

// NewHTTPHandler serves the ledger service as HTTP/JSON plus /healthz and
// /readyz. Routes:
//
//	POST /v1/commands/{type}
//	GET  /v1/pool
//	GET  /v1/pool/available-capital
//	GET  /v1/pool/fee-rate
//	GET  /v1/policies/{policy_id}
//	GET  /v1/policies/{policy_id}/claims
//	GET  /v1/providers/{account}
//	GET  /v1/providers/{account}/reward
//	GET  /v1/providers/{account}/unfrozen
//	GET  /v1/accounts/{account}/policies
//	GET  /v1/accounts/{account}/transfers?limit=&before=
//	GET  /v1/accounts/{account}/flow
//	GET  /v1/accounts/{account}/events?limit=&before=
//	GET  /v1/admin/integrity
//	POST /v1/admin/rebuild-projections
func NewHTTPHandler(svc *Service, hc *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) http.Handler {
	mux := runtime.NewServeMux()
	h := &httpHandlers{svc: svc, metrics: metrics, log: log}

	routes := []struct {
		method, pattern string
		fn              func(w http.ResponseWriter, r *http.Request, p map[string]string)
	}{
		{http.MethodPost, "/v1/commands/{type}", h.command},
		{http.MethodGet, "/v1/pool", h.query("PoolSummary", noParams)},
		{http.MethodGet, "/v1/pool/available-capital", h.query("AvailableCapital", noParams)},
		{http.MethodGet, "/v1/pool/fee-rate", h.query("FeeRate", noParams)},
		{http.MethodGet, "/v1/policies/{policy_id}", h.query("Policy", policyParams)},
		{http.MethodGet, "/v1/policies/{policy_id}/claims", h.query("ClaimHistory", policyParams)},
		{http.MethodGet, "/v1/providers/{account}", h.query("Provider", accountParams)},
		{http.MethodGet, "/v1/providers/{account}/reward", h.query("RewardOf", accountParams)},
		{http.MethodGet, "/v1/providers/{account}/unfrozen", h.query("UnfrozenCapitalOf", accountParams)},
		{http.MethodGet, "/v1/accounts/{account}/policies", h.query("PoliciesOf", accountParams)},
		{http.MethodGet, "/v1/accounts/{account}/transfers", h.query("TransferHistory", historyParams)},
		{http.MethodGet, "/v1/accounts/{account}/flow", h.query("AccountFlow", accountParams)},
		{http.MethodGet, "/v1/accounts/{account}/events", h.query("Events", historyParams)},
		{http.MethodGet, "/v1/admin/integrity", h.query("VerifyIntegrity", noParams)},
		{http.MethodPost, "/v1/admin/rebuild-projections", h.query("RebuildProjections", noParams)},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.fn); err != nil {
			// patterns are static
			panic(fmt.Sprintf("route %s %s: %v", rt.method, rt.pattern, err))
		}
	}

	httpMux := http.NewServeMux()
	if hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux
}

func (g *httpGateway) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.addr,
		Handler:           g.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		g.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	g.log.Info().Str("addr", g.addr).Msg("HTTP gateway listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type httpHandlers struct {
	svc     *Service
	metrics *observability.Metrics
	log     zerolog.Logger
}

// withCaller moves the caller header into incoming metadata so HTTP and
// gRPC requests resolve the caller the same way.
func withCaller(r *http.Request) context.Context {
	ctx := r.Context()
	if caller := r.Header.Get(CallerHeader); caller != "" {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(CallerMetadataKey, caller))
	}
	return ctx
}

func (h *httpHandlers) command(w http.ResponseWriter, r *http.Request, p map[string]string) {
	start := time.Now()
	et, err := event.ParseEventType(p["type"])
	if err != nil {
		h.finish(w, "command", start, nil, status.Error(codes.NotFound, err.Error()))
		return
	}
	endpoint := MethodName(et)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.finish(w, endpoint, start, nil, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}
	resp, err := h.svc.Execute(withCaller(r), et, body)
	h.finish(w, endpoint, start, resp, err)
}

type paramDecoder func(r *http.Request, p map[string]string, req any) error

func noParams(*http.Request, map[string]string, any) error { return nil }

func accountParams(_ *http.Request, p map[string]string, req any) error {
	req.(*AccountRequest).Account = p["account"]
	return nil
}

func policyParams(_ *http.Request, p map[string]string, req any) error {
	id, err := strconv.ParseUint(p["policy_id"], 10, 64)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "policy_id: %v", err)
	}
	req.(*PolicyRequest).PolicyID = id
	return nil
}

func historyParams(r *http.Request, p map[string]string, req any) error {
	hr := req.(*HistoryRequest)
	hr.Account = p["account"]
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "limit: %v", err)
		}
		hr.Limit = limit
	}
	if v := q.Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "before: %v", err)
		}
		hr.BeforeSequence = &before
	}
	return nil
}

func (h *httpHandlers) query(name string, decode paramDecoder) runtime.HandlerFunc {
	var m method
	for _, candidate := range queryMethods {
		if candidate.name == name {
			m = candidate
		}
	}
	if m.call == nil {
		panic("unknown query method " + name)
	}

	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		req := m.newReq()
		if err := decode(r, p, req); err != nil {
			h.finish(w, name, start, nil, err)
			return
		}
		resp, err := m.call(h.svc, withCaller(r), req)
		h.finish(w, name, start, resp, err)
	}
}

func (h *httpHandlers) finish(w http.ResponseWriter, endpoint string, start time.Time, resp any, err error) {
	record(h.metrics, h.log, endpoint, start, err)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		code := codeOf(err)
		w.WriteHeader(httpStatus(code))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    code.String(),
			"message": status.Convert(statusFromError(err)).Message(),
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
