package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "coverledger.v1.Ledger"

// method is one unary RPC. The same table drives the gRPC service
// descriptor and the HTTP routes.
type method struct {
	name   string
	newReq func() any
	call   func(s *Service, ctx context.Context, req any) (any, error)
}

func unary[Req, Resp any](name string, fn func(*Service, context.Context, *Req) (Resp, error)) method {
	return method{
		name:   name,
		newReq: func() any { return new(Req) },
		call: func(s *Service, ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*Req))
		},
	}
}

func commandMethod(et event.EventType) method {
	return method{
		name:   MethodName(et),
		newReq: func() any { return new(json.RawMessage) },
		call: func(s *Service, ctx context.Context, req any) (any, error) {
			return s.Execute(ctx, et, *req.(*json.RawMessage))
		},
	}
}

// MethodName is the RPC name of a command, e.g. BuyCover for buy_cover.
func MethodName(et event.EventType) string {
	var b strings.Builder
	for _, part := range strings.Split(et.String(), "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

var queryMethods = []method{
	unary("AvailableCapital", (*Service).AvailableCapital),
	unary("FeeRate", (*Service).FeeRate),
	unary("RewardOf", (*Service).RewardOf),
	unary("UnfrozenCapitalOf", (*Service).UnfrozenCapitalOf),
	unary("Policy", (*Service).Policy),
	unary("Provider", (*Service).Provider),
	unary("PoliciesOf", (*Service).PoliciesOf),
	unary("PoolSummary", (*Service).PoolSummary),
	unary("ClaimHistory", (*Service).ClaimHistory),
	unary("TransferHistory", (*Service).TransferHistory),
	unary("AccountFlow", (*Service).AccountFlow),
	unary("Events", (*Service).Events),
	unary("VerifyIntegrity", (*Service).VerifyIntegrity),
	unary("RebuildProjections", (*Service).RebuildProjections),
}

func methods() []method {
	out := make([]method, 0, len(queryMethods)+len(event.EventTypes()))
	for _, et := range event.EventTypes() {
		out = append(out, commandMethod(et))
	}
	return append(out, queryMethods...)
}

func (m method) handler() func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := m.newReq()
		if err := dec(req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", m.name, err)
		}
		invoke := func(ctx context.Context, req any) (any, error) {
			resp, err := m.call(srv.(*Service), ctx, req)
			if err != nil {
				return nil, statusFromError(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return invoke(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + m.name}
		return interceptor(ctx, req, info, invoke)
	}
}

// ledgerServer is satisfied by *Service; RegisterService checks it.
type ledgerServer interface {
	Execute(ctx context.Context, et event.EventType, body json.RawMessage) (*CommandResponse, error)
}

// ServiceDesc describes coverledger.v1.Ledger. Messages are JSON; see
// CodecName.
func ServiceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ledgerServer)(nil),
		Metadata:    "coverledger/v1/ledger",
	}
	for _, m := range methods() {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: m.name, Handler: m.handler()})
	}
	return desc
}

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *httpGateway
	grpcAddr      string
	healthChecker *observability.HealthChecker
	log           zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, svc *Service, hc *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *GRPCServer {
	log = log.With().Str("component", "server").Logger()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(observeUnary(metrics, log)))

	grpcServer.RegisterService(ServiceDesc(), svc)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		httpServer:    newHTTPGateway(httpAddr, svc, hc, metrics, log),
		grpcAddr:      grpcAddr,
		healthChecker: hc,
		log:           log,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	return s.httpServer.run(ctx)
}

// observeUnary logs and counts every RPC.
func observeUnary(metrics *observability.Metrics, log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		name := info.FullMethod[strings.LastIndexByte(info.FullMethod, '/')+1:]
		record(metrics, log, name, start, err)
		return resp, err
	}
}

func record(metrics *observability.Metrics, log zerolog.Logger, endpoint string, start time.Time, err error) {
	code := codeOf(err)
	if metrics != nil {
		metrics.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
		metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
		}
	}
	switch {
	case err == nil:
		log.Debug().Str("method", endpoint).Dur("took", time.Since(start)).Msg("rpc")
	case isClientError(err):
		log.Info().Err(err).Str("method", endpoint).Str("code", code.String()).Msg("rpc rejected")
	default:
		log.Error().Err(err).Str("method", endpoint).Str("code", code.String()).Msg("rpc failed")
	}
}
