package server

import (
	"RaffleLedger/internal/observability"
	"RaffleLedger/internal/query"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const serviceName = "raffle.v1.RaffleService"

// FullMethod returns the gRPC method path for name.
func FullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// jsonCodec lets clients call RaffleService with content-subtype "json"
// (application/grpc+json). Health and reflection keep using protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// RaffleServiceServer is the handler type of the service descriptor.
type RaffleServiceServer interface {
	Enter(context.Context, *EnterRequest) (*EnterResponse, error)
	CheckUpkeep(context.Context, *Empty) (*CheckUpkeepResponse, error)
	PerformUpkeep(context.Context, *UpkeepRequest) (*UpkeepResponse, error)
	WithdrawFees(context.Context, *WithdrawRequest) (*WithdrawResponse, error)
	CancelRequest(context.Context, *CancelRequest) (*CancelResponse, error)
	GetRaffleState(context.Context, *Empty) (*RaffleStateResponse, error)
	GetTicketRange(context.Context, *TicketRangeRequest) (*TicketRangeResponse, error)
	ListRounds(context.Context, *ListRoundsRequest) (*query.Page[query.RoundResponse], error)
	GetPlayerEntries(context.Context, *PlayerEntriesRequest) (*query.Page[query.EntryResponse], error)
	GetBalances(context.Context, *Empty) (*query.Page[query.BalanceResponse], error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
}

var _ RaffleServiceServer = (*RaffleService)(nil)

// unary builds a method descriptor that decodes Req and calls fn.
func unary[Req, Resp any](name string, fn func(RaffleServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := fn(srv.(RaffleServiceServer), ctx, req.(*Req))
				if err != nil {
					return nil, grpcError(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RaffleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Enter", RaffleServiceServer.Enter),
		unary("CheckUpkeep", RaffleServiceServer.CheckUpkeep),
		unary("PerformUpkeep", RaffleServiceServer.PerformUpkeep),
		unary("WithdrawFees", RaffleServiceServer.WithdrawFees),
		unary("CancelRequest", RaffleServiceServer.CancelRequest),
		unary("GetRaffleState", RaffleServiceServer.GetRaffleState),
		unary("GetTicketRange", RaffleServiceServer.GetTicketRange),
		unary("ListRounds", RaffleServiceServer.ListRounds),
		unary("GetPlayerEntries", RaffleServiceServer.GetPlayerEntries),
		unary("GetBalances", RaffleServiceServer.GetBalances),
		unary("VerifyIntegrity", RaffleServiceServer.VerifyIntegrity),
		unary("GetEventLogInfo", RaffleServiceServer.GetEventLogInfo),
		unary("RebuildProjections", RaffleServiceServer.RebuildProjections),
	},
	Streams: []grpc.StreamDesc{},
}

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	health     *health.Server
	deps       *ServerDeps
}

// ServerDeps holds everything the transports need.
type ServerDeps struct {
	Service       *RaffleService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Limiter       *RateLimiter
}

// NewGRPCServer creates the gRPC server with RaffleService, health and
// reflection registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		deps:     deps,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		s.metricsInterceptor,
		s.rateLimitInterceptor,
		authUnaryInterceptor,
	))
	s.grpcServer.RegisterService(&serviceDesc, deps.Service)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// SetServing flips the gRPC health status once recovery is done.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

func (s *GRPCServer) metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if m := s.deps.Metrics; m != nil && len(info.FullMethod) > 0 {
		m.QueryRequests.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		m.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		if err != nil {
			m.QueryErrors.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		}
	}
	return resp, err
}

func (s *GRPCServer) rateLimitInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.deps.Limiter == nil {
		return handler(ctx, req)
	}
	key := "grpc"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			key = "ip:" + host
		}
	}
	if !s.deps.Limiter.Allow(key) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimited.WithLabelValues("grpc").Inc()
		}
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return handler(ctx, req)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON API, health and metrics (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// HTTPHandler builds the full HTTP handler: API routes behind the rate
// limiter, plus /healthz, /readyz and /metrics.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	api, err := NewHTTPMux(s.deps.Service, s.deps.Metrics)
	if err != nil {
		return nil, err
	}

	var apiHandler http.Handler = api
	if s.deps.Limiter != nil {
		apiHandler = s.deps.Limiter.Handler(api)
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.Handle("/", apiHandler)
	return httpMux, nil
}
