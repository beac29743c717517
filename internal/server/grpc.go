package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer   *grpc.Server
	httpServer   *http.Server
	healthServer *health.Server
	grpcAddr     string
	httpAddr     string
	httpHandler  http.Handler
	log          zerolog.Logger
}

// ServerDeps holds all dependencies needed by the API surfaces.
type ServerDeps struct {
	Vault *core.Vault
	// QueryService serves the Postgres read side; nil disables those routes
	QueryService  *query.QueryService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Limiter       *CallerLimiter
	// Auth binds API tokens to callers; nil trusts the declared caller
	Auth   *Authenticator
	Logger zerolog.Logger
}

// NewGRPCServer creates a gRPC server with PoolService, health and
// reflection registered, plus the gateway handler serving the same service.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	svc := NewPoolService(deps.Vault, deps.Logger)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		unaryInterceptor(deps.Metrics, deps.Limiter, deps.Auth),
	))
	RegisterPoolServiceServer(grpcServer, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	handler, err := NewHTTPHandler(svc, deps)
	if err != nil {
		return nil, err
	}

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		httpHandler:  handler,
		log:          deps.Logger,
	}, nil
}

// SetServing flips the gRPC health status; main calls it once recovery is done
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on an existing listener until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// in-flight handlers may still be committing when ListenAndServe returns
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// HTTPHandler exposes the gateway for embedding and tests
func (s *GRPCServer) HTTPHandler() http.Handler {
	return s.httpHandler
}

func unaryInterceptor(metrics *observability.Metrics, limiter *CallerLimiter, auth *Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := path.Base(info.FullMethod)

		if !limiter.Allow(grpcCallerKey(ctx)) {
			if metrics != nil {
				metrics.RateLimited.WithLabelValues("grpc").Inc()
				metrics.APIRequests.WithLabelValues(method, codes.ResourceExhausted.String()).Inc()
			}
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		ctx, err := auth.authenticate(ctx)
		if err != nil {
			if metrics != nil {
				metrics.APIRequests.WithLabelValues(method, status.Code(err).String()).Inc()
			}
			return nil, err
		}

		start := time.Now()
		resp, err := handler(ctx, req)
		if metrics != nil {
			metrics.APIRequests.WithLabelValues(method, status.Code(err).String()).Inc()
			metrics.APIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

// grpcCallerKey prefers the declared caller and falls back to the peer host
func grpcCallerKey(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(CallerMetadataKey); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "anonymous"
}
