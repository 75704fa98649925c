package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpVault/internal/observability"
)

// ExchangeService is the health service name reported for the exchange.
const ExchangeService = "perpvault.Exchange"

// GRPCServer serves the standard health protocol and reflection, so that
// orchestrators and grpcurl can probe the process. Serving status tracks the
// HealthChecker's readiness.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	checker    *observability.HealthChecker
	addr       string
	logger     zerolog.Logger
}

func NewGRPCServer(addr string, checker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ExchangeService, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		checker:    checker,
		addr:       addr,
		logger:     logger,
	}
}

// SyncHealth copies the checker's readiness into the health service.
func (s *GRPCServer) SyncHealth() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.checker != nil && s.checker.IsReady() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ExchangeService, st)
}

// Serve serves on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		s.SyncHealth()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("gRPC server shutting down")
				s.health.Shutdown()
				s.grpcServer.GracefulStop()
				return
			case <-ticker.C:
				s.SyncHealth()
			}
		}
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Start listens on the configured address and serves (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}
