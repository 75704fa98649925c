package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"PerpVault/internal/observability"
	"PerpVault/internal/server"
)

func TestGRPCServer_HealthFollowsReadiness(t *testing.T) {
	checker := observability.NewHealthChecker()
	srv := server.NewGRPCServer("", checker, zerolog.Nop())

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ExchangeService})
		require.NoError(t, err)
		return resp.Status
	}

	srv.SyncHealth()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	checker.SetReady(true)
	srv.SyncHealth()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	checker.AddCheck("postgres", func() error { return context.DeadlineExceeded })
	srv.SyncHealth()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
