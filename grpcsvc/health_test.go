package grpcsvc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func statusOf(t *testing.T, s *HealthServer, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthServer_StartsNotServing(t *testing.T) {
	s := NewHealthServer("rescue-service", discardLogger())

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, statusOf(t, s, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, statusOf(t, s, "rescue-service"))
}

func TestHealthServer_CheckNow(t *testing.T) {
	var failing atomic.Bool
	s := NewHealthServer("rescue-service", discardLogger(),
		Check{Name: "mongo", Ping: func(context.Context) error { return nil }},
		Check{Name: "redis", Ping: func(context.Context) error {
			if failing.Load() {
				return errors.New("connection refused")
			}
			return nil
		}},
	)

	require.NoError(t, s.CheckNow(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, statusOf(t, s, "rescue-service"))

	failing.Store(true)
	err := s.CheckNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, statusOf(t, s, ""))

	failing.Store(false)
	require.NoError(t, s.CheckNow(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, statusOf(t, s, ""))
}

func TestHealthServer_MonitorStopsOnCancel(t *testing.T) {
	s := NewHealthServer("rescue-service", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Monitor(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return statusOf(t, s, "") == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, statusOf(t, s, ""))
}

func TestHealthServer_ServesOverGRPC(t *testing.T) {
	s := NewHealthServer("rescue-service", discardLogger())
	require.NoError(t, s.CheckNow(context.Background()))

	lis := bufconn.Listen(1 << 20)
	served := make(chan error, 1)
	go func() { served <- s.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "rescue-service"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	s.Stop()
	require.NoError(t, <-served)
}
