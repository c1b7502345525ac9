// Package grpcsvc exposes dependency health over the standard gRPC health protocol.
package grpcsvc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Check pings one dependency
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthServer reports SERVING while every check passes
type HealthServer struct {
	serviceName string
	server      *grpc.Server
	health      *health.Server
	checks      []Check
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewHealthServer registers the health and reflection services. Status starts NOT_SERVING.
func NewHealthServer(serviceName string, logger *slog.Logger, checks ...Check) *HealthServer {
	s := &HealthServer{
		serviceName: serviceName,
		server:      grpc.NewServer(),
		health:      health.NewServer(),
		checks:      checks,
		tracer:      otel.Tracer("rescue-service/grpcsvc"),
		logger:      logger,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *HealthServer) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.serviceName, status)
}

// CheckNow runs every check once and publishes the result
func (s *HealthServer) CheckNow(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "CheckDependencies")
	defer span.End()

	var errs []error
	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			s.logger.Warn("Dependency check failed", "dependency", c.Name, "error", err)
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	span.SetAttributes(attribute.Int("failedChecks", len(errs)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dependency check failed")
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Monitor re-checks on every tick until ctx is done, then marks the service NOT_SERVING
func (s *HealthServer) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = s.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			_ = s.CheckNow(checkCtx)
			cancel()
		}
	}
}

// Serve blocks until Stop is called
func (s *HealthServer) Serve(lis net.Listener) error {
	s.logger.Info("Starting gRPC server", "addr", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
