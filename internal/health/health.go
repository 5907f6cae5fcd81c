// Package health exposes the standard gRPC health service so orchestrators
// can probe funnel readiness without going through HTTP.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported alongside the overall "" entry.
const ServiceName = "chatfunnel.Funnel"

// Readiness is closed once funnel assets are warm.
type Readiness interface {
	Done() <-chan struct{}
}

// Server serves grpc.health.v1. It reports NOT_SERVING until the readiness
// gate opens.
type Server struct {
	port   string
	ready  Readiness
	health *grpchealth.Server
	grpc   *grpc.Server
}

// New constructs a health server listening on port.
func New(port string, ready Readiness) *Server {
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{port: port, ready: ready, health: hs, grpc: gs}
}

// Run listens on the configured port and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort("", s.port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	slog.Info("gRPC health server starting", "addr", lis.Addr().String())

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		s.watch(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()

	var err error
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
	case err = <-errCh:
	}
	<-watchDone

	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC health server error: %w", err)
	}
	slog.Info("gRPC health server stopped")
	return nil
}

func (s *Server) watch(ctx context.Context) {
	if s.ready == nil {
		s.setServing()
		return
	}
	select {
	case <-s.ready.Done():
		s.setServing()
	case <-ctx.Done():
	}
}

func (s *Server) setServing() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	slog.Info("gRPC health serving")
}
