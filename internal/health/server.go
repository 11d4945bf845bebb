// Package health serves the standard grpc.health.v1.Health service so
// orchestrators can probe the worker pool.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the service reported alongside the overall ("") status.
const ServiceName = "summaryq.Worker"

// Checker reports whether the service can take work.
// *controller.Controller implements it.
type Checker interface {
	Healthy() bool
}

// Server wraps a gRPC server that only carries the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	check  Checker
	every  time.Duration
	log    *slog.Logger

	mu      sync.Mutex
	serving bool
	stop    chan struct{}
}

// NewServer creates a server that polls check every interval and publishes
// SERVING or NOT_SERVING. It starts in NOT_SERVING.
func NewServer(check Checker, interval time.Duration, logger *slog.Logger) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		check:  check,
		every:  interval,
		log:    logger.With("component", "health"),
		stop:   make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.set(false)
	return s
}

// Serve publishes the current status, then serves on lis until Stop. It
// returns nil after a Stop.
func (s *Server) Serve(lis net.Listener) error {
	go s.watch()
	s.log.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve health: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops gracefully, forcing the
// stop when ctx expires first.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()

	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

// Refresh re-evaluates the checker immediately.
func (s *Server) Refresh() {
	s.set(s.check.Healthy())
}

func (s *Server) watch() {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	s.Refresh()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

func (s *Server) set(serving bool) {
	s.mu.Lock()
	changed := s.serving != serving
	s.serving = serving
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	if changed {
		s.log.Info("health status changed", "status", status.String())
	}
}
