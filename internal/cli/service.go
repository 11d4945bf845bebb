package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/summaryq/internal/config"
	"github.com/ChuLiYu/summaryq/internal/controller"
	"github.com/ChuLiYu/summaryq/internal/health"
	"github.com/ChuLiYu/summaryq/internal/httpapi"
	"github.com/ChuLiYu/summaryq/internal/metrics"
	"github.com/ChuLiYu/summaryq/internal/worker"
)

// service is everything `summaryq run` starts: the controller, the API
// listener, an optional dedicated metrics listener and the gRPC health
// server.
type service struct {
	cfg  config.Config
	log  *slog.Logger
	ctrl *controller.Controller

	api     *http.Server
	metrics *http.Server
	health  *health.Server

	apiLis     net.Listener
	metricsLis net.Listener
	healthLis  net.Listener
}

type listenFunc func(network, addr string) (net.Listener, error)

// newService builds the controller and binds every listener. Nothing is
// served until run.
func newService(cfg config.Config, log *slog.Logger, runner worker.Runner, listen listenFunc) (*service, error) {
	if listen == nil {
		listen = net.Listen
	}

	ctrl, err := controller.New(cfg, runner, controller.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create controller: %w", err)
	}
	s := &service{cfg: cfg, log: log.With("component", "service"), ctrl: ctrl}

	routerOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithHeartbeat(cfg.Events.HeartbeatInterval),
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		routerOpts = append(routerOpts, httpapi.WithMetrics(ctrl.Gatherer()))
	}
	s.api = &http.Server{
		Handler:           httpapi.NewRouter(ctrl, routerOpts...),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	if s.apiLis, err = listen("tcp", cfg.Server.Addr); err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(ctrl.Gatherer()))
		s.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: cfg.Server.ReadTimeout}
		if s.metricsLis, err = listen("tcp", cfg.Metrics.Addr); err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("listen %s: %w", cfg.Metrics.Addr, err)
		}
	}

	if cfg.Health.Enabled {
		s.health = health.NewServer(ctrl, time.Second, log)
		if s.healthLis, err = listen("tcp", cfg.Health.Addr); err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("listen %s: %w", cfg.Health.Addr, err)
		}
	}
	return s, nil
}

// run starts the controller and serves until ctx is cancelled or a
// component fails, then shuts everything down.
func (s *service) run(ctx context.Context) error {
	if err := s.ctrl.Start(); err != nil {
		s.closeListeners()
		return fmt.Errorf("start controller: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("API server listening", "addr", s.apiLis.Addr().String())
		return serveHTTP(s.api, s.apiLis)
	})
	if s.metrics != nil {
		g.Go(func() error {
			s.log.Info("metrics server listening", "addr", s.metricsLis.Addr().String())
			return serveHTTP(s.metrics, s.metricsLis)
		})
	}
	if s.health != nil {
		g.Go(func() error { return s.health.Serve(s.healthLis) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.ctrl.Fatal():
			return fmt.Errorf("controller aborted: %w", err)
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

// shutdown stops in dependency order: health first so probes fail fast, then
// the controller (which ends open event streams), then the HTTP listeners.
func (s *service) shutdown() error {
	s.log.Info("shutting down")
	grace := s.cfg.Workers.ShutdownGrace + s.cfg.Server.ShutdownTimeout

	if s.health != nil {
		hctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		s.health.Stop(hctx)
		cancel()
	}

	cctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	var errs []error
	if err := s.ctrl.Stop(cctx); err != nil {
		errs = append(errs, err)
	}

	sctx, cancelHTTP := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancelHTTP()
	if err := s.api.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown API server: %w", err))
	}
	if s.metrics != nil {
		if err := s.metrics.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
	}

	err := errors.Join(errs...)
	s.log.Info("shutdown complete", "error", err)
	return err
}

func (s *service) closeListeners() {
	for _, l := range []net.Listener{s.apiLis, s.metricsLis, s.healthLis} {
		if l != nil {
			_ = l.Close()
		}
	}
}

func serveHTTP(srv *http.Server, lis net.Listener) error {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", lis.Addr(), err)
	}
	return nil
}
