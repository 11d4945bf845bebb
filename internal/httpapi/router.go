// Package httpapi exposes the controller over HTTP: job submission, status,
// cancellation, a Server-Sent Events stream, stats, health and metrics.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/summaryq/internal/broadcast"
	"github.com/ChuLiYu/summaryq/internal/controller"
	"github.com/ChuLiYu/summaryq/internal/metrics"
	"github.com/ChuLiYu/summaryq/internal/scheduler"
	"github.com/ChuLiYu/summaryq/pkg/types"
)

// Service is the part of the controller the HTTP layer drives.
// *controller.Controller implements it.
type Service interface {
	SubmitJob(ctx context.Context, req controller.SubmitRequest) (types.JobID, error)
	GetJobStatus(id types.JobID) (types.Job, error)
	CancelJob(id types.JobID) (scheduler.CancelOutcome, error)
	Subscribe(filter ...broadcast.EventType) *broadcast.Connection
	Unsubscribe(conn *broadcast.Connection)
	NextEvent(ctx context.Context, conn *broadcast.Connection, timeout time.Duration) ([]broadcast.Event, error)
	Stats() controller.Stats
	Healthy() bool
}

// Option configures the router.
type Option func(*Handler)

// WithLogger sets the request and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics mounts /metrics serving g.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithHeartbeat sets how long the event stream waits before sending a
// heartbeat. Zero uses the broadcast manager's interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) { h.heartbeat = d }
}

// Handler holds the HTTP handlers.
type Handler struct {
	svc       Service
	log       *slog.Logger
	validate  *validator.Validate
	gatherer  prometheus.Gatherer
	heartbeat time.Duration
}

// NewRouter builds the chi router for svc.
func NewRouter(svc Service, opts ...Option) http.Handler {
	h := &Handler{
		svc:      svc,
		log:      slog.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	h.validate.RegisterTagNameFunc(jsonFieldName)
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("component", "http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", h.SubmitJob)
		r.Get("/jobs/{id}", h.GetJob)
		r.Delete("/jobs/{id}", h.CancelJob)
		r.Get("/events", h.StreamEvents)
		r.Get("/stats", h.GetStats)
	})
	r.Get("/healthz", h.Health)
	if h.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(h.gatherer))
	}
	return r
}

// jsonFieldName reports validation failures under their JSON names.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

// requestLogger logs one line per request. Event streams are logged when
// they end.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
