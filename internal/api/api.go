// Package api exposes the queue over JSON/HTTP for producers and workers that
// do not link the Go packages directly.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/leaseq/internal/domain"
	"github.com/SirClappington/leaseq/internal/scheduler"
)

// Scheduler is the producer-facing side.
type Scheduler interface {
	Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (*domain.Job, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Requeue(ctx context.Context, id string) (bool, error)
}

// Store is the worker-facing side.
type Store interface {
	Claim(ctx context.Context, queue, workerID string, batchSize int, leaseDuration time.Duration) ([]domain.Job, error)
	Renew(ctx context.Context, id, workerID string, extra time.Duration) (domain.LeaseState, error)
	Complete(ctx context.Context, id, workerID string) error
	Fail(ctx context.Context, id, workerID, reason string) (domain.Status, error)
	Register(ctx context.Context, metadata map[string]string) (*domain.Worker, error)
	Heartbeat(ctx context.Context, workerID string) error
	Ping(ctx context.Context) error
}

type Handler struct {
	sched    Scheduler
	store    Store
	log      *zap.Logger
	token    string
	gatherer prometheus.Gatherer
}

type Option func(*Handler)

// WithToken requires "Authorization: Bearer <token>" on every /v1 route.
func WithToken(token string) Option { return func(h *Handler) { h.token = token } }

func WithGatherer(g prometheus.Gatherer) Option { return func(h *Handler) { h.gatherer = g } }

func NewHandler(sched Scheduler, store Store, log *zap.Logger, opts ...Option) *Handler {
	h := &Handler{sched: sched, store: store, log: log, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/jobs", h.enqueue)
		r.Get("/jobs/{id}", h.getJob)
		r.Post("/jobs/{id}/cancel", h.cancel)
		r.Post("/jobs/{id}/requeue", h.requeue)

		r.Post("/lease", h.claim)
		r.Post("/lease/{id}/extend", h.extend)
		r.Post("/complete", h.complete)
		r.Post("/fail", h.fail)

		r.Post("/workers", h.register)
		r.Post("/workers/{id}/heartbeat", h.heartbeat)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: map[string]string{"status": "ok"}})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			h.writeJSON(w, http.StatusUnauthorized, envelope{Error: &apiError{Code: "UNAUTHORIZED", Message: "missing or invalid bearer token"}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
