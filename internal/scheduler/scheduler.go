// Package scheduler is the producer side of the queue: enqueueing,
// cancelling and inspecting jobs, plus cron-driven periodic jobs.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/leaseq/internal/domain"
	"github.com/SirClappington/leaseq/internal/metrics"
	"github.com/SirClappington/leaseq/internal/queue"
	"github.com/SirClappington/leaseq/internal/storage"
)

const DefaultMaxAttempts = 5

type JobStore interface {
	Enqueue(ctx context.Context, p storage.EnqueueParams) (*domain.Job, bool, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Requeue(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context, queue string) (map[domain.Status]int, error)
}

var _ JobStore = (*storage.Store)(nil)

type Scheduler struct {
	store       JobStore
	notifier    queue.Notifier
	log         *zap.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	now         func() time.Time
}

type Option func(*Scheduler)

func WithNotifier(n queue.Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithDefaultMaxAttempts sets the attempt budget of jobs enqueued without one.
func WithDefaultMaxAttempts(n int) Option { return func(s *Scheduler) { s.maxAttempts = n } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func New(store JobStore, log *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		notifier:    queue.Noop{},
		log:         log,
		metrics:     metrics.Nop(),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueRequest describes a new job. Zero ScheduledAt means now and zero
// MaxAttempts means the scheduler default.
type EnqueueRequest struct {
	ID          string
	Queue       string
	Payload     []byte
	ScheduledAt time.Time
	MaxAttempts int
}

// Enqueue validates and persists a job. Queue names starting with "_" are
// reserved for internal use.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.Job, error) {
	req.Queue = strings.TrimSpace(req.Queue)
	switch {
	case req.Queue == "":
		return nil, fmt.Errorf("%w: queue is required", domain.ErrInvalidArgument)
	case strings.HasPrefix(req.Queue, "_"):
		return nil, fmt.Errorf("%w: queue %q is reserved", domain.ErrInvalidArgument, req.Queue)
	case req.MaxAttempts < 0:
		return nil, fmt.Errorf("%w: max attempts must not be negative", domain.ErrInvalidArgument)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.maxAttempts
	}

	job, created, err := s.store.Enqueue(ctx, storage.EnqueueParams{
		ID:          req.ID,
		Queue:       req.Queue,
		Payload:     req.Payload,
		ScheduledAt: req.ScheduledAt,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		s.log.Debug("job already enqueued", zap.String("job_id", job.ID), zap.String("queue", job.Queue))
		return job, nil
	}
	s.metrics.Enqueued.WithLabelValues(job.Queue).Inc()
	s.log.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.Time("scheduled_at", job.ScheduledAt))

	if !job.ScheduledAt.After(s.now()) {
		s.wake(ctx, job.Queue)
	}
	return job, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.Get(ctx, id)
}

// Cancel reports whether the job was cancelled or flagged for cancellation;
// false means it had already finished.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	s.log.Info("job cancel", zap.String("job_id", id), zap.Bool("applied", ok))
	return ok, nil
}

// Requeue gives a parked job a fresh attempt budget.
func (s *Scheduler) Requeue(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.Requeue(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	if job, err := s.store.Get(ctx, id); err == nil {
		s.wake(ctx, job.Queue)
	}
	s.log.Info("job requeued", zap.String("job_id", id))
	return true, nil
}

// RefreshStats updates the per-status job gauges of the given queues.
func (s *Scheduler) RefreshStats(ctx context.Context, queues ...string) error {
	for _, q := range queues {
		stats, err := s.store.Stats(ctx, q)
		if err != nil {
			return err
		}
		for status, n := range stats {
			s.metrics.Jobs.WithLabelValues(q, string(status)).Set(float64(n))
		}
	}
	return nil
}

func (s *Scheduler) wake(ctx context.Context, q string) {
	if err := s.notifier.Notify(ctx, q); err != nil {
		s.log.Warn("notify workers", zap.String("queue", q), zap.Error(err))
	}
}
