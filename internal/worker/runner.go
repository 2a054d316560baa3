package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/SirClappington/leaseq/internal/domain"
	"github.com/SirClappington/leaseq/internal/metrics"
)

const reportGrace = 5 * time.Second

// Runner is the lease manager for one queue: it claims due jobs, executes
// them, and reports each outcome under the lease it was claimed with.
type Runner struct {
	queue    string
	store    JobStore
	exec     Executor
	id       *identity
	opts     Options
	slots    *semaphore.Weighted
	inflight *sync.WaitGroup
	execCtx  context.Context
	wake     <-chan struct{}
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// Run claims until ctx is done. Jobs already handed to executors keep running
// under execCtx; the owner of inflight waits for them.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner started")
	defer r.log.Info("runner stopped")

	for {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		n := 1
		for n < r.opts.BatchSize && r.slots.TryAcquire(1) {
			n++
		}

		jobs, err := r.claim(ctx, n)
		if free := n - len(jobs); free > 0 {
			r.slots.Release(int64(free))
		}
		if err != nil {
			// only a done ctx ends the retry loop
			return nil
		}

		for _, job := range jobs {
			r.inflight.Add(1)
			go r.process(job)
		}
		if len(jobs) > 0 {
			r.metrics.Claimed.WithLabelValues(r.queue).Add(float64(len(jobs)))
			continue
		}

		if !r.idle(ctx) {
			return nil
		}
	}
}

// claim retries store failures with exponential backoff until ctx is done.
func (r *Runner) claim(ctx context.Context, n int) ([]domain.Job, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * r.opts.PollInterval
	b.MaxElapsedTime = 0

	return backoff.RetryNotifyWithData(func() ([]domain.Job, error) {
		jobs, err := r.store.Claim(ctx, r.queue, r.id.Get(), n, r.opts.LeaseDuration)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return jobs, err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		r.log.Warn("claim jobs", zap.Error(err), zap.Duration("retry_in", wait))
	})
}

// idle waits for the poll interval or a wakeup. It returns false once ctx is
// done.
func (r *Runner) idle(ctx context.Context) bool {
	t := time.NewTimer(r.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-r.wake:
	}
	return true
}

func (r *Runner) process(job domain.Job) {
	defer r.inflight.Done()
	defer r.slots.Release(1)

	log := r.log.With(
		zap.String("job_id", job.ID),
		zap.String("worker_id", *job.LeaseOwner),
		zap.Int("attempt", job.Attempts),
	)

	ctx, cancel := context.WithCancelCause(r.execCtx)
	defer cancel(nil)

	keeper := newLeaseKeeper(r.store, job, r.opts, cancel, log)
	ctx = context.WithValue(ctx, leaseKey{}, keeper)
	go keeper.run(ctx)

	start := time.Now()
	outcome := r.execute(ctx, job, log)
	r.metrics.ObserveExecution(r.queue, start)

	cause := context.Cause(ctx)
	cancel(errShutdown)
	if keeper.wait() {
		r.metrics.LeaseLost.WithLabelValues(r.queue).Inc()
		log.Warn("dropping outcome of job whose lease was lost", zap.Stringer("outcome", outcome.Kind))
		return
	}
	if errors.Is(cause, ErrCancelRequested) && outcome.Kind != KindSuccess {
		// Fail resolves a cancel-requested job to cancelled
		outcome = Retryable(ErrCancelRequested)
	}

	// A late report is still safe: the store rejects it if the lease moved on.
	deadline := keeper.expires
	if floor := time.Now().Add(reportGrace); deadline.Before(floor) {
		deadline = floor
	}
	reportCtx, stop := context.WithDeadline(context.WithoutCancel(r.execCtx), deadline)
	defer stop()
	r.report(reportCtx, job, outcome, log)
}

func (r *Runner) execute(ctx context.Context, job domain.Job, log *zap.Logger) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("executor panicked", zap.Any("panic", p), zap.Stack("stack"))
			out = Retryable(fmt.Errorf("executor panic: %v", p))
		}
	}()
	return r.exec.Execute(ctx, job.Payload)
}

// report records outcome, retrying transient store errors until ctx (bounded
// by the lease expiry) is done.
func (r *Runner) report(ctx context.Context, job domain.Job, outcome Outcome, log *zap.Logger) {
	owner := *job.LeaseOwner
	var status domain.Status

	op := func() error {
		var err error
		switch {
		case outcome.Kind == KindSuccess:
			err = r.store.Complete(ctx, job.ID, owner)
			status = domain.Completed
		case outcome.Kind == KindFatal && r.opts.FatalPolicy == FatalDeadLetter:
			status, err = r.store.DeadLetter(ctx, job.ID, owner, outcome.reason())
		case outcome.Kind == KindFatal && r.opts.FatalPolicy == FatalHold:
			status, err = r.store.Park(ctx, job.ID, owner, outcome.reason())
		default:
			status, err = r.store.Fail(ctx, job.ID, owner, outcome.reason())
		}
		if err != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn("report outcome", zap.Error(err), zap.Duration("retry_in", wait))
	})

	switch {
	case errors.Is(err, domain.ErrLeaseLost):
		r.metrics.LeaseLost.WithLabelValues(r.queue).Inc()
		log.Warn("outcome rejected, lease lost", zap.Stringer("outcome", outcome.Kind))
	case err != nil:
		log.Error("report outcome", zap.Stringer("outcome", outcome.Kind), zap.Error(err))
	default:
		r.metrics.Outcomes.WithLabelValues(r.queue, string(status)).Inc()
		fields := []zap.Field{zap.Stringer("outcome", outcome.Kind), zap.String("status", string(status))}
		if outcome.Err != nil {
			fields = append(fields, zap.Error(outcome.Err))
		}
		log.Info("job reported", fields...)
	}
}
