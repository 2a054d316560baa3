package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/SirClappington/leaseq/internal/metrics"
	"github.com/SirClappington/leaseq/internal/queue"
)

// Process is one worker process: a registered worker identity, a runner per
// queue of the mux sharing one execution budget, the heartbeat and a reaper.
type Process struct {
	store    Store
	mux      *Mux
	notifier queue.Notifier
	opts     Options
	log      *zap.Logger
	metrics  *metrics.Metrics
	id       identity
}

func NewProcess(store Store, mux *Mux, opts Options, notifier queue.Notifier, log *zap.Logger, m *metrics.Metrics) *Process {
	if notifier == nil {
		notifier = queue.Noop{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Process{
		store:    store,
		mux:      mux,
		notifier: notifier,
		opts:     opts.withDefaults(),
		log:      log,
		metrics:  m,
	}
}

// WorkerID is the id new claims are made under; empty until Run registered.
func (p *Process) WorkerID() string { return p.id.Get() }

// Run registers the worker and processes jobs until ctx is done. It then stops
// claiming, waits up to ShutdownTimeout for running jobs, and marks the worker
// shut down.
func (p *Process) Run(ctx context.Context) error {
	queues := p.mux.Queues()
	if len(queues) == 0 {
		return errors.New("worker: no queues registered")
	}
	if err := p.register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	log := p.log.With(zap.String("worker_id", p.id.Get()))
	log.Info("worker registered", zap.Strings("queues", queues), zap.Int("concurrency", p.opts.Concurrency))

	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	wake := p.subscribe(ctx, queues, log)

	var (
		inflight sync.WaitGroup
		slots    = semaphore.NewWeighted(int64(p.opts.Concurrency))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		exec, _ := p.mux.Lookup(q)
		r := &Runner{
			queue:    q,
			store:    p.store,
			exec:     exec,
			id:       &p.id,
			opts:     p.opts,
			slots:    slots,
			inflight: &inflight,
			execCtx:  execCtx,
			wake:     wake[q],
			log:      p.log.With(zap.String("queue", q)),
			metrics:  p.metrics,
		}
		g.Go(func() error { return r.Run(gctx) })
	}
	hb := &Heartbeater{
		reg:      p.store,
		id:       &p.id,
		interval: p.opts.HeartbeatInterval,
		metadata: p.opts.Metadata,
		log:      p.log,
	}
	g.Go(func() error { return hb.Run(gctx) })
	reaper := NewReaper(p.store, p.opts.DeadThreshold, p.opts.ReapInterval, p.log, p.metrics)
	g.Go(func() error { return reaper.Run(gctx) })

	err := g.Wait()

	p.drain(&inflight, cancelExec, log)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := p.store.Shutdown(shutdownCtx, p.id.Get()); serr != nil {
		log.Warn("mark worker shut down", zap.Error(serr))
	}
	log.Info("worker stopped")
	return err
}

func (p *Process) register(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(func() error {
		w, err := p.store.Register(ctx, p.opts.Metadata)
		if err != nil {
			return err
		}
		p.id.Set(w.ID)
		return nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		p.log.Warn("register worker", zap.Error(err), zap.Duration("retry_in", wait))
	})
}

// subscribe fans wakeup signals out to one channel per queue. Without a
// working subscription the runners just poll.
func (p *Process) subscribe(ctx context.Context, queues []string, log *zap.Logger) map[string]<-chan struct{} {
	out := make(map[string]<-chan struct{}, len(queues))
	sinks := make(map[string]chan struct{}, len(queues))
	for _, q := range queues {
		ch := make(chan struct{}, 1)
		sinks[q] = ch
		out[q] = ch
	}

	signals, err := p.notifier.Subscribe(ctx, queues...)
	if err != nil {
		log.Warn("subscribe to wakeups, falling back to polling", zap.Error(err))
		return out
	}
	if signals == nil {
		return out
	}
	go func() {
		for q := range signals {
			if ch, ok := sinks[q]; ok {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

func (p *Process) drain(inflight *sync.WaitGroup, cancelExec context.CancelFunc, log *zap.Logger) {
	done := make(chan struct{})
	go func() {
		inflight.Wait()
		close(done)
	}()
	t := time.NewTimer(p.opts.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-done:
		return
	case <-t.C:
	}
	log.Warn(fmt.Sprintf("jobs still running after %s, cancelling them", p.opts.ShutdownTimeout))
	cancelExec()
	<-done
}
