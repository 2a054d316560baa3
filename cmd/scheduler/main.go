package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/leaseq/internal/config"
	"github.com/SirClappington/leaseq/internal/logging"
	"github.com/SirClappington/leaseq/internal/metrics"
	"github.com/SirClappington/leaseq/internal/queue"
	"github.com/SirClappington/leaseq/internal/retry"
	"github.com/SirClappington/leaseq/internal/scheduler"
	"github.com/SirClappington/leaseq/internal/storage"
	"github.com/SirClappington/leaseq/internal/worker"
)

const statsInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.AppEnv, "scheduler")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, db, err := storage.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, db.Close())
		pool.Close()
	}()
	if cfg.MigrateOnStart {
		if err := storage.Migrate(ctx, db); err != nil {
			return err
		}
	}

	var notifier queue.Notifier = queue.Noop{}
	if cfg.RedisAddr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { err = multierr.Append(err, rdb.Close()) }()
		notifier = queue.NewRedis(rdb)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store := storage.New(db, storage.WithRetryPolicy(retry.Policy{
		Base:   cfg.RetryBase,
		Max:    cfg.RetryMax,
		Jitter: cfg.RetryJitter,
	}))
	sched := scheduler.New(store, log,
		scheduler.WithNotifier(notifier),
		scheduler.WithMetrics(m),
		scheduler.WithDefaultMaxAttempts(cfg.DefaultMaxAttempts),
	)

	parsed, err := cfg.Periodic.Parse()
	if err != nil {
		return err
	}
	tasks := make([]scheduler.Task, 0, len(parsed))
	queues := slices.Clone(cfg.Worker.Queues)
	for _, t := range parsed {
		tasks = append(tasks, scheduler.Task{Name: t.Name, Schedule: t.Schedule, Queue: t.Queue, MaxAttempts: t.MaxAttempts})
		if !slices.Contains(queues, t.Queue) {
			queues = append(queues, t.Queue)
		}
	}
	owner := "scheduler-" + uuid.NewString()
	periodic, err := scheduler.NewPeriodic(sched, store, owner, tasks, cfg.Periodic.Interval, log)
	if err != nil {
		return err
	}
	reaper := worker.NewReaper(store, cfg.Worker.DeadThreshold, cfg.Worker.ReapInterval, log, m)

	rtr := chi.NewRouter()
	rtr.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := store.Ping(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	rtr.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.SchedAddr, Handler: rtr, ReadHeaderTimeout: 5 * time.Second}

	log.Info("scheduler starting",
		zap.String("owner", owner),
		zap.Int("periodic_tasks", len(tasks)),
		zap.Strings("queues", queues),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return periodic.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error {
		t := time.NewTicker(statsInterval)
		defer t.Stop()
		for {
			if err := sched.RefreshStats(gctx, queues...); err != nil && gctx.Err() == nil {
				log.Warn("refresh stats", zap.Error(err))
			}
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
