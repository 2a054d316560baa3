package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
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
	"github.com/SirClappington/leaseq/internal/storage"
	"github.com/SirClappington/leaseq/internal/worker"
)

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
	if len(cfg.Worker.Queues) == 0 {
		return errors.New("WORKER_QUEUES is empty")
	}
	log, err := logging.New(cfg.AppEnv, "worker")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	fatal, err := worker.ParseFatalPolicy(cfg.Worker.FatalPolicy)
	if err != nil {
		return err
	}

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

	// Real deployments register their own executors here; the default
	// acknowledges every job after logging it.
	mux := worker.NewMux()
	for _, q := range cfg.Worker.Queues {
		mux.Handle(q, worker.LogExecutor(log.Named(q)))
	}

	w := cfg.Worker
	proc := worker.NewProcess(store, mux, worker.Options{
		Concurrency:       w.Concurrency,
		BatchSize:         w.BatchSize,
		LeaseDuration:     w.LeaseDuration,
		RenewInterval:     w.RenewInterval,
		PollInterval:      w.PollInterval,
		HeartbeatInterval: w.HeartbeatInterval,
		DeadThreshold:     w.DeadThreshold,
		ReapInterval:      w.ReapInterval,
		ShutdownTimeout:   w.ShutdownTimeout,
		FatalPolicy:       fatal,
		Metadata:          w.Metadata,
	}, notifier, log, m)

	rtr := chi.NewRouter()
	rtr.Get("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		if proc.WorkerID() == "" {
			http.Error(rw, "not registered", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusNoContent)
	})
	rtr.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.WorkerAddr, Handler: rtr, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(gctx) })
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
	log.Info("worker starting", zap.Strings("queues", mux.Queues()), zap.String("addr", cfg.WorkerAddr))
	return g.Wait()
}
