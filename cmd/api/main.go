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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/leaseq/internal/api"
	"github.com/SirClappington/leaseq/internal/config"
	"github.com/SirClappington/leaseq/internal/logging"
	"github.com/SirClappington/leaseq/internal/metrics"
	"github.com/SirClappington/leaseq/internal/queue"
	"github.com/SirClappington/leaseq/internal/retry"
	"github.com/SirClappington/leaseq/internal/scheduler"
	"github.com/SirClappington/leaseq/internal/storage"
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
	log, err := logging.New(cfg.AppEnv, "api")
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
	h := api.NewHandler(sched, store, log, api.WithToken(cfg.APIToken), api.WithGatherer(reg))

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
