package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/leaseq/internal/domain"
	"github.com/SirClappington/leaseq/internal/metrics"
	"github.com/SirClappington/leaseq/internal/storage"
)

type ReaperStore interface {
	ListDead(ctx context.Context, threshold time.Duration) ([]domain.Worker, error)
	Deregister(ctx context.Context, workerID string) (bool, error)
	Sweeper
}

// Reaper purges dead worker records and closes abandoned leases that claim
// will not pick up again. Every process may run one; all of its writes are
// idempotent.
type Reaper struct {
	store     ReaperStore
	threshold time.Duration
	interval  time.Duration
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewReaper(store ReaperStore, threshold, interval time.Duration, log *zap.Logger, m *metrics.Metrics) *Reaper {
	return &Reaper{store: store, threshold: threshold, interval: interval, log: log, metrics: m}
}

func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("reap", zap.Error(err))
			}
		}
	}
}

// ReapResult counts what one pass changed.
type ReapResult struct {
	Deregistered int
	Busy         int
	storage.SweepResult
}

// ReapOnce deregisters dead workers that hold no live lease, then sweeps
// abandoned leases. Leases of dead workers that are still unexpired are left
// alone; they become claimable when they expire.
func (r *Reaper) ReapOnce(ctx context.Context) (ReapResult, error) {
	var res ReapResult
	dead, err := r.store.ListDead(ctx, r.threshold)
	if err != nil {
		return res, err
	}
	for _, w := range dead {
		ok, err := r.store.Deregister(ctx, w.ID)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Busy++
			continue
		}
		res.Deregistered++
		r.log.Info("deregistered dead worker",
			zap.String("worker_id", w.ID), zap.Time("last_heartbeat_at", w.LastHeartbeatAt))
	}
	r.metrics.WorkersReaped.Add(float64(res.Deregistered))

	swept, err := r.store.SweepAbandoned(ctx)
	if err != nil {
		return res, err
	}
	res.SweepResult = swept
	r.metrics.LeasesSwept.WithLabelValues(string(domain.DeadLettered)).Add(float64(swept.DeadLettered))
	r.metrics.LeasesSwept.WithLabelValues(string(domain.Cancelled)).Add(float64(swept.Cancelled))
	if swept.DeadLettered+swept.Cancelled > 0 {
		r.log.Info("swept abandoned leases",
			zap.Int("dead_lettered", swept.DeadLettered), zap.Int("cancelled", swept.Cancelled))
	}
	return res, nil
}
