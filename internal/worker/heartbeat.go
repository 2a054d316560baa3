package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/leaseq/internal/domain"
)

// Heartbeater keeps the worker record alive. If the record was purged it
// registers a fresh one and switches new claims to the new id; jobs already
// running keep reporting under the id they were claimed with.
type Heartbeater struct {
	reg      WorkerRegistry
	id       *identity
	interval time.Duration
	metadata map[string]string
	log      *zap.Logger
}

func (h *Heartbeater) Run(ctx context.Context) error {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	old := h.id.Get()
	err := h.reg.Heartbeat(ctx, old)
	switch {
	case err == nil:
		return
	case errors.Is(err, domain.ErrUnknownWorker):
		w, err := h.reg.Register(ctx, h.metadata)
		if err != nil {
			h.log.Error("re-register worker", zap.String("worker_id", old), zap.Error(err))
			return
		}
		h.id.Set(w.ID)
		h.log.Warn("worker record was purged, registered again",
			zap.String("old_worker_id", old), zap.String("worker_id", w.ID))
	case ctx.Err() != nil:
	default:
		// the threshold leaves room for a few missed beats
		h.log.Warn("heartbeat", zap.String("worker_id", old), zap.Error(err))
	}
}
