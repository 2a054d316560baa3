// Package worker runs the claim, execute and report loop of a worker process
// together with its heartbeat and the dead-worker reaper.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/SirClappington/leaseq/internal/domain"
	"github.com/SirClappington/leaseq/internal/storage"
)

// JobStore is the subset of the job store a worker mutates.
type JobStore interface {
	Claim(ctx context.Context, queue, workerID string, batchSize int, leaseDuration time.Duration) ([]domain.Job, error)
	Renew(ctx context.Context, id, workerID string, extra time.Duration) (domain.LeaseState, error)
	Complete(ctx context.Context, id, workerID string) error
	Fail(ctx context.Context, id, workerID, reason string) (domain.Status, error)
	DeadLetter(ctx context.Context, id, workerID, reason string) (domain.Status, error)
	Park(ctx context.Context, id, workerID, reason string) (domain.Status, error)
}

type WorkerRegistry interface {
	Register(ctx context.Context, metadata map[string]string) (*domain.Worker, error)
	Heartbeat(ctx context.Context, workerID string) error
	ListDead(ctx context.Context, threshold time.Duration) ([]domain.Worker, error)
	Deregister(ctx context.Context, workerID string) (bool, error)
	Shutdown(ctx context.Context, workerID string) error
}

type Sweeper interface {
	SweepAbandoned(ctx context.Context) (storage.SweepResult, error)
}

// Store is everything a worker process needs; *storage.Store satisfies it.
type Store interface {
	JobStore
	WorkerRegistry
	Sweeper
}

var _ Store = (*storage.Store)(nil)

var (
	// ErrCancelRequested is the context cause seen by an executor whose job
	// was cancelled while running.
	ErrCancelRequested = errors.New("job cancellation requested")
	// ErrLeaseExpired is the context cause seen by an executor whose lease
	// ran out before it could be renewed.
	ErrLeaseExpired = errors.New("job lease expired")
	errShutdown     = errors.New("worker shutting down")
)

type Options struct {
	Concurrency       int
	BatchSize         int
	LeaseDuration     time.Duration
	RenewInterval     time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	DeadThreshold     time.Duration
	ReapInterval      time.Duration
	ShutdownTimeout   time.Duration
	FatalPolicy       FatalPolicy
	Metadata          map[string]string
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.BatchSize <= 0 {
		o.BatchSize = o.Concurrency
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 60 * time.Second
	}
	if o.RenewInterval <= 0 || o.RenewInterval >= o.LeaseDuration {
		o.RenewInterval = o.LeaseDuration / 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.DeadThreshold <= o.HeartbeatInterval {
		o.DeadThreshold = 3 * o.HeartbeatInterval
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = o.DeadThreshold
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.FatalPolicy == "" {
		o.FatalPolicy = FatalDeadLetter
	}
	return o
}

// identity is the worker id new claims are made under. It changes when the
// heartbeat finds the registration gone and registers again.
type identity struct {
	id atomic.Pointer[string]
}

func (i *identity) Get() string {
	if p := i.id.Load(); p != nil {
		return *p
	}
	return ""
}

func (i *identity) Set(id string) { i.id.Store(&id) }
