package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/leaseq/internal/domain"
)

// leaseKeeper renews one job lease while its executor runs and cancels the
// executor's context once the lease can no longer be relied on.
type leaseKeeper struct {
	store    JobStore
	jobID    string
	workerID string
	interval time.Duration
	extend   time.Duration
	expires  time.Time
	cancel   context.CancelCauseFunc
	log      *zap.Logger

	// expiry published to the executor, in unix nanoseconds
	published atomic.Int64

	// set before done is closed
	lost bool
	done chan struct{}
}

func newLeaseKeeper(store JobStore, job domain.Job, opts Options, cancel context.CancelCauseFunc, log *zap.Logger) *leaseKeeper {
	k := &leaseKeeper{
		store:    store,
		jobID:    job.ID,
		workerID: *job.LeaseOwner,
		interval: opts.RenewInterval,
		extend:   opts.LeaseDuration,
		cancel:   cancel,
		log:      log,
		done:     make(chan struct{}),
	}
	if job.LeaseExpiresAt != nil {
		k.expires = *job.LeaseExpiresAt
	} else {
		k.expires = time.Now().Add(opts.LeaseDuration)
	}
	k.published.Store(k.expires.UnixNano())
	return k
}

type leaseKey struct{}

// LeaseExpiry reports when the lease on the job executing under ctx currently
// ends. The value moves forward each time the lease is renewed. ok is false
// when ctx does not belong to an executing job.
func LeaseExpiry(ctx context.Context) (expires time.Time, ok bool) {
	k, ok := ctx.Value(leaseKey{}).(*leaseKeeper)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, k.published.Load()), true
}

// run returns when ctx is done or the lease is gone.
func (k *leaseKeeper) run(ctx context.Context) {
	defer close(k.done)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	expiry := time.NewTimer(time.Until(k.expires))
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			k.log.Warn("lease expired before renewal")
			k.cancel(ErrLeaseExpired)
			return
		case <-ticker.C:
			state, err := k.store.Renew(ctx, k.jobID, k.workerID, k.extend)
			if errors.Is(err, domain.ErrLeaseLost) {
				k.log.Warn("lease lost while executing")
				k.lost = true
				k.cancel(domain.ErrLeaseLost)
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// keep the old expiry; the timer fires if renewals keep failing
				k.log.Warn("renew lease", zap.Error(err))
				continue
			}
			if state.CancelRequested {
				k.log.Info("cancellation requested")
				k.cancel(ErrCancelRequested)
				return
			}
			k.expires = state.ExpiresAt
			k.published.Store(k.expires.UnixNano())
			if !expiry.Stop() {
				select {
				case <-expiry.C:
				default:
				}
			}
			expiry.Reset(time.Until(k.expires))
		}
	}
}

// wait blocks until run has returned and reports whether the lease was lost.
func (k *leaseKeeper) wait() bool {
	<-k.done
	return k.lost
}
