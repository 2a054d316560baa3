package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/SirClappington/leaseq/internal/domain"
)

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   domain.Status
		terminal bool
	}{
		{domain.Pending, false},
		{domain.Leased, false},
		{domain.Failed, false},
		{domain.Completed, true},
		{domain.DeadLettered, true},
		{domain.Cancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
			assert.True(t, tt.status.Valid())
		})
	}

	assert.False(t, domain.Status("running").Valid())
}

func TestJob_HeldBy(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	owner := "w1"
	future := now.Add(time.Second)
	past := now.Add(-time.Second)

	held := &domain.Job{Status: domain.Leased, LeaseOwner: &owner, LeaseExpiresAt: &future}
	assert.True(t, held.HeldBy("w1", now))
	assert.False(t, held.HeldBy("w2", now))

	expired := &domain.Job{Status: domain.Leased, LeaseOwner: &owner, LeaseExpiresAt: &past}
	assert.False(t, expired.HeldBy("w1", now))

	atExpiry := &domain.Job{Status: domain.Leased, LeaseOwner: &owner, LeaseExpiresAt: &now}
	assert.False(t, atExpiry.HeldBy("w1", now), "a lease is not held at its expiry instant")

	pending := &domain.Job{Status: domain.Pending}
	assert.False(t, pending.HeldBy("w1", now))
}

func TestWorker_StatusAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	threshold := 30 * time.Second

	fresh := &domain.Worker{LastHeartbeatAt: now.Add(-10 * time.Second)}
	assert.Equal(t, domain.WorkerActive, fresh.StatusAt(now, threshold))

	stale := &domain.Worker{LastHeartbeatAt: now.Add(-31 * time.Second)}
	assert.Equal(t, domain.WorkerDead, stale.StatusAt(now, threshold))

	shutdown := now.Add(-time.Second)
	gone := &domain.Worker{LastHeartbeatAt: now, ShutdownAt: &shutdown}
	assert.Equal(t, domain.WorkerDead, gone.StatusAt(now, threshold))
}
