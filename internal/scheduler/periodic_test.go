package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/leaseq/internal/domain"
	"github.com/SirClappington/leaseq/internal/scheduler"
	"github.com/SirClappington/leaseq/internal/storage"
)

// jobMap is an idempotent in-memory job store.
type jobMap struct {
	MockStore
	jobs map[string]storage.EnqueueParams
}

func (m *jobMap) Enqueue(_ context.Context, p storage.EnqueueParams) (*domain.Job, bool, error) {
	if m.jobs == nil {
		m.jobs = map[string]storage.EnqueueParams{}
	}
	_, exists := m.jobs[p.ID]
	if !exists {
		m.jobs[p.ID] = p
	}
	return &domain.Job{ID: p.ID, Queue: p.Queue, ScheduledAt: p.ScheduledAt}, !exists, nil
}

// lease is a single named lease shared by simulated processes.
type lease struct {
	holder  string
	expires time.Time
	now     *time.Time
}

func (l *lease) Acquire(_ context.Context, _, owner string, ttl time.Duration) (bool, error) {
	if l.holder != "" && l.holder != owner && l.now.Before(l.expires) {
		return false, nil
	}
	l.holder, l.expires = owner, l.now.Add(ttl)
	return true, nil
}

func (l *lease) Release(_ context.Context, _, owner string) error {
	if l.holder == owner {
		l.holder = ""
	}
	return nil
}

func TestPeriodic_Tick(t *testing.T) {
	clock := time.Date(2026, 5, 1, 10, 0, 30, 0, time.UTC)
	store := &jobMap{}
	l := &lease{now: &clock}
	tasks := []scheduler.Task{
		{Name: "purge-tokens", Schedule: "* * * * *", Queue: "maintenance", Payload: []byte("purge")},
		{Name: "hourly-report", Schedule: "0 * * * *", Queue: "reports", MaxAttempts: 1},
	}

	newPeriodic := func(owner string) *scheduler.Periodic {
		s := scheduler.New(store, zaptest.NewLogger(t), scheduler.WithClock(func() time.Time { return clock }))
		p, err := scheduler.NewPeriodic(s, l, owner, tasks, 20*time.Second, zaptest.NewLogger(t))
		require.NoError(t, err)
		return p
	}
	a, b := newPeriodic("a"), newPeriodic("b")
	ctx := context.Background()

	// a becomes leader; the look-back window (3 x 20s) covers 10:00:00.
	n, err := a.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, store.jobs, scheduler.FireID("purge-tokens", time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)))
	assert.Contains(t, store.jobs, scheduler.FireID("hourly-report", time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)))

	// b is not leader and enqueues nothing.
	n, err = b.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Nothing new is due within the same minute.
	clock = clock.Add(20 * time.Second)
	n, err = a.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// a dies before 10:01; once its lease lapses b takes over and enqueues
	// the fire a missed.
	clock = clock.Add(60 * time.Second)
	n, err = b.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, store.jobs, 3)

	// A fresh leader looking back over the same window produces the same ids.
	require.NoError(t, l.Release(ctx, "periodic", "b"))
	c := newPeriodic("c")
	n, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, store.jobs, 3)

	fire := store.jobs[scheduler.FireID("purge-tokens", time.Date(2026, 5, 1, 10, 1, 0, 0, time.UTC))]
	assert.Equal(t, "maintenance", fire.Queue)
	assert.Equal(t, []byte("purge"), fire.Payload)
	assert.Equal(t, scheduler.DefaultMaxAttempts, fire.MaxAttempts)
}

func TestNewPeriodic_Validation(t *testing.T) {
	s := scheduler.New(&jobMap{}, zaptest.NewLogger(t))
	l := &lease{now: new(time.Time)}

	_, err := scheduler.NewPeriodic(s, l, "a", []scheduler.Task{{Name: "x", Schedule: "every day"}}, time.Second, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = scheduler.NewPeriodic(s, l, "a", []scheduler.Task{
		{Name: "x", Schedule: "@hourly"},
		{Name: "x", Schedule: "@daily"},
	}, time.Second, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = scheduler.NewPeriodic(s, l, "a", []scheduler.Task{{Name: " ", Schedule: "@hourly"}}, time.Second, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestFireID(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, scheduler.FireID("a", at), scheduler.FireID("a", at.In(time.FixedZone("CEST", 2*3600))))
	assert.NotEqual(t, scheduler.FireID("a", at), scheduler.FireID("b", at))
	assert.NotEqual(t, scheduler.FireID("a", at), scheduler.FireID("a", at.Add(time.Minute)))
}
