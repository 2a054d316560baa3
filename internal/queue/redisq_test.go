package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/leaseq/internal/queue"
	"github.com/SirClappington/leaseq/internal/testutil"
)

func TestNoop(t *testing.T) {
	var n queue.Notifier = queue.Noop{}
	assert.NoError(t, n.Notify(context.Background(), "email"))

	ch, err := n.Subscribe(context.Background(), "email")
	require.NoError(t, err)
	select {
	case <-ch:
		t.Fatal("noop notifier must never signal")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestRedisNotifier(t *testing.T) {
	rdb := testutil.Redis(t)
	n := queue.NewRedis(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := n.Subscribe(ctx, "email", "cleanup")
	require.NoError(t, err)

	require.NoError(t, n.Notify(ctx, "cleanup"))
	select {
	case q := <-ch:
		assert.Equal(t, "cleanup", q)
	case <-time.After(5 * time.Second):
		t.Fatal("no wakeup received")
	}

	// Other queues' signals are not delivered.
	require.NoError(t, n.Notify(ctx, "unrelated"))
	select {
	case q := <-ch:
		t.Fatalf("unexpected wakeup for %q", q)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
