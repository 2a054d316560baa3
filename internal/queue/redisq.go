// Package queue carries best-effort wakeup signals between producers and idle
// workers. Signals only shorten poll latency: a lost signal delays a job by at
// most one poll interval and never loses it.
package queue

import (
	"context"
	"strings"

	r "github.com/redis/go-redis/v9"
)

const channelPrefix = "leaseq:wakeup:"

// Notifier publishes and receives "queue has due work" signals.
type Notifier interface {
	Notify(ctx context.Context, queue string) error
	// Subscribe delivers the name of a queue each time it is signalled. The
	// channel closes when ctx is done.
	Subscribe(ctx context.Context, queues ...string) (<-chan string, error)
}

type RedisNotifier struct{ rdb *r.Client }

func NewRedis(rdb *r.Client) *RedisNotifier { return &RedisNotifier{rdb} }

func (n *RedisNotifier) Notify(ctx context.Context, queue string) error {
	return n.rdb.Publish(ctx, channelPrefix+queue, "").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, queues ...string) (<-chan string, error) {
	channels := make([]string, len(queues))
	for i, q := range queues {
		channels[i] = channelPrefix + q
	}
	ps := n.rdb.Subscribe(ctx, channels...)
	// wait for the subscription confirmation so that no signal sent after
	// Subscribe returns can be missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan string, len(queues))
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				q := strings.TrimPrefix(m.Channel, channelPrefix)
				select {
				case out <- q:
				default:
					// a wakeup for this queue is already pending
				}
			}
		}
	}()
	return out, nil
}

// Noop never signals; workers fall back to polling.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// Subscribe returns a nil channel, which blocks forever in a select.
func (Noop) Subscribe(context.Context, ...string) (<-chan string, error) { return nil, nil }
