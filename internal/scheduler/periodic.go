package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	periodicLock = "periodic"
	// maxFiresPerTick bounds catch-up after a long pause.
	maxFiresPerTick = 100
)

var periodicNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/SirClappington/leaseq/periodic"))

// Task is a job enqueued on a cron schedule.
type Task struct {
	Name        string
	Schedule    string // standard five-field cron expression
	Queue       string
	Payload     []byte
	MaxAttempts int
}

type Locker interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

type task struct {
	Task
	schedule cron.Schedule
	last     time.Time
}

// Periodic enqueues due task fires. Only the holder of the "periodic" named
// lease evaluates schedules; each fire time maps to a fixed job id, so a fire
// is enqueued once even when the lease changes hands mid-tick.
type Periodic struct {
	sched    *Scheduler
	locks    Locker
	owner    string
	tasks    []*task
	interval time.Duration
	ttl      time.Duration
	log      *zap.Logger
	now      func() time.Time
	leader   bool
}

func NewPeriodic(s *Scheduler, locks Locker, owner string, tasks []Task, interval time.Duration, log *zap.Logger) (*Periodic, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p := &Periodic{
		sched:    s,
		locks:    locks,
		owner:    owner,
		interval: interval,
		ttl:      3 * interval,
		log:      log,
		now:      s.now,
	}
	seen := map[string]bool{}
	for _, t := range tasks {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return nil, errors.New("periodic task without a name")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate periodic task %q", t.Name)
		}
		seen[t.Name] = true
		sch, err := cron.ParseStandard(t.Schedule)
		if err != nil {
			return nil, fmt.Errorf("periodic task %q: parse schedule %q: %w", t.Name, t.Schedule, err)
		}
		p.tasks = append(p.tasks, &task{Task: t, schedule: sch})
	}
	return p, nil
}

// Run ticks until ctx is done and then gives up the lease.
func (p *Periodic) Run(ctx context.Context) error {
	if len(p.tasks) == 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("periodic tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.release()
			return nil
		case <-t.C:
		}
	}
}

// Tick enqueues every fire of every task that fell due since the previous
// tick, or within the lease ttl if this process just became leader. It
// returns the number of fires enqueued.
func (p *Periodic) Tick(ctx context.Context) (int, error) {
	ok, err := p.locks.Acquire(ctx, periodicLock, p.owner, p.ttl)
	if err != nil {
		return 0, err
	}
	if ok != p.leader {
		p.leader = ok
		p.log.Info("periodic leadership changed", zap.Bool("leader", ok), zap.String("owner", p.owner))
	}
	if !ok {
		return 0, nil
	}

	now := p.now().UTC()
	fired := 0
	for _, t := range p.tasks {
		from := now.Add(-p.ttl)
		if t.last.After(from) {
			from = t.last
		}
		n := 0
		for at := t.schedule.Next(from); !at.After(now) && n < maxFiresPerTick; at = t.schedule.Next(at) {
			_, err := p.sched.Enqueue(ctx, EnqueueRequest{
				ID:          FireID(t.Name, at),
				Queue:       t.Queue,
				Payload:     t.Payload,
				ScheduledAt: at,
				MaxAttempts: t.MaxAttempts,
			})
			if err != nil {
				return fired, fmt.Errorf("enqueue periodic task %q at %s: %w", t.Name, at.Format(time.RFC3339), err)
			}
			n++
		}
		fired += n
		t.last = now
	}
	return fired, nil
}

func (p *Periodic) release() {
	if !p.leader {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.locks.Release(ctx, periodicLock, p.owner); err != nil {
		p.log.Warn("release periodic lease", zap.Error(err))
	}
	p.leader = false
}

// FireID is the job id of task name's fire at t.
func FireID(name string, t time.Time) string {
	return uuid.NewSHA1(periodicNamespace, []byte(name+"@"+t.UTC().Format(time.RFC3339))).String()
}
