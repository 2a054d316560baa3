package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

type OutcomeKind int

const (
	KindSuccess OutcomeKind = iota
	KindRetryable
	KindFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is what an executor reports for one attempt.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func Success() Outcome            { return Outcome{Kind: KindSuccess} }
func Retryable(err error) Outcome { return Outcome{Kind: KindRetryable, Err: err} }
func Fatal(err error) Outcome     { return Outcome{Kind: KindFatal, Err: err} }

func (o Outcome) reason() string {
	if o.Err == nil {
		return o.Kind.String()
	}
	return o.Err.Error()
}

// Executor runs one job payload. ctx has no deadline because the lease is
// renewed in the background for as long as Execute runs; LeaseExpiry reports
// the current expiry. ctx is cancelled with cause ErrLeaseExpired,
// domain.ErrLeaseLost or ErrCancelRequested once the lease can no longer be
// relied on.
type Executor interface {
	Execute(ctx context.Context, payload []byte) Outcome
}

type ExecutorFunc func(ctx context.Context, payload []byte) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, payload []byte) Outcome { return f(ctx, payload) }

// Mux routes jobs to executors by queue name. The queues a worker process
// claims from are exactly those registered here.
type Mux struct {
	m map[string]Executor
}

func NewMux() *Mux { return &Mux{m: map[string]Executor{}} }

func (m *Mux) Handle(queue string, e Executor) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		panic("worker: empty queue name")
	}
	if e == nil {
		panic("worker: nil executor for queue " + queue)
	}
	if _, dup := m.m[queue]; dup {
		panic("worker: multiple registrations for queue " + queue)
	}
	m.m[queue] = e
}

func (m *Mux) HandleFunc(queue string, f func(ctx context.Context, payload []byte) Outcome) {
	m.Handle(queue, ExecutorFunc(f))
}

func (m *Mux) Lookup(queue string) (Executor, bool) {
	e, ok := m.m[queue]
	return e, ok
}

// Queues returns the registered queue names in sorted order.
func (m *Mux) Queues() []string {
	out := make([]string, 0, len(m.m))
	for q := range m.m {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// LogExecutor acknowledges every payload after logging it. It stands in for
// queues whose real executor lives in another service.
func LogExecutor(log *zap.Logger) Executor {
	return ExecutorFunc(func(ctx context.Context, payload []byte) Outcome {
		log.Info("job executed", zap.Int("payload_bytes", len(payload)))
		return Success()
	})
}

// FatalPolicy decides what a Fatal outcome does to a job.
type FatalPolicy string

const (
	// FatalDeadLetter ends the job at once, ignoring attempts left.
	FatalDeadLetter FatalPolicy = "dead_letter"
	// FatalRetry treats fatal like retryable.
	FatalRetry FatalPolicy = "retry"
	// FatalHold parks the job as failed until an operator requeues or cancels it.
	FatalHold FatalPolicy = "hold"
)

func ParseFatalPolicy(s string) (FatalPolicy, error) {
	switch p := FatalPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FatalDeadLetter, FatalRetry, FatalHold:
		return p, nil
	case "":
		return FatalDeadLetter, nil
	}
	return "", fmt.Errorf("unknown fatal policy %q (want dead_letter, retry or hold)", s)
}
