package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/leaseq/internal/domain"
	"github.com/SirClappington/leaseq/internal/storage"
)

// memStore is an in-memory Store with the same transition rules as the
// PostgreSQL one, minus the retry backoff.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	workers map[string]*domain.Worker

	claimErrs  int // fail this many Claim calls with ErrStoreUnavailable
	reportErrs int // fail this many Complete/Fail calls with ErrStoreUnavailable
	shutdowns  []string
	seq        int
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*domain.Job{}, workers: map[string]*domain.Worker{}}
}

func (s *memStore) add(queue string, maxAttempts int, payload string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := time.Now()
	j := &domain.Job{
		ID:          fmt.Sprintf("job-%03d", s.seq),
		Queue:       queue,
		Payload:     []byte(payload),
		Status:      domain.Pending,
		ScheduledAt: now,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID
}

func (s *memStore) job(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) mutate(id string, f func(j *domain.Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s.jobs[id])
}

func (s *memStore) statuses() map[domain.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.Status]int{}
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out
}

func (s *memStore) Claim(_ context.Context, queue, workerID string, batchSize int, leaseDuration time.Duration) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErrs > 0 {
		s.claimErrs--
		return nil, fmt.Errorf("claim jobs: %w", domain.ErrStoreUnavailable)
	}
	now := time.Now()
	var eligible []*domain.Job
	for _, j := range s.jobs {
		if j.Queue != queue || j.CancelRequested {
			continue
		}
		due := j.Status == domain.Pending && !j.ScheduledAt.After(now)
		abandoned := j.Status == domain.Leased && !j.LeaseExpiresAt.After(now) && j.Attempts < j.MaxAttempts
		if due || abandoned {
			eligible = append(eligible, j)
		}
	}
	sort.Slice(eligible, func(a, b int) bool {
		if !eligible[a].ScheduledAt.Equal(eligible[b].ScheduledAt) {
			return eligible[a].ScheduledAt.Before(eligible[b].ScheduledAt)
		}
		return eligible[a].ID < eligible[b].ID
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}
	out := make([]domain.Job, 0, len(eligible))
	for _, j := range eligible {
		owner := workerID
		exp := now.Add(leaseDuration)
		j.Status = domain.Leased
		j.LeaseOwner = &owner
		j.LeaseExpiresAt = &exp
		j.Attempts++
		out = append(out, *j)
	}
	return out, nil
}

func (s *memStore) held(id, workerID string) (*domain.Job, bool) {
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.Leased || j.LeaseOwner == nil || *j.LeaseOwner != workerID {
		return nil, false
	}
	return j, true
}

func (s *memStore) Renew(_ context.Context, id, workerID string, extra time.Duration) (domain.LeaseState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.held(id, workerID)
	if !ok {
		return domain.LeaseState{}, domain.ErrLeaseLost
	}
	if next := time.Now().Add(extra); next.After(*j.LeaseExpiresAt) {
		j.LeaseExpiresAt = &next
	}
	return domain.LeaseState{ExpiresAt: *j.LeaseExpiresAt, CancelRequested: j.CancelRequested}, nil
}

func (s *memStore) finish(j *domain.Job, to domain.Status, reason string) {
	j.Status = to
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	if reason != "" {
		j.LastError = &reason
	}
}

func (s *memStore) Complete(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reportErrs > 0 {
		s.reportErrs--
		return fmt.Errorf("complete job: %w", domain.ErrStoreUnavailable)
	}
	j, ok := s.held(id, workerID)
	if !ok {
		return domain.ErrLeaseLost
	}
	s.finish(j, domain.Completed, "")
	return nil
}

func (s *memStore) Fail(_ context.Context, id, workerID, reason string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reportErrs > 0 {
		s.reportErrs--
		return "", fmt.Errorf("fail job: %w", domain.ErrStoreUnavailable)
	}
	j, ok := s.held(id, workerID)
	if !ok {
		return "", domain.ErrLeaseLost
	}
	switch {
	case j.CancelRequested:
		s.finish(j, domain.Cancelled, reason)
	case j.Attempts < j.MaxAttempts:
		s.finish(j, domain.Pending, reason)
		j.ScheduledAt = time.Now()
	default:
		s.finish(j, domain.DeadLettered, reason)
	}
	return j.Status, nil
}

func (s *memStore) DeadLetter(_ context.Context, id, workerID, reason string) (domain.Status, error) {
	return s.release(id, workerID, domain.DeadLettered, reason)
}

func (s *memStore) Park(_ context.Context, id, workerID, reason string) (domain.Status, error) {
	return s.release(id, workerID, domain.Failed, reason)
}

func (s *memStore) release(id, workerID string, to domain.Status, reason string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.held(id, workerID)
	if !ok {
		return "", domain.ErrLeaseLost
	}
	if j.CancelRequested {
		to = domain.Cancelled
	}
	s.finish(j, to, reason)
	return j.Status, nil
}

func (s *memStore) Register(_ context.Context, metadata map[string]string) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	w := &domain.Worker{ID: uuid.NewString(), Metadata: metadata, RegisteredAt: now, LastHeartbeatAt: now}
	s.workers[w.ID] = w
	cp := *w
	return &cp, nil
}

func (s *memStore) Heartbeat(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok || w.ShutdownAt != nil {
		return domain.ErrUnknownWorker
	}
	w.LastHeartbeatAt = time.Now()
	return nil
}

func (s *memStore) ListDead(_ context.Context, threshold time.Duration) ([]domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []domain.Worker
	for _, w := range s.workers {
		if w.StatusAt(now, threshold) == domain.WorkerDead {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (s *memStore) Deregister(_ context.Context, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, j := range s.jobs {
		if j.Status == domain.Leased && *j.LeaseOwner == workerID && j.LeaseExpiresAt.After(now) {
			return false, nil
		}
	}
	_, ok := s.workers[workerID]
	delete(s.workers, workerID)
	return ok, nil
}

func (s *memStore) Shutdown(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns = append(s.shutdowns, workerID)
	if w, ok := s.workers[workerID]; ok {
		now := time.Now()
		w.ShutdownAt = &now
	}
	return nil
}

func (s *memStore) SweepAbandoned(context.Context) (storage.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var res storage.SweepResult
	for _, j := range s.jobs {
		if j.Status != domain.Leased || j.LeaseExpiresAt.After(now) {
			continue
		}
		switch {
		case j.CancelRequested:
			s.finish(j, domain.Cancelled, "")
			res.Cancelled++
		case j.Attempts >= j.MaxAttempts:
			s.finish(j, domain.DeadLettered, "lease expired on final attempt")
			res.DeadLettered++
		}
	}
	return res, nil
}
