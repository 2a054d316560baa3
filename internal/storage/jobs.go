package storage

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/leaseq/internal/domain"
)

const jobColumns = `id, queue_name, payload, status, scheduled_at, attempts, max_attempts,
	lease_owner, lease_expires_at, cancel_requested, last_error, created_at, updated_at, completed_at`

type scanner func(dest ...any) error

func scanJob(scan scanner) (*domain.Job, error) {
	var (
		j              domain.Job
		status         string
		leaseOwner     sql.NullString
		leaseExpiresAt sql.NullTime
		lastError      sql.NullString
		completedAt    sql.NullTime
	)
	err := scan(&j.ID, &j.Queue, &j.Payload, &status, &j.ScheduledAt, &j.Attempts, &j.MaxAttempts,
		&leaseOwner, &leaseExpiresAt, &j.CancelRequested, &lastError, &j.CreatedAt, &j.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.Status = domain.Status(status)
	if leaseOwner.Valid {
		j.LeaseOwner = &leaseOwner.String
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		j.LeaseExpiresAt = &t
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// EnqueueParams describes a job to create. ID may be set to make enqueue
// idempotent; a zero ScheduledAt means now.
type EnqueueParams struct {
	ID          string
	Queue       string
	Payload     []byte
	ScheduledAt time.Time
	MaxAttempts int
}

// Enqueue persists a pending job. If a job with the same ID already exists it
// is returned unchanged and created is false.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (job *domain.Job, created bool, err error) {
	p.Queue = strings.TrimSpace(p.Queue)
	if p.Queue == "" {
		return nil, false, invalid("queue is required")
	}
	if reservedQueue(p.Queue) {
		return nil, false, invalid("queue %q is reserved", p.Queue)
	}
	if p.MaxAttempts < 1 {
		return nil, false, invalid("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return nil, false, err
		}
		id = v7.String()
	}
	if reservedID(id) {
		return nil, false, invalid("job id %q is reserved", id)
	}
	now, err := s.clock(ctx)
	if err != nil {
		return nil, false, err
	}
	scheduledAt := now
	if !p.ScheduledAt.IsZero() {
		scheduledAt = p.ScheduledAt.UTC().Truncate(time.Microsecond)
	}
	payload := p.Payload
	if payload == nil {
		payload = []byte{}
	}

	row := s.db.QueryRowContext(ctx, `
INSERT INTO queue_jobs (id, queue_name, payload, status, scheduled_at, attempts, max_attempts, created_at, updated_at)
VALUES ($1, $2, $3, 'pending', $4, 0, $5, $6, $6)
ON CONFLICT (id) DO NOTHING
RETURNING `+jobColumns, id, p.Queue, payload, scheduledAt, p.MaxAttempts, now)
	job, err = scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		job, err = s.Get(ctx, id)
		return job, false, err
	}
	if err != nil {
		return nil, false, wrapErr("enqueue job", err)
	}
	return job, true, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, id)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, wrapErr("get job", err)
	}
	return job, nil
}

// Cancel stops a job from running again. Pending and parked jobs become
// cancelled; a leased job keeps its lease and is flagged for the executor to
// observe. It returns false when the job is already terminal.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	if reservedID(id) {
		return false, invalid("job id %q is reserved", id)
	}
	now, err := s.clock(ctx)
	if err != nil {
		return false, err
	}
	var status string
	err = s.db.QueryRowContext(ctx, `
UPDATE queue_jobs
SET status = CASE WHEN status = 'leased' THEN status ELSE 'cancelled' END,
	cancel_requested = (status = 'leased'),
	completed_at = CASE WHEN status = 'leased' THEN completed_at ELSE $2 END,
	updated_at = $2
WHERE id = $1 AND status IN ('pending', 'leased', 'failed')
RETURNING status`, id, now).Scan(&status)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, wrapErr("cancel job", err)
	}
	return false, s.mustExist(ctx, id)
}

// Requeue moves a parked (failed) job back to pending with a fresh attempt
// budget. It returns false when the job is not parked.
func (s *Store) Requeue(ctx context.Context, id string) (bool, error) {
	if reservedID(id) {
		return false, invalid("job id %q is reserved", id)
	}
	now, err := s.clock(ctx)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs
SET status = 'pending', attempts = 0, cancel_requested = FALSE, scheduled_at = $2, updated_at = $2
WHERE id = $1 AND status = 'failed'`, id, now)
	if err != nil {
		return false, wrapErr("requeue job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("requeue job rows affected", err)
	}
	if n == 1 {
		return true, nil
	}
	return false, s.mustExist(ctx, id)
}

func (s *Store) mustExist(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM queue_jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return wrapErr("check job exists", err)
	}
	if !exists {
		return domain.ErrJobNotFound
	}
	return nil
}

// Claim leases up to batchSize eligible jobs of one queue to workerID.
//
// Eligible means pending and due, or leased with an expired lease and attempts
// left. Selection and update happen in one statement; SKIP LOCKED keeps
// concurrent claimers from ever returning the same row. Results are ordered by
// (scheduled_at, id).
func (s *Store) Claim(ctx context.Context, queue, workerID string, batchSize int, leaseDuration time.Duration) ([]domain.Job, error) {
	queue = strings.TrimSpace(queue)
	workerID = strings.TrimSpace(workerID)
	if queue == "" {
		return nil, invalid("queue is required")
	}
	if reservedQueue(queue) {
		return nil, invalid("queue %q is reserved", queue)
	}
	if workerID == "" {
		return nil, invalid("worker id is required")
	}
	if batchSize <= 0 {
		return nil, invalid("batch size must be greater than zero")
	}
	if leaseDuration <= 0 {
		return nil, invalid("lease duration must be greater than zero")
	}
	now, err := s.clock(ctx)
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(leaseDuration)

	rows, err := s.db.QueryContext(ctx, `
UPDATE queue_jobs AS j
SET status = 'leased',
	lease_owner = $2,
	lease_expires_at = $3,
	attempts = j.attempts + 1,
	updated_at = $4
FROM (
	SELECT id AS claim_id
	FROM queue_jobs
	WHERE queue_name = $1
	AND cancel_requested = FALSE
	AND (
		(status = 'pending' AND scheduled_at <= $4)
		OR
		(status = 'leased' AND lease_expires_at <= $4 AND attempts < max_attempts)
	)
	ORDER BY scheduled_at ASC, id ASC
	LIMIT $5
	FOR UPDATE SKIP LOCKED
) AS c
WHERE j.id = c.claim_id
RETURNING `+jobColumns, queue, workerID, expiresAt, now, batchSize)
	if err != nil {
		return nil, wrapErr("claim jobs", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0, batchSize)
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, wrapErr("scan claimed job", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate claimed jobs", err)
	}

	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].ScheduledAt.Equal(jobs[b].ScheduledAt) {
			return jobs[a].ScheduledAt.Before(jobs[b].ScheduledAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
	return jobs, nil
}

// Renew extends a held lease so that it lasts at least extra from now. It
// never shortens a lease.
func (s *Store) Renew(ctx context.Context, id, workerID string, extra time.Duration) (domain.LeaseState, error) {
	if extra <= 0 {
		return domain.LeaseState{}, invalid("extra duration must be greater than zero")
	}
	now, err := s.clock(ctx)
	if err != nil {
		return domain.LeaseState{}, err
	}
	var state domain.LeaseState
	err = s.db.QueryRowContext(ctx, `
UPDATE queue_jobs
SET lease_expires_at = GREATEST(lease_expires_at, $3::timestamptz),
	updated_at = $4
WHERE id = $1 AND status = 'leased' AND lease_owner = $2
RETURNING lease_expires_at, cancel_requested`, id, workerID, now.Add(extra), now).
		Scan(&state.ExpiresAt, &state.CancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LeaseState{}, domain.ErrLeaseLost
	}
	if err != nil {
		return domain.LeaseState{}, wrapErr("renew lease", err)
	}
	return state, nil
}

// Complete marks a leased job completed if workerID still owns the lease.
func (s *Store) Complete(ctx context.Context, id, workerID string) error {
	if reservedID(id) {
		return invalid("job id %q is reserved", id)
	}
	now, err := s.clock(ctx)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs
SET status = 'completed', lease_owner = NULL, lease_expires_at = NULL, completed_at = $3, updated_at = $3
WHERE id = $1 AND status = 'leased' AND lease_owner = $2`, id, workerID, now)
	return guarded("complete job", res, err)
}

// DeadLetter ends a leased job immediately, regardless of attempts left. A
// job with a pending cancellation is cancelled instead. The resulting status
// is returned.
func (s *Store) DeadLetter(ctx context.Context, id, workerID, reason string) (domain.Status, error) {
	return s.release(ctx, "dead-letter job", id, workerID, domain.DeadLettered, reason)
}

// Park moves a leased job to failed, where it waits for Requeue or Cancel. A
// job with a pending cancellation is cancelled instead.
func (s *Store) Park(ctx context.Context, id, workerID, reason string) (domain.Status, error) {
	return s.release(ctx, "park job", id, workerID, domain.Failed, reason)
}

func (s *Store) release(ctx context.Context, op, id, workerID string, to domain.Status, reason string) (domain.Status, error) {
	if reservedID(id) {
		return "", invalid("job id %q is reserved", id)
	}
	now, err := s.clock(ctx)
	if err != nil {
		return "", err
	}
	var completedAt sql.NullTime
	if to.Terminal() {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}
	var status string
	err = s.db.QueryRowContext(ctx, `
UPDATE queue_jobs
SET status = CASE WHEN cancel_requested THEN 'cancelled' ELSE $3::text END,
	lease_owner = NULL,
	lease_expires_at = NULL,
	last_error = $4,
	completed_at = CASE WHEN cancel_requested THEN $6::timestamptz ELSE $5::timestamptz END,
	updated_at = $6
WHERE id = $1 AND status = 'leased' AND lease_owner = $2
RETURNING status`, id, workerID, string(to), reason, completedAt, now).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrLeaseLost
	}
	if err != nil {
		return "", wrapErr(op, err)
	}
	return domain.Status(status), nil
}

// Fail records a failed attempt. The job goes back to pending after the retry
// backoff while attempts remain, is cancelled if cancellation was requested,
// and is dead-lettered once attempts reach max_attempts. The resulting status
// is returned.
func (s *Store) Fail(ctx context.Context, id, workerID, reason string) (domain.Status, error) {
	if reservedID(id) {
		return "", invalid("job id %q is reserved", id)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", wrapErr("begin fail transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		attempts, maxAttempts int
		cancelRequested       bool
	)
	err = tx.QueryRowContext(ctx, `
SELECT attempts, max_attempts, cancel_requested
FROM queue_jobs
WHERE id = $1 AND status = 'leased' AND lease_owner = $2
FOR UPDATE`, id, workerID).Scan(&attempts, &maxAttempts, &cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrLeaseLost
	}
	if err != nil {
		return "", wrapErr("lock failed job", err)
	}

	now, err := s.clock(ctx)
	if err != nil {
		return "", err
	}
	var (
		next        domain.Status
		scheduledAt sql.NullTime
		completedAt sql.NullTime
	)
	switch {
	case cancelRequested:
		next = domain.Cancelled
	case attempts < maxAttempts:
		next = domain.Pending
		scheduledAt = sql.NullTime{Time: now.Add(s.retry.Delay(attempts)).Truncate(time.Microsecond), Valid: true}
	default:
		next = domain.DeadLettered
	}
	if next.Terminal() {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE queue_jobs
SET status = $2,
	scheduled_at = COALESCE($3, scheduled_at),
	lease_owner = NULL,
	lease_expires_at = NULL,
	last_error = $4,
	completed_at = $5,
	updated_at = $6
WHERE id = $1`, id, string(next), scheduledAt, reason, completedAt, now); err != nil {
		return "", wrapErr("update failed job", err)
	}
	if err := tx.Commit(); err != nil {
		return "", wrapErr("commit fail transaction", err)
	}
	return next, nil
}

// SweepResult counts the abandoned leases a sweep closed.
type SweepResult struct {
	DeadLettered int
	Cancelled    int
}

// SweepAbandoned closes expired leases that claim will never pick up again:
// those on their final attempt and those with a pending cancellation.
func (s *Store) SweepAbandoned(ctx context.Context) (SweepResult, error) {
	now, err := s.clock(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	rows, err := s.db.QueryContext(ctx, `
UPDATE queue_jobs
SET status = CASE WHEN cancel_requested THEN 'cancelled' ELSE 'dead_lettered' END,
	last_error = CASE WHEN cancel_requested THEN last_error ELSE 'lease expired on final attempt' END,
	lease_owner = NULL,
	lease_expires_at = NULL,
	completed_at = $1,
	updated_at = $1
WHERE status = 'leased'
AND queue_name <> $2
AND lease_expires_at <= $1
AND (cancel_requested OR attempts >= max_attempts)
RETURNING status`, now, LockQueue)
	if err != nil {
		return SweepResult{}, wrapErr("sweep abandoned leases", err)
	}
	defer rows.Close()

	var res SweepResult
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return SweepResult{}, wrapErr("scan swept job", err)
		}
		switch domain.Status(status) {
		case domain.DeadLettered:
			res.DeadLettered++
		case domain.Cancelled:
			res.Cancelled++
		}
	}
	if err := rows.Err(); err != nil {
		return SweepResult{}, wrapErr("iterate swept jobs", err)
	}
	return res, nil
}

// Stats counts the jobs of one queue by status.
func (s *Store) Stats(ctx context.Context, queue string) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_jobs WHERE queue_name = $1 GROUP BY status`, queue)
	if err != nil {
		return nil, wrapErr("job stats", err)
	}
	defer rows.Close()

	out := make(map[domain.Status]int, len(domain.Statuses))
	for _, st := range domain.Statuses {
		out[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapErr("scan job stats", err)
		}
		out[domain.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate job stats", err)
	}
	return out, nil
}

// guarded turns a lease-guarded update into ErrLeaseLost when it matched no row.
func guarded(op string, res sql.Result, err error) error {
	if err != nil {
		return wrapErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op+" rows affected", err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}
