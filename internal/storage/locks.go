package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// LockQueue holds the job rows that back named leases. Nothing claims from it.
const LockQueue = "_locks"

const lockPrefix = "lock:"

func lockID(name string) string { return lockPrefix + name }

// reservedID reports whether id names a lock row. Producers cannot create,
// cancel or requeue such rows.
func reservedID(id string) bool { return strings.HasPrefix(strings.TrimSpace(id), lockPrefix) }

// reservedQueue reports whether queue is internal to the store.
func reservedQueue(queue string) bool { return strings.HasPrefix(strings.TrimSpace(queue), "_") }

// Acquire takes the named lease for owner, or extends it if owner already
// holds it. It returns false while another owner holds an unexpired lease.
//
// A named lease is a job row with a well-known id, so exclusivity follows the
// same rules as job leases and is bounded by ttl.
func (s *Store) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" {
		return false, invalid("lock name is required")
	}
	if owner == "" {
		return false, invalid("lock owner is required")
	}
	if ttl <= 0 {
		return false, invalid("lock ttl must be greater than zero")
	}
	now, err := s.clock(ctx)
	if err != nil {
		return false, err
	}

	var holder string
	err = s.db.QueryRowContext(ctx, `
INSERT INTO queue_jobs (id, queue_name, payload, status, scheduled_at, attempts, max_attempts,
	lease_owner, lease_expires_at, created_at, updated_at)
VALUES ($1, $2, ''::bytea, 'leased', $4, 1, 1, $3, $5, $4, $4)
ON CONFLICT (id) DO UPDATE
SET status = 'leased',
	lease_owner = EXCLUDED.lease_owner,
	lease_expires_at = EXCLUDED.lease_expires_at,
	attempts = queue_jobs.attempts + 1,
	updated_at = EXCLUDED.updated_at
WHERE queue_jobs.queue_name = EXCLUDED.queue_name
AND (
	queue_jobs.status = 'pending'
	OR (queue_jobs.status = 'leased' AND (
		queue_jobs.lease_owner = EXCLUDED.lease_owner
		OR queue_jobs.lease_expires_at <= EXCLUDED.updated_at
	))
)
RETURNING lease_owner`, lockID(name), LockQueue, owner, now, now.Add(ttl)).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("acquire lock", err)
	}
	return holder == owner, nil
}

// Release gives up a named lease early. ErrLeaseLost means owner no longer
// held it.
func (s *Store) Release(ctx context.Context, name, owner string) error {
	now, err := s.clock(ctx)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs
SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL, updated_at = $3
WHERE id = $1 AND status = 'leased' AND lease_owner = $2`, lockID(strings.TrimSpace(name)), owner, now)
	return guarded("release lock", res, err)
}
