package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/leaseq/internal/domain"
)

// Register creates an active worker record.
func (s *Store) Register(ctx context.Context, metadata map[string]string) (*domain.Worker, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode worker metadata: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now, err := s.clock(ctx)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO queue_workers (id, metadata, registered_at, last_heartbeat_at)
VALUES ($1, $2, $3, $3)`, id.String(), raw, now)
	if err != nil {
		return nil, wrapErr("register worker", err)
	}
	return &domain.Worker{
		ID:              id.String(),
		Metadata:        metadata,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}, nil
}

// Heartbeat refreshes the worker's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, workerID string) error {
	now, err := s.clock(ctx)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_workers SET last_heartbeat_at = $2
WHERE id = $1 AND shutdown_at IS NULL`, workerID, now)
	if err != nil {
		return wrapErr("heartbeat", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("heartbeat rows affected", err)
	}
	if n == 0 {
		return domain.ErrUnknownWorker
	}
	return nil
}

// ListDead returns workers that shut down or have not sent a heartbeat within
// threshold.
func (s *Store) ListDead(ctx context.Context, threshold time.Duration) ([]domain.Worker, error) {
	now, err := s.clock(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-threshold)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, metadata, registered_at, last_heartbeat_at, shutdown_at
FROM queue_workers
WHERE last_heartbeat_at < $1 OR shutdown_at IS NOT NULL
ORDER BY last_heartbeat_at ASC, id ASC`, cutoff)
	if err != nil {
		return nil, wrapErr("list dead workers", err)
	}
	defer rows.Close()

	var workers []domain.Worker
	for rows.Next() {
		var (
			w          domain.Worker
			raw        []byte
			shutdownAt sql.NullTime
		)
		if err := rows.Scan(&w.ID, &raw, &w.RegisteredAt, &w.LastHeartbeatAt, &shutdownAt); err != nil {
			return nil, wrapErr("scan worker", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &w.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of worker %s: %w", w.ID, err)
			}
		}
		if shutdownAt.Valid {
			t := shutdownAt.Time
			w.ShutdownAt = &t
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate dead workers", err)
	}
	return workers, nil
}

// Deregister deletes a worker record unless one of its leases is still
// unexpired. It reports whether the record was removed.
func (s *Store) Deregister(ctx context.Context, workerID string) (bool, error) {
	now, err := s.clock(ctx)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM queue_workers AS w
WHERE w.id = $1
AND NOT EXISTS (
	SELECT 1 FROM queue_jobs AS j
	WHERE j.lease_owner = w.id AND j.status = 'leased' AND j.lease_expires_at > $2
)`, workerID, now)
	if err != nil {
		return false, wrapErr("deregister worker", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("deregister worker rows affected", err)
	}
	return n == 1, nil
}

// Shutdown records a graceful exit so reapers can purge the record without
// waiting for the liveness threshold.
func (s *Store) Shutdown(ctx context.Context, workerID string) error {
	now, err := s.clock(ctx)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE queue_workers SET shutdown_at = $2
WHERE id = $1 AND shutdown_at IS NULL`, workerID, now)
	return wrapErr("shutdown worker", err)
}
