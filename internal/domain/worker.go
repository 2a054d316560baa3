package domain

import "time"

type WorkerStatus string

const (
	WorkerActive WorkerStatus = "active"
	WorkerDead   WorkerStatus = "dead"
)

type Worker struct {
	ID              string            `json:"id"`
	Metadata        map[string]string `json:"metadata"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
	ShutdownAt      *time.Time        `json:"shutdown_at,omitempty"`
}

// StatusAt derives liveness: a worker is dead once it shut down or its last
// heartbeat is older than threshold.
func (w *Worker) StatusAt(now time.Time, threshold time.Duration) WorkerStatus {
	if w.ShutdownAt != nil {
		return WorkerDead
	}
	if w.LastHeartbeatAt.Before(now.Add(-threshold)) {
		return WorkerDead
	}
	return WorkerActive
}
