package domain

import "time"

type Status string

const (
	Pending      Status = "pending"
	Leased       Status = "leased"
	Completed    Status = "completed"
	Failed       Status = "failed"
	DeadLettered Status = "dead_lettered"
	Cancelled    Status = "cancelled"
)

// Terminal reports whether a job in this status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case Completed, DeadLettered, Cancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case Pending, Leased, Completed, Failed, DeadLettered, Cancelled:
		return true
	}
	return false
}

// Statuses lists every status in lifecycle order.
var Statuses = []Status{Pending, Leased, Completed, Failed, DeadLettered, Cancelled}

type Job struct {
	ID              string     `json:"id"`
	Queue           string     `json:"queue"`
	Payload         []byte     `json:"payload"`
	Status          Status     `json:"status"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	LeaseOwner      *string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	LastError       *string    `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// HeldBy reports whether workerID holds an unexpired lease on the job at now.
func (j *Job) HeldBy(workerID string, now time.Time) bool {
	if j.Status != Leased || j.LeaseOwner == nil || j.LeaseExpiresAt == nil {
		return false
	}
	return *j.LeaseOwner == workerID && j.LeaseExpiresAt.After(now)
}

// LeaseState is what a lease renewal observes.
type LeaseState struct {
	ExpiresAt       time.Time
	CancelRequested bool
}
