package jobs

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status admits no further work.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Job is one unit of background work. The queue owns the record for its
// entire life; callers mutate it only through the queue's API.
type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	TenantID    string    `json:"tenant_id"`
	Payload     []byte    `json:"payload,omitempty"`
	Priority    Priority  `json:"priority"`
	Status      Status    `json:"status"`
	Progress    float64   `json:"progress"`
	MaxRetries  int       `json:"max_retries"`
	RetryCount  int       `json:"retry_count"`
	Result      []byte    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a pending job with a generated id.
func NewJob(jobType, tenantID string, payload []byte) *Job {
	return &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		TenantID:   tenantID,
		Payload:    payload,
		Priority:   PriorityNormal,
		Status:     StatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
}
