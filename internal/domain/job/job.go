package job

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/supplysync/backend/internal/domain/shared"
)

// ErrCancelled signals that a handler stopped because its job was cancelled
// mid-flight. The record already carries the cancelled status, so the worker
// settles nothing when it sees this sentinel.
var ErrCancelled = errors.New("job cancelled")

// Type identifies the kind of work a job carries
type Type string

const (
	TypeDocumentExtraction Type = "DOCUMENT_EXTRACTION"
	TypeCostReconciliation Type = "COST_RECONCILIATION"
)

// AllTypes returns every job type the pipeline handles, in claim order
func AllTypes() []Type {
	return []Type{TypeDocumentExtraction, TypeCostReconciliation}
}

// Status represents the lifecycle state of a job
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether the status admits no further automatic transition
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultMaxAttempts bounds how often a job may be claimed before it is
// considered exhausted.
const DefaultMaxAttempts = 3

// Progress is the mutable, non-terminal portion of a job record. It is merged
// on every update and never cleared by completion, so a reader that saw a
// mid-flight progress update and then the terminal record sees a consistent
// superset.
type Progress struct {
	Percent int    `json:"percent" gorm:"column:progress_percent"`
	Stage   string `json:"stage" gorm:"column:progress_stage"`
	Message string `json:"message,omitempty" gorm:"column:progress_message"`
	Current int    `json:"current,omitempty" gorm:"column:progress_current"`
	Total   int    `json:"total,omitempty" gorm:"column:progress_total"`
	SKU     string `json:"sku,omitempty" gorm:"column:progress_sku"`
}

// Job is a persisted unit of work claimed and executed by the worker loop
type Job struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type        Type      `gorm:"index:idx_jobs_claim,priority:1"`
	Status      Status    `gorm:"index:idx_jobs_claim,priority:2"`
	Payload     []byte    `gorm:"type:bytes"`
	Progress    Progress  `gorm:"embedded"`
	Result      []byte    `gorm:"type:bytes"`
	Error       string
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time `gorm:"index:idx_jobs_claim,priority:3"`
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TableName sets the table name for GORM
func (Job) TableName() string {
	return "jobs"
}

// New creates a pending job. The payload must already be validated; use
// EncodePayload for typed payloads.
func New(jobType Type, payload []byte, maxAttempts int) *Job {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Job{
		ID:          uuid.New(),
		Type:        jobType,
		Status:      StatusPending,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
}

// Claimable reports whether the job may still be picked up by a worker
func (j *Job) Claimable() bool {
	return j.Status == StatusPending && j.Attempts < j.MaxAttempts
}

// Start marks the job as processing and consumes one attempt
func (j *Job) Start() error {
	if !j.Claimable() {
		return shared.ErrInvalidState
	}
	now := time.Now()
	j.Status = StatusProcessing
	j.Attempts++
	j.StartedAt = &now
	return nil
}

// Complete marks the job as successfully finished
func (j *Job) Complete(result []byte) error {
	if j.Status != StatusProcessing {
		return shared.ErrInvalidState
	}
	now := time.Now()
	j.Status = StatusCompleted
	j.Result = result
	j.CompletedAt = &now
	return nil
}

// Fail marks the job as failed. There is no automatic requeue; a failed job
// only runs again through an explicit operator reset.
func (j *Job) Fail(errMsg string) error {
	if j.Status != StatusProcessing {
		return shared.ErrInvalidState
	}
	now := time.Now()
	j.Status = StatusFailed
	j.Error = errMsg
	j.CompletedAt = &now
	return nil
}

// ResetToPending is the operator action that returns a job to the queue,
// clearing attempts and any previous outcome.
func (j *Job) ResetToPending() error {
	if j.Status == StatusProcessing {
		return shared.ErrInvalidState
	}
	j.Status = StatusPending
	j.Attempts = 0
	j.Error = ""
	j.Result = nil
	j.Progress = Progress{}
	j.StartedAt = nil
	j.CompletedAt = nil
	return nil
}

// Cancel marks the job cancelled. Cancellation is cooperative: an in-flight
// handler is not interrupted and checks for this state at its own pace.
func (j *Job) Cancel() error {
	if j.Status == StatusCompleted || j.Status == StatusFailed {
		return shared.ErrInvalidState
	}
	now := time.Now()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	return nil
}
