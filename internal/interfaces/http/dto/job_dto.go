package dto

import (
	"encoding/json"
	"time"

	"github.com/supplysync/backend/internal/domain/job"
)

// EnqueueJobRequest is the body of POST /jobs. Payload is decoded against the
// typed structure for the given job type.
type EnqueueJobRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// JobResponse is the wire shape of one job record
type JobResponse struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Progress    ProgressInfo    `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ProgressInfo mirrors the mutable progress portion of a job
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
	SKU     string `json:"sku,omitempty"`
}

// ToJobResponse converts a domain job to its wire shape
func ToJobResponse(j *job.Job) JobResponse {
	return JobResponse{
		ID:          j.ID.String(),
		Type:        string(j.Type),
		Status:      string(j.Status),
		Progress: ProgressInfo{
			Percent: j.Progress.Percent,
			Stage:   j.Progress.Stage,
			Message: j.Progress.Message,
			Current: j.Progress.Current,
			Total:   j.Progress.Total,
			SKU:     j.Progress.SKU,
		},
		Result:      j.Result,
		Error:       j.Error,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
