// Package jobs wires job payloads to their handlers and exposes the enqueue
// and operator actions used by the HTTP surface.
package jobs

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/domain/job"
	"github.com/supplysync/backend/internal/infrastructure/persistence"
)

// Service validates and enqueues jobs and exposes the operator actions
type Service struct {
	store       *persistence.JobRepository
	maxAttempts int
	logger      *zap.Logger
}

// NewService creates a job service
func NewService(store *persistence.JobRepository, maxAttempts int, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger.Named("jobs"),
	}
}

// Enqueue validates the typed payload and stores a new pending job
func (s *Service) Enqueue(ctx context.Context, jobType job.Type, payload any) (*job.Job, error) {
	raw, err := job.EncodePayload(jobType, payload)
	if err != nil {
		return nil, err
	}
	j := job.New(jobType, raw, s.maxAttempts)
	if err := s.store.Enqueue(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Info("job enqueued",
		zap.String("job_id", j.ID.String()),
		zap.String("type", string(j.Type)))
	return j, nil
}

// Get loads a job by id
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return s.store.FindByID(ctx, id)
}

// List returns recent jobs, optionally filtered by status
func (s *Service) List(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	return s.store.List(ctx, status, limit)
}

// Reset returns a non-running job to the queue for manual re-processing
func (s *Service) Reset(ctx context.Context, id uuid.UUID) error {
	if err := s.store.ResetToPending(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job reset to pending", zap.String("job_id", id.String()))
	return nil
}

// Cancel marks a job cancelled; running handlers observe it cooperatively
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Cancel(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job cancelled", zap.String("job_id", id.String()))
	return nil
}

// cancelled reports whether the job has been cancelled since it was claimed.
// Handlers call this at stage boundaries.
func cancelled(ctx context.Context, store *persistence.JobRepository, id uuid.UUID) bool {
	status, err := store.Status(ctx, id)
	if err != nil {
		return false
	}
	return status == job.StatusCancelled
}
