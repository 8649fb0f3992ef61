package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/supplysync/backend/internal/domain/job"
	"github.com/supplysync/backend/internal/domain/shared"
)

// JobRepository persists jobs and implements the claim protocol used by the
// worker loop.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Enqueue stores a new pending job
func (r *JobRepository) Enqueue(ctx context.Context, j *job.Job) error {
	return r.db.WithContext(ctx).Create(j).Error
}

// ClaimNext atomically claims the oldest claimable pending job of the given
// type. At most one caller observes any given job; concurrent claimers either
// get distinct jobs or nil. Returns nil, nil when the queue is empty.
func (r *JobRepository) ClaimNext(ctx context.Context, jobType job.Type) (*job.Job, error) {
	var claimed *job.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Where("type = ? AND status = ? AND attempts < max_attempts", jobType, job.StatusPending).
			Order("created_at ASC")

		// Postgres skips rows locked by concurrent claimers instead of
		// blocking on them. On other dialects (sqlite in tests) the guarded
		// update below still guarantees single-claimer semantics.
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidate job.Job
		if err := query.First(&candidate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		now := time.Now()
		res := tx.Model(&job.Job{}).
			Where("id = ? AND status = ?", candidate.ID, job.StatusPending).
			Updates(map[string]any{
				"status":     job.StatusProcessing,
				"attempts":   gorm.Expr("attempts + 1"),
				"started_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race; the caller polls again next tick.
			return nil
		}

		candidate.Status = job.StatusProcessing
		candidate.Attempts++
		candidate.StartedAt = &now
		claimed = &candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateProgress merges a progress snapshot into the job record. It touches
// only the progress columns so a concurrent terminal transition is never
// overwritten.
func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, p job.Progress) error {
	return r.db.WithContext(ctx).Model(&job.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"progress_percent": p.Percent,
			"progress_stage":   p.Stage,
			"progress_message": p.Message,
			"progress_current": p.Current,
			"progress_total":   p.Total,
			"progress_sku":     p.SKU,
		}).Error
}

// Complete transitions a processing job to COMPLETED with its result. Progress
// columns are left as the handler last wrote them.
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, result []byte) error {
	return r.transition(ctx, id, job.StatusProcessing, map[string]any{
		"status":       job.StatusCompleted,
		"result":       result,
		"completed_at": time.Now(),
	})
}

// Fail transitions a processing job to FAILED. A non-nil result is stored
// alongside the error so callers can branch on structured flags instead of
// parsing the message.
func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, errMsg string, result []byte) error {
	updates := map[string]any{
		"status":       job.StatusFailed,
		"error":        errMsg,
		"completed_at": time.Now(),
	}
	if result != nil {
		updates["result"] = result
	}
	return r.transition(ctx, id, job.StatusProcessing, updates)
}

// ResetToPending returns a non-processing job to the queue with a clean slate
func (r *JobRepository) ResetToPending(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j job.Job
		if err := tx.First(&j, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return shared.ErrNotFound
			}
			return err
		}
		if err := j.ResetToPending(); err != nil {
			return err
		}
		// Save writes every column, including the cleared progress fields.
		return tx.Save(&j).Error
	})
}

// Cancel marks a job cancelled. An in-flight handler observes the new status
// at its next stage boundary and stops there.
func (r *JobRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j job.Job
		if err := tx.First(&j, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return shared.ErrNotFound
			}
			return err
		}
		if err := j.Cancel(); err != nil {
			return err
		}
		return tx.Model(&job.Job{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":       j.Status,
				"completed_at": j.CompletedAt,
			}).Error
	})
}

// FindByID loads a job by its identifier
func (r *JobRepository) FindByID(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var j job.Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// List returns jobs newest first, optionally filtered by status
func (r *JobRepository) List(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var jobs []job.Job
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Status reports whether the job has been cancelled. Handlers call this at
// stage boundaries to honor cooperative cancellation.
func (r *JobRepository) Status(ctx context.Context, id uuid.UUID) (job.Status, error) {
	var j job.Job
	if err := r.db.WithContext(ctx).Select("status").First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return j.Status, nil
}

func (r *JobRepository) transition(ctx context.Context, id uuid.UUID, from job.Status, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&job.Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return shared.ErrInvalidState
	}
	return nil
}
