package persistence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/supplysync/backend/internal/domain/invoice"
	"github.com/supplysync/backend/internal/domain/job"
	"github.com/supplysync/backend/internal/domain/shared"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&job.Job{}, &invoice.Invoice{}, &invoice.Product{}))
	return db
}

func enqueueAt(t *testing.T, repo *JobRepository, created time.Time) *job.Job {
	t.Helper()
	j := job.New(job.TypeCostReconciliation, []byte(`{}`), 3)
	j.CreatedAt = created
	require.NoError(t, repo.Enqueue(context.Background(), j))
	return j
}

func TestClaimNextReturnsOldestPending(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	oldest := enqueueAt(t, repo, base)
	enqueueAt(t, repo, base.Add(time.Minute))
	enqueueAt(t, repo, base.Add(2*time.Minute))

	claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, oldest.ID, claimed.ID)
	assert.Equal(t, job.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.StartedAt)
}

func TestClaimNextIgnoresOtherTypes(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	enqueueAt(t, repo, time.Now())

	claimed, err := repo.ClaimNext(ctx, job.TypeDocumentExtraction)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNextIsExclusive(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	const total = 10
	base := time.Now().Add(-time.Hour)
	for i := 0; i < total; i++ {
		enqueueAt(t, repo, base.Add(time.Duration(i)*time.Second))
	}

	seen := make(map[uuid.UUID]bool)
	for {
		claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
		require.NoError(t, err)
		if claimed == nil {
			break
		}
		assert.False(t, seen[claimed.ID], "job %s claimed twice", claimed.ID)
		seen[claimed.ID] = true
	}
	assert.Len(t, seen, total)
}

func TestClaimNextExclusiveUnderConcurrency(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	const total = 20
	base := time.Now().Add(-time.Hour)
	for i := 0; i < total; i++ {
		enqueueAt(t, repo, base.Add(time.Duration(i)*time.Second))
	}

	var mu sync.Mutex
	counts := make(map[uuid.UUID]int)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			retries := 0
			for {
				claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
				if err != nil {
					// Contention on the test database only delays a claim;
					// back off and retry a bounded number of times.
					retries++
					if retries > 200 {
						return
					}
					time.Sleep(5 * time.Millisecond)
					continue
				}
				if claimed == nil {
					return
				}
				mu.Lock()
				counts[claimed.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, counts, total)
	for id, n := range counts {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestClaimNextSkipsExhaustedJobs(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	j := job.New(job.TypeCostReconciliation, []byte(`{}`), 2)
	j.Attempts = 2
	require.NoError(t, repo.Enqueue(ctx, j))

	claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestFailedJobAtMaxAttemptsIsNeverReclaimed(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	j := job.New(job.TypeCostReconciliation, []byte(`{}`), 2)
	j.Attempts = 1
	require.NoError(t, repo.Enqueue(ctx, j))

	claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempts)

	require.NoError(t, repo.Fail(ctx, claimed.ID, "boom", nil))

	stored, err := repo.FindByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, stored.MaxAttempts, stored.Attempts)

	again, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCompleteMergesWithProgress(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	enqueueAt(t, repo, time.Now())
	claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, repo.UpdateProgress(ctx, claimed.ID, job.Progress{
		Percent: 70,
		Stage:   "computing costs",
		Current: 7,
		Total:   10,
		SKU:     "WPC80",
	}))
	require.NoError(t, repo.Complete(ctx, claimed.ID, []byte(`{"updated":7}`)))

	stored, err := repo.FindByID(ctx, claimed.ID)
	require.NoError(t, err)

	// Terminal record is a superset of the last progress snapshot.
	assert.Equal(t, job.StatusCompleted, stored.Status)
	assert.JSONEq(t, `{"updated":7}`, string(stored.Result))
	assert.Equal(t, 70, stored.Progress.Percent)
	assert.Equal(t, "computing costs", stored.Progress.Stage)
	assert.Equal(t, "WPC80", stored.Progress.SKU)
	require.NotNil(t, stored.CompletedAt)
}

func TestCompleteRequiresProcessing(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	j := enqueueAt(t, repo, time.Now())
	err := repo.Complete(ctx, j.ID, nil)
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestFailStoresErrorAndResult(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	enqueueAt(t, repo, time.Now())
	claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, repo.Fail(ctx, claimed.ID, "authorization required", []byte(`{"requires_auth":true}`)))

	stored, err := repo.FindByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, "authorization required", stored.Error)
	assert.JSONEq(t, `{"requires_auth":true}`, string(stored.Result))
}

func TestResetToPendingClearsOutcome(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	enqueueAt(t, repo, time.Now())
	claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, repo.UpdateProgress(ctx, claimed.ID, job.Progress{Percent: 50, Stage: "halfway"}))
	require.NoError(t, repo.Fail(ctx, claimed.ID, "boom", nil))

	require.NoError(t, repo.ResetToPending(ctx, claimed.ID))

	stored, err := repo.FindByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, stored.Status)
	assert.Zero(t, stored.Attempts)
	assert.Empty(t, stored.Error)
	assert.Empty(t, stored.Result)
	assert.Zero(t, stored.Progress.Percent)
	assert.Empty(t, stored.Progress.Stage)
	assert.Nil(t, stored.StartedAt)
	assert.Nil(t, stored.CompletedAt)

	// The reset job is claimable again.
	again, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, claimed.ID, again.ID)
}

func TestResetToPendingRejectsProcessing(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	enqueueAt(t, repo, time.Now())
	claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = repo.ResetToPending(ctx, claimed.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestCancelLifecycle(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	t.Run("pending job can be cancelled", func(t *testing.T) {
		j := enqueueAt(t, repo, time.Now())
		require.NoError(t, repo.Cancel(ctx, j.ID))

		stored, err := repo.FindByID(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCancelled, stored.Status)

		claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
		require.NoError(t, err)
		assert.Nil(t, claimed)
	})

	t.Run("completed job cannot be cancelled", func(t *testing.T) {
		enqueueAt(t, repo, time.Now())
		claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, repo.Complete(ctx, claimed.ID, nil))

		err = repo.Cancel(ctx, claimed.ID)
		assert.ErrorIs(t, err, shared.ErrInvalidState)
	})

	t.Run("unknown job", func(t *testing.T) {
		err := repo.Cancel(ctx, uuid.New())
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestFindByIDNotFound(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	_, err := repo.FindByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestListFiltersByStatus(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	enqueueAt(t, repo, base)
	enqueueAt(t, repo, base.Add(time.Minute))
	claimed, err := repo.ClaimNext(ctx, job.TypeCostReconciliation)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	pending, err := repo.List(ctx, job.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := repo.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
