package jobs

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/domain/job"
	"github.com/supplysync/backend/internal/domain/shared"
)

func newTestService(t *testing.T) (*Service, *testEnv) {
	env := newTestEnv(t)
	return NewService(env.store, 3, zap.NewNop()), env
}

func TestServiceEnqueue(t *testing.T) {
	svc, _ := newTestService(t)

	j, err := svc.Enqueue(context.Background(), job.TypeDocumentExtraction, job.DocumentExtractionPayload{
		InvoiceID:    uuid.New(),
		SupplierName: "OstroVit",
		DocumentRef:  "invoices/inv-001.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 3, j.MaxAttempts)

	loaded, err := svc.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, loaded.ID)
}

func TestServiceEnqueueRejectsInvalidPayload(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Enqueue(context.Background(), job.TypeDocumentExtraction, job.DocumentExtractionPayload{
		SupplierName: "OstroVit",
	})
	require.Error(t, err)

	var v *shared.ValidationError
	assert.ErrorAs(t, err, &v)

	// Nothing was persisted.
	jobs, err := svc.List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestServiceResetAndCancel(t *testing.T) {
	svc, env := newTestService(t)

	j, err := svc.Enqueue(context.Background(), job.TypeCostReconciliation, job.CostReconciliationPayload{
		InvoiceID: uuid.New(),
		ShopRef:   "shop.example.com",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(context.Background(), j.ID))
	cancelled, err := svc.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, cancelled.Status)

	require.NoError(t, svc.Reset(context.Background(), j.ID))
	reclaimed, err := env.store.ClaimNext(context.Background(), job.TypeCostReconciliation)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, j.ID, reclaimed.ID)
}

func TestServiceOperatorActionsOnUnknownJob(t *testing.T) {
	svc, _ := newTestService(t)

	assert.ErrorIs(t, svc.Reset(context.Background(), uuid.New()), shared.ErrNotFound)
	assert.ErrorIs(t, svc.Cancel(context.Background(), uuid.New()), shared.ErrNotFound)
}
