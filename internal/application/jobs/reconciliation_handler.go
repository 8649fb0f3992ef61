package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/application/reconcile"
	"github.com/supplysync/backend/internal/domain/invoice"
	"github.com/supplysync/backend/internal/domain/job"
	"github.com/supplysync/backend/internal/domain/shared"
	"github.com/supplysync/backend/internal/infrastructure/persistence"
)

// ReconciliationResult is the terminal result payload of a reconciliation
// job. The boolean flags let callers branch without parsing error text.
type ReconciliationResult struct {
	Processed            int               `json:"processed"`
	Updated              int               `json:"updated"`
	Skipped              int               `json:"skipped"`
	NotFound             []string          `json:"not_found,omitempty"`
	Errors               []string          `json:"errors,omitempty"`
	CalculatedCMP        map[string]string `json:"calculated_cmp,omitempty"`
	RequiresAuth         bool              `json:"requires_auth"`
	RequiresUpgradedAuth bool              `json:"requires_upgraded_auth"`
	Message              string            `json:"message"`
}

// Reconciler runs the cost computation for one invoice
type Reconciler interface {
	Reconcile(ctx context.Context, shopRef string, items []reconcile.LineItem, shippingFee decimal.Decimal, progress reconcile.ProgressFunc) (*reconcile.Result, error)
}

// ReconciliationHandler runs cost reconciliation jobs against the ledger
type ReconciliationHandler struct {
	store    *persistence.JobRepository
	invoices *persistence.InvoiceRepository
	engine   Reconciler
	logger   *zap.Logger
}

// NewReconciliationHandler creates a reconciliation handler
func NewReconciliationHandler(
	store *persistence.JobRepository,
	invoices *persistence.InvoiceRepository,
	engine Reconciler,
	logger *zap.Logger,
) *ReconciliationHandler {
	return &ReconciliationHandler{
		store:    store,
		invoices: invoices,
		engine:   engine,
		logger:   logger.Named("reconciliation-handler"),
	}
}

// Type reports the job type this handler consumes
func (h *ReconciliationHandler) Type() job.Type {
	return job.TypeCostReconciliation
}

// Handle processes one reconciliation job. Per-item problems end up in the
// result; only a whole-run failure (ledger unreadable, inventory down) fails
// the job and consumes the attempt.
func (h *ReconciliationHandler) Handle(ctx context.Context, j *job.Job) ([]byte, error) {
	decoded, err := job.DecodePayload(j.Type, j.Payload)
	if err != nil {
		return nil, err
	}
	payload := decoded.(job.CostReconciliationPayload)

	inv, err := h.invoices.FindByID(ctx, payload.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoice %s: %w", payload.InvoiceID, err)
	}
	if inv.Status != invoice.StatusPendingReview {
		return nil, &shared.ValidationError{
			Field:  "invoice",
			Reason: fmt.Sprintf("invoice %s is %s, want %s", inv.ID, inv.Status, invoice.StatusPendingReview),
		}
	}

	items, shippingFee := h.effectiveInputs(inv, payload)
	if len(items) == 0 {
		return nil, &shared.ValidationError{Field: "invoice", Reason: "no line items to reconcile"}
	}

	if cancelled(ctx, h.store, j.ID) {
		return nil, job.ErrCancelled
	}

	h.updateProgress(ctx, j.ID, job.Progress{Percent: 10, Stage: "reading ledger"})

	progress := func(current, total int, sku string) {
		percent := 10
		if total > 0 {
			percent = 10 + current*80/total
		}
		h.updateProgress(ctx, j.ID, job.Progress{
			Percent: percent,
			Stage:   "computing costs",
			Current: current,
			Total:   total,
			SKU:     sku,
		})
	}

	runResult, err := h.engine.Reconcile(ctx, payload.ShopRef, items, shippingFee, progress)
	if err != nil {
		if shared.IsAuthorizationRequired(err) {
			// Distinguished failure: the operator must re-authorize the
			// ledger connection; retrying cannot help.
			failed, _ := json.Marshal(ReconciliationResult{
				RequiresAuth: true,
				Message:      err.Error(),
			})
			return failed, err
		}
		return nil, err
	}

	result := ReconciliationResult{
		Processed:            runResult.Processed,
		Updated:              runResult.Updated,
		Skipped:              runResult.Skipped,
		NotFound:             runResult.NotFound,
		Errors:               runResult.Errors,
		CalculatedCMP:        formatCMP(runResult.CalculatedCMP),
		RequiresUpgradedAuth: runResult.RequiresUpgradedAuth,
		Message: fmt.Sprintf("processed %d, updated %d, skipped %d",
			runResult.Processed, runResult.Updated, runResult.Skipped),
	}

	h.settleInvoice(ctx, inv, runResult)

	h.updateProgress(ctx, j.ID, job.Progress{Percent: 100, Stage: "done", Current: runResult.Processed, Total: runResult.Processed})

	return json.Marshal(result)
}

// effectiveInputs applies reviewer edits over the extracted invoice data.
// An edited line list replaces the extracted lines wholesale.
func (h *ReconciliationHandler) effectiveInputs(inv *invoice.Invoice, payload job.CostReconciliationPayload) ([]reconcile.LineItem, decimal.Decimal) {
	var items []reconcile.LineItem
	if len(payload.EditedLineItems) > 0 {
		for _, e := range payload.EditedLineItems {
			items = append(items, reconcile.LineItem{
				SKU:       e.SKU,
				Quantity:  e.Quantity,
				UnitPrice: e.UnitPrice,
			})
		}
	} else {
		for _, line := range inv.LineItems {
			items = append(items, reconcile.LineItem{
				SKU:       line.SKU,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
			})
		}
	}

	shippingFee := inv.ShippingFee
	if payload.EditedShippingFee != nil {
		shippingFee = *payload.EditedShippingFee
	}
	return items, shippingFee
}

// settleInvoice moves the invoice to its terminal review status based on the
// run outcome.
func (h *ReconciliationHandler) settleInvoice(ctx context.Context, inv *invoice.Invoice, runResult *reconcile.Result) {
	if runResult.Updated > 0 && len(runResult.Errors) == 0 {
		inv.MarkSuccess()
	} else {
		inv.MarkError(runResult.Errors...)
	}
	if err := h.invoices.Save(ctx, inv); err != nil {
		h.logger.Error("invoice status update failed",
			zap.String("invoice_id", inv.ID.String()), zap.Error(err))
	}
}

func (h *ReconciliationHandler) updateProgress(ctx context.Context, id uuid.UUID, p job.Progress) {
	if err := h.store.UpdateProgress(ctx, id, p); err != nil {
		h.logger.Warn("progress update failed", zap.String("job_id", id.String()), zap.Error(err))
	}
}

func formatCMP(cmp map[string]decimal.Decimal) map[string]string {
	if len(cmp) == 0 {
		return nil
	}
	out := make(map[string]string, len(cmp))
	for sku, v := range cmp {
		out[sku] = v.StringFixed(4)
	}
	return out
}
