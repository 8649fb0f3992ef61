package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/domain/invoice"
	"github.com/supplysync/backend/internal/domain/job"
	"github.com/supplysync/backend/internal/infrastructure/extraction"
	"github.com/supplysync/backend/internal/infrastructure/persistence"
)

// DocumentFetcher downloads an invoice document to local disk for the
// extractor tool.
type DocumentFetcher interface {
	FetchToFile(ctx context.Context, documentRef, dir string) (string, error)
}

// lineTotalTolerance flags extracted lines whose stated total drifts from
// qty times unit price by more than one percent.
var lineTotalTolerance = decimal.NewFromFloat(0.01)

// ExtractionResult is the terminal result payload of an extraction job
type ExtractionResult struct {
	SupplierKey     string `json:"supplier_key"`
	LineItems       int    `json:"line_items"`
	MatchedProducts int    `json:"matched_products"`
	Warnings        int    `json:"warnings"`
	Message         string `json:"message"`
}

// ExtractionHandler runs document extraction jobs: it resolves the supplier's
// extractor, fetches the document, runs the tool and moves the invoice to
// review.
type ExtractionHandler struct {
	store      *persistence.JobRepository
	invoices   *persistence.InvoiceRepository
	documents  DocumentFetcher
	dispatcher *extraction.Dispatcher
	runner     extraction.Runner
	workDir    string
	logger     *zap.Logger
}

// NewExtractionHandler creates an extraction handler
func NewExtractionHandler(
	store *persistence.JobRepository,
	invoices *persistence.InvoiceRepository,
	documents DocumentFetcher,
	dispatcher *extraction.Dispatcher,
	runner extraction.Runner,
	workDir string,
	logger *zap.Logger,
) *ExtractionHandler {
	return &ExtractionHandler{
		store:      store,
		invoices:   invoices,
		documents:  documents,
		dispatcher: dispatcher,
		runner:     runner,
		workDir:    workDir,
		logger:     logger.Named("extraction-handler"),
	}
}

// Type reports the job type this handler consumes
func (h *ExtractionHandler) Type() job.Type {
	return job.TypeDocumentExtraction
}

// Handle processes one extraction job to completion
func (h *ExtractionHandler) Handle(ctx context.Context, j *job.Job) ([]byte, error) {
	decoded, err := job.DecodePayload(j.Type, j.Payload)
	if err != nil {
		return nil, err
	}
	payload := decoded.(job.DocumentExtractionPayload)

	inv, err := h.invoices.FindByID(ctx, payload.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoice %s: %w", payload.InvoiceID, err)
	}

	h.progress(ctx, j, 10, "resolving extractor", "", 0, 0)

	supplierKey, err := h.dispatcher.Resolve(payload.SupplierName)
	if err != nil {
		h.markError(ctx, inv, err.Error())
		return nil, err
	}

	if cancelled(ctx, h.store, j.ID) {
		return nil, job.ErrCancelled
	}

	h.progress(ctx, j, 25, "fetching document", "", 0, 0)

	path, err := h.documents.FetchToFile(ctx, payload.DocumentRef, h.workDir)
	if err != nil {
		h.markError(ctx, inv, "document unavailable")
		return nil, err
	}
	defer os.Remove(path)

	if cancelled(ctx, h.store, j.ID) {
		return nil, job.ErrCancelled
	}

	h.progress(ctx, j, 50, "extracting line items", "", 0, 0)

	extracted, err := h.runner.Extract(ctx, supplierKey, path)
	if err != nil {
		h.markError(ctx, inv, err.Error())
		return nil, err
	}

	h.progress(ctx, j, 80, "matching products", "", 0, 0)

	items, warnings, matched := h.buildLineItems(ctx, extracted)
	warnings = append(warnings, extracted.Warnings...)

	inv.InvoiceNo = extracted.Metadata.InvoiceNo
	inv.ShippingFee = extracted.Metadata.ShippingFee
	// Supplier discounts are recorded for the reviewer but never folded into
	// unit costs.
	inv.Discount = extracted.Metadata.Discount
	if err := inv.MarkPendingReview(items, warnings); err != nil {
		return nil, fmt.Errorf("invoice %s: %w", inv.ID, err)
	}
	if err := h.invoices.Save(ctx, inv); err != nil {
		return nil, err
	}

	h.progress(ctx, j, 100, "done", "", len(items), len(items))

	result := ExtractionResult{
		SupplierKey:     supplierKey,
		LineItems:       len(items),
		MatchedProducts: matched,
		Warnings:        len(warnings),
		Message:         fmt.Sprintf("extracted %d line items (%d warnings)", len(items), len(warnings)),
	}
	return json.Marshal(result)
}

// buildLineItems converts extractor output into invoice lines, matching each
// SKU against the catalog. A missing product or a drifting total is a
// warning, never a failure.
func (h *ExtractionHandler) buildLineItems(ctx context.Context, extracted *extraction.Result) ([]invoice.LineItem, []string, int) {
	skus := make([]string, 0, len(extracted.LineItems))
	for _, line := range extracted.LineItems {
		skus = append(skus, line.SKU)
	}
	products, err := h.invoices.ProductsBySKU(ctx, skus)
	if err != nil {
		h.logger.Warn("product matching unavailable", zap.Error(err))
		products = map[string]invoice.Product{}
	}

	items := make([]invoice.LineItem, 0, len(extracted.LineItems))
	var warnings []string
	matched := 0
	unmatched := 0

	for _, line := range extracted.LineItems {
		item := invoice.LineItem{
			SKU:         line.SKU,
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Total:       line.Total,
		}
		if p, ok := products[line.SKU]; ok {
			id := p.ID
			item.ProductID = &id
			matched++
		} else {
			unmatched++
		}

		expected := line.Quantity.Mul(line.UnitPrice)
		if !expected.IsZero() && !line.Total.IsZero() {
			drift := line.Total.Sub(expected).Abs().Div(expected)
			if drift.GreaterThan(lineTotalTolerance) {
				warnings = append(warnings,
					fmt.Sprintf("%s: stated total %s differs from %s x %s", line.SKU, line.Total, line.Quantity, line.UnitPrice))
			}
		}
		items = append(items, item)
	}

	if unmatched > 0 {
		warnings = append(warnings, fmt.Sprintf("%d line items have no matching product", unmatched))
	}
	return items, warnings, matched
}

func (h *ExtractionHandler) progress(ctx context.Context, j *job.Job, percent int, stage, sku string, current, total int) {
	err := h.store.UpdateProgress(ctx, j.ID, job.Progress{
		Percent: percent,
		Stage:   stage,
		SKU:     sku,
		Current: current,
		Total:   total,
	})
	if err != nil {
		h.logger.Warn("progress update failed", zap.String("job_id", j.ID.String()), zap.Error(err))
	}
}

func (h *ExtractionHandler) markError(ctx context.Context, inv *invoice.Invoice, warning string) {
	inv.MarkError(warning)
	if err := h.invoices.Save(ctx, inv); err != nil {
		h.logger.Error("invoice status update failed",
			zap.String("invoice_id", inv.ID.String()), zap.Error(err))
	}
}
