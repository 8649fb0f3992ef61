package invoice

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/supplysync/backend/internal/domain/shared"
)

// Status represents the review lifecycle of a supplier invoice
type Status string

const (
	// StatusProcessing is set by the upload collaborator when the document
	// arrives and extraction has not finished yet.
	StatusProcessing    Status = "PROCESSING"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusSuccess       Status = "SUCCESS"
	StatusError         Status = "ERROR"
	StatusCancelled     Status = "CANCELLED"
)

// LineItem is one extracted (or reviewer-edited) invoice line
type LineItem struct {
	SKU         string          `json:"sku"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
	// ProductID references the matched internal product, when one exists.
	// A missing match is a warning, never an extraction failure.
	ProductID *uuid.UUID `json:"product_id,omitempty"`
}

// Invoice is a supplier invoice as seen by the reconciliation pipeline. The
// pipeline reads and mutates status, line items and warnings; it never deletes
// invoices (deletion belongs to the management surface).
type Invoice struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Status       Status          `gorm:"index"`
	SupplierRef  string          `gorm:"index"`
	InvoiceNo    string
	LineItems    []LineItem      `gorm:"serializer:json"`
	ShippingFee  decimal.Decimal `gorm:"type:decimal(14,4)"`
	Discount     decimal.Decimal `gorm:"type:decimal(14,4)"`
	Warnings     []string        `gorm:"serializer:json"`
	DocumentRef  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName sets the table name for GORM
func (Invoice) TableName() string {
	return "invoices"
}

// MarkPendingReview records a successful extraction
func (i *Invoice) MarkPendingReview(items []LineItem, warnings []string) error {
	if i.Status != StatusProcessing {
		return shared.ErrInvalidState
	}
	i.Status = StatusPendingReview
	i.LineItems = items
	i.Warnings = warnings
	return nil
}

// MarkSuccess records a completed reconciliation
func (i *Invoice) MarkSuccess() {
	i.Status = StatusSuccess
}

// MarkError records a failed extraction or reconciliation
func (i *Invoice) MarkError(warnings ...string) {
	i.Status = StatusError
	i.Warnings = append(i.Warnings, warnings...)
}

// Product is the internal catalog entry line items are matched against by
// exact SKU lookup.
type Product struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SKU       string    `gorm:"uniqueIndex"`
	Name      string
	CreatedAt time.Time
}

// TableName sets the table name for GORM
func (Product) TableName() string {
	return "products"
}
