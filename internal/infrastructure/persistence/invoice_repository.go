package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/supplysync/backend/internal/domain/invoice"
	"github.com/supplysync/backend/internal/domain/shared"
)

// InvoiceRepository persists supplier invoices and the product catalog lines
// are matched against.
type InvoiceRepository struct {
	db *gorm.DB
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Create stores a new invoice
func (r *InvoiceRepository) Create(ctx context.Context, inv *invoice.Invoice) error {
	return r.db.WithContext(ctx).Create(inv).Error
}

// FindByID loads an invoice by its identifier
func (r *InvoiceRepository) FindByID(ctx context.Context, id uuid.UUID) (*invoice.Invoice, error) {
	var inv invoice.Invoice
	if err := r.db.WithContext(ctx).First(&inv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// Save writes the invoice back, including status, line items and warnings
func (r *InvoiceRepository) Save(ctx context.Context, inv *invoice.Invoice) error {
	return r.db.WithContext(ctx).Save(inv).Error
}

// ProductsBySKU resolves the given SKUs against the catalog with exact
// matching. SKUs with no product are simply absent from the result map.
func (r *InvoiceRepository) ProductsBySKU(ctx context.Context, skus []string) (map[string]invoice.Product, error) {
	out := make(map[string]invoice.Product, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	var products []invoice.Product
	if err := r.db.WithContext(ctx).Where("sku IN ?", skus).Find(&products).Error; err != nil {
		return nil, err
	}
	for _, p := range products {
		out[p.SKU] = p
	}
	return out, nil
}
