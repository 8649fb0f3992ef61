package extraction

import (
	"github.com/shopspring/decimal"
)

// Metadata is the invoice-level information an extractor recovers from the
// document header and footer.
type Metadata struct {
	SupplierName string           `json:"supplier_name"`
	InvoiceNo    string           `json:"invoice_no"`
	Date         string           `json:"date,omitempty"`
	ShippingFee  decimal.Decimal  `json:"shipping_fee"`
	Discount     decimal.Decimal  `json:"discount"`
	Total        *decimal.Decimal `json:"total,omitempty"`
}

// Line is one extracted invoice line
type Line struct {
	SKU         string          `json:"sku"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

// Result is the full output of a document extraction. Warnings carry
// non-fatal oddities (unmatched SKUs, suspicious totals) for the reviewer.
type Result struct {
	Metadata  Metadata `json:"metadata"`
	LineItems []Line   `json:"line_items"`
	Warnings  []string `json:"warnings,omitempty"`
}
