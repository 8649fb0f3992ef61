package job

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/supplysync/backend/internal/domain/shared"
)

// DocumentExtractionPayload carries the inputs for a document extraction job
type DocumentExtractionPayload struct {
	InvoiceID    uuid.UUID `json:"invoice_id" validate:"required"`
	SupplierName string    `json:"supplier_name" validate:"required,min=2"`
	DocumentRef  string    `json:"document_ref" validate:"required"`
}

// EditedLineItem is a reviewer-adjusted invoice line carried into a
// reconciliation run in place of the extracted one.
type EditedLineItem struct {
	SKU       string          `json:"sku" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity" validate:"required"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"required"`
}

// CostReconciliationPayload carries the inputs for a cost reconciliation job
type CostReconciliationPayload struct {
	InvoiceID         uuid.UUID        `json:"invoice_id" validate:"required"`
	ShopRef           string           `json:"shop_ref" validate:"required,hostname"`
	EditedLineItems   []EditedLineItem `json:"edited_line_items,omitempty" validate:"omitempty,dive"`
	EditedShippingFee *decimal.Decimal `json:"edited_shipping_fee,omitempty"`
}

var validate = validator.New()

// EncodePayload validates a typed payload for the given job type and returns
// its JSON encoding. Malformed payloads are rejected with a ValidationError
// before any job record exists.
func EncodePayload(jobType Type, payload any) ([]byte, error) {
	switch jobType {
	case TypeDocumentExtraction:
		if _, ok := payload.(DocumentExtractionPayload); !ok {
			return nil, &shared.ValidationError{Field: "payload", Reason: fmt.Sprintf("expected DocumentExtractionPayload, got %T", payload)}
		}
	case TypeCostReconciliation:
		if _, ok := payload.(CostReconciliationPayload); !ok {
			return nil, &shared.ValidationError{Field: "payload", Reason: fmt.Sprintf("expected CostReconciliationPayload, got %T", payload)}
		}
	default:
		return nil, &shared.ValidationError{Field: "type", Reason: "unknown job type " + string(jobType)}
	}

	if err := validate.Struct(payload); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			return nil, &shared.ValidationError{Field: invalid[0].Namespace(), Reason: "failed " + invalid[0].Tag() + " constraint"}
		}
		return nil, &shared.ValidationError{Reason: err.Error()}
	}

	return json.Marshal(payload)
}

// DecodePayload parses raw JSON into the typed payload for the given job type
// and re-validates it. The tagged union is keyed by job type.
func DecodePayload(jobType Type, raw []byte) (any, error) {
	switch jobType {
	case TypeDocumentExtraction:
		var p DocumentExtractionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &shared.ValidationError{Field: "payload", Reason: err.Error()}
		}
		if err := validate.Struct(p); err != nil {
			return nil, &shared.ValidationError{Field: "payload", Reason: err.Error()}
		}
		return p, nil
	case TypeCostReconciliation:
		var p CostReconciliationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &shared.ValidationError{Field: "payload", Reason: err.Error()}
		}
		if err := validate.Struct(p); err != nil {
			return nil, &shared.ValidationError{Field: "payload", Reason: err.Error()}
		}
		return p, nil
	default:
		return nil, &shared.ValidationError{Field: "type", Reason: "unknown job type " + string(jobType)}
	}
}
