// Package reconcile implements the weighted-average-cost reconciliation of a
// supplier invoice against the external cost ledger.
package reconcile

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/domain/shared"
	"github.com/supplysync/backend/internal/infrastructure/ledger"
)

// Ledger row columns, 1-indexed as the provider addresses them. The write
// region starts at the new-CMP column; everything before it is read-only
// master data.
const (
	colCanonicalSKU = 1
	colBrand        = 2
	colName         = 3
	colAliases      = 4
	colSupplier     = 5
	colCMP          = 6
	colOldStock     = 7
	colNewQuantity  = 8
	colPrevPrice    = 9
	colNewPrice     = 10
	colShipping     = 11
)

// firstDataRow is the first ledger row holding data; row 1 is the header
const firstDataRow = 2

// LedgerGateway is the slice of the ledger client the engine needs
type LedgerGateway interface {
	Read(ctx context.Context, rng string) ([][]string, error)
	BatchUpdate(ctx context.Context, updates []ledger.ValueRange) ledger.WriteOutcome
}

// InventoryGateway resolves current stock quantities in batches
type InventoryGateway interface {
	StockBySKU(ctx context.Context, shopRef string, skus []string) (map[string]decimal.Decimal, error)
}

// LineItem is one invoice line as the engine consumes it
type LineItem struct {
	SKU       string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// ProgressFunc reports per-row progress. The engine never lets a callback
// failure or a slow callback disturb the computation.
type ProgressFunc func(current, total int, sku string)

// Result aggregates one reconciliation run. Processed always equals
// Updated + Skipped.
type Result struct {
	Processed            int
	Updated              int
	Skipped              int
	NotFound             []string
	Errors               []string
	CalculatedCMP        map[string]decimal.Decimal
	RequiresUpgradedAuth bool
}

// Engine computes new weighted-average costs and writes them back to the
// ledger in one batched update per run.
type Engine struct {
	ledger    LedgerGateway
	inventory InventoryGateway
	sheetName string
	logger    *zap.Logger
}

// NewEngine creates a reconciliation engine
func NewEngine(lg LedgerGateway, inv InventoryGateway, sheetName string, logger *zap.Logger) *Engine {
	return &Engine{
		ledger:    lg,
		inventory: inv,
		sheetName: sheetName,
		logger:    logger.Named("cmp"),
	}
}

var (
	parenthetical = regexp.MustCompile(`\([^)]*\)`)
	skuCharset    = regexp.MustCompile(`[^A-Z0-9-]`)
)

// NormalizeSKU canonicalizes an invoice SKU for alias matching: uppercase,
// parenthetical annotations removed, everything outside A-Z, 0-9 and dash
// stripped.
func NormalizeSKU(sku string) string {
	s := strings.ToUpper(sku)
	s = parenthetical.ReplaceAllString(s, "")
	return skuCharset.ReplaceAllString(s, "")
}

// ledgerRow is the per-run snapshot of one ledger row
type ledgerRow struct {
	canonicalSKU string
	aliases      map[string]struct{}
	oldCmp       *decimal.Decimal
	position     int
	parseErr     error
}

// itemState carries per-line-item computation, keyed by line index so
// duplicate SKUs on one invoice never overwrite each other.
type itemState struct {
	item          LineItem
	normalizedSKU string
	row           *ledgerRow
	adjustedPrice decimal.Decimal
	newCmp        decimal.Decimal
	computed      bool
}

// Reconcile runs the full algorithm: one bulk ledger read, alias matching per
// line item, one batched inventory lookup, the cost blend, and one batched
// ledger write. Per-item problems accumulate into the result; only a failure
// to read the ledger or the inventory aborts the run.
func (e *Engine) Reconcile(ctx context.Context, shopRef string, items []LineItem, shippingFee decimal.Decimal, progress ProgressFunc) (*Result, error) {
	result := &Result{
		Processed:     len(items),
		CalculatedCMP: make(map[string]decimal.Decimal),
	}
	if len(items) == 0 {
		return result, nil
	}

	// Shipping is allocated by volume: every unit on the invoice carries the
	// same share of the fee regardless of its price.
	totalQty := decimal.Zero
	for _, item := range items {
		totalQty = totalQty.Add(item.Quantity)
	}
	perUnit := decimal.Zero
	if totalQty.IsPositive() {
		perUnit = shippingFee.Div(totalQty)
	}

	rows, err := e.readLedger(ctx)
	if err != nil {
		return nil, &shared.ExternalServiceError{Service: "ledger", Err: err}
	}

	states := make([]itemState, len(items))
	for i, item := range items {
		states[i] = itemState{
			item:          item,
			normalizedSKU: NormalizeSKU(item.SKU),
			adjustedPrice: item.UnitPrice.Add(perUnit),
		}
		states[i].row = matchRow(rows, states[i].normalizedSKU)
		if states[i].row == nil {
			result.NotFound = append(result.NotFound, item.SKU)
		}
	}

	// One batched stock lookup for the distinct matched SKUs; the gateway
	// chunks the request per its own contract.
	stock, err := e.lookupStock(ctx, shopRef, states)
	if err != nil {
		return nil, err
	}

	for i := range states {
		st := &states[i]
		if st.row == nil {
			continue
		}
		e.report(progress, i+1, len(items), st.item.SKU)

		if st.row.parseErr != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s: ledger row %d: %v", st.item.SKU, st.row.position, st.row.parseErr))
			continue
		}

		oldStock := stock[st.row.canonicalSKU]
		st.newCmp = blend(st.row.oldCmp, oldStock, st.item.Quantity, st.adjustedPrice)
		st.computed = true
		result.CalculatedCMP[st.row.canonicalSKU] = st.newCmp
	}

	updates := e.buildUpdates(states, stock, perUnit)
	if len(updates) > 0 {
		outcome := e.ledger.BatchUpdate(ctx, updates)
		switch outcome.Status {
		case ledger.WriteOk:
			for i := range states {
				if states[i].computed {
					result.Updated++
				}
			}
		case ledger.WriteNeedsUpgradedAuth:
			result.RequiresUpgradedAuth = true
			result.Errors = append(result.Errors,
				fmt.Sprintf("ledger write requires upgraded authentication: %v", outcome.Err))
		default:
			result.Errors = append(result.Errors,
				fmt.Sprintf("ledger batch write failed: %v", outcome.Err))
		}
	}

	result.Skipped = result.Processed - result.Updated

	e.logger.Info("reconciliation finished",
		zap.Int("processed", result.Processed),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("not_found", len(result.NotFound)),
		zap.Int("errors", len(result.Errors)))

	return result, nil
}

// blend computes the new weighted-average cost. With no prior cost or no
// prior stock there is nothing to blend and the adjusted price bootstraps the
// row. A zero combined quantity degenerates to zero.
func blend(oldCmp *decimal.Decimal, oldStock, qty, adjustedPrice decimal.Decimal) decimal.Decimal {
	if oldCmp == nil || oldStock.IsZero() {
		return adjustedPrice
	}
	denom := oldStock.Add(qty)
	if denom.IsZero() {
		return decimal.Zero
	}
	return oldStock.Mul(*oldCmp).Add(qty.Mul(adjustedPrice)).Div(denom)
}

func (e *Engine) readLedger(ctx context.Context) ([]ledgerRow, error) {
	rng := fmt.Sprintf("%s!A%d:K", e.sheetName, firstDataRow)
	raw, err := e.ledger.Read(ctx, rng)
	if err != nil {
		return nil, err
	}

	rows := make([]ledgerRow, 0, len(raw))
	for i, cells := range raw {
		row := ledgerRow{
			canonicalSKU: cell(cells, colCanonicalSKU),
			aliases:      parseAliases(cell(cells, colAliases)),
			position:     firstDataRow + i,
		}
		if cmpCell := cell(cells, colCMP); cmpCell != "" {
			v, err := decimal.NewFromString(strings.ReplaceAll(cmpCell, ",", "."))
			if err != nil {
				row.parseErr = fmt.Errorf("unreadable cost %q", cmpCell)
			} else {
				row.oldCmp = &v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// matchRow finds the first ledger row whose alias list contains the
// normalized SKU.
func matchRow(rows []ledgerRow, normalizedSKU string) *ledgerRow {
	if normalizedSKU == "" {
		return nil
	}
	for i := range rows {
		if _, ok := rows[i].aliases[normalizedSKU]; ok {
			return &rows[i]
		}
	}
	return nil
}

// parseAliases splits the alias cell into a normalized set. Both commas and
// semicolons appear in the ledger as delimiters.
func parseAliases(cellValue string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.FieldsFunc(cellValue, func(r rune) bool {
		return r == ',' || r == ';'
	}) {
		if normalized := NormalizeSKU(part); normalized != "" {
			out[normalized] = struct{}{}
		}
	}
	return out
}

func (e *Engine) lookupStock(ctx context.Context, shopRef string, states []itemState) (map[string]decimal.Decimal, error) {
	seen := make(map[string]struct{})
	var skus []string
	for i := range states {
		if states[i].row == nil || states[i].row.parseErr != nil {
			continue
		}
		sku := states[i].row.canonicalSKU
		if _, ok := seen[sku]; ok {
			continue
		}
		seen[sku] = struct{}{}
		skus = append(skus, sku)
	}
	if len(skus) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	stock, err := e.inventory.StockBySKU(ctx, shopRef, skus)
	if err != nil {
		return nil, err
	}
	return stock, nil
}

// buildUpdates renders one value range per computed item. Duplicate SKUs on
// one invoice target the same row; the later line wins inside the batch,
// matching per-index processing order.
func (e *Engine) buildUpdates(states []itemState, stock map[string]decimal.Decimal, perUnit decimal.Decimal) []ledger.ValueRange {
	var updates []ledger.ValueRange
	for i := range states {
		st := &states[i]
		if !st.computed {
			continue
		}
		oldStock := stock[st.row.canonicalSKU]
		allocated := st.item.Quantity.Mul(perUnit)
		updates = append(updates, ledger.ValueRange{
			Range: fmt.Sprintf("%s!F%d:K%d", e.sheetName, st.row.position, st.row.position),
			Values: [][]string{{
				st.newCmp.StringFixed(4),
				oldStock.String(),
				st.item.Quantity.String(),
				st.item.UnitPrice.StringFixed(4),
				st.adjustedPrice.StringFixed(4),
				allocated.StringFixed(4),
			}},
		})
	}
	return updates
}

// report invokes the progress callback off the hot path. A panicking or slow
// callback never affects the run.
func (e *Engine) report(progress ProgressFunc, current, total int, sku string) {
	if progress == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Warn("progress callback panicked", zap.Any("panic", r))
			}
		}()
		progress(current, total, sku)
	}()
}

// cell returns a 1-indexed column value, tolerating rows the provider
// truncated at the last non-empty cell.
func cell(cells []string, col int) string {
	idx := col - 1
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}
