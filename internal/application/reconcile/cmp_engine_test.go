package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/domain/shared"
	"github.com/supplysync/backend/internal/infrastructure/ledger"
)

type fakeLedger struct {
	rows    [][]string
	readErr error
	outcome ledger.WriteOutcome

	readCalls int
	updates   []ledger.ValueRange
}

func (f *fakeLedger) Read(_ context.Context, _ string) ([][]string, error) {
	f.readCalls++
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.rows, nil
}

func (f *fakeLedger) BatchUpdate(_ context.Context, updates []ledger.ValueRange) ledger.WriteOutcome {
	f.updates = append(f.updates, updates...)
	return f.outcome
}

type fakeInventory struct {
	stock map[string]decimal.Decimal
	err   error

	requested [][]string
}

func (f *fakeInventory) StockBySKU(_ context.Context, _ string, skus []string) (map[string]decimal.Decimal, error) {
	f.requested = append(f.requested, skus)
	if f.err != nil {
		return nil, f.err
	}
	return f.stock, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestEngine(lg *fakeLedger, inv *fakeInventory) *Engine {
	return NewEngine(lg, inv, "CMP", zap.NewNop())
}

func TestNormalizeSKU(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "abc-123", "ABC-123"},
		{"parenthetical stripped", "SKU-9 (v2)", "SKU-9"},
		{"spaces and punctuation stripped", "ab c/d.e", "ABCDE"},
		{"leading annotation", "(promo) X1", "X1"},
		{"already canonical", "WPC80-VANILLA", "WPC80-VANILLA"},
		{"empty", "", ""},
		{"only stripped chars", "(x) ./", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSKU(tt.in))
		})
	}
}

func TestReconcileBootstrapAndBlend(t *testing.T) {
	lg := &fakeLedger{
		rows: [][]string{
			{"A", "BrandA", "Product A", "A, A-ALT", "Supplier"},
			{"B", "BrandB", "Product B", "B", "Supplier", "2.0"},
		},
		outcome: ledger.WriteOutcome{Status: ledger.WriteOk},
	}
	inv := &fakeInventory{stock: map[string]decimal.Decimal{
		"A": decimal.Zero,
		"B": dec("200"),
	}}
	engine := newTestEngine(lg, inv)

	items := []LineItem{
		{SKU: "A", Quantity: dec("100"), UnitPrice: dec("3.2")},
		{SKU: "B", Quantity: dec("230"), UnitPrice: dec("3.0")},
	}

	result, err := engine.Reconcile(context.Background(), "shop.example.com", items, dec("50"), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Updated)
	assert.Equal(t, 0, result.Skipped)
	assert.Empty(t, result.NotFound)
	assert.Empty(t, result.Errors)

	perUnit := dec("50").Div(dec("330"))

	// A has no prior stock: bootstrap to the landed unit price exactly.
	wantA := dec("3.2").Add(perUnit)
	require.Contains(t, result.CalculatedCMP, "A")
	assert.True(t, wantA.Equal(result.CalculatedCMP["A"]),
		"want %s got %s", wantA, result.CalculatedCMP["A"])

	// B blends prior stock at prior cost with the new landed cost.
	adjB := dec("3.0").Add(perUnit)
	wantB := dec("200").Mul(dec("2.0")).Add(dec("230").Mul(adjB)).Div(dec("430"))
	require.Contains(t, result.CalculatedCMP, "B")
	assert.True(t, wantB.Equal(result.CalculatedCMP["B"]),
		"want %s got %s", wantB, result.CalculatedCMP["B"])
	assert.InDelta(t, 2.61, result.CalculatedCMP["B"].InexactFloat64(), 0.01)

	// One bulk read, one batched write targeting the write region.
	assert.Equal(t, 1, lg.readCalls)
	require.Len(t, lg.updates, 2)
	assert.Equal(t, "CMP!F2:K2", lg.updates[0].Range)
	assert.Equal(t, "CMP!F3:K3", lg.updates[1].Range)
}

func TestReconcileUnmatchedSKUIsSkipped(t *testing.T) {
	lg := &fakeLedger{
		rows:    [][]string{{"A", "", "", "A", ""}},
		outcome: ledger.WriteOutcome{Status: ledger.WriteOk},
	}
	inv := &fakeInventory{stock: map[string]decimal.Decimal{}}
	engine := newTestEngine(lg, inv)

	result, err := engine.Reconcile(context.Background(), "shop.example.com",
		[]LineItem{{SKU: "X", Quantity: dec("5"), UnitPrice: dec("1")}}, decimal.Zero, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"X"}, result.NotFound)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 1, result.Skipped)
	assert.NotContains(t, result.CalculatedCMP, "X")
	assert.Empty(t, lg.updates)
}

func TestReconcileDuplicateSKUsProcessedByIndex(t *testing.T) {
	lg := &fakeLedger{
		rows:    [][]string{{"A", "", "", "A", ""}},
		outcome: ledger.WriteOutcome{Status: ledger.WriteOk},
	}
	inv := &fakeInventory{stock: map[string]decimal.Decimal{"A": decimal.Zero}}
	engine := newTestEngine(lg, inv)

	items := []LineItem{
		{SKU: "A", Quantity: dec("10"), UnitPrice: dec("2.0")},
		{SKU: "A", Quantity: dec("30"), UnitPrice: dec("4.0")},
	}

	result, err := engine.Reconcile(context.Background(), "shop.example.com", items, dec("8"), nil)
	require.NoError(t, err)

	// Both lines contribute to the shipping denominator and both are written.
	perUnit := dec("8").Div(dec("40"))
	require.Len(t, lg.updates, 2)
	assert.Equal(t, lg.updates[0].Range, lg.updates[1].Range)
	assert.Equal(t, 2, result.Updated)

	// The later line wins the map entry, mirroring batch write order.
	want := dec("4.0").Add(perUnit)
	assert.True(t, want.Equal(result.CalculatedCMP["A"]))

	// Distinct canonical SKUs are looked up once.
	require.Len(t, inv.requested, 1)
	assert.Equal(t, []string{"A"}, inv.requested[0])
}

func TestReconcileWriteFailureKeepsComputedValues(t *testing.T) {
	lg := &fakeLedger{
		rows: [][]string{{"A", "", "", "A", "", "1.5"}},
		outcome: ledger.WriteOutcome{
			Status: ledger.WriteTransient,
			Err:    errors.New("status 503"),
		},
	}
	inv := &fakeInventory{stock: map[string]decimal.Decimal{"A": dec("10")}}
	engine := newTestEngine(lg, inv)

	result, err := engine.Reconcile(context.Background(), "shop.example.com",
		[]LineItem{{SKU: "A", Quantity: dec("5"), UnitPrice: dec("2")}}, decimal.Zero, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, result.Processed, result.Skipped)
	assert.Contains(t, result.CalculatedCMP, "A")
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "503")
}

func TestReconcileReadOnlyCredentialSetsUpgradeFlag(t *testing.T) {
	lg := &fakeLedger{
		rows: [][]string{{"A", "", "", "A", ""}},
		outcome: ledger.WriteOutcome{
			Status: ledger.WriteNeedsUpgradedAuth,
			Err:    errors.New("credential is read-only"),
		},
	}
	inv := &fakeInventory{stock: map[string]decimal.Decimal{"A": decimal.Zero}}
	engine := newTestEngine(lg, inv)

	result, err := engine.Reconcile(context.Background(), "shop.example.com",
		[]LineItem{{SKU: "A", Quantity: dec("1"), UnitPrice: dec("1")}}, decimal.Zero, nil)
	require.NoError(t, err)

	assert.True(t, result.RequiresUpgradedAuth)
	assert.Equal(t, 0, result.Updated)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "upgraded authentication")
}

func TestReconcileLedgerReadFailureAbortsRun(t *testing.T) {
	lg := &fakeLedger{readErr: errors.New("connection refused")}
	engine := newTestEngine(lg, &fakeInventory{})

	_, err := engine.Reconcile(context.Background(), "shop.example.com",
		[]LineItem{{SKU: "A", Quantity: dec("1"), UnitPrice: dec("1")}}, decimal.Zero, nil)
	require.Error(t, err)

	var svcErr *shared.ExternalServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "ledger", svcErr.Service)
}

func TestReconcileInventoryFailureAbortsRun(t *testing.T) {
	lg := &fakeLedger{rows: [][]string{{"A", "", "", "A", ""}}}
	inv := &fakeInventory{err: &shared.ExternalServiceError{Service: "commerce", Err: errors.New("502")}}
	engine := newTestEngine(lg, inv)

	_, err := engine.Reconcile(context.Background(), "shop.example.com",
		[]LineItem{{SKU: "A", Quantity: dec("1"), UnitPrice: dec("1")}}, decimal.Zero, nil)
	require.Error(t, err)
}

func TestReconcileUnparseableCostCellIsPerItemError(t *testing.T) {
	lg := &fakeLedger{
		rows: [][]string{
			{"A", "", "", "A", "", "abc"},
			{"B", "", "", "B", "", "1.0"},
		},
		outcome: ledger.WriteOutcome{Status: ledger.WriteOk},
	}
	inv := &fakeInventory{stock: map[string]decimal.Decimal{"B": dec("4")}}
	engine := newTestEngine(lg, inv)

	items := []LineItem{
		{SKU: "A", Quantity: dec("1"), UnitPrice: dec("1")},
		{SKU: "B", Quantity: dec("2"), UnitPrice: dec("3")},
	}
	result, err := engine.Reconcile(context.Background(), "shop.example.com", items, decimal.Zero, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "A")
	assert.NotContains(t, result.CalculatedCMP, "A")
	assert.Contains(t, result.CalculatedCMP, "B")
}

func TestReconcileEmptyInvoice(t *testing.T) {
	lg := &fakeLedger{}
	engine := newTestEngine(lg, &fakeInventory{})

	result, err := engine.Reconcile(context.Background(), "shop.example.com", nil, dec("10"), nil)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Zero(t, lg.readCalls)
}

func TestShippingAllocationSumsToFee(t *testing.T) {
	quantities := []string{"3", "7", "11", "29"}
	shipping := dec("100")

	totalQty := decimal.Zero
	for _, q := range quantities {
		totalQty = totalQty.Add(dec(q))
	}
	perUnit := shipping.Div(totalQty)

	sum := decimal.Zero
	for _, q := range quantities {
		sum = sum.Add(dec(q).Mul(perUnit))
	}
	assert.InDelta(t, 100.0, sum.InexactFloat64(), 1e-9)
}

func TestBlendIsConvex(t *testing.T) {
	cases := []struct {
		oldCmp, oldStock, qty, adjusted string
	}{
		{"2.0", "200", "230", "3.1515"},
		{"5.0", "10", "1", "1.0"},
		{"1.0", "1", "1000", "9.99"},
		{"3.3", "50", "50", "3.3"},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			oldCmp := dec(c.oldCmp)
			got := blend(&oldCmp, dec(c.oldStock), dec(c.qty), dec(c.adjusted))

			lo := decimal.Min(oldCmp, dec(c.adjusted))
			hi := decimal.Max(oldCmp, dec(c.adjusted))
			assert.True(t, got.GreaterThanOrEqual(lo), "newCmp %s below %s", got, lo)
			assert.True(t, got.LessThanOrEqual(hi), "newCmp %s above %s", got, hi)
		})
	}
}

func TestBlendEdgeCases(t *testing.T) {
	oldCmp := dec("2.0")

	t.Run("nil old cost bootstraps", func(t *testing.T) {
		got := blend(nil, dec("100"), dec("10"), dec("4.5"))
		assert.True(t, dec("4.5").Equal(got))
	})

	t.Run("zero old stock bootstraps", func(t *testing.T) {
		got := blend(&oldCmp, decimal.Zero, dec("10"), dec("4.5"))
		assert.True(t, dec("4.5").Equal(got))
	})

	t.Run("zero denominator degenerates to zero", func(t *testing.T) {
		got := blend(&oldCmp, dec("5"), dec("-5"), dec("4.5"))
		assert.True(t, got.IsZero())
	})
}
