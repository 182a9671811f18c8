package creditnote_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/creditnote"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/clock"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
	"github.com/meteroid-oss/meteroid-sub001/internal/outbox"
	"github.com/meteroid-oss/meteroid-sub001/internal/store"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// seedInvoice builds the four-line, 10%-tax, 10%-coupon invoice from
// spec example E4: subtotals 1000/2000/3000/4000, discount 1000,
// taxable 9000, tax 900, total 9900.
func seedInvoice(st *store.InMemory) model.Invoice {
	lines := []model.LineItem{
		{LocalID: "line_0", AmountSubtotal: 1000, TaxableAmount: 900, TaxAmount: 90, AmountTotal: 990},
		{LocalID: "line_1", AmountSubtotal: 2000, TaxableAmount: 1800, TaxAmount: 180, AmountTotal: 1980},
		{LocalID: "line_2", AmountSubtotal: 3000, TaxableAmount: 2700, TaxAmount: 270, AmountTotal: 2970},
		{LocalID: "line_3", AmountSubtotal: 4000, TaxableAmount: 3600, TaxAmount: 360, AmountTotal: 3960},
	}
	inv := model.Invoice{
		ID:             "inv_1",
		TenantID:       "tenant_1",
		CustomerID:     "cust_1",
		Status:         types.InvoiceStatusFinalized,
		Currency:       "USD",
		Discount:       1000,
		Subtotal:       10000,
		TaxAmount:      900,
		Total:          9900,
		AppliedCredits: 9900,
		LineItems:      lines,
		BaseModel:      types.BaseModel{TenantID: "tenant_1"},
	}
	st.PutInvoice(&inv)
	return inv
}

func newCreditNoteEngine(t *testing.T, st *store.InMemory) *creditnote.Engine {
	t.Helper()
	log, err := logger.NewLogger()
	require.NoError(t, err)
	ob := outbox.NewInMemory(log)
	t.Cleanup(func() { _ = ob.Close() })
	return creditnote.NewEngine(st.AsStore(), clock.NewFixed(mustDate("2024-01-20")), log, ob)
}

// TestCreate_E4_TwoCreditNotesThenThirdFails covers spec example E4:
// crediting lines 0 and 1 in full, then lines 2 and 3 in full, exhausts
// the invoice exactly (|subtotal|=10000, |tax|=900, |total|=9900); a
// third credit note on any line must then fail with nothing left to
// credit.
func TestCreate_E4_TwoCreditNotesThenThirdFails(t *testing.T) {
	st := store.NewInMemory()
	seedInvoice(st)
	eng := newCreditNoteEngine(t, st)
	ctx := context.Background()

	cn1, err := eng.Create(ctx, creditnote.CreateInput{
		InvoiceID:  "inv_1",
		Reason:     types.CreditNoteReasonOrderChange,
		CreditType: types.CreditTypeRefund,
		Lines: []creditnote.LineRequest{
			{LocalID: "line_0"},
			{LocalID: "line_1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-3000), cn1.Subtotal)
	assert.Equal(t, int64(-270), cn1.TaxAmount)
	assert.Equal(t, int64(-2970), cn1.Total)
	assert.Equal(t, int64(2970), cn1.CreditedAmountCents)
	assert.Equal(t, int64(0), cn1.RefundedAmountCents)
	require.Len(t, cn1.LineItems, 2)

	cn2, err := eng.Create(ctx, creditnote.CreateInput{
		InvoiceID:  "inv_1",
		Reason:     types.CreditNoteReasonOrderChange,
		CreditType: types.CreditTypeRefund,
		Lines: []creditnote.LineRequest{
			{LocalID: "line_2"},
			{LocalID: "line_3"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-7000), cn2.Subtotal)
	assert.Equal(t, int64(-630), cn2.TaxAmount)
	assert.Equal(t, int64(-6930), cn2.Total)
	assert.Equal(t, int64(6930), cn2.CreditedAmountCents)
	assert.Equal(t, int64(0), cn2.RefundedAmountCents)

	totalSubtotal := -(cn1.Subtotal + cn2.Subtotal)
	totalTax := -(cn1.TaxAmount + cn2.TaxAmount)
	totalAmount := -(cn1.Total + cn2.Total)
	assert.Equal(t, int64(10000), totalSubtotal)
	assert.Equal(t, int64(900), totalTax)
	assert.Equal(t, int64(9900), totalAmount)

	_, err = eng.Create(ctx, creditnote.CreateInput{
		InvoiceID:  "inv_1",
		Reason:     types.CreditNoteReasonOrderChange,
		CreditType: types.CreditTypeRefund,
		Lines: []creditnote.LineRequest{
			{LocalID: "line_0"},
		},
	})
	require.Error(t, err)
}

// TestCreate_PartialCreditSplitsProportionally covers a partial credit
// of 1500 cents out of a 4000-cent line whose taxable/tax amounts
// (3600/360) are themselves shares of that 4000 subtotal: the credited
// taxable and tax portions carry the same ratio against the requested
// 1500, i.e. 1350 and 135, not against the line's own taxable/tax
// split.
func TestCreate_PartialCreditSplitsProportionally(t *testing.T) {
	st := store.NewInMemory()
	seedInvoice(st)
	eng := newCreditNoteEngine(t, st)
	ctx := context.Background()

	amount := int64(1500)
	cn, err := eng.Create(ctx, creditnote.CreateInput{
		InvoiceID:  "inv_1",
		Reason:     types.CreditNoteReasonProductUnsatisfactory,
		CreditType: types.CreditTypeCreditToBalance,
		Lines: []creditnote.LineRequest{
			{LocalID: "line_3", Amount: &amount},
		},
	})
	require.NoError(t, err)
	require.Len(t, cn.LineItems, 1)

	line := cn.LineItems[0]
	assert.Equal(t, int64(-1500), line.Subtotal)
	assert.Equal(t, int64(-1350), line.TaxableAmount)
	assert.Equal(t, int64(-135), line.TaxAmount)
	assert.Equal(t, int64(-1500), cn.Subtotal)
	assert.Equal(t, int64(-1485), cn.Total)
	assert.Equal(t, int64(1485), cn.CreditedAmountCents)
	assert.Equal(t, int64(0), cn.RefundedAmountCents)

	require.NotNil(t, line.Quantity)
	require.NotNil(t, line.UnitPrice)
	assert.True(t, line.Quantity.Equal(decimal.NewFromInt(1)))
	assert.True(t, line.UnitPrice.Equal(decimal.NewFromInt(-15)))

	second, err := eng.Create(ctx, creditnote.CreateInput{
		InvoiceID:  "inv_1",
		Reason:     types.CreditNoteReasonProductUnsatisfactory,
		CreditType: types.CreditTypeCreditToBalance,
		Lines: []creditnote.LineRequest{
			{LocalID: "line_3"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-2500), second.Subtotal)
}

// TestCreate_RefundCapsAtAppliedCredits covers step 5's apportionment:
// a Refund never restores more balance than the invoice actually drew
// from it, with the remainder dispatched as cash refund.
func TestCreate_RefundCapsAtAppliedCredits(t *testing.T) {
	st := store.NewInMemory()
	inv := seedInvoice(st)
	inv.AppliedCredits = 2000
	st.PutInvoice(&inv)
	eng := newCreditNoteEngine(t, st)
	ctx := context.Background()

	cn, err := eng.Create(ctx, creditnote.CreateInput{
		InvoiceID:  "inv_1",
		Reason:     types.CreditNoteReasonOrderChange,
		CreditType: types.CreditTypeRefund,
		Lines: []creditnote.LineRequest{
			{LocalID: "line_3"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-3960), cn.Total)
	assert.Equal(t, int64(2000), cn.CreditedAmountCents)
	assert.Equal(t, int64(1960), cn.RefundedAmountCents)
}

// TestCreate_RejectsDuplicateLocalID covers step 2's uniqueness check.
func TestCreate_RejectsDuplicateLocalID(t *testing.T) {
	st := store.NewInMemory()
	seedInvoice(st)
	eng := newCreditNoteEngine(t, st)

	_, err := eng.Create(context.Background(), creditnote.CreateInput{
		InvoiceID:  "inv_1",
		Reason:     types.CreditNoteReasonOrderChange,
		CreditType: types.CreditTypeRefund,
		Lines: []creditnote.LineRequest{
			{LocalID: "line_0"},
			{LocalID: "line_0"},
		},
	})
	require.Error(t, err)
}

// TestFinalize_RequiresDraft covers Finalize's guard against
// re-finalizing or finalizing an unknown credit note.
func TestFinalize_RequiresDraft(t *testing.T) {
	st := store.NewInMemory()
	seedInvoice(st)
	eng := newCreditNoteEngine(t, st)
	ctx := context.Background()

	cn, err := eng.Create(ctx, creditnote.CreateInput{
		InvoiceID:  "inv_1",
		Reason:     types.CreditNoteReasonOrderChange,
		CreditType: types.CreditTypeRefund,
		Lines: []creditnote.LineRequest{
			{LocalID: "line_0"},
		},
	})
	require.NoError(t, err)

	finalized, err := eng.Finalize(ctx, cn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CreditNoteStatusFinalized, finalized.Status)

	_, err = eng.Finalize(ctx, cn.ID)
	require.Error(t, err)
}

// TestFinalize_CreditsCustomerBalance covers step 6: a Finalized credit
// note's CreditedAmountCents is added to the customer's balance.
func TestFinalize_CreditsCustomerBalance(t *testing.T) {
	st := store.NewInMemory()
	seedInvoice(st)
	eng := newCreditNoteEngine(t, st)
	ctx := context.Background()

	cn, err := eng.Create(ctx, creditnote.CreateInput{
		InvoiceID:  "inv_1",
		Reason:     types.CreditNoteReasonProductUnsatisfactory,
		CreditType: types.CreditTypeCreditToBalance,
		Lines: []creditnote.LineRequest{
			{LocalID: "line_0"},
		},
	})
	require.NoError(t, err)

	_, err = eng.Finalize(ctx, cn.ID)
	require.NoError(t, err)

	balance, err := st.AsStore().CustomerBalances.GetBalance(ctx, "cust_1")
	require.NoError(t, err)
	assert.Equal(t, cn.CreditedAmountCents, balance)
}

// TestCreate_GeneratesIdempotencyKeyWhenNotSupplied covers the
// generated-key fallback: a caller that supplies no IdempotencyKey
// still gets a non-empty one, and a caller that supplies its own gets
// it back verbatim.
func TestCreate_GeneratesIdempotencyKeyWhenNotSupplied(t *testing.T) {
	st := store.NewInMemory()
	seedInvoice(st)
	eng := newCreditNoteEngine(t, st)
	ctx := context.Background()

	generated, err := eng.Create(ctx, creditnote.CreateInput{
		InvoiceID:  "inv_1",
		Reason:     types.CreditNoteReasonOrderChange,
		CreditType: types.CreditTypeRefund,
		Lines:      []creditnote.LineRequest{{LocalID: "line_0"}},
	})
	require.NoError(t, err)
	require.NotNil(t, generated.IdempotencyKey)
	assert.NotEmpty(t, *generated.IdempotencyKey)

	supplied, err := eng.Create(ctx, creditnote.CreateInput{
		InvoiceID:      "inv_1",
		Reason:         types.CreditNoteReasonOrderChange,
		CreditType:     types.CreditTypeRefund,
		Lines:          []creditnote.LineRequest{{LocalID: "line_1"}},
		IdempotencyKey: "client-supplied-key-1",
	})
	require.NoError(t, err)
	require.NotNil(t, supplied.IdempotencyKey)
	assert.Equal(t, "client-supplied-key-1", *supplied.IdempotencyKey)
}
