package invoice

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/lineitem"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/usage"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

type fakeMetricResolver struct{}

func (fakeMetricResolver) ResolveMetric(_ context.Context, _, metricID string) (usage.Metric, error) {
	return usage.Metric{ID: metricID}, nil
}

type fakeSlotReader struct{}

func (fakeSlotReader) ActiveCountAt(context.Context, string, time.Time) (int64, error) { return 0, nil }

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// TestComputeInvoice_E1 validates spec §8's E1 end-to-end scenario: a
// single Rate component, prorated first cycle, no tax, no coupon.
func TestComputeInvoice_E1(t *testing.T) {
	computer := lineitem.NewComputer(usage.NewInMemoryClient(), fakeSlotReader{}, fakeMetricResolver{}, nil)
	assembler := NewAssembler(computer, nil)

	sub := model.Subscription{
		ID:               "sub1",
		TenantID:         "t1",
		CustomerID:       "cust1",
		Currency:         "USD",
		BillingStartDate: mustDate("2024-01-10"),
		BillingDayAnchor: 1,
		Period:           types.BillingPeriodMonthly,
		CycleIndex:       0,
	}
	components := []model.SubscriptionComponent{{
		ID:     "comp1",
		Name:   "Platform fee",
		Period: types.ComponentPeriodMonthly,
		Fee:    model.NewRateFee(model.RateFee{Rate: decimal.NewFromInt(3500)}),
	}}

	result, err := assembler.ComputeInvoice(context.Background(), Input{
		InvoiceDate: mustDate("2024-01-10"),
		Subscription: sub,
		Components:  components,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(248400), result.Content.Subtotal)
	assert.Equal(t, int64(0), result.Content.TaxAmount)
	assert.Equal(t, int64(248400), result.Content.Total)
	assert.Equal(t, int64(248400), result.Content.AmountDue)
	require.Len(t, result.Content.LineItems, 1)
	assert.Equal(t, mustDate("2024-01-10"), result.Content.LineItems[0].StartDate)
	assert.Equal(t, mustDate("2024-02-01"), result.Content.LineItems[0].EndDate)
}

func TestComputeInvoice_RefreshShortCircuitsWithoutUsageLines(t *testing.T) {
	computer := lineitem.NewComputer(usage.NewInMemoryClient(), fakeSlotReader{}, fakeMetricResolver{}, nil)
	assembler := NewAssembler(computer, nil)

	existing := &model.Invoice{
		Subtotal: 5000,
		Total:    5000,
		LineItems: []model.LineItem{
			{LocalID: "l1", AmountSubtotal: 5000, TaxableAmount: 5000, AmountTotal: 5000},
		},
	}

	result, err := assembler.ComputeInvoice(context.Background(), Input{
		InvoiceDate:     mustDate("2024-02-01"),
		Subscription:    model.Subscription{Currency: "USD"},
		ExistingInvoice: existing,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.Content.Subtotal)
	assert.Equal(t, existing.LineItems, result.Content.LineItems)
}

func TestComputeInvoice_AppliedCreditsCappedAtBalance(t *testing.T) {
	computer := lineitem.NewComputer(usage.NewInMemoryClient(), fakeSlotReader{}, fakeMetricResolver{}, nil)
	assembler := NewAssembler(computer, nil)

	sub := model.Subscription{
		Currency:         "USD",
		BillingStartDate: mustDate("2024-01-01"),
		BillingDayAnchor: 1,
		Period:           types.BillingPeriodMonthly,
		CycleIndex:       1,
	}
	components := []model.SubscriptionComponent{{
		ID:     "comp1",
		Name:   "Platform fee",
		Period: types.ComponentPeriodMonthly,
		Fee:    model.NewRateFee(model.RateFee{Rate: decimal.NewFromInt(100)}),
	}}

	result, err := assembler.ComputeInvoice(context.Background(), Input{
		InvoiceDate:          mustDate("2024-02-01"),
		Subscription:         sub,
		Components:           components,
		CustomerBalanceCents: 5000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), result.Content.Total)
	assert.Equal(t, int64(5000), result.Content.AppliedCredits)
	assert.Equal(t, int64(5000), result.Content.AmountDue)
}
