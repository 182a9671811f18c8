package lineitem

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/usage"
)

type fakeMetricResolver struct {
	metrics map[string]usage.Metric
}

func (f *fakeMetricResolver) ResolveMetric(_ context.Context, _, metricID string) (usage.Metric, error) {
	return f.metrics[metricID], nil
}

type fakeSlotReader struct {
	counts map[string]int64
}

func (f *fakeSlotReader) ActiveCountAt(_ context.Context, componentID string, _ time.Time) (int64, error) {
	return f.counts[componentID], nil
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// TestComputeCapacity_E2 validates spec §8's E2 scenario: a capacity
// component with rate=$12/included=100/overage=$0.05, invoiced at
// 2024-02-01 against 149 units of arrear usage.
func TestComputeCapacity_E2(t *testing.T) {
	component := model.SubscriptionComponent{
		ID:   "comp1",
		Name: "Seats",
		Fee: model.NewCapacityFee(model.CapacityFee{
			MetricID:    "m1",
			Rate:        decimal.NewFromInt(12),
			Included:    100,
			OverageRate: decimal.NewFromFloat(0.05),
		}),
	}
	periods := model.ComponentPeriods{
		Applicable: true,
		Advance:    &model.Period{Start: date("2024-02-01"), End: date("2024-03-01")},
		Arrear:     &model.Period{Start: date("2024-01-01"), End: date("2024-02-01")},
	}

	usageClient := usage.NewInMemoryClient()
	usageClient.Seed("m1", []usage.GroupedUsageData{{Value: decimal.NewFromInt(149)}})
	metrics := &fakeMetricResolver{metrics: map[string]usage.Metric{"m1": {ID: "m1"}}}

	computer := NewComputer(usageClient, &fakeSlotReader{}, metrics, nil)
	sub := SubscriptionDetails{TenantID: "t1", CustomerID: "cust1", Currency: "USD"}

	lines, err := computer.ComputeComponent(context.Background(), sub, component, periods, date("2024-02-01"), nil)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	assert.Equal(t, int64(1200), lines[0].AmountSubtotal)
	assert.Equal(t, int64(245), lines[1].AmountSubtotal)
	assert.True(t, lines[1].Quantity.Equal(decimal.NewFromInt(49)))
	assert.Equal(t, int64(1445), lines[0].AmountSubtotal+lines[1].AmountSubtotal)
}

func TestComputeCapacity_NoOverageBelowIncluded(t *testing.T) {
	component := model.SubscriptionComponent{
		ID:   "comp1",
		Name: "Seats",
		Fee: model.NewCapacityFee(model.CapacityFee{
			MetricID:    "m1",
			Rate:        decimal.NewFromInt(12),
			Included:    100,
			OverageRate: decimal.NewFromFloat(0.05),
		}),
	}
	periods := model.ComponentPeriods{
		Applicable: true,
		Advance:    &model.Period{Start: date("2024-02-01"), End: date("2024-03-01")},
		Arrear:     &model.Period{Start: date("2024-01-01"), End: date("2024-02-01")},
	}
	usageClient := usage.NewInMemoryClient()
	usageClient.Seed("m1", []usage.GroupedUsageData{{Value: decimal.NewFromInt(50)}})
	metrics := &fakeMetricResolver{metrics: map[string]usage.Metric{"m1": {ID: "m1"}}}

	computer := NewComputer(usageClient, &fakeSlotReader{}, metrics, nil)
	sub := SubscriptionDetails{TenantID: "t1", CustomerID: "cust1", Currency: "USD"}

	lines, err := computer.ComputeComponent(context.Background(), sub, component, periods, date("2024-02-01"), nil)
	require.NoError(t, err)
	require.Len(t, lines, 1)
}

func TestComputeRate_Prorated(t *testing.T) {
	component := model.SubscriptionComponent{
		ID:   "comp1",
		Name: "Platform fee",
		Fee:  model.NewRateFee(model.RateFee{Rate: decimal.NewFromInt(3500)}),
	}
	factor := decimal.NewFromInt(22).Div(decimal.NewFromInt(31))
	periods := model.ComponentPeriods{
		Applicable:      true,
		Advance:         &model.Period{Start: date("2024-01-10"), End: date("2024-02-01")},
		ProrationFactor: &factor,
	}
	computer := NewComputer(usage.NewInMemoryClient(), &fakeSlotReader{}, &fakeMetricResolver{}, nil)
	sub := SubscriptionDetails{Currency: "USD"}

	lines, err := computer.ComputeComponent(context.Background(), sub, component, periods, date("2024-01-10"), nil)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(248400), lines[0].AmountSubtotal)
}

func TestComputeSlot_ClampsToMinMax(t *testing.T) {
	min := int64(5)
	max := int64(10)
	component := model.SubscriptionComponent{
		ID:   "comp1",
		Name: "Seats",
		Fee: model.NewSlotFee(model.SlotFee{
			Unit: "seat", UnitRate: decimal.NewFromInt(10), MinSlots: &min, MaxSlots: &max,
		}),
	}
	periods := model.ComponentPeriods{
		Applicable: true,
		Advance:    &model.Period{Start: date("2024-02-01"), End: date("2024-03-01")},
	}
	computer := NewComputer(usage.NewInMemoryClient(), &fakeSlotReader{counts: map[string]int64{"comp1": 25}}, &fakeMetricResolver{}, nil)
	sub := SubscriptionDetails{Currency: "USD"}

	lines, err := computer.ComputeComponent(context.Background(), sub, component, periods, date("2024-02-01"), nil)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, lines[0].Quantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int64(10000), lines[0].AmountSubtotal)
}

func TestComputeUsage_TieredStacking(t *testing.T) {
	component := model.SubscriptionComponent{
		ID:   "comp1",
		Name: "API calls",
		Fee: model.NewUsageFee(model.UsageFee{
			MetricID: "calls",
			Model: model.UsagePricingModel{
				Kind: model.UsageModelTiered,
				Tiered: &model.TieredModel{
					Tiers: []model.Tier{
						{UpTo: decimalPtr(decimal.NewFromInt(1000)), Rate: decimal.NewFromFloat(0.10)},
						{UpTo: nil, Rate: decimal.NewFromFloat(0.05)},
					},
				},
			},
		}),
	}
	periods := model.ComponentPeriods{
		Applicable: true,
		Arrear:     &model.Period{Start: date("2024-01-01"), End: date("2024-02-01")},
	}
	usageClient := usage.NewInMemoryClient()
	usageClient.Seed("calls", []usage.GroupedUsageData{{Value: decimal.NewFromInt(1500)}})
	metrics := &fakeMetricResolver{metrics: map[string]usage.Metric{"calls": {ID: "calls"}}}

	computer := NewComputer(usageClient, &fakeSlotReader{}, metrics, nil)
	sub := SubscriptionDetails{Currency: "USD"}

	lines, err := computer.ComputeComponent(context.Background(), sub, component, periods, date("2024-02-01"), nil)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Len(t, lines[0].SubLines, 2)
	// 1000 * 0.10 + 500 * 0.05 = 100 + 25 = 125.00 -> 12500 cents
	assert.Equal(t, int64(12500), lines[0].AmountSubtotal)
}

func TestComputeComponent_RefreshReusesLocalID(t *testing.T) {
	component := model.SubscriptionComponent{
		ID:   "comp1",
		Name: "Platform fee",
		Fee:  model.NewRateFee(model.RateFee{Rate: decimal.NewFromInt(100)}),
	}
	periods := model.ComponentPeriods{
		Applicable: true,
		Advance:    &model.Period{Start: date("2024-02-01"), End: date("2024-03-01")},
	}
	computer := NewComputer(usage.NewInMemoryClient(), &fakeSlotReader{}, &fakeMetricResolver{}, nil)
	sub := SubscriptionDetails{Currency: "USD"}

	key := existingLineKey("comp1", nil, nil)
	existing := map[ExistingLineKey]model.LineItem{key: {LocalID: "invline_fixed"}}

	lines, err := computer.ComputeComponent(context.Background(), sub, component, periods, date("2024-02-01"), existing)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "invline_fixed", lines[0].LocalID)
}

func TestComputeComponent_NotApplicableReturnsNoLines(t *testing.T) {
	component := model.SubscriptionComponent{
		ID:   "comp1",
		Name: "Annual add-on",
		Fee:  model.NewRateFee(model.RateFee{Rate: decimal.NewFromInt(100)}),
	}
	periods := model.ComponentPeriods{Applicable: false}
	computer := NewComputer(usage.NewInMemoryClient(), &fakeSlotReader{}, &fakeMetricResolver{}, nil)
	sub := SubscriptionDetails{Currency: "USD"}

	lines, err := computer.ComputeComponent(context.Background(), sub, component, periods, date("2024-02-01"), nil)
	require.NoError(t, err)
	assert.Nil(t, lines)
}
