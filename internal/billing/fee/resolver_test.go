package fee

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

func TestResolve_RateSingleCandidate(t *testing.T) {
	structure := model.FeeStructure{Kind: model.FeeKindRate}
	pricings := []model.PeriodPricing{
		{Period: types.ComponentPeriodMonthly, Pricing: model.Pricing{Kind: model.FeeKindRate, Rate: &model.RatePricing{Rate: decimal.NewFromInt(35)}}},
	}
	period, f, err := Resolve(structure, pricings, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ComponentPeriodMonthly, period)
	assert.Equal(t, model.FeeKindRate, f.Kind)
	assert.True(t, f.Rate.Rate.Equal(decimal.NewFromInt(35)))
}

func TestResolve_VariantMismatch(t *testing.T) {
	structure := model.FeeStructure{Kind: model.FeeKindSlot}
	pricings := []model.PeriodPricing{
		{Period: types.ComponentPeriodMonthly, Pricing: model.Pricing{Kind: model.FeeKindRate, Rate: &model.RatePricing{Rate: decimal.NewFromInt(35)}}},
	}
	_, _, err := Resolve(structure, pricings, nil)
	require.Error(t, err)
}

func TestResolve_SlotInitialSlotsFallsBackToMin(t *testing.T) {
	min := int64(3)
	structure := model.FeeStructure{Kind: model.FeeKindSlot}
	pricings := []model.PeriodPricing{
		{Period: types.ComponentPeriodMonthly, Pricing: model.Pricing{Kind: model.FeeKindSlot, Slot: &model.SlotPricing{
			Unit: "seat", UnitRate: decimal.NewFromInt(10), MinSlots: &min,
		}}},
	}
	_, f, err := Resolve(structure, pricings, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.Slot.InitialSlots)
}

func TestResolve_CapacityAmbiguousWithoutParams(t *testing.T) {
	structure := model.FeeStructure{Kind: model.FeeKindCapacity}
	pricings := []model.PeriodPricing{
		{Period: types.ComponentPeriodMonthly, Pricing: model.Pricing{Kind: model.FeeKindCapacity, Capacity: &model.CapacityPricing{
			MetricID: "m1",
			Thresholds: []model.CapacityThreshold{
				{Included: 100, Rate: decimal.NewFromInt(12), OverageRate: decimal.NewFromFloat(0.05)},
				{Included: 200, Rate: decimal.NewFromInt(20), OverageRate: decimal.NewFromFloat(0.04)},
			},
		}}},
	}
	_, _, err := Resolve(structure, pricings, nil)
	require.Error(t, err)

	committed := uint64(200)
	_, f, err := Resolve(structure, pricings, &model.ComponentParameters{CommittedCapacity: &committed})
	require.NoError(t, err)
	assert.Equal(t, uint64(200), f.Capacity.Included)
}

func TestResolve_RateAmbiguousBillingPeriod(t *testing.T) {
	structure := model.FeeStructure{Kind: model.FeeKindRate}
	pricings := []model.PeriodPricing{
		{Period: types.ComponentPeriodMonthly, Pricing: model.Pricing{Kind: model.FeeKindRate, Rate: &model.RatePricing{Rate: decimal.NewFromInt(35)}}},
		{Period: types.ComponentPeriodAnnual, Pricing: model.Pricing{Kind: model.FeeKindRate, Rate: &model.RatePricing{Rate: decimal.NewFromInt(350)}}},
	}
	_, _, err := Resolve(structure, pricings, nil)
	require.Error(t, err)

	annual := types.ComponentPeriodAnnual
	period, f, err := Resolve(structure, pricings, &model.ComponentParameters{BillingPeriod: &annual})
	require.NoError(t, err)
	assert.Equal(t, types.ComponentPeriodAnnual, period)
	assert.True(t, f.Rate.Rate.Equal(decimal.NewFromInt(350)))
}
