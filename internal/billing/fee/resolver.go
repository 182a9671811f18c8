// Package fee implements C2, the Fee Resolver: pairing a product's
// structural FeeStructure with a price's monetary Pricing (plus optional
// per-subscription ComponentParameters) to produce a concrete
// SubscriptionFee. Spec §4.2.
package fee

import (
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// Resolve implements C2's contract: given a FeeStructure, the candidate
// Pricings (one per cadence) and optional ComponentParameters, produce
// the (period, SubscriptionFee) pair to attach to a subscription
// component.
func Resolve(structure model.FeeStructure, pricings []model.PeriodPricing, params *model.ComponentParameters) (types.SubscriptionFeeBillingPeriod, model.SubscriptionFee, error) {
	if len(pricings) == 0 {
		return "", model.SubscriptionFee{}, ierr.NewError("no pricing available").
			WithHintf("structure kind %s has no candidate pricing", structure.Kind).
			Mark(ierr.ErrInvalidArgument)
	}

	selected, err := selectPricing(structure, pricings, params)
	if err != nil {
		return "", model.SubscriptionFee{}, err
	}

	if selected.Pricing.Kind != structure.Kind {
		return "", model.SubscriptionFee{}, ierr.NewError("fee structure/pricing variant mismatch").
			WithHintf("structure=%s pricing=%s", structure.Kind, selected.Pricing.Kind).
			Mark(ierr.ErrInvalidArgument)
	}

	fee, err := buildFee(selected.Pricing, params)
	if err != nil {
		return "", model.SubscriptionFee{}, err
	}
	return selected.Period, fee, nil
}

// selectPricing disambiguates among several candidate cadences/thresholds
// using ComponentParameters, falling back to the single candidate when
// there is no ambiguity.
func selectPricing(structure model.FeeStructure, pricings []model.PeriodPricing, params *model.ComponentParameters) (model.PeriodPricing, error) {
	if len(pricings) == 1 {
		return pricings[0], nil
	}

	if params == nil || params.BillingPeriod == nil {
		return model.PeriodPricing{}, ierr.NewError("ambiguous billing period").
			WithHintf("structure %s has %d candidate pricings; billing_period parameter required", structure.Kind, len(pricings)).
			Mark(ierr.ErrInvalidArgument)
	}
	for _, p := range pricings {
		if p.Period == *params.BillingPeriod {
			return p, nil
		}
	}
	return model.PeriodPricing{}, ierr.NewError("no pricing for requested billing period").
		WithHintf("requested=%s", *params.BillingPeriod).
		Mark(ierr.ErrInvalidArgument)
}

func buildFee(pricing model.Pricing, params *model.ComponentParameters) (model.SubscriptionFee, error) {
	switch pricing.Kind {
	case model.FeeKindRate:
		if pricing.Rate == nil {
			return model.SubscriptionFee{}, mismatchErr(pricing.Kind)
		}
		return model.NewRateFee(model.RateFee{Rate: pricing.Rate.Rate}), nil

	case model.FeeKindOneTime:
		if pricing.OneTime == nil {
			return model.SubscriptionFee{}, mismatchErr(pricing.Kind)
		}
		return model.NewOneTimeFee(model.OneTimeFee{
			Rate:     pricing.OneTime.Rate,
			Quantity: pricing.OneTime.Quantity,
		}), nil

	case model.FeeKindRecurring:
		if pricing.Recurring == nil {
			return model.SubscriptionFee{}, mismatchErr(pricing.Kind)
		}
		return model.NewRecurringFee(model.RecurringFee{
			Rate:        pricing.Recurring.Rate,
			Quantity:    pricing.Recurring.Quantity,
			BillingType: pricing.Recurring.BillingType,
		}), nil

	case model.FeeKindSlot:
		if pricing.Slot == nil {
			return model.SubscriptionFee{}, mismatchErr(pricing.Kind)
		}
		initial := int64(0)
		if params != nil && params.InitialSlotCount != nil {
			initial = *params.InitialSlotCount
		} else if pricing.Slot.MinSlots != nil {
			initial = *pricing.Slot.MinSlots
		}
		return model.NewSlotFee(model.SlotFee{
			Unit:         pricing.Slot.Unit,
			UnitRate:     pricing.Slot.UnitRate,
			MinSlots:     pricing.Slot.MinSlots,
			MaxSlots:     pricing.Slot.MaxSlots,
			InitialSlots: initial,
		}), nil

	case model.FeeKindCapacity:
		if pricing.Capacity == nil {
			return model.SubscriptionFee{}, mismatchErr(pricing.Kind)
		}
		threshold, err := selectCapacityThreshold(pricing.Capacity.Thresholds, params)
		if err != nil {
			return model.SubscriptionFee{}, err
		}
		return model.NewCapacityFee(model.CapacityFee{
			MetricID:    pricing.Capacity.MetricID,
			Rate:        threshold.Rate,
			Included:    threshold.Included,
			OverageRate: threshold.OverageRate,
		}), nil

	case model.FeeKindUsage:
		if pricing.Usage == nil {
			return model.SubscriptionFee{}, mismatchErr(pricing.Kind)
		}
		return model.NewUsageFee(model.UsageFee{
			MetricID: pricing.Usage.MetricID,
			Model:    pricing.Usage.Model,
		}), nil

	default:
		return model.SubscriptionFee{}, ierr.NewError("unknown fee structure kind").
			WithHintf("kind=%s", pricing.Kind).
			Mark(ierr.ErrInvalidArgument)
	}
}

func selectCapacityThreshold(thresholds []model.CapacityThreshold, params *model.ComponentParameters) (model.CapacityThreshold, error) {
	if len(thresholds) == 0 {
		return model.CapacityThreshold{}, ierr.NewError("no capacity thresholds configured").
			Mark(ierr.ErrInvalidArgument)
	}
	if len(thresholds) == 1 {
		return thresholds[0], nil
	}
	if params == nil || params.CommittedCapacity == nil {
		return model.CapacityThreshold{}, ierr.NewError("ambiguous committed capacity").
			WithHintf("%d thresholds available; committed_capacity parameter required", len(thresholds)).
			Mark(ierr.ErrInvalidArgument)
	}
	for _, th := range thresholds {
		if th.Included == *params.CommittedCapacity {
			return th, nil
		}
	}
	return model.CapacityThreshold{}, ierr.NewError("no threshold matches committed capacity").
		WithHintf("requested=%d", *params.CommittedCapacity).
		Mark(ierr.ErrInvalidArgument)
}

func mismatchErr(kind model.FeeKind) error {
	return ierr.NewError("pricing payload does not match declared kind").
		WithHintf("kind=%s", kind).
		Mark(ierr.ErrInvalidArgument)
}
