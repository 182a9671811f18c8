package model

import (
	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// FeeStructure is the structural half of a product's pricing config:
// which shape of fee this is, independent of any currency/amount. C2
// pairs a FeeStructure with a Pricing of the same Kind to produce a
// concrete, per-subscription SubscriptionFee (spec §4.2, §GLOSSARY).
type FeeStructure struct {
	Kind FeeKind `json:"type"`
}

// Pricing is the monetary half: the actual rates/thresholds for one
// billing cadence. A product can carry several Pricings (one per term)
// which ComponentParameters disambiguates among.
type Pricing struct {
	Kind      FeeKind           `json:"type"`
	Rate      *RatePricing      `json:"rate,omitempty"`
	OneTime   *OneTimePricing   `json:"one_time,omitempty"`
	Recurring *RecurringPricing `json:"recurring,omitempty"`
	Slot      *SlotPricing      `json:"slot,omitempty"`
	Capacity  *CapacityPricing  `json:"capacity,omitempty"`
	Usage     *UsagePricing     `json:"usage,omitempty"`
}

type RatePricing struct {
	Rate decimal.Decimal `json:"rate"`
}

type OneTimePricing struct {
	Rate     decimal.Decimal `json:"rate"`
	Quantity decimal.Decimal `json:"quantity"`
}

type RecurringPricing struct {
	Rate        decimal.Decimal   `json:"rate"`
	Quantity    decimal.Decimal   `json:"quantity"`
	BillingType types.BillingType `json:"billing_type"`
}

type SlotPricing struct {
	Unit     string          `json:"unit"`
	UnitRate decimal.Decimal `json:"unit_rate"`
	MinSlots *int64          `json:"min_slots,omitempty"`
	MaxSlots *int64          `json:"max_slots,omitempty"`
}

// CapacityThreshold is one committed-capacity tier a Capacity price can
// offer; ComponentParameters.CommittedCapacity selects among them.
type CapacityThreshold struct {
	Included    uint64          `json:"included"`
	Rate        decimal.Decimal `json:"rate"`
	OverageRate decimal.Decimal `json:"overage_rate"`
}

type CapacityPricing struct {
	MetricID   string              `json:"metric_id"`
	Thresholds []CapacityThreshold `json:"thresholds"`
}

type UsagePricing struct {
	MetricID string            `json:"metric_id"`
	Model    UsagePricingModel `json:"model"`
}

// PeriodPricing pairs one Pricing with the cadence it applies to; a
// product may declare several (e.g. monthly and annual variants of the
// same Rate fee) and ComponentParameters.BillingPeriod disambiguates.
type PeriodPricing struct {
	Period  types.SubscriptionFeeBillingPeriod `json:"period"`
	Pricing Pricing                            `json:"pricing"`
}

// ComponentParameters are the optional, per-subscription overrides a
// caller supplies when attaching a component to a subscription: which of
// several ambiguous Pricings to use, and which Slot/Capacity variant to
// seed.
type ComponentParameters struct {
	InitialSlotCount   *int64                              `json:"initial_slot_count,omitempty"`
	CommittedCapacity  *uint64                              `json:"committed_capacity,omitempty"`
	BillingPeriod      *types.SubscriptionFeeBillingPeriod `json:"billing_period,omitempty"`
}
