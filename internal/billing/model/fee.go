package model

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// FeeKind discriminates the SubscriptionFee tagged union (spec §3,
// §9 Design Notes: "must use a closed tagged union at the type-system
// level"). The JSON wire form carries this as the "type" field so
// historical rows keep their original discriminator.
type FeeKind string

const (
	FeeKindRate      FeeKind = "rate"
	FeeKindOneTime   FeeKind = "one_time"
	FeeKindRecurring FeeKind = "recurring"
	FeeKindSlot      FeeKind = "slot"
	FeeKindCapacity  FeeKind = "capacity"
	FeeKindUsage     FeeKind = "usage"
)

// RateFee is a flat recurring rate with no quantity.
type RateFee struct {
	Rate decimal.Decimal `json:"rate"`
}

// OneTimeFee bills rate*quantity exactly once, on cycle_index == 0.
type OneTimeFee struct {
	Rate     decimal.Decimal `json:"rate"`
	Quantity decimal.Decimal `json:"quantity"`
}

// RecurringFee bills rate*quantity every cycle, in advance or arrears.
type RecurringFee struct {
	Rate        decimal.Decimal    `json:"rate"`
	Quantity    decimal.Decimal    `json:"quantity"`
	BillingType types.BillingType  `json:"billing_type"`
}

// SlotFee bills a per-unit rate times the active slot count, derived at
// invoice time from SlotTransaction rows (C8), never from InitialSlots
// after creation.
type SlotFee struct {
	Unit         string          `json:"unit"`
	UnitRate     decimal.Decimal `json:"unit_rate"`
	MinSlots     *int64          `json:"min_slots,omitempty"`
	MaxSlots     *int64          `json:"max_slots,omitempty"`
	InitialSlots int64           `json:"initial_slots"`
}

// CapacityFee bills a flat rate for an included volume plus an overage
// rate for usage beyond it.
type CapacityFee struct {
	MetricID     string          `json:"metric_id"`
	Rate         decimal.Decimal `json:"rate"`
	Included     uint64          `json:"included"`
	OverageRate  decimal.Decimal `json:"overage_rate"`
}

// UsagePricingModelKind discriminates UsagePricingModel.
type UsagePricingModelKind string

const (
	UsageModelPerUnit UsagePricingModelKind = "per_unit"
	UsageModelTiered  UsagePricingModelKind = "tiered"
	UsageModelVolume  UsagePricingModelKind = "volume"
	UsageModelPackage UsagePricingModelKind = "package"
	UsageModelMatrix  UsagePricingModelKind = "matrix"
)

// Tier is one priced band of a Tiered or Volume usage model. UpTo == nil
// means "to infinity" (the last tier).
type Tier struct {
	UpTo     *decimal.Decimal `json:"up_to,omitempty"`
	Rate     decimal.Decimal  `json:"rate"`
	FlatFee  decimal.Decimal  `json:"flat_fee"`
	FlatCap  *decimal.Decimal `json:"flat_cap,omitempty"`
}

// MatrixRow is one priced cell of a Matrix usage model, keyed by up to
// two metric dimensions.
type MatrixRow struct {
	Dimension1     types.KV        `json:"dimension1"`
	Dimension2     *types.KV       `json:"dimension2,omitempty"`
	PerUnitPrice   decimal.Decimal `json:"per_unit_price"`
}

// UsagePricingModel is the tagged union of pricing shapes for a Usage fee.
type UsagePricingModel struct {
	Kind      UsagePricingModelKind `json:"type"`
	PerUnit   *PerUnitModel         `json:"per_unit,omitempty"`
	Tiered    *TieredModel          `json:"tiered,omitempty"`
	Volume    *VolumeModel          `json:"volume,omitempty"`
	Package   *PackageModel         `json:"package,omitempty"`
	Matrix    *MatrixModel          `json:"matrix,omitempty"`
}

type PerUnitModel struct {
	Rate decimal.Decimal `json:"rate"`
}

type TieredModel struct {
	Tiers     []Tier           `json:"tiers"`
	BlockSize *decimal.Decimal `json:"block_size,omitempty"`
}

type VolumeModel struct {
	Tiers     []Tier           `json:"tiers"`
	BlockSize *decimal.Decimal `json:"block_size,omitempty"`
}

type PackageModel struct {
	BlockSize decimal.Decimal `json:"block_size"`
	Rate      decimal.Decimal `json:"rate"`
}

type MatrixModel struct {
	Rates []MatrixRow `json:"rates"`
}

// UsageFee routes arrears-period usage through a UsagePricingModel; it
// never bills an advance charge.
type UsageFee struct {
	MetricID string            `json:"metric_id"`
	Model    UsagePricingModel `json:"model"`
}

// SubscriptionFee is the closed tagged union described in spec §3. Only
// the field matching Kind is populated; all others are nil. Use NewXFee
// constructors instead of building this struct by hand.
type SubscriptionFee struct {
	Kind      FeeKind       `json:"type"`
	Rate      *RateFee      `json:"rate,omitempty"`
	OneTime   *OneTimeFee   `json:"one_time,omitempty"`
	Recurring *RecurringFee `json:"recurring,omitempty"`
	Slot      *SlotFee      `json:"slot,omitempty"`
	Capacity  *CapacityFee  `json:"capacity,omitempty"`
	Usage     *UsageFee     `json:"usage,omitempty"`
}

func NewRateFee(f RateFee) SubscriptionFee           { return SubscriptionFee{Kind: FeeKindRate, Rate: &f} }
func NewOneTimeFee(f OneTimeFee) SubscriptionFee     { return SubscriptionFee{Kind: FeeKindOneTime, OneTime: &f} }
func NewRecurringFee(f RecurringFee) SubscriptionFee { return SubscriptionFee{Kind: FeeKindRecurring, Recurring: &f} }
func NewSlotFee(f SlotFee) SubscriptionFee           { return SubscriptionFee{Kind: FeeKindSlot, Slot: &f} }
func NewCapacityFee(f CapacityFee) SubscriptionFee   { return SubscriptionFee{Kind: FeeKindCapacity, Capacity: &f} }
func NewUsageFee(f UsageFee) SubscriptionFee         { return SubscriptionFee{Kind: FeeKindUsage, Usage: &f} }

// Validate checks that exactly the field matching Kind is populated,
// catching malformed JSONB rows before they reach pricing logic.
func (f SubscriptionFee) Validate() error {
	set := 0
	for _, populated := range []bool{f.Rate != nil, f.OneTime != nil, f.Recurring != nil, f.Slot != nil, f.Capacity != nil, f.Usage != nil} {
		if populated {
			set++
		}
	}
	if set != 1 {
		return ierr.NewError("malformed subscription fee").
			WithHintf("expected exactly one fee variant populated for kind %s, got %d", f.Kind, set).
			Mark(ierr.ErrSerde)
	}
	switch f.Kind {
	case FeeKindRate:
		if f.Rate == nil {
			return feeKindMismatch(f.Kind)
		}
	case FeeKindOneTime:
		if f.OneTime == nil {
			return feeKindMismatch(f.Kind)
		}
	case FeeKindRecurring:
		if f.Recurring == nil {
			return feeKindMismatch(f.Kind)
		}
	case FeeKindSlot:
		if f.Slot == nil {
			return feeKindMismatch(f.Kind)
		}
	case FeeKindCapacity:
		if f.Capacity == nil {
			return feeKindMismatch(f.Kind)
		}
	case FeeKindUsage:
		if f.Usage == nil {
			return feeKindMismatch(f.Kind)
		}
	default:
		return ierr.NewError("unknown fee kind").WithHintf("kind=%s", f.Kind).Mark(ierr.ErrSerde)
	}
	return nil
}

func feeKindMismatch(kind FeeKind) error {
	return ierr.NewError("fee kind does not match populated variant").
		WithHintf("kind=%s", kind).
		Mark(ierr.ErrSerde)
}

// legacyFeeBlob is the pre-v2 on-disk shape: fee type lived in a
// generic "fee_type" envelope with pricing inlined rather than split
// into structure/pricing pairs. ExtractLegacyPricing below flattens it
// to the same (FeeStructure, []Pricing) shape the v2 resolver expects.
type legacyFeeBlob struct {
	FeeType string          `json:"fee_type"`
	Data    json.RawMessage `json:"data"`
}

// ExtractLegacyPricing flattens a legacy FeeType JSON blob into the
// (FeeStructure, [(period, Pricing)]) shape C2 resolves against, so
// historical rows written before the structure/pricing split still
// deserialize. currency appears only in the error hint; Decimal fields
// are decoded as plain JSON numbers or numeric strings.
func ExtractLegacyPricing(raw []byte, currency string) (FeeStructure, []PeriodPricing, error) {
	var blob legacyFeeBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return FeeStructure{}, nil, ierr.WithError(err).
			WithHintf("legacy fee blob is not valid JSON for currency %s", currency).
			Mark(ierr.ErrSerde)
	}

	switch blob.FeeType {
	case "slot":
		var legacy struct {
			Unit       string          `json:"unit"`
			UnitRate   decimal.Decimal `json:"unit_rate"`
			MinSlots   *int64          `json:"min_slots"`
			MaxSlots   *int64          `json:"max_slots"`
			MonthlyAmount decimal.Decimal `json:"monthly_amount"`
		}
		if err := json.Unmarshal(blob.Data, &legacy); err != nil {
			return FeeStructure{}, nil, ierr.WithError(err).Mark(ierr.ErrSerde)
		}
		structure := FeeStructure{Kind: FeeKindSlot}
		pricing := PeriodPricing{
			Period: types.ComponentPeriodMonthly,
			Pricing: Pricing{
				Kind: FeeKindSlot,
				Slot: &SlotPricing{UnitRate: legacy.UnitRate, MinSlots: legacy.MinSlots, MaxSlots: legacy.MaxSlots},
			},
		}
		return structure, []PeriodPricing{pricing}, nil
	case "rate":
		var legacy struct {
			Rate decimal.Decimal `json:"rate"`
		}
		if err := json.Unmarshal(blob.Data, &legacy); err != nil {
			return FeeStructure{}, nil, ierr.WithError(err).Mark(ierr.ErrSerde)
		}
		structure := FeeStructure{Kind: FeeKindRate}
		pricing := PeriodPricing{
			Period:  types.ComponentPeriodMonthly,
			Pricing: Pricing{Kind: FeeKindRate, Rate: &RatePricing{Rate: legacy.Rate}},
		}
		return structure, []PeriodPricing{pricing}, nil
	default:
		return FeeStructure{}, nil, ierr.NewError("unsupported legacy fee type").
			WithHintf("fee_type=%s", blob.FeeType).
			Mark(ierr.ErrSerde)
	}
}
