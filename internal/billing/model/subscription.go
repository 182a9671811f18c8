package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// Subscription is the owning aggregate for billing: it fixes the
// currency, cadence and anchor day that C1/C7 compute periods and
// invoices against (spec §3).
type Subscription struct {
	ID                 string                    `db:"id" json:"id"`
	TenantID           string                    `db:"tenant_id" json:"tenant_id"`
	CustomerID         string                    `db:"customer_id" json:"customer_id"`
	PlanVersionID      string                    `db:"plan_version_id" json:"plan_version_id"`
	Currency           string                    `db:"currency" json:"currency"`
	BillingStartDate   time.Time                 `db:"billing_start_date" json:"billing_start_date"`
	BillingEndDate     *time.Time                `db:"billing_end_date" json:"billing_end_date,omitempty"`
	BillingDayAnchor   int                       `db:"billing_day_anchor" json:"billing_day_anchor"`
	Period             types.BillingPeriod       `db:"period" json:"period"`
	Status             types.SubscriptionStatus  `db:"status" json:"status"`
	CurrentPeriodStart time.Time                 `db:"current_period_start" json:"current_period_start"`
	CurrentPeriodEnd   time.Time                 `db:"current_period_end" json:"current_period_end"`
	CycleIndex         uint32                    `db:"cycle_index" json:"cycle_index"`
	MrrCents           int64                     `db:"mrr_cents" json:"mrr_cents"`
	AppliedCoupons     []AppliedCoupon           `db:"-" json:"applied_coupons,omitempty"`
	TrialDuration      *int                      `db:"trial_duration_days" json:"trial_duration_days,omitempty"`
	CustomerBalanceCents int64                   `db:"-" json:"-"`

	types.BaseModel
}

// IsFirstCycle reports whether this is the subscription's opening cycle,
// the only cycle in which OneTime fees bill and partial-period proration
// can apply.
func (s *Subscription) IsFirstCycle() bool { return s.CycleIndex == 0 }

// SubscriptionComponent is one priced element of a subscription. Fee is
// mutated only by structural events (plan change, override) — never by
// slot transactions, which are append-only deltas read separately (C8).
type SubscriptionComponent struct {
	ID               string                             `db:"id" json:"id"`
	SubscriptionID   string                             `db:"subscription_id" json:"subscription_id"`
	PriceComponentID *string                            `db:"price_component_id" json:"price_component_id,omitempty"`
	ProductID        *string                            `db:"product_id" json:"product_id,omitempty"`
	Name             string                             `db:"name" json:"name"`
	Period           types.SubscriptionFeeBillingPeriod `db:"period" json:"period"`
	Fee              SubscriptionFee                    `db:"fee" json:"fee"`
	IsAddOn          bool                               `db:"is_add_on" json:"is_add_on"`

	types.BaseModel
}

// ComponentPeriods is what C1 returns for one (component, invoice_date)
// pair: the advance window it bills forward for, the arrear window it
// bills backward for, and the proration factor if the advance window is
// a partial first cycle.
type ComponentPeriods struct {
	Applicable      bool
	Advance         *Period
	Arrear          *Period
	ProrationFactor *decimal.Decimal
}

// Period is a half-open date interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls in [p.Start, p.End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Coupon is a discount definition, independent of any one application.
type Coupon struct {
	ID              string               `db:"id" json:"id"`
	Code            string               `db:"code" json:"code"`
	ValueType       types.CouponValueType `db:"value_type" json:"value_type"`
	PercentageValue *decimal.Decimal     `db:"percentage_value" json:"percentage_value,omitempty"`
	FixedValue      *decimal.Decimal     `db:"fixed_value" json:"fixed_value,omitempty"`
	FixedCurrency   *string              `db:"fixed_currency" json:"fixed_currency,omitempty"`
	RecurringValue  *int                 `db:"recurring_value" json:"recurring_value,omitempty"`

	types.BaseModel
}

// AppliedCoupon tracks how many of Coupon.RecurringValue invoices remain
// for one subscription.
type AppliedCoupon struct {
	ID            string `db:"id" json:"id"`
	CouponID      string `db:"coupon_id" json:"coupon_id"`
	SubscriptionID string `db:"subscription_id" json:"subscription_id"`
	UsesRemaining *int   `db:"uses_remaining" json:"uses_remaining,omitempty"`

	types.BaseModel
}
