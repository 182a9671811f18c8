package types

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// GenerateID returns a k-sortable unique identifier.
func GenerateID() string {
	return ulid.Make().String()
}

// GenerateIDWithPrefix returns a k-sortable identifier prefixed with the
// entity kind, e.g. "inv_01ARZ3NDEKTSV4RRFFQ69G5FAV".
func GenerateIDWithPrefix(prefix string) string {
	if prefix == "" {
		return GenerateID()
	}
	return fmt.Sprintf("%s_%s", prefix, GenerateID())
}

// Entity ID prefixes for GenerateIDWithPrefix, one per §3 data model entity.
const (
	PrefixTenant             = "tenant"
	PrefixInvoicingEntity    = "ient"
	PrefixCustomer           = "cust"
	PrefixProduct            = "prod"
	PrefixPlan               = "plan"
	PrefixPlanVersion        = "planv"
	PrefixPriceComponent     = "pcomp"
	PrefixPrice              = "price"
	PrefixSubscription       = "sub"
	PrefixSubscriptionComp   = "subcomp"
	PrefixInvoice            = "inv"
	PrefixLineItem           = "invline"
	PrefixSubLineItem        = "subline"
	PrefixCreditNote         = "cn"
	PrefixCreditNoteLine     = "cnline"
	PrefixSlotTransaction    = "slot"
	PrefixCoupon             = "coupon"
	PrefixAppliedCoupon      = "acoupon"
	PrefixScheduledEvent     = "sevt"
	PrefixHistoricalRate     = "fxrate"
	PrefixBiDeltaMrrDaily    = "bimrr"
	PrefixBiRevenueDaily     = "birev"
	PrefixOutboxEvent        = "outbox"
	PrefixIdempotencyKey     = "idem"
)
