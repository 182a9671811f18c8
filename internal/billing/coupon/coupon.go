// Package coupon implements C5, the Coupon Applier: it turns a set of
// applied coupons into a total discount and a per-line distribution of
// that discount, per spec §4.5.
package coupon

import (
	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// Applied bundles a Coupon definition with the subscription's
// application record, since consumption (recurring_value) is tracked
// per application, not per coupon definition.
type Applied struct {
	Coupon  model.Coupon
	Applied model.AppliedCoupon
}

// Result is calculate_coupons_discount's output.
type Result struct {
	DiscountSubunit int64
	Details         []model.AppliedCouponDetail
	// Consumed lists the AppliedCoupon IDs whose recurring_value was
	// decremented by this invoice; the caller persists the decrement.
	Consumed []string
}

// Calculate computes calculate_coupons_discount: each eligible coupon's
// discount is resolved against grossSubtotal independently, summed, and
// capped at grossSubtotal; the total is then distributed across lines
// proportionally to amount_subtotal, with the rounding remainder pushed
// to the largest line so ∑ line_discount == discount_subunit exactly.
func Calculate(lines []model.LineItem, grossSubtotal int64, currency string, coupons []Applied) (Result, error) {
	var result Result
	if grossSubtotal <= 0 || len(coupons) == 0 {
		return result, nil
	}

	var total int64
	for _, bundle := range coupons {
		if bundle.Applied.UsesRemaining != nil && *bundle.Applied.UsesRemaining <= 0 {
			continue
		}
		amount, err := couponAmount(bundle.Coupon, grossSubtotal, currency)
		if err != nil {
			return Result{}, err
		}
		result.Details = append(result.Details, model.AppliedCouponDetail{
			CouponID: bundle.Coupon.ID,
			Code:     bundle.Coupon.Code,
			Amount:   amount,
		})
		total += amount
		if bundle.Coupon.RecurringValue != nil {
			result.Consumed = append(result.Consumed, bundle.Applied.ID)
		}
	}
	if total > grossSubtotal {
		total = grossSubtotal
	}
	result.DiscountSubunit = total
	distributeShares(lines, total, grossSubtotal)
	return result, nil
}

// couponAmount resolves one coupon's discount against grossSubtotal:
// Percentage applies p% of gross; Fixed is capped at gross and must be
// denominated in the invoice's currency.
func couponAmount(c model.Coupon, grossSubtotal int64, currency string) (int64, error) {
	switch c.ValueType {
	case types.CouponValuePercentage:
		if c.PercentageValue == nil {
			return 0, ierr.NewError("percentage coupon missing percentage_value").
				WithHintf("coupon_id=%s", c.ID).Mark(ierr.ErrInvalidArgument)
		}
		amount := decimal.NewFromInt(grossSubtotal).Mul(*c.PercentageValue).Div(decimal.NewFromInt(100))
		return model.RoundSubunit(amount), nil
	case types.CouponValueFixed:
		if c.FixedValue == nil {
			return 0, ierr.NewError("fixed coupon missing fixed_value").
				WithHintf("coupon_id=%s", c.ID).Mark(ierr.ErrInvalidArgument)
		}
		if c.FixedCurrency != nil && *c.FixedCurrency != currency {
			return 0, ierr.NewError("fixed coupon currency mismatch").
				WithHintf("coupon_id=%s coupon_currency=%s invoice_currency=%s", c.ID, *c.FixedCurrency, currency).
				Mark(ierr.ErrInvalidArgument)
		}
		subunits, err := model.ToSubunit(*c.FixedValue, currency)
		if err != nil {
			return 0, err
		}
		if subunits > grossSubtotal {
			subunits = grossSubtotal
		}
		return subunits, nil
	default:
		return 0, ierr.NewError("unknown coupon value type").
			WithHintf("coupon_id=%s type=%s", c.ID, c.ValueType).Mark(ierr.ErrInvalidArgument)
	}
}

// distributeShares sets LineShareOfDiscount on each line proportionally
// to its amount_subtotal, with the rounding remainder assigned to the
// largest line.
func distributeShares(lines []model.LineItem, totalDiscount, grossSubtotal int64) {
	if totalDiscount <= 0 {
		for i := range lines {
			lines[i].LineShareOfDiscount = 0
		}
		return
	}

	largest := -1
	var assigned int64
	for i, line := range lines {
		if line.AmountSubtotal <= 0 {
			lines[i].LineShareOfDiscount = 0
			continue
		}
		if largest == -1 || line.AmountSubtotal > lines[largest].AmountSubtotal {
			largest = i
		}
		share := decimal.NewFromInt(line.AmountSubtotal).
			Mul(decimal.NewFromInt(totalDiscount)).
			Div(decimal.NewFromInt(grossSubtotal)).
			Floor().IntPart()
		lines[i].LineShareOfDiscount = share
		assigned += share
	}
	if largest >= 0 {
		lines[largest].LineShareOfDiscount += totalDiscount - assigned
	}
}
