package model

import (
	"github.com/shopspring/decimal"

	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// ToSubunit converts a Decimal amount in major currency units to an
// integer count of subunits at the currency's precision, using
// round-half-to-even (banker's rounding), per spec §4.4's rounding rule.
func ToSubunit(amount decimal.Decimal, currency string) (int64, error) {
	precision := types.GetCurrencyPrecision(currency)
	scaled := amount.Mul(decimal.New(1, precision)).RoundBank(0)
	if !scaled.IsInteger() {
		return 0, ierr.WithError(ierr.ErrInvalidDecimal).
			WithHintf("amount %s does not convert cleanly to subunits of %s", amount, currency).
			Mark(ierr.ErrInvalidDecimal)
	}
	return scaled.IntPart(), nil
}

// FromSubunit converts an integer subunit count back to a Decimal in
// major currency units.
func FromSubunit(subunits int64, currency string) decimal.Decimal {
	precision := types.GetCurrencyPrecision(currency)
	return decimal.NewFromInt(subunits).Div(decimal.New(1, precision))
}

// RoundSubunit rounds a Decimal already expressed in subunits (e.g. an
// intermediate proportional split) to the nearest whole subunit using
// round-half-to-even.
func RoundSubunit(subunits decimal.Decimal) int64 {
	return subunits.RoundBank(0).IntPart()
}
