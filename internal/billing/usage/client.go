// Package usage declares C3, the Usage Client interface, and an
// in-process in-memory implementation suitable for tests; a ClickHouse-
// backed implementation lives in client_clickhouse.go. Spec §4.3, §6.
package usage

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// GroupedUsageData is one distinct tuple of a metric's usage_group_key
// dimensions, pre-unit-conversion.
type GroupedUsageData struct {
	Value      decimal.Decimal
	Dimensions map[string]string
}

// Data is the aggregated usage for one (tenant, customer, metric, period).
type Data struct {
	Period model.Period
	Rows   []GroupedUsageData
}

// Metric describes the conversion the Line Computer applies to raw usage
// before pricing it (spec §4.3).
type Metric struct {
	ID                     string
	UnitConversionFactor   *decimal.Decimal
	UnitConversionRounding types.UnitConversionRounding
	UsageGroupKey          []string
}

// Client is C3's contract: fetch aggregated usage for one metric/period,
// grouped by the metric's usage_group_key dimensions.
type Client interface {
	FetchUsage(ctx context.Context, tenantID, customerID string, metric Metric, period model.Period) (*Data, error)
}

// ApplyUnitConversion divides raw usage by the metric's conversion
// factor and rounds per UnitConversionRounding, per spec §4.3. A nil
// factor is a no-op.
func ApplyUnitConversion(raw decimal.Decimal, metric Metric) decimal.Decimal {
	if metric.UnitConversionFactor == nil || metric.UnitConversionFactor.IsZero() {
		return raw
	}
	divided := raw.Div(*metric.UnitConversionFactor)
	switch metric.UnitConversionRounding {
	case types.RoundUp:
		return divided.Ceil()
	case types.RoundDown:
		return divided.Floor()
	default:
		return divided.Round(0)
	}
}

// ValidateUsageValue rejects negative usage values, per spec §6: "negative
// values must be rejected".
func ValidateUsageValue(v decimal.Decimal) error {
	if v.IsNegative() {
		return ierr.NewError("negative usage value").
			WithHintf("value=%s", v).
			Mark(ierr.ErrInvalidArgument)
	}
	return nil
}
