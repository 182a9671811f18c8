package lineitem

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/usage"
)

// blockRound rounds value up to whole blocks of blockSize, per spec
// §4.4's Tiered/Volume block_size rule. A nil blockSize is a no-op.
func blockRound(value decimal.Decimal, blockSize *decimal.Decimal) decimal.Decimal {
	if blockSize == nil || blockSize.IsZero() {
		return value
	}
	blocks := value.Div(*blockSize).Ceil()
	return blocks.Mul(*blockSize)
}

func sortedTiers(tiers []model.Tier) []model.Tier {
	out := make([]model.Tier, len(tiers))
	copy(out, tiers)
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpTo == nil {
			return false
		}
		if out[j].UpTo == nil {
			return true
		}
		return out[i].UpTo.LessThan(*out[j].UpTo)
	})
	return out
}

// priceTiered stacks usage across tiers: the portion of value within
// each tier is priced at that tier's rate, plus a one-time flat_fee the
// first time the tier is entered, capped by flat_cap (spec §4.4).
func priceTiered(value decimal.Decimal, tiers []model.Tier, blockSize *decimal.Decimal, currency string) ([]model.SubLineItem, int64, error) {
	rounded := blockRound(value, blockSize)
	ordered := sortedTiers(tiers)

	var sublines []model.SubLineItem
	var total int64
	lowerBound := decimal.Zero

	for i, tier := range ordered {
		if rounded.LessThanOrEqual(lowerBound) {
			break
		}
		upperBound := rounded
		if tier.UpTo != nil && tier.UpTo.LessThan(rounded) {
			upperBound = *tier.UpTo
		}
		unitsInTier := upperBound.Sub(lowerBound)
		if unitsInTier.LessThanOrEqual(decimal.Zero) {
			if tier.UpTo != nil {
				lowerBound = *tier.UpTo
			}
			continue
		}

		tierAmount := unitsInTier.Mul(tier.Rate).Add(tier.FlatFee)
		if tier.FlatCap != nil && tierAmount.GreaterThan(*tier.FlatCap) {
			tierAmount = *tier.FlatCap
		}

		subunits, err := model.ToSubunit(tierAmount, currency)
		if err != nil {
			return nil, 0, err
		}
		sublines = append(sublines, model.SubLineItem{
			Name:           fmt.Sprintf("Tier %d", i+1),
			Quantity:       decimalPtr(unitsInTier),
			UnitPrice:      decimalPtr(tier.Rate),
			AmountSubtotal: subunits,
		})
		total += subunits

		if tier.UpTo != nil {
			lowerBound = *tier.UpTo
		} else {
			break
		}
	}
	return sublines, total, nil
}

// priceVolume prices all of value at the single tier whose range
// contains it (spec §4.4).
func priceVolume(value decimal.Decimal, tiers []model.Tier, blockSize *decimal.Decimal, currency string) ([]model.SubLineItem, int64, error) {
	rounded := blockRound(value, blockSize)
	ordered := sortedTiers(tiers)

	for i, tier := range ordered {
		if tier.UpTo == nil || rounded.LessThanOrEqual(*tier.UpTo) {
			amount := rounded.Mul(tier.Rate).Add(tier.FlatFee)
			if tier.FlatCap != nil && amount.GreaterThan(*tier.FlatCap) {
				amount = *tier.FlatCap
			}
			subunits, err := model.ToSubunit(amount, currency)
			if err != nil {
				return nil, 0, err
			}
			return []model.SubLineItem{{
				Name:           fmt.Sprintf("Tier %d", i+1),
				Quantity:       decimalPtr(rounded),
				UnitPrice:      decimalPtr(tier.Rate),
				AmountSubtotal: subunits,
			}}, subunits, nil
		}
	}
	return nil, 0, nil
}

// pricePackage prices value as a round-up count of blocks (spec §4.4).
func pricePackage(value decimal.Decimal, blockSize decimal.Decimal, rate decimal.Decimal, currency string) ([]model.SubLineItem, int64, error) {
	packages := decimal.Zero
	if !blockSize.IsZero() {
		packages = value.Div(blockSize).Ceil()
	}
	amount := packages.Mul(rate)
	subunits, err := model.ToSubunit(amount, currency)
	if err != nil {
		return nil, 0, err
	}
	return []model.SubLineItem{{
		Name:           "Package",
		Quantity:       decimalPtr(packages),
		UnitPrice:      decimalPtr(rate),
		AmountSubtotal: subunits,
		Attributes:     map[string]string{"raw_usage": value.String()},
	}}, subunits, nil
}

// matrixMatches reports whether row's dimensions satisfy a MatrixRow's
// dimension1 (and dimension2, if set) predicate.
func matrixMatches(row usage.GroupedUsageData, m model.MatrixRow) bool {
	if v, ok := row.Dimensions[m.Dimension1.Key]; !ok || v != m.Dimension1.Value {
		return false
	}
	if m.Dimension2 != nil {
		if v, ok := row.Dimensions[m.Dimension2.Key]; !ok || v != m.Dimension2.Value {
			return false
		}
	}
	return true
}

// priceMatrix prices one usage partition against every matching
// MatrixRow, emitting one sub-line per match (spec §4.4).
func priceMatrix(row usage.GroupedUsageData, rows []model.MatrixRow, currency string) ([]model.SubLineItem, int64, error) {
	var sublines []model.SubLineItem
	var total int64
	for _, m := range rows {
		if !matrixMatches(row, m) {
			continue
		}
		amount := row.Value.Mul(m.PerUnitPrice)
		subunits, err := model.ToSubunit(amount, currency)
		if err != nil {
			return nil, 0, err
		}
		sublines = append(sublines, model.SubLineItem{
			Name:           matrixSublineName(m),
			Quantity:       decimalPtr(row.Value),
			UnitPrice:      decimalPtr(m.PerUnitPrice),
			AmountSubtotal: subunits,
		})
		total += subunits
	}
	return sublines, total, nil
}

func matrixSublineName(m model.MatrixRow) string {
	if m.Dimension2 != nil {
		return fmt.Sprintf("%s=%s, %s=%s", m.Dimension1.Key, m.Dimension1.Value, m.Dimension2.Key, m.Dimension2.Value)
	}
	return fmt.Sprintf("%s=%s", m.Dimension1.Key, m.Dimension1.Value)
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
