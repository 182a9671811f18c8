// Package lineitem implements C4, the Line Computer: it turns one
// subscription component plus the periods C1 resolved for it into the
// concrete invoice lines that price it, per spec §4.4.
package lineitem

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/usage"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// SubscriptionDetails carries the fields of the owning subscription the
// Line Computer needs but does not itself resolve.
type SubscriptionDetails struct {
	TenantID       string
	CustomerID     string
	SubscriptionID string
	Currency       string
}

// SlotReader is C8's read side: the active slot count billable as of a
// given instant, never InitialSlots once the subscription has run.
type SlotReader interface {
	ActiveCountAt(ctx context.Context, componentID string, at time.Time) (int64, error)
}

// MetricResolver looks up the usage.Metric backing a metric_id, so the
// Line Computer can apply unit conversion before pricing.
type MetricResolver interface {
	ResolveMetric(ctx context.Context, tenantID, metricID string) (usage.Metric, error)
}

// ExistingLineKey identifies a prior invoice's line for refresh
// purposes: compute_invoice re-running against a Draft invoice must
// preserve a line's LocalID when it represents the same priced thing
// (spec §4.4's refresh semantics).
type ExistingLineKey struct {
	ComponentID    string
	MetricID       string
	GroupByDimKey  string
}

// KeyForLine derives a LineItem's ExistingLineKey, so C7 can index a
// prior invoice's lines the same way ComputeComponent does internally.
func KeyForLine(l model.LineItem) ExistingLineKey {
	componentID := ""
	if l.SubComponentID != nil {
		componentID = *l.SubComponentID
	}
	return existingLineKey(componentID, l.MetricID, l.GroupByDimensions)
}

func existingLineKey(componentID string, metricID *string, dims map[string]string) ExistingLineKey {
	k := ExistingLineKey{ComponentID: componentID}
	if metricID != nil {
		k.MetricID = *metricID
	}
	k.GroupByDimKey = serializeDims(dims)
	return k
}

func serializeDims(dims map[string]string) string {
	if len(dims) == 0 {
		return ""
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + dims[k]
	}
	return strings.Join(parts, ",")
}

// Computer is C4's entry point.
type Computer struct {
	usage  usage.Client
	slots  SlotReader
	metric MetricResolver
	logger *logger.Logger
}

func NewComputer(usageClient usage.Client, slots SlotReader, metric MetricResolver, log *logger.Logger) *Computer {
	return &Computer{usage: usageClient, slots: slots, metric: metric, logger: log}
}

// ComputeComponent prices one component over the periods C1 resolved
// for it, reusing LocalIDs from existingLines for lines that represent
// the same priced thing (spec §4.4's refresh rule).
func (c *Computer) ComputeComponent(
	ctx context.Context,
	sub SubscriptionDetails,
	component model.SubscriptionComponent,
	periods model.ComponentPeriods,
	invoiceDate time.Time,
	existingLines map[ExistingLineKey]model.LineItem,
) ([]model.LineItem, error) {
	if !periods.Applicable {
		return nil, nil
	}
	if err := component.Fee.Validate(); err != nil {
		return nil, err
	}

	switch component.Fee.Kind {
	case model.FeeKindRate:
		return c.computeRate(component, periods, sub.Currency, existingLines)
	case model.FeeKindOneTime:
		return c.computeOneTime(component, periods, sub.Currency, existingLines)
	case model.FeeKindRecurring:
		return c.computeRecurring(component, periods, sub.Currency, existingLines)
	case model.FeeKindSlot:
		return c.computeSlot(ctx, component, periods, invoiceDate, sub.Currency, existingLines)
	case model.FeeKindCapacity:
		return c.computeCapacity(ctx, sub, component, periods, existingLines)
	case model.FeeKindUsage:
		return c.computeUsage(ctx, sub, component, periods, existingLines)
	default:
		return nil, ierr.NewError("unsupported fee kind").
			WithHintf("kind=%s", component.Fee.Kind).
			Mark(ierr.ErrCalculation)
	}
}

// PriceFlatExtension prices quantity*unitPrice, applying prorationFactor
// with the round-to-whole-currency-unit-before-subunit-conversion rule
// (spec §8 E1: round(3500*22/31)=2484, not 2483.87) — a prorated
// rate is always a whole-unit price, never a fractional-cent one.
// Exported so C8's slot top-up preview can price a standalone quantity
// (the delta, not the period's full active count) without a
// SubscriptionComponent/ComponentPeriods pair to route through
// ComputeComponent.
func PriceFlatExtension(quantity, unitPrice decimal.Decimal, prorationFactor *decimal.Decimal, currency string) (subunits int64, effectiveQty decimal.Decimal, isProrated bool, err error) {
	effectiveQty = quantity
	amount := quantity.Mul(unitPrice)
	if prorationFactor != nil {
		effectiveQty = quantity.Mul(*prorationFactor)
		amount = amount.Mul(*prorationFactor).RoundBank(0)
		isProrated = true
	}
	subunits, err = model.ToSubunit(amount, currency)
	return subunits, effectiveQty, isProrated, err
}

func flatLine(component model.SubscriptionComponent, period model.Period, quantity, unitPrice decimal.Decimal, prorationFactor *decimal.Decimal, currency string, existing map[ExistingLineKey]model.LineItem) (model.LineItem, error) {
	subunits, effectiveQty, isProrated, err := PriceFlatExtension(quantity, unitPrice, prorationFactor, currency)
	if err != nil {
		return model.LineItem{}, err
	}

	key := existingLineKey(component.ID, nil, nil)
	localID := reuseOrNewLocalID(existing, key)

	return model.LineItem{
		LocalID:          localID,
		Name:             component.Name,
		Quantity:         decimalPtr(effectiveQty),
		UnitPrice:        decimalPtr(unitPrice),
		StartDate:        period.Start,
		EndDate:          period.End,
		IsProrated:       isProrated,
		PriceComponentID: component.PriceComponentID,
		SubComponentID:   &component.ID,
		ProductID:        component.ProductID,
		AmountSubtotal:   subunits,
		TaxableAmount:    subunits,
		AmountTotal:      subunits,
	}, nil
}

func reuseOrNewLocalID(existing map[ExistingLineKey]model.LineItem, key ExistingLineKey) string {
	if existing != nil {
		if prior, ok := existing[key]; ok {
			return prior.LocalID
		}
	}
	return types.GenerateIDWithPrefix(types.PrefixLineItem)
}

// applyOverrides carries forward a user's prior edits to name, tax rate
// and (for lines without sub-lines: PerUnit usage and capacity overage)
// unit price, per spec §4.4's refresh
// semantics; everything else in line reflects the fresh computation.
func applyOverrides(line model.LineItem, existing map[ExistingLineKey]model.LineItem, key ExistingLineKey) model.LineItem {
	if existing == nil {
		return line
	}
	prior, ok := existing[key]
	if !ok {
		return line
	}
	if prior.Name != "" {
		line.Name = prior.Name
	}
	line.TaxRate = prior.TaxRate
	if line.SubLines == nil && prior.UnitPrice != nil {
		line.UnitPrice = prior.UnitPrice
	}
	return line
}

func (c *Computer) computeRate(component model.SubscriptionComponent, periods model.ComponentPeriods, currency string, existing map[ExistingLineKey]model.LineItem) ([]model.LineItem, error) {
	if periods.Advance == nil {
		return nil, ierr.NewError("rate fee requires an advance period").Mark(ierr.ErrCalculation)
	}
	line, err := flatLine(component, *periods.Advance, decimal.NewFromInt(1), component.Fee.Rate.Rate, periods.ProrationFactor, currency, existing)
	if err != nil {
		return nil, err
	}
	return []model.LineItem{line}, nil
}

func (c *Computer) computeOneTime(component model.SubscriptionComponent, periods model.ComponentPeriods, currency string, existing map[ExistingLineKey]model.LineItem) ([]model.LineItem, error) {
	if periods.Advance == nil {
		return nil, nil
	}
	f := component.Fee.OneTime
	line, err := flatLine(component, *periods.Advance, f.Quantity, f.Rate, nil, currency, existing)
	if err != nil {
		return nil, err
	}
	return []model.LineItem{line}, nil
}

func (c *Computer) computeRecurring(component model.SubscriptionComponent, periods model.ComponentPeriods, currency string, existing map[ExistingLineKey]model.LineItem) ([]model.LineItem, error) {
	f := component.Fee.Recurring
	switch f.BillingType {
	case types.BillingTypeArrears:
		if periods.Arrear == nil {
			return nil, nil
		}
		line, err := flatLine(component, *periods.Arrear, f.Quantity, f.Rate, nil, currency, existing)
		if err != nil {
			return nil, err
		}
		return []model.LineItem{line}, nil
	default:
		if periods.Advance == nil {
			return nil, nil
		}
		line, err := flatLine(component, *periods.Advance, f.Quantity, f.Rate, periods.ProrationFactor, currency, existing)
		if err != nil {
			return nil, err
		}
		return []model.LineItem{line}, nil
	}
}

// computeSlot reads the active slot count as of invoiceDate from C8,
// clamps it to [MinSlots, MaxSlots], and bills it over the advance
// period, prorated on first cycle exactly like a RateFee (spec §4.4,
// §5).
func (c *Computer) computeSlot(ctx context.Context, component model.SubscriptionComponent, periods model.ComponentPeriods, invoiceDate time.Time, currency string, existing map[ExistingLineKey]model.LineItem) ([]model.LineItem, error) {
	if periods.Advance == nil {
		return nil, nil
	}
	f := component.Fee.Slot

	count, err := c.slots.ActiveCountAt(ctx, component.ID, invoiceDate)
	if err != nil {
		return nil, err
	}
	if f.MinSlots != nil && count < *f.MinSlots {
		count = *f.MinSlots
	}
	if f.MaxSlots != nil && count > *f.MaxSlots {
		count = *f.MaxSlots
	}

	line, err := flatLine(component, *periods.Advance, decimal.NewFromInt(count), f.UnitRate, periods.ProrationFactor, currency, existing)
	if err != nil {
		return nil, err
	}
	return []model.LineItem{line}, nil
}

// computeCapacity bills the flat included-capacity rate over the
// advance period, unprorated-rate cycle logic aside, plus one overage
// sub-line per usage-group partition when the arrear period's usage
// exceeds Included (spec §4.4).
func (c *Computer) computeCapacity(ctx context.Context, sub SubscriptionDetails, component model.SubscriptionComponent, periods model.ComponentPeriods, existing map[ExistingLineKey]model.LineItem) ([]model.LineItem, error) {
	f := component.Fee.Capacity
	var lines []model.LineItem

	if periods.Advance != nil {
		// Capacity's flat rate always bills in full for the advance
		// period, even on a partial first cycle (spec §4.4) — unlike
		// Rate/Slot, it never prorates.
		line, err := flatLine(component, *periods.Advance, decimal.NewFromInt(1), f.Rate, nil, sub.Currency, existing)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	if periods.Arrear == nil || f.OverageRate.IsZero() {
		return lines, nil
	}

	metric, err := c.metric.ResolveMetric(ctx, sub.TenantID, f.MetricID)
	if err != nil {
		return nil, err
	}
	data, err := c.usage.FetchUsage(ctx, sub.TenantID, sub.CustomerID, metric, *periods.Arrear)
	if err != nil {
		return nil, err
	}

	included := decimal.NewFromBigInt(new(big.Int).SetUint64(f.Included), 0)
	for _, row := range data.Rows {
		overageUnits := row.Value.Sub(included)
		if overageUnits.LessThanOrEqual(decimal.Zero) {
			continue
		}
		amount := overageUnits.Mul(f.OverageRate)
		subunits, err := model.ToSubunit(amount, sub.Currency)
		if err != nil {
			return nil, err
		}
		metricID := f.MetricID
		key := existingLineKey(component.ID, &metricID, row.Dimensions)
		localID := reuseOrNewLocalID(existing, key)

		lines = append(lines, applyOverrides(model.LineItem{
			LocalID:           localID,
			Name:              lineName(component.Name+" overage", row.Dimensions),
			Quantity:          decimalPtr(overageUnits),
			UnitPrice:         decimalPtr(f.OverageRate),
			StartDate:         periods.Arrear.Start,
			EndDate:           periods.Arrear.End,
			PriceComponentID:  component.PriceComponentID,
			SubComponentID:    &component.ID,
			ProductID:         component.ProductID,
			MetricID:          &metricID,
			GroupByDimensions: row.Dimensions,
			AmountSubtotal:    subunits,
			TaxableAmount:     subunits,
			AmountTotal:       subunits,
		}, existing, key))
	}
	return lines, nil
}

// computeUsage fetches the arrear period's usage and prices each
// partition through the component's UsagePricingModel, emitting one
// line per partition with value > 0 (spec §4.4).
func (c *Computer) computeUsage(ctx context.Context, sub SubscriptionDetails, component model.SubscriptionComponent, periods model.ComponentPeriods, existing map[ExistingLineKey]model.LineItem) ([]model.LineItem, error) {
	if periods.Arrear == nil {
		return nil, nil
	}
	f := component.Fee.Usage

	metric, err := c.metric.ResolveMetric(ctx, sub.TenantID, f.MetricID)
	if err != nil {
		return nil, err
	}
	data, err := c.usage.FetchUsage(ctx, sub.TenantID, sub.CustomerID, metric, *periods.Arrear)
	if err != nil {
		return nil, err
	}

	var lines []model.LineItem
	for _, row := range data.Rows {
		if row.Value.LessThanOrEqual(decimal.Zero) {
			continue
		}
		line, err := c.priceUsageRow(component, f, row, *periods.Arrear, sub.Currency, existing)
		if err != nil {
			return nil, err
		}
		if line != nil {
			lines = append(lines, *line)
		}
	}
	return lines, nil
}

func (c *Computer) priceUsageRow(component model.SubscriptionComponent, f *model.UsageFee, row usage.GroupedUsageData, period model.Period, currency string, existing map[ExistingLineKey]model.LineItem) (*model.LineItem, error) {
	var sublines []model.SubLineItem
	var total int64
	var err error

	switch f.Model.Kind {
	case model.UsageModelPerUnit:
		amount := row.Value.Mul(f.Model.PerUnit.Rate)
		total, err = model.ToSubunit(amount, currency)
		if err != nil {
			return nil, err
		}
	case model.UsageModelTiered:
		sublines, total, err = priceTiered(row.Value, f.Model.Tiered.Tiers, f.Model.Tiered.BlockSize, currency)
	case model.UsageModelVolume:
		sublines, total, err = priceVolume(row.Value, f.Model.Volume.Tiers, f.Model.Volume.BlockSize, currency)
	case model.UsageModelPackage:
		sublines, total, err = pricePackage(row.Value, f.Model.Package.BlockSize, f.Model.Package.Rate, currency)
	case model.UsageModelMatrix:
		sublines, total, err = priceMatrix(row, f.Model.Matrix.Rates, currency)
		if len(sublines) == 0 {
			return nil, nil
		}
	default:
		return nil, ierr.NewError("unsupported usage pricing model").WithHintf("kind=%s", f.Model.Kind).Mark(ierr.ErrCalculation)
	}
	if err != nil {
		return nil, err
	}

	metricID := f.MetricID
	key := existingLineKey(component.ID, &metricID, row.Dimensions)
	localID := reuseOrNewLocalID(existing, key)

	line := applyOverrides(model.LineItem{
		LocalID:           localID,
		Name:              lineName(component.Name, row.Dimensions),
		Quantity:          decimalPtr(row.Value),
		StartDate:         period.Start,
		EndDate:           period.End,
		SubLines:          sublines,
		PriceComponentID:  component.PriceComponentID,
		SubComponentID:    &component.ID,
		ProductID:         component.ProductID,
		MetricID:          &metricID,
		GroupByDimensions: row.Dimensions,
		AmountSubtotal:    total,
		TaxableAmount:     total,
		AmountTotal:       total,
	}, existing, key)
	return &line, nil
}

// lineName suffixes a component name with its group-by dimension
// values, in key-sorted order, per spec §4.4's line-naming convention:
// "name (v1, v2, …)" — values only, no keys.
func lineName(base string, dims map[string]string) string {
	if len(dims) == 0 {
		return base
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = dims[k]
	}
	return fmt.Sprintf("%s (%s)", base, strings.Join(parts, ", "))
}
