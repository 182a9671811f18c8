// Package invoice implements C7, the Invoice Assembler: it orchestrates
// C1 (period), C4 (line computer), C5 (coupon applier) and C6 (tax
// engine) into a ComputedInvoiceContent, per spec §4.7.
package invoice

import (
	"context"
	"time"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/coupon"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/lineitem"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/period"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/tax"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
)

// Input is compute_invoice's argument set.
type Input struct {
	InvoiceDate          time.Time
	Subscription         model.Subscription
	Components           []model.SubscriptionComponent
	PrepaidAmount        int64
	CustomerBalanceCents int64
	ExistingInvoice      *model.Invoice
	Coupons              []coupon.Applied
	Tax                  tax.Input
}

// Assembler is C7's entry point.
type Assembler struct {
	computer *lineitem.Computer
	logger   *logger.Logger
}

func NewAssembler(computer *lineitem.Computer, log *logger.Logger) *Assembler {
	return &Assembler{computer: computer, logger: log}
}

// Result is ComputeInvoice's output: the pure content plus bookkeeping
// the caller needs to persist (consumed recurring coupons).
type Result struct {
	Content          model.ComputedInvoiceContent
	ConsumedCoupons  []string
}

// ComputeInvoice implements C7's top-level contract (spec §4.7).
func (a *Assembler) ComputeInvoice(ctx context.Context, in Input) (Result, error) {
	if in.ExistingInvoice != nil && !hasUsageBasedLines(in.ExistingInvoice.LineItems) {
		return Result{Content: verbatimContent(*in.ExistingInvoice)}, nil
	}

	currency := in.Subscription.Currency
	existingIndex := map[lineitem.ExistingLineKey]model.LineItem{}
	if in.ExistingInvoice != nil {
		for _, l := range in.ExistingInvoice.LineItems {
			existingIndex[lineitem.KeyForLine(l)] = l
		}
	}

	subDetails := lineitem.SubscriptionDetails{
		TenantID:       in.Subscription.TenantID,
		CustomerID:     in.Subscription.CustomerID,
		SubscriptionID: in.Subscription.ID,
		Currency:       currency,
	}

	var lines []model.LineItem
	matched := map[lineitem.ExistingLineKey]bool{}
	for _, component := range in.Components {
		periods := period.Compute(period.Params{
			BillingStartOrResumeDate: in.Subscription.BillingStartDate,
			BillingDayAnchor:         in.Subscription.BillingDayAnchor,
			SubscriptionPeriod:       in.Subscription.Period,
			ComponentPeriod:          component.Period,
			CycleIndex:               in.Subscription.CycleIndex,
			InvoiceDate:              in.InvoiceDate,
		})

		componentLines, err := a.computer.ComputeComponent(ctx, subDetails, component, periods, in.InvoiceDate, existingIndex)
		if err != nil {
			return Result{}, err
		}
		for _, l := range componentLines {
			matched[lineitem.KeyForLine(l)] = true
		}
		lines = append(lines, componentLines...)
	}

	// Lines authored against a component no longer in the current sweep
	// (e.g. a one-time fee from a component since archived) are kept
	// verbatim, per spec §4.7 step 5.
	if in.ExistingInvoice != nil {
		for _, l := range in.ExistingInvoice.LineItems {
			if !matched[lineitem.KeyForLine(l)] {
				lines = append(lines, l)
			}
		}
	}

	var subtotal, subtotalRecurring int64
	for _, l := range lines {
		subtotal += l.AmountSubtotal
		if l.MetricID == nil {
			subtotalRecurring += l.AmountSubtotal
		}
	}

	couponResult, err := coupon.Calculate(lines, subtotal, currency, in.Coupons)
	if err != nil {
		return Result{}, err
	}

	taxInput := in.Tax
	taxInput.Currency = currency
	taxInput.InvoiceDate = in.InvoiceDate
	taxOut, err := tax.Resolve(lines, taxInput)
	if err != nil {
		return Result{}, err
	}
	lines = taxOut.Lines

	total := subtotal - couponResult.DiscountSubunit + taxOut.TaxAmount
	if total < 0 {
		total = 0
	}
	appliedCredits := min64(total, in.CustomerBalanceCents)
	amountDue := total - in.PrepaidAmount - appliedCredits
	if amountDue < 0 {
		amountDue = 0
	}

	content := model.ComputedInvoiceContent{
		Subtotal:          subtotal,
		SubtotalRecurring: subtotalRecurring,
		Discount:          couponResult.DiscountSubunit,
		TaxAmount:         taxOut.TaxAmount,
		AppliedCredits:    appliedCredits,
		Total:             total,
		AmountDue:         amountDue,
		TaxBreakdown:      taxOut.TaxBreakdown,
		Coupons:           couponResult.Details,
		LineItems:         lines,
	}
	return Result{Content: content, ConsumedCoupons: couponResult.Consumed}, nil
}

// hasUsageBasedLines reports whether any line carries both a metric and
// a component reference — the refresh short-circuit gate of spec §4.7
// step 1.
func hasUsageBasedLines(lines []model.LineItem) bool {
	for _, l := range lines {
		if l.MetricID != nil && (l.SubComponentID != nil || l.SubAddOnID != nil) {
			return true
		}
	}
	return false
}

func verbatimContent(inv model.Invoice) model.ComputedInvoiceContent {
	return model.ComputedInvoiceContent{
		Subtotal:          inv.Subtotal,
		SubtotalRecurring: inv.SubtotalRecurring,
		Discount:          inv.Discount,
		TaxAmount:         inv.TaxAmount,
		AppliedCredits:    inv.AppliedCredits,
		Total:             inv.Total,
		AmountDue:         inv.AmountDue,
		TaxBreakdown:      inv.TaxBreakdown,
		Coupons:           inv.Coupons,
		LineItems:         inv.LineItems,
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
