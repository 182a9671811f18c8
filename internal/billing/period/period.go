// Package period implements C1, the Period Calculator: pure date
// arithmetic mapping (billing_start, anchor day, cadence, invoice date)
// to the advance/arrear billing windows and proration factor a
// component owes on a given date. Spec §4.1.
package period

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// Params describes one (subscription, component, invoice_date) query.
type Params struct {
	// BillingStartOrResumeDate anchors cycle 0; it is the subscription's
	// billing_start_date, or a later resume date after a pause.
	BillingStartOrResumeDate time.Time
	BillingDayAnchor         int
	SubscriptionPeriod       types.BillingPeriod
	ComponentPeriod          types.SubscriptionFeeBillingPeriod
	CycleIndex               uint32
	InvoiceDate              time.Time
}

// daysInMonth returns the number of days in the given year/month.
func daysInMonth(year int, month time.Month) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	lastOfThis := firstOfNext.AddDate(0, 0, -1)
	return lastOfThis.Day()
}

func clampDay(year int, month time.Month, day int) time.Time {
	maxDay := daysInMonth(year, month)
	if day > maxDay {
		day = maxDay
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// withDay returns d with its day-of-month replaced by day, clamped to
// the last day of d's month if day overflows (short-month clamping,
// spec §4.1).
func withDay(d time.Time, day int) time.Time {
	return clampDay(d.Year(), d.Month(), day)
}

// AddMonthsAtBillingDay adds n calendar months to d, then clamps the
// result to anchor or the last day of the resulting month, whichever is
// smaller: add_months_at_billing_day(d, n, a) = (d + n
// months).with_day(min(days_in_month_of_result, a)).
func AddMonthsAtBillingDay(d time.Time, n int, anchor int) time.Time {
	shifted := time.Date(d.Year(), d.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return clampDay(shifted.Year(), shifted.Month(), anchor)
}

// SubtractMonthsAtBillingDay is AddMonthsAtBillingDay with n negated.
func SubtractMonthsAtBillingDay(d time.Time, n int, anchor int) time.Time {
	return AddMonthsAtBillingDay(d, -n, anchor)
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

// CalculateElapsedCycles returns how many full cycles of period
// (anchor-aligned from start) have completed at or before target. O(1)
// amortized: one arithmetic estimate plus a small self-correction for
// the short-month clamping edge.
func CalculateElapsedCycles(start, target time.Time, p types.BillingPeriod, anchor int) uint32 {
	months := p.Months()
	if target.Before(start) {
		return 0
	}
	k := monthsBetween(start, target) / months
	if k < 0 {
		k = 0
	}
	for k > 0 && AddMonthsAtBillingDay(start, k*months, anchor).After(target) {
		k--
	}
	for !AddMonthsAtBillingDay(start, (k+1)*months, anchor).After(target) {
		k++
	}
	return uint32(k)
}

// FindPeriodContainingDate returns the half-open cycle [start, end)
// (anchor-aligned from origin) that contains target.
func FindPeriodContainingDate(origin time.Time, anchor int, p types.BillingPeriod, target time.Time) model.Period {
	months := p.Months()
	k := CalculateElapsedCycles(origin, target, p, anchor)
	s := AddMonthsAtBillingDay(origin, int(k)*months, anchor)
	e := AddMonthsAtBillingDay(origin, int(k+1)*months, anchor)
	return model.Period{Start: s, End: e}
}

// isApplicable implements spec §4.1's applicability rule: a component
// bills on cycle_index k iff (subscription_period.months * k) mod
// component_period.months == 0. OneTime bills only at k == 0.
func isApplicable(subPeriod types.BillingPeriod, compPeriod types.SubscriptionFeeBillingPeriod, cycleIndex uint32) bool {
	if compPeriod == types.ComponentPeriodOneTime {
		return cycleIndex == 0
	}
	compMonths := compPeriod.Months()
	if compMonths == 0 {
		return false
	}
	return (subPeriod.Months()*int(cycleIndex))%compMonths == 0
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

// ProrationFactor implements spec §4.1's proration rule for a partial
// window [from, to). Callers outside this package (C8's mid-cycle slot
// proration) reuse it directly; a full calendar-month window yields 1.
func ProrationFactor(from, to time.Time) decimal.Decimal {
	return prorationFactor(from, to)
}

func prorationFactor(from, to time.Time) decimal.Decimal {
	d := daysBetween(from, to)
	m := daysInMonth(from.Year(), from.Month())

	lastDayOfFromMonth := daysInMonth(from.Year(), from.Month())
	if from.Day() == lastDayOfFromMonth {
		// period starts on the last day of the month: treat as a full
		// month regardless of how few calendar days remain.
		return decimal.NewFromInt(1)
	}
	lastDayOfToMonth := daysInMonth(to.Year(), to.Month())
	if to.Day() == lastDayOfToMonth && from.Day() >= to.Day() {
		return decimal.NewFromInt(1)
	}

	if m <= 0 {
		return decimal.NewFromInt(1)
	}
	factor := decimal.NewFromInt(int64(d)).Div(decimal.NewFromInt(int64(m)))
	if factor.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if factor.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return factor
}

// Compute is C1's top-level contract: decide whether the component bills
// at all on InvoiceDate, and if so its advance/arrear windows and
// proration factor.
func Compute(p Params) model.ComponentPeriods {
	if !isApplicable(p.SubscriptionPeriod, p.ComponentPeriod, p.CycleIndex) {
		return model.ComponentPeriods{Applicable: false}
	}

	firstCycle := p.CycleIndex == 0
	compMonths := p.ComponentPeriod.Months()

	result := model.ComponentPeriods{Applicable: true}

	if p.ComponentPeriod == types.ComponentPeriodOneTime {
		// OneTime has no recurring window; the Line Computer treats it
		// as a single point-in-time charge at InvoiceDate.
		result.Advance = &model.Period{Start: p.InvoiceDate, End: p.InvoiceDate}
		return result
	}

	var advanceEnd time.Time
	startsBeforeAnchor := firstCycle && p.InvoiceDate.Day() < p.BillingDayAnchor
	if !startsBeforeAnchor {
		advanceEnd = AddMonthsAtBillingDay(p.InvoiceDate, compMonths, p.BillingDayAnchor)
	} else {
		advanceEnd = withDay(p.InvoiceDate, p.BillingDayAnchor)
	}
	advance := model.Period{Start: p.InvoiceDate, End: advanceEnd}
	result.Advance = &advance

	if firstCycle {
		// The opening cycle may be a full calendar month (factor == 1)
		// or a short first cycle; compute uniformly either way, per
		// testable property 6 ("None is equivalent to 1.0").
		factor := prorationFactor(advance.Start, advance.End)
		result.ProrationFactor = &factor
	}

	if !firstCycle {
		arrearEnd := p.InvoiceDate
		arrearStart := SubtractMonthsAtBillingDay(arrearEnd, compMonths, p.BillingDayAnchor)
		if arrearStart.Before(p.BillingStartOrResumeDate) {
			arrearStart = p.BillingStartOrResumeDate
		}
		result.Arrear = &model.Period{Start: arrearStart, End: arrearEnd}
	}

	return result
}
