package slot_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/lineitem"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/slot"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/usage"
	"github.com/meteroid-oss/meteroid-sub001/internal/clock"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
	"github.com/meteroid-oss/meteroid-sub001/internal/store"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// fakeUsageClient is never exercised by a slot fee; it exists only to
// satisfy lineitem.NewComputer's signature.
type fakeUsageClient struct{}

func (fakeUsageClient) FetchUsage(ctx context.Context, tenantID, customerID string, metric usage.Metric, period model.Period) (*usage.Data, error) {
	return &usage.Data{}, nil
}

type fakeMetricResolver struct{}

func (fakeMetricResolver) ResolveMetric(ctx context.Context, tenantID, metricID string) (usage.Metric, error) {
	return usage.Metric{}, nil
}

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func newEngine(t *testing.T, st *store.InMemory, c clock.Clock) (*slot.Engine, *lineitem.Computer) {
	t.Helper()
	log, err := logger.NewLogger()
	require.NoError(t, err)
	eng := slot.NewEngine(st.AsStore(), c, log)
	// A regular-cycle invoice's computeSlot reads the active count
	// through the engine itself.
	computer := lineitem.NewComputer(fakeUsageClient{}, eng, fakeMetricResolver{}, log)
	return eng, computer
}

func seedSubscription(st *store.InMemory, componentID string, initial int64, periodStart, periodEnd time.Time) model.Subscription {
	sub := model.Subscription{
		ID:                 "sub_1",
		PlanVersionID:      "plv_1",
		Currency:           "USD",
		BillingStartDate:   periodStart,
		BillingDayAnchor:   periodStart.Day(),
		Period:             types.BillingPeriodMonthly,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		CycleIndex:         0,
		BaseModel:          types.BaseModel{TenantID: "tenant_1"},
	}
	st.Put(&sub)
	return sub
}

func slotComponent(id string, unitRate int64, min, max *int64, initial int64) model.SubscriptionComponent {
	return model.SubscriptionComponent{
		ID:             id,
		SubscriptionID: "sub_1",
		Name:           "seats",
		Period:         types.ComponentPeriodMonthly,
		Fee: model.NewSlotFee(model.SlotFee{
			Unit:         "seat",
			UnitRate:     decimal.NewFromInt(unitRate),
			MinSlots:     min,
			MaxSlots:     max,
			InitialSlots: initial,
		}),
	}
}

func int64p(v int64) *int64 { return &v }

// TestApplyDelta_E3_OptimisticUpgradeThenDeferredDowngrade covers spec
// example E3: a $10/seat slot component seeded with 10 seats at
// 2024-01-01. An optimistic +5 at 2024-01-15 bills a single prorated
// line over [2024-01-15, 2024-02-01) and takes effect immediately; a
// following -5 at the same instant always defers to the period
// boundary and bills nothing.
func TestApplyDelta_E3_OptimisticUpgradeThenDeferredDowngrade(t *testing.T) {
	periodStart := mustDate("2024-01-01")
	periodEnd := mustDate("2024-02-01")
	now := mustDate("2024-01-15")

	st := store.NewInMemory()
	sub := seedSubscription(st, "comp_seats", 10, periodStart, periodEnd)
	component := slotComponent("comp_seats", 10, int64p(1), int64p(100), 10)

	seed := &model.SlotTransaction{
		ID:              "slot_seed",
		SubscriptionID:  sub.ID,
		ComponentID:     component.ID,
		Delta:           10,
		EffectiveAt:     periodStart,
		TransactionAt:   periodStart,
		Status:          types.SlotTransactionActive,
	}
	require.NoError(t, st.InsertSlotTransaction(context.Background(), seed))

	eng, _ := newEngine(t, st, clock.NewFixed(now))

	upResult, err := eng.ApplyDelta(context.Background(), slot.ApplyInput{
		Subscription: sub,
		Component:    component,
		Delta:        5,
		Mode:         types.SlotBillingModeOptimistic,
	})
	require.NoError(t, err)
	require.NotNil(t, upResult.Transaction)
	assert.Equal(t, types.SlotTransactionActive, upResult.Transaction.Status)
	assert.Equal(t, now, upResult.Transaction.EffectiveAt)

	require.NotNil(t, upResult.Invoice)
	require.Len(t, upResult.Invoice.LineItems, 1)
	line := upResult.Invoice.LineItems[0]
	assert.Equal(t, now, line.StartDate)
	assert.Equal(t, periodEnd, line.EndDate)

	wantFactor := decimal.NewFromInt(17).Div(decimal.NewFromInt(31))
	wantAmount := decimal.NewFromInt(5).Mul(decimal.NewFromInt(10)).Mul(wantFactor)
	assert.Equal(t, wantAmount.Round(0).IntPart()*100, upResult.Invoice.Subtotal)

	count15, err := eng.ActiveCountAt(context.Background(), component.ID, now)
	require.NoError(t, err)
	assert.EqualValues(t, 15, count15)

	count14, err := eng.ActiveCountAt(context.Background(), component.ID, mustDate("2024-01-14"))
	require.NoError(t, err)
	assert.EqualValues(t, 10, count14)

	downResult, err := eng.ApplyDelta(context.Background(), slot.ApplyInput{
		Subscription: sub,
		Component:    component,
		Delta:        -5,
		Mode:         types.SlotBillingModeOptimistic,
	})
	require.NoError(t, err)
	require.NotNil(t, downResult.Transaction)
	assert.Equal(t, periodEnd, downResult.Transaction.EffectiveAt)
	assert.Nil(t, downResult.Invoice)

	countAtBoundary, err := eng.ActiveCountAt(context.Background(), component.ID, periodEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 10, countAtBoundary)
}

// incrementingClock hands out a strictly increasing time on every call,
// so concurrent transactions recorded in the same test carry distinct
// transaction_at values exactly as spec example E6 requires.
type incrementingClock struct {
	base  time.Time
	calls int64
}

func (c *incrementingClock) Now() time.Time {
	n := atomic.AddInt64(&c.calls, 1)
	return c.base.Add(time.Duration(n) * time.Millisecond)
}

// TestApplyDelta_E6_ConcurrentUpgrades covers spec example E6: three
// concurrent +1 optimistic upgrades against a 20-seat component must
// all succeed, converge to 23, and leave three distinct ledger rows.
func TestApplyDelta_E6_ConcurrentUpgrades(t *testing.T) {
	periodStart := mustDate("2024-01-01")
	periodEnd := mustDate("2024-02-01")

	st := store.NewInMemory()
	sub := seedSubscription(st, "comp_seats", 20, periodStart, periodEnd)
	component := slotComponent("comp_seats", 10, int64p(1), int64p(100), 20)

	seed := &model.SlotTransaction{
		ID:             "slot_seed",
		SubscriptionID: sub.ID,
		ComponentID:    component.ID,
		Delta:          20,
		EffectiveAt:    periodStart,
		TransactionAt:  periodStart,
		Status:         types.SlotTransactionActive,
	}
	require.NoError(t, st.InsertSlotTransaction(context.Background(), seed))

	c := &incrementingClock{base: mustDate("2024-01-15")}
	eng, _ := newEngine(t, st, c)

	var wg conc.WaitGroup
	results := make([]*slot.ApplyResult, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Go(func() {
			results[i], errs[i] = eng.ApplyDelta(context.Background(), slot.ApplyInput{
				Subscription: sub,
				Component:    component,
				Delta:        1,
				Mode:         types.SlotBillingModeOptimistic,
			})
		})
	}
	wg.Wait()

	seen := map[time.Time]bool{}
	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].Transaction)
		seen[results[i].Transaction.TransactionAt] = true
	}
	assert.Len(t, seen, 3)

	final, err := eng.ActiveCountAt(context.Background(), component.ID, c.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 23, final)
}

// TestApplyDelta_UpgradeRejectedAboveMaxSlots covers the max_slots
// validation rule: current + pending + delta must not exceed max.
func TestApplyDelta_UpgradeRejectedAboveMaxSlots(t *testing.T) {
	periodStart := mustDate("2024-01-01")
	periodEnd := mustDate("2024-02-01")
	now := mustDate("2024-01-15")

	st := store.NewInMemory()
	sub := seedSubscription(st, "comp_seats", 18, periodStart, periodEnd)
	component := slotComponent("comp_seats", 10, int64p(1), int64p(20), 18)

	seed := &model.SlotTransaction{
		ID:             "slot_seed",
		SubscriptionID: sub.ID,
		ComponentID:    component.ID,
		Delta:          18,
		EffectiveAt:    periodStart,
		TransactionAt:  periodStart,
		Status:         types.SlotTransactionActive,
	}
	require.NoError(t, st.InsertSlotTransaction(context.Background(), seed))

	eng, _ := newEngine(t, st, clock.NewFixed(now))

	_, err := eng.ApplyDelta(context.Background(), slot.ApplyInput{
		Subscription: sub,
		Component:    component,
		Delta:        5,
		Mode:         types.SlotBillingModeOptimistic,
	})
	require.Error(t, err)
}

// TestApplyDelta_OnInvoicePaid_StaysPendingUntilActivated covers the
// ON_INVOICE_PAID mode: the delta lands as Pending and does not count
// toward active_count_at until activate_pending_slot_transactions runs.
func TestApplyDelta_OnInvoicePaid_StaysPendingUntilActivated(t *testing.T) {
	periodStart := mustDate("2024-01-01")
	periodEnd := mustDate("2024-02-01")
	now := mustDate("2024-01-15")

	st := store.NewInMemory()
	sub := seedSubscription(st, "comp_seats", 10, periodStart, periodEnd)
	component := slotComponent("comp_seats", 10, int64p(1), int64p(100), 10)

	seed := &model.SlotTransaction{
		ID:             "slot_seed",
		SubscriptionID: sub.ID,
		ComponentID:    component.ID,
		Delta:          10,
		EffectiveAt:    periodStart,
		TransactionAt:  periodStart,
		Status:         types.SlotTransactionActive,
	}
	require.NoError(t, st.InsertSlotTransaction(context.Background(), seed))

	eng, _ := newEngine(t, st, clock.NewFixed(now))

	result, err := eng.ApplyDelta(context.Background(), slot.ApplyInput{
		Subscription: sub,
		Component:    component,
		Delta:        3,
		Mode:         types.SlotBillingModeOnInvoicePaid,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, types.SlotTransactionPending, result.Transaction.Status)
	assert.Nil(t, result.Invoice)

	count, err := eng.ActiveCountAt(context.Background(), component.ID, now)
	require.NoError(t, err)
	assert.EqualValues(t, 10, count)

	flipped, err := st.ActivatePending(context.Background(), "", now)
	require.NoError(t, err)
	assert.Equal(t, 0, flipped)
}

// TestApplyDelta_OnCheckoutPreviewPersistsNothing covers the
// ON_CHECKOUT mode: it returns a priced preview but writes no ledger
// row.
func TestApplyDelta_OnCheckoutPreviewPersistsNothing(t *testing.T) {
	periodStart := mustDate("2024-01-01")
	periodEnd := mustDate("2024-02-01")
	now := mustDate("2024-01-15")

	st := store.NewInMemory()
	sub := seedSubscription(st, "comp_seats", 10, periodStart, periodEnd)
	component := slotComponent("comp_seats", 10, int64p(1), int64p(100), 10)

	seed := &model.SlotTransaction{
		ID:             "slot_seed",
		SubscriptionID: sub.ID,
		ComponentID:    component.ID,
		Delta:          10,
		EffectiveAt:    periodStart,
		TransactionAt:  periodStart,
		Status:         types.SlotTransactionActive,
	}
	require.NoError(t, st.InsertSlotTransaction(context.Background(), seed))

	eng, _ := newEngine(t, st, clock.NewFixed(now))

	result, err := eng.ApplyDelta(context.Background(), slot.ApplyInput{
		Subscription: sub,
		Component:    component,
		Delta:        2,
		Mode:         types.SlotBillingModeOnCheckout,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Transaction)
	require.NotNil(t, result.Invoice)
	require.Len(t, result.Invoice.LineItems, 1)

	count, err := eng.ActiveCountAt(context.Background(), component.ID, now)
	require.NoError(t, err)
	assert.EqualValues(t, 10, count)
}
