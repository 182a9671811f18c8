package scheduledevent_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/scheduledevent"
	"github.com/meteroid-oss/meteroid-sub001/internal/clock"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
	"github.com/meteroid-oss/meteroid-sub001/internal/store"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// fakeCatalog is a minimal in-test stand-in for the plan/price catalog
// a real deployment would load from its own repository.
type fakeCatalog struct {
	versions   map[string]scheduledevent.PlanVersionInfo
	components map[string][]scheduledevent.TargetComponentSpec
}

func (c *fakeCatalog) GetPlanVersion(ctx context.Context, id string) (scheduledevent.PlanVersionInfo, error) {
	v, ok := c.versions[id]
	if !ok {
		return scheduledevent.PlanVersionInfo{}, assert.AnError
	}
	return v, nil
}

func (c *fakeCatalog) ComponentsForPlanVersion(ctx context.Context, id string) ([]scheduledevent.TargetComponentSpec, error) {
	return c.components[id], nil
}

func newEngine(t *testing.T, st *store.InMemory, cat *fakeCatalog, now time.Time) *scheduledevent.Engine {
	t.Helper()
	log, err := logger.NewLogger()
	require.NoError(t, err)
	return scheduledevent.NewEngine(st.AsStore(), cat, clock.NewFixed(now), log)
}

func seedSubscription(st *store.InMemory, periodEnd time.Time) model.Subscription {
	sub := model.Subscription{
		ID:               "sub_1",
		TenantID:         "tenant_1",
		PlanVersionID:    "plv_old",
		Currency:         "USD",
		CurrentPeriodEnd: periodEnd,
		BaseModel:        types.BaseModel{TenantID: "tenant_1"},
	}
	st.Put(&sub)
	return sub
}

func ratePricing(rate int64) []model.PeriodPricing {
	return []model.PeriodPricing{{
		Period:  types.ComponentPeriodMonthly,
		Pricing: model.Pricing{Kind: model.FeeKindRate, Rate: &model.RatePricing{Rate: decimal.NewFromInt(rate)}},
	}}
}

// TestSchedulePlanChange_MatchesAddsAndRemoves covers step 4: a
// component whose product_id appears in both current and target is
// Matched; one only in current is Removed; one only in target is
// Added.
func TestSchedulePlanChange_MatchesAddsAndRemoves(t *testing.T) {
	periodEnd := mustDate("2024-02-01")
	st := store.NewInMemory()
	sub := seedSubscription(st, periodEnd)

	current := []model.SubscriptionComponent{
		{ID: "comp_a", SubscriptionID: sub.ID, ProductID: strPtr("prod_seats"), Period: types.ComponentPeriodMonthly,
			Fee: model.NewRateFee(model.RateFee{Rate: decimal.NewFromInt(10)})},
		{ID: "comp_b", SubscriptionID: sub.ID, ProductID: strPtr("prod_support"), Period: types.ComponentPeriodMonthly,
			Fee: model.NewRateFee(model.RateFee{Rate: decimal.NewFromInt(5)})},
	}

	cat := &fakeCatalog{
		versions: map[string]scheduledevent.PlanVersionInfo{
			"plv_new": {Currency: "USD", IsDraft: false},
		},
		components: map[string][]scheduledevent.TargetComponentSpec{
			"plv_new": {
				{ComponentID: "tcomp_a", ProductID: "prod_seats", PriceID: "price_a", Name: "Seats",
					Structure: model.FeeStructure{Kind: model.FeeKindRate}, Pricings: ratePricing(12)},
				{ComponentID: "tcomp_c", ProductID: "prod_api", PriceID: "price_c", Name: "API calls",
					Structure: model.FeeStructure{Kind: model.FeeKindRate}, Pricings: ratePricing(1)},
			},
		},
	}

	eng := newEngine(t, st, cat, mustDate("2024-01-15"))
	evt, err := eng.SchedulePlanChange(context.Background(), scheduledevent.SchedulePlanChangeInput{
		Subscription:     sub,
		Components:       current,
		NewPlanVersionID: "plv_new",
	})
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, types.ScheduledEventPending, evt.Status)
	assert.Equal(t, periodEnd, evt.ScheduledTime)
	assert.NotEmpty(t, evt.IdempotencyKey)
	require.NotNil(t, evt.EventData.NewPlanVersionID)
	assert.Equal(t, "plv_new", *evt.EventData.NewPlanVersionID)

	byKind := map[string][]model.ComponentMapping{}
	for _, m := range evt.EventData.ComponentMappings {
		byKind[m.Kind] = append(byKind[m.Kind], m)
	}
	require.Len(t, byKind["matched"], 1)
	assert.Equal(t, "comp_a", *byKind["matched"][0].CurrentID)
	assert.Equal(t, "tcomp_a", *byKind["matched"][0].TargetID)
	require.Len(t, byKind["removed"], 1)
	assert.Equal(t, "comp_b", *byKind["removed"][0].CurrentID)
	require.Len(t, byKind["added"], 1)
	assert.Equal(t, "tcomp_c", *byKind["added"][0].TargetID)
}

// TestSchedulePlanChange_CancelsPriorPending covers step 2: scheduling
// a new plan change cancels whatever user-initiated schedule was
// already pending for the subscription.
func TestSchedulePlanChange_CancelsPriorPending(t *testing.T) {
	periodEnd := mustDate("2024-02-01")
	st := store.NewInMemory()
	sub := seedSubscription(st, periodEnd)

	prior := &model.ScheduledEvent{
		ID:             "sevt_prior",
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		ScheduledTime:  periodEnd,
		EventType:      types.ScheduledEventApplyPlanChange,
		Status:         types.ScheduledEventPending,
	}
	require.NoError(t, st.InsertScheduledEvent(context.Background(), prior))

	cat := &fakeCatalog{
		versions:   map[string]scheduledevent.PlanVersionInfo{"plv_new": {Currency: "USD"}},
		components: map[string][]scheduledevent.TargetComponentSpec{"plv_new": {}},
	}
	eng := newEngine(t, st, cat, mustDate("2024-01-15"))

	_, err := eng.SchedulePlanChange(context.Background(), scheduledevent.SchedulePlanChangeInput{
		Subscription:     sub,
		NewPlanVersionID: "plv_new",
	})
	require.NoError(t, err)

	got, err := st.GetScheduledEvent(context.Background(), "sevt_prior")
	require.NoError(t, err)
	assert.Equal(t, types.ScheduledEventCanceled, got.Status)
}

// TestSchedulePlanChange_IdempotencyKeyIsDeterministic covers the
// (subscription_id, scheduled_time, event_type) idempotency key: two
// schedule requests for the same triple must hash to the same key even
// though they produce distinct ScheduledEvent rows, so a caller can
// detect a duplicate submission downstream.
func TestSchedulePlanChange_IdempotencyKeyIsDeterministic(t *testing.T) {
	periodEnd := mustDate("2024-02-01")
	st := store.NewInMemory()
	sub := seedSubscription(st, periodEnd)

	cat := &fakeCatalog{
		versions:   map[string]scheduledevent.PlanVersionInfo{"plv_new": {Currency: "USD"}},
		components: map[string][]scheduledevent.TargetComponentSpec{"plv_new": {}},
	}
	eng := newEngine(t, st, cat, mustDate("2024-01-15"))

	first, err := eng.SchedulePlanChange(context.Background(), scheduledevent.SchedulePlanChangeInput{
		Subscription:     sub,
		NewPlanVersionID: "plv_new",
	})
	require.NoError(t, err)

	second, err := eng.SchedulePlanChange(context.Background(), scheduledevent.SchedulePlanChangeInput{
		Subscription:     sub,
		NewPlanVersionID: "plv_new",
	})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
}

// TestSchedulePlanChange_RejectsCurrencyMismatch covers step 3.
func TestSchedulePlanChange_RejectsCurrencyMismatch(t *testing.T) {
	periodEnd := mustDate("2024-02-01")
	st := store.NewInMemory()
	sub := seedSubscription(st, periodEnd)

	cat := &fakeCatalog{
		versions:   map[string]scheduledevent.PlanVersionInfo{"plv_new": {Currency: "EUR"}},
		components: map[string][]scheduledevent.TargetComponentSpec{"plv_new": {}},
	}
	eng := newEngine(t, st, cat, mustDate("2024-01-15"))

	_, err := eng.SchedulePlanChange(context.Background(), scheduledevent.SchedulePlanChangeInput{
		Subscription:     sub,
		NewPlanVersionID: "plv_new",
	})
	require.Error(t, err)
}

// TestCancel_OnlyPendingUserInitiated covers Cancel's guard.
func TestCancel_OnlyPendingUserInitiated(t *testing.T) {
	st := store.NewInMemory()
	evt := &model.ScheduledEvent{
		ID:             "sevt_1",
		SubscriptionID: "sub_1",
		EventType:      types.ScheduledEventApplyPlanChange,
		Status:         types.ScheduledEventPending,
	}
	require.NoError(t, st.InsertScheduledEvent(context.Background(), evt))

	eng := newEngine(t, st, &fakeCatalog{}, mustDate("2024-01-15"))
	require.NoError(t, eng.Cancel(context.Background(), scheduledevent.CancelInput{ScheduledEventID: "sevt_1"}))

	got, err := st.GetScheduledEvent(context.Background(), "sevt_1")
	require.NoError(t, err)
	assert.Equal(t, types.ScheduledEventCanceled, got.Status)

	err = eng.Cancel(context.Background(), scheduledevent.CancelInput{ScheduledEventID: "sevt_1"})
	require.Error(t, err)
}

// TestRunDue_AppliesPlanChangeAtBoundary covers the boundary-apply
// loop: a due ApplyPlanChange event updates the subscription's
// plan_version_id, resets CycleIndex, and is marked Applied.
func TestRunDue_AppliesPlanChangeAtBoundary(t *testing.T) {
	periodEnd := mustDate("2024-02-01")
	st := store.NewInMemory()
	sub := seedSubscription(st, periodEnd)
	sub.CycleIndex = 3
	st.Put(&sub)

	evt := &model.ScheduledEvent{
		ID:             "sevt_due",
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		ScheduledTime:  periodEnd,
		EventType:      types.ScheduledEventApplyPlanChange,
		EventData: model.ScheduledEventData{
			Type:             model.ScheduledEventDataApplyPlanChange,
			NewPlanVersionID: strPtr("plv_new"),
		},
		Status: types.ScheduledEventPending,
	}
	require.NoError(t, st.InsertScheduledEvent(context.Background(), evt))

	eng := newEngine(t, st, &fakeCatalog{}, periodEnd)
	require.NoError(t, eng.RunDue(context.Background(), periodEnd))

	updated, err := st.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "plv_new", updated.PlanVersionID)
	assert.EqualValues(t, 0, updated.CycleIndex)

	got, err := st.GetScheduledEvent(context.Background(), "sevt_due")
	require.NoError(t, err)
	assert.Equal(t, types.ScheduledEventApplied, got.Status)
	assert.NotNil(t, got.AppliedAt)
}

func strPtr(s string) *string { return &s }
