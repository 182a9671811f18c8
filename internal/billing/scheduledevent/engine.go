// Package scheduledevent implements C9: plan changes, cancellations and
// pauses that a subscription schedules for its current_period_end
// rather than applying immediately, plus the boundary-apply loop that
// later fires them (spec §4.9). Grounded on the teacher's subscription
// scheduling service for the lock-then-mutate shape, generalized from a
// single plan-change path to a polymorphic ScheduledEventData union.
package scheduledevent

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/fee"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/clock"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
	"github.com/meteroid-oss/meteroid-sub001/internal/store"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// scheduledEventNamespace seeds the UUIDv5 hash idempotency keys are
// derived from; any fixed namespace works since only determinism across
// retries of the same (subscription_id, scheduled_time, event_type)
// triple matters, not global uniqueness against other UUID producers.
var scheduledEventNamespace = uuid.MustParse("6f1f1f2a-2f1a-4e9e-9d3a-7b2e4c6a8d10")

// scheduledEventIdempotencyKey hashes the triple a scheduled event is
// keyed by so re-running SchedulePlanChange after a crash between insert
// and commit acknowledgement can detect the duplicate.
func scheduledEventIdempotencyKey(subscriptionID string, scheduledTime time.Time, eventType types.ScheduledEventType) string {
	name := fmt.Sprintf("%s|%s|%s", subscriptionID, scheduledTime.UTC().Format(time.RFC3339Nano), eventType)
	return uuid.NewSHA1(scheduledEventNamespace, []byte(name)).String()
}

// TargetComponentSpec is one component of the plan version a schedule
// targets, as loaded from the product/price catalog (step 4). The
// catalog itself lives outside this engine's scope; PlanCatalog is the
// seam a caller wires in.
type TargetComponentSpec struct {
	ComponentID string
	ProductID   string
	PriceID     string
	Name        string
	Structure   model.FeeStructure
	Pricings    []model.PeriodPricing
	Params      *model.ComponentParameters
}

// PlanVersionInfo is the catalog metadata a schedule must validate the
// target plan version against (step 3).
type PlanVersionInfo struct {
	Currency string
	IsDraft  bool
}

// PlanCatalog resolves a plan version's components and metadata. It is
// a narrow seam over whatever product/price catalog the caller owns;
// this engine only ever reads through it.
type PlanCatalog interface {
	GetPlanVersion(ctx context.Context, planVersionID string) (PlanVersionInfo, error)
	ComponentsForPlanVersion(ctx context.Context, planVersionID string) ([]TargetComponentSpec, error)
}

// Engine schedules and applies plan changes, and runs the retry loop
// for events the boundary-apply failed to process.
type Engine struct {
	store   *store.Store
	catalog PlanCatalog
	clock   clock.Clock
	logger  *logger.Logger
}

func NewEngine(st *store.Store, catalog PlanCatalog, c clock.Clock, log *logger.Logger) *Engine {
	return &Engine{store: st, catalog: catalog, clock: c, logger: log}
}

// SchedulePlanChangeInput is schedule_plan_change's argument set.
type SchedulePlanChangeInput struct {
	Subscription  model.Subscription
	Components    []model.SubscriptionComponent
	NewPlanVersionID string
}

// SchedulePlanChange runs steps 1-5 of scheduling a plan change: lock
// the subscription, cancel the earliest event already pending for it,
// validate the target plan version, resolve its
// components against the current ones by product_id, and persist the
// resulting ScheduledEvent at current_period_end.
func (e *Engine) SchedulePlanChange(ctx context.Context, in SchedulePlanChangeInput) (*model.ScheduledEvent, error) {
	var result *model.ScheduledEvent
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.store.Subscriptions.LockSubscriptionForUpdate(ctx, in.Subscription.ID); err != nil {
			return err
		}

		if err := e.cancelPendingUserInitiated(ctx, in.Subscription.ID); err != nil {
			return err
		}

		target, err := e.catalog.GetPlanVersion(ctx, in.NewPlanVersionID)
		if err != nil {
			return err
		}
		if target.IsDraft {
			return ierr.NewError("target plan version is a draft").
				WithHintf("plan_version_id=%s", in.NewPlanVersionID).Mark(ierr.ErrInvalidArgument)
		}
		if target.Currency != in.Subscription.Currency {
			return ierr.NewError("target plan version currency does not match subscription").
				WithHintf("subscription=%s target=%s", in.Subscription.Currency, target.Currency).
				Mark(ierr.ErrInvalidArgument)
		}

		targetComponents, err := e.catalog.ComponentsForPlanVersion(ctx, in.NewPlanVersionID)
		if err != nil {
			return err
		}

		mappings, err := matchComponents(in.Components, targetComponents)
		if err != nil {
			return err
		}

		evt := &model.ScheduledEvent{
			ID:             types.GenerateIDWithPrefix(types.PrefixScheduledEvent),
			TenantID:       in.Subscription.TenantID,
			SubscriptionID: in.Subscription.ID,
			ScheduledTime:  in.Subscription.CurrentPeriodEnd,
			EventType:      types.ScheduledEventApplyPlanChange,
			EventData: model.ScheduledEventData{
				Type:              model.ScheduledEventDataApplyPlanChange,
				NewPlanVersionID:  &in.NewPlanVersionID,
				ComponentMappings: mappings,
			},
			Status:         types.ScheduledEventPending,
			Source:         "user",
			CreatedAt:      e.clock.Now(),
			IdempotencyKey: scheduledEventIdempotencyKey(in.Subscription.ID, in.Subscription.CurrentPeriodEnd, types.ScheduledEventApplyPlanChange),
		}
		if err := e.store.ScheduledEvents.InsertScheduledEvent(ctx, evt); err != nil {
			return err
		}
		result = evt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// cancelPendingUserInitiated implements step 2: it cancels the earliest
// Pending event of the subscription, whatever its type or source.
func (e *Engine) cancelPendingUserInitiated(ctx context.Context, subscriptionID string) error {
	pending, err := e.store.ScheduledEvents.PendingForSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if pending == nil {
		return nil
	}
	return e.store.ScheduledEvents.CancelScheduledEvent(ctx, pending.ID)
}

// matchComponents implements step 4: current and target components are
// paired by product_id. A current component with no matching target is
// Removed; a target component with no matching current is Added; a
// match resolves the target's fee via C2, inheriting the current
// component's cadence when the target offers more than one cadence for
// the same product.
func matchComponents(current []model.SubscriptionComponent, target []TargetComponentSpec) ([]model.ComponentMapping, error) {
	targetByProduct := lo.KeyBy(target, func(t TargetComponentSpec) string { return t.ProductID })
	matchedProducts := map[string]bool{}

	var mappings []model.ComponentMapping
	for _, cur := range current {
		if cur.ProductID == nil {
			mappings = append(mappings, model.ComponentMapping{Kind: "removed", CurrentID: &cur.ID})
			continue
		}
		spec, ok := targetByProduct[*cur.ProductID]
		if !ok {
			mappings = append(mappings, model.ComponentMapping{Kind: "removed", CurrentID: &cur.ID})
			continue
		}
		matchedProducts[*cur.ProductID] = true

		params := spec.Params
		if params == nil {
			params = &model.ComponentParameters{}
		}
		inherited := *params
		if inherited.BillingPeriod == nil {
			inherited.BillingPeriod = &cur.Period
		}

		period, resolvedFee, err := fee.Resolve(spec.Structure, spec.Pricings, &inherited)
		if err != nil {
			return nil, ierr.WithError(err).
				WithHintf("product_id=%s", spec.ProductID).Mark(ierr.ErrInvalidArgument)
		}

		priceID := spec.PriceID
		name := spec.Name
		productID := spec.ProductID
		targetID := spec.ComponentID
		mappings = append(mappings, model.ComponentMapping{
			Kind:      "matched",
			CurrentID: &cur.ID,
			TargetID:  &targetID,
			PriceID:   &priceID,
			Fee:       &resolvedFee,
			Period:    &period,
			Name:      &name,
			ProductID: &productID,
		})
	}

	for _, spec := range target {
		if matchedProducts[spec.ProductID] {
			continue
		}
		period, resolvedFee, err := fee.Resolve(spec.Structure, spec.Pricings, spec.Params)
		if err != nil {
			return nil, ierr.WithError(err).
				WithHintf("product_id=%s", spec.ProductID).Mark(ierr.ErrInvalidArgument)
		}
		priceID := spec.PriceID
		name := spec.Name
		productID := spec.ProductID
		targetID := spec.ComponentID
		mappings = append(mappings, model.ComponentMapping{
			Kind:      "added",
			TargetID:  &targetID,
			PriceID:   &priceID,
			Fee:       &resolvedFee,
			Period:    &period,
			Name:      &name,
			ProductID: &productID,
		})
	}

	return mappings, nil
}

// CancelInput names the event to cancel.
type CancelInput struct {
	ScheduledEventID string
}

// cancellableTypes lists the event types a caller may cancel directly;
// system-scheduled activation events are not user-cancellable.
var cancellableTypes = map[types.ScheduledEventType]bool{
	types.ScheduledEventApplyPlanChange:    true,
	types.ScheduledEventCancelSubscription: true,
	types.ScheduledEventPauseSubscription:  true,
}

// Cancel flips a Pending, user-initiated event to Canceled.
func (e *Engine) Cancel(ctx context.Context, in CancelInput) error {
	evt, err := e.store.ScheduledEvents.GetScheduledEvent(ctx, in.ScheduledEventID)
	if err != nil {
		return err
	}
	if evt.Status != types.ScheduledEventPending {
		return ierr.NewError("scheduled event is not pending").
			WithHintf("id=%s status=%s", evt.ID, evt.Status).Mark(ierr.ErrInvalidArgument)
	}
	if !cancellableTypes[evt.EventType] {
		return ierr.NewError("scheduled event type is not user-cancellable").
			WithHintf("id=%s type=%s", evt.ID, evt.EventType).Mark(ierr.ErrInvalidArgument)
	}
	return e.store.ScheduledEvents.CancelScheduledEvent(ctx, in.ScheduledEventID)
}

// runDueConcurrency bounds how many scheduled events RunDue applies at
// once; events target distinct subscriptions so Apply's own per-row
// lock is the only serialization point, making this fan-out safe.
const runDueConcurrency = 8

// RunDue applies every Pending event whose ScheduledTime has passed,
// retrying transient failures with an exponential backoff and giving
// up (marking Failed) once the retry budget is exhausted. Events are
// applied concurrently across a bounded pool since each targets a
// different subscription and Apply itself takes the per-subscription
// lock.
func (e *Engine) RunDue(ctx context.Context, asOf time.Time) error {
	due, err := e.store.ScheduledEvents.DueScheduledEvents(ctx, asOf)
	if err != nil {
		return err
	}
	p := pool.New().WithMaxGoroutines(runDueConcurrency)
	for _, evt := range due {
		evt := evt
		p.Go(func() {
			if err := e.applyWithRetry(ctx, evt); err != nil {
				e.logger.Errorw("scheduled event failed after retries", "id", evt.ID, "error", err)
				_ = e.store.ScheduledEvents.MarkFailed(ctx, evt.ID)
			}
		})
	}
	p.Wait()
	return nil
}

// applyWithRetry wraps Apply in a bounded exponential backoff, counting
// every attempt against the event's Attempts column so a later
// operator query can see how much retrying happened.
func (e *Engine) applyWithRetry(ctx context.Context, evt model.ScheduledEvent) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	return backoff.Retry(func() error {
		if _, err := e.store.ScheduledEvents.IncrementAttempts(ctx, evt.ID); err != nil {
			return backoff.Permanent(err)
		}
		return e.Apply(ctx, evt.ID)
	}, bo)
}

// Apply runs the boundary-apply transaction for one scheduled event:
// lock the subscription, dispatch on event type, mark the event
// Applied. Only ApplyPlanChange mutates SubscriptionComponents today;
// CancelSubscription/PauseSubscription/ActivateTrial are left for the
// lifecycle engine to wire in as the subscription state machine grows.
func (e *Engine) Apply(ctx context.Context, scheduledEventID string) error {
	return e.store.WithTx(ctx, func(ctx context.Context) error {
		evt, err := e.store.ScheduledEvents.GetScheduledEvent(ctx, scheduledEventID)
		if err != nil {
			return err
		}
		if evt.Status != types.ScheduledEventPending {
			return nil
		}

		if _, err := e.store.Subscriptions.LockSubscriptionForUpdate(ctx, evt.SubscriptionID); err != nil {
			return err
		}

		switch evt.EventType {
		case types.ScheduledEventApplyPlanChange:
			if err := e.applyPlanChange(ctx, *evt); err != nil {
				return err
			}
		default:
			return ierr.NewError("unsupported scheduled event type for boundary apply").
				WithHintf("type=%s", evt.EventType).Mark(ierr.ErrInvalidArgument)
		}

		return e.store.ScheduledEvents.MarkApplied(ctx, evt.ID, e.clock.Now())
	})
}

// applyPlanChange updates the subscription's plan_version_id, resets its
// cycle counters, and materializes the ComponentMappings matchComponents
// computed and persisted at schedule time: insert Added, update Matched,
// archive Removed (spec §4.9).
func (e *Engine) applyPlanChange(ctx context.Context, evt model.ScheduledEvent) error {
	sub, err := e.store.Subscriptions.GetSubscription(ctx, evt.SubscriptionID)
	if err != nil {
		return err
	}
	if evt.EventData.NewPlanVersionID == nil {
		return ierr.NewError("apply_plan_change event missing new_plan_version_id").
			WithHintf("id=%s", evt.ID).Mark(ierr.ErrInvalidArgument)
	}

	if err := e.applyComponentMappings(ctx, *sub, evt.EventData.ComponentMappings); err != nil {
		return err
	}

	sub.PlanVersionID = *evt.EventData.NewPlanVersionID
	sub.CycleIndex = 0
	return e.store.Subscriptions.UpdateSubscription(ctx, sub)
}

// applyComponentMappings replays one matchComponents result against the
// component table: Added rows are inserted fresh, Matched rows are
// updated in place (keeping their ID so C8's slot ledger and C1's
// existing-line matching stay attached to the same component_id), and
// Removed rows are archived rather than deleted so past invoices' line
// items keep a resolvable PriceComponentID.
func (e *Engine) applyComponentMappings(ctx context.Context, sub model.Subscription, mappings []model.ComponentMapping) error {
	now := e.clock.Now()
	for _, m := range mappings {
		switch m.Kind {
		case "added":
			comp := &model.SubscriptionComponent{
				ID:             types.GenerateIDWithPrefix(types.PrefixSubscriptionComp),
				SubscriptionID: sub.ID,
				ProductID:      m.ProductID,
			}
			if m.PriceID != nil {
				comp.PriceComponentID = m.PriceID
			}
			if m.Name != nil {
				comp.Name = *m.Name
			}
			if m.Period != nil {
				comp.Period = *m.Period
			}
			if m.Fee != nil {
				comp.Fee = *m.Fee
			}
			comp.TenantID = sub.TenantID
			comp.EnvironmentID = sub.EnvironmentID
			comp.Status = types.StatusPublished
			comp.CreatedAt = now
			comp.UpdatedAt = now
			if err := e.store.SubscriptionComponents.InsertComponent(ctx, comp); err != nil {
				return err
			}

		case "matched":
			if m.CurrentID == nil {
				return ierr.NewError("matched component mapping missing current_id").Mark(ierr.ErrInvalidArgument)
			}
			existing, err := e.getComponent(ctx, sub.ID, *m.CurrentID)
			if err != nil {
				return err
			}
			if m.PriceID != nil {
				existing.PriceComponentID = m.PriceID
			}
			if m.ProductID != nil {
				existing.ProductID = m.ProductID
			}
			if m.Name != nil {
				existing.Name = *m.Name
			}
			if m.Period != nil {
				existing.Period = *m.Period
			}
			if m.Fee != nil {
				existing.Fee = *m.Fee
			}
			existing.UpdatedAt = now
			if err := e.store.SubscriptionComponents.UpdateComponent(ctx, existing); err != nil {
				return err
			}

		case "removed":
			if m.CurrentID == nil {
				return ierr.NewError("removed component mapping missing current_id").Mark(ierr.ErrInvalidArgument)
			}
			if err := e.store.SubscriptionComponents.ArchiveComponent(ctx, *m.CurrentID); err != nil {
				return err
			}

		default:
			return ierr.NewError("unsupported component mapping kind").
				WithHintf("kind=%s", m.Kind).Mark(ierr.ErrInvalidArgument)
		}
	}
	return nil
}

// getComponent finds componentID among subscriptionID's current
// components; store exposes no single-row component getter since
// matchComponents/applyPlanChange always operate over the whole set.
func (e *Engine) getComponent(ctx context.Context, subscriptionID, componentID string) (*model.SubscriptionComponent, error) {
	current, err := e.store.SubscriptionComponents.ListComponents(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	for i := range current {
		if current[i].ID == componentID {
			return &current[i], nil
		}
	}
	return nil, ierr.NewError("subscription component not found").
		WithHintf("subscription_id=%s component_id=%s", subscriptionID, componentID).Mark(ierr.ErrNotFound)
}
