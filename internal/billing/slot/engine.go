// Package slot implements C8, the slot transaction engine: per-unit
// billable counts (seats, connectors, etc.) maintained as an
// append-only ledger of signed deltas rather than a single mutable
// counter, so concurrent upgrades never lose an increment and every
// count at any instant is reconstructible (spec §4.8). Grounded on the
// teacher's subscription-lifecycle services for the lock-then-mutate
// transactional shape, generalized from quantity updates to ledger
// inserts.
package slot

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/lineitem"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/period"
	"github.com/meteroid-oss/meteroid-sub001/internal/clock"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
	"github.com/meteroid-oss/meteroid-sub001/internal/store"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// Engine applies slot deltas against the ledger, validates them
// against a component's min/max bounds, and satisfies
// lineitem.SlotReader so C4's Computer can price a regular-cycle slot
// fee off the same ledger this engine writes to.
type Engine struct {
	store  *store.Store
	clock  clock.Clock
	logger *logger.Logger
}

func NewEngine(st *store.Store, c clock.Clock, log *logger.Logger) *Engine {
	return &Engine{store: st, clock: c, logger: log}
}

// ActiveCountAt implements lineitem.SlotReader: the signed sum of every
// Active delta with EffectiveAt <= at. A freshly created subscription
// is expected to be seeded with an Active row at billing_start carrying
// InitialSlots, so this never special-cases the empty-ledger case.
func (e *Engine) ActiveCountAt(ctx context.Context, componentID string, at time.Time) (int64, error) {
	rows, err := e.store.SlotTransactions.ActiveDeltasAt(ctx, componentID, at)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range rows {
		total += r.Delta
	}
	return total, nil
}

func (e *Engine) pendingSum(ctx context.Context, componentID string) (int64, error) {
	rows, err := e.store.SlotTransactions.PendingDeltas(ctx, componentID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range rows {
		total += r.Delta
	}
	return total, nil
}

// ApplyInput describes one slot delta request.
type ApplyInput struct {
	Subscription model.Subscription
	Component    model.SubscriptionComponent
	Delta        int64
	Mode         types.SlotBillingMode
}

// ApplyResult carries the persisted ledger row (absent for an
// ON_CHECKOUT preview, which persists nothing) and, for an immediate
// optimistic upgrade, the one-line prorated invoice preview spec §4.8
// calls for.
type ApplyResult struct {
	Transaction *model.SlotTransaction
	Invoice     *model.ComputedInvoiceContent
}

// ApplyDelta validates and applies one slot delta (spec §4.8). Upgrades
// (delta > 0) are bounds-checked against max_slots and applied per
// Mode; downgrades (delta < 0) are always deferred to
// current_period_end regardless of Mode, bounds-checked against
// min_slots and the zero floor.
func (e *Engine) ApplyDelta(ctx context.Context, in ApplyInput) (*ApplyResult, error) {
	if in.Component.Fee.Kind != model.FeeKindSlot || in.Component.Fee.Slot == nil {
		return nil, ierr.NewError("component is not a slot fee").
			WithHintf("component_id=%s kind=%s", in.Component.ID, in.Component.Fee.Kind).
			Mark(ierr.ErrInvalidArgument)
	}
	if in.Delta == 0 {
		return nil, ierr.NewError("slot delta must be non-zero").Mark(ierr.ErrInvalidArgument)
	}

	if in.Mode == types.SlotBillingModeOnCheckout {
		return e.previewOnCheckout(ctx, in)
	}

	var result *ApplyResult
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.store.Subscriptions.LockSubscriptionForUpdate(ctx, in.Subscription.ID); err != nil {
			return err
		}
		now := e.clock.Now()
		var err error
		if in.Delta < 0 {
			result, err = e.applyDowngrade(ctx, in, now)
		} else {
			result, err = e.applyUpgrade(ctx, in, now)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) applyUpgrade(ctx context.Context, in ApplyInput, now time.Time) (*ApplyResult, error) {
	f := in.Component.Fee.Slot

	current, err := e.ActiveCountAt(ctx, in.Component.ID, now)
	if err != nil {
		return nil, err
	}
	pending, err := e.pendingSum(ctx, in.Component.ID)
	if err != nil {
		return nil, err
	}
	if f.MaxSlots != nil && current+pending+in.Delta > *f.MaxSlots {
		return nil, ierr.NewError("slot upgrade exceeds max_slots").
			WithHintf("current=%d pending=%d delta=%d max=%d", current, pending, in.Delta, *f.MaxSlots).
			Mark(ierr.ErrInvalidArgument)
	}

	txn := &model.SlotTransaction{
		ID:              types.GenerateIDWithPrefix(types.PrefixSlotTransaction),
		SubscriptionID:  in.Subscription.ID,
		ComponentID:     in.Component.ID,
		Delta:           in.Delta,
		PrevActiveSlots: current,
		TransactionAt:   now,
	}

	switch in.Mode {
	case types.SlotBillingModeOptimistic:
		txn.Status = types.SlotTransactionActive
		txn.EffectiveAt = now
	case types.SlotBillingModeOnInvoicePaid:
		txn.Status = types.SlotTransactionPending
		txn.EffectiveAt = now
	default:
		return nil, ierr.NewError("unsupported slot billing mode").
			WithHintf("mode=%s", in.Mode).Mark(ierr.ErrInvalidArgument)
	}

	if err := e.store.SlotTransactions.InsertSlotTransaction(ctx, txn); err != nil {
		return nil, err
	}

	result := &ApplyResult{Transaction: txn}
	if in.Mode == types.SlotBillingModeOptimistic {
		content, err := e.previewDelta(in, now)
		if err != nil {
			return nil, err
		}
		result.Invoice = content
	}
	return result, nil
}

// applyDowngrade always defers to current_period_end: it inserts the
// Active row now with EffectiveAt in the future, so active_count_at
// reads as of today are unaffected until the boundary passes.
func (e *Engine) applyDowngrade(ctx context.Context, in ApplyInput, now time.Time) (*ApplyResult, error) {
	f := in.Component.Fee.Slot
	effectiveAt := in.Subscription.CurrentPeriodEnd

	projected, err := e.ActiveCountAt(ctx, in.Component.ID, effectiveAt)
	if err != nil {
		return nil, err
	}
	projected += in.Delta
	if projected <= 0 {
		return nil, ierr.NewError("slot downgrade would leave no active slots").
			WithHintf("delta=%d projected=%d", in.Delta, projected).Mark(ierr.ErrInvalidArgument)
	}
	if f.MinSlots != nil && projected < *f.MinSlots {
		return nil, ierr.NewError("slot downgrade violates min_slots").
			WithHintf("projected=%d min=%d", projected, *f.MinSlots).Mark(ierr.ErrInvalidArgument)
	}

	current, err := e.ActiveCountAt(ctx, in.Component.ID, now)
	if err != nil {
		return nil, err
	}

	txn := &model.SlotTransaction{
		ID:              types.GenerateIDWithPrefix(types.PrefixSlotTransaction),
		SubscriptionID:  in.Subscription.ID,
		ComponentID:     in.Component.ID,
		Delta:           in.Delta,
		PrevActiveSlots: current,
		EffectiveAt:     effectiveAt,
		TransactionAt:   now,
		Status:          types.SlotTransactionActive,
	}
	if err := e.store.SlotTransactions.InsertSlotTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return &ApplyResult{Transaction: txn}, nil
}

// previewOnCheckout runs the same upgrade validation and one-line
// compute as an optimistic upgrade, but writes nothing: ON_CHECKOUT is
// a quote shown before the customer has actually paid.
func (e *Engine) previewOnCheckout(ctx context.Context, in ApplyInput) (*ApplyResult, error) {
	if in.Delta < 0 {
		return nil, ierr.NewError("on_checkout preview only supports slot upgrades").Mark(ierr.ErrInvalidArgument)
	}
	f := in.Component.Fee.Slot
	now := e.clock.Now()

	current, err := e.ActiveCountAt(ctx, in.Component.ID, now)
	if err != nil {
		return nil, err
	}
	pending, err := e.pendingSum(ctx, in.Component.ID)
	if err != nil {
		return nil, err
	}
	if f.MaxSlots != nil && current+pending+in.Delta > *f.MaxSlots {
		return nil, ierr.NewError("slot upgrade exceeds max_slots").
			WithHintf("current=%d pending=%d delta=%d max=%d", current, pending, in.Delta, *f.MaxSlots).
			Mark(ierr.ErrInvalidArgument)
	}

	content, err := e.previewDelta(in, now)
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Invoice: content}, nil
}

// previewDelta bills only the newly added seats over
// [now, current_period_end): the existing active count is already
// covered by the subscription's regular cycle invoice, so an
// optimistic top-up invoice (or an ON_CHECKOUT quote for one) must not
// re-bill it (spec §8 E3: 5 seats added, not the resulting 15).
func (e *Engine) previewDelta(in ApplyInput, now time.Time) (*model.ComputedInvoiceContent, error) {
	f := in.Component.Fee.Slot
	periodEnd := in.Subscription.CurrentPeriodEnd
	factor := period.ProrationFactor(now, periodEnd)

	subunits, effectiveQty, isProrated, err := lineitem.PriceFlatExtension(
		decimal.NewFromInt(in.Delta), f.UnitRate, &factor, in.Subscription.Currency,
	)
	if err != nil {
		return nil, err
	}

	line := model.LineItem{
		LocalID:          types.GenerateIDWithPrefix(types.PrefixLineItem),
		Name:             in.Component.Name,
		Quantity:         &effectiveQty,
		UnitPrice:        &f.UnitRate,
		StartDate:        now,
		EndDate:          periodEnd,
		IsProrated:       isProrated,
		PriceComponentID: in.Component.PriceComponentID,
		SubComponentID:   &in.Component.ID,
		ProductID:        in.Component.ProductID,
		AmountSubtotal:   subunits,
		TaxableAmount:    subunits,
		AmountTotal:      subunits,
	}

	return &model.ComputedInvoiceContent{
		Subtotal:  subunits,
		Total:     subunits,
		AmountDue: subunits,
		LineItems: []model.LineItem{line},
	}, nil
}
