// Package lifecycle implements C11, the invoice lifecycle state
// machine (Draft -> Finalized -> {Paid, Void, Uncollectible}), the
// due-event scheduler that advances Draft invoices past their due_at,
// and the MRR-movement bookkeeping a subscription lifecycle event
// feeds into BI (spec §4.11). Grounded on C9's lock-then-mutate
// transactional shape and on the teacher's watermill-backed webhook
// publisher for the post-commit outbox dispatch.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/coupon"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/invoice"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/tax"
	"github.com/meteroid-oss/meteroid-sub001/internal/clock"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
	"github.com/meteroid-oss/meteroid-sub001/internal/outbox"
	"github.com/meteroid-oss/meteroid-sub001/internal/store"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// RecomputeContext is what a Draft->Finalized recompute needs beyond
// the invoice's own row: the subscription/component state C7 expands,
// plus the party snapshots step 1 of spec §4.11 captures. Kept as a
// narrow external seam, the same way C9's PlanCatalog is, since
// loading a subscription's current components is outside this
// package's own persistence scope.
type RecomputeContext struct {
	Subscription         model.Subscription
	Components           []model.SubscriptionComponent
	PrepaidAmount        int64
	CustomerBalanceCents int64
	Coupons              []coupon.Applied
	Tax                  tax.Input
	CustomerDetails      model.PartySnapshot
	SellerDetails        model.PartySnapshot
	PlanVersionID        string
}

// Catalog loads the RecomputeContext for one invoice.
type Catalog interface {
	RecomputeContext(ctx context.Context, inv model.Invoice) (RecomputeContext, error)
}

// FxConverter converts a subunit amount in currency to USD, for the
// BI rows' dual-currency columns. A nil FxConverter (the default for a
// deployment that only ever bills in USD) treats every currency's
// subunits as already USD-denominated; see DESIGN.md for why this
// engine does not require one.
type FxConverter interface {
	ToUSD(ctx context.Context, amountSubunits int64, currency string, at time.Time) (decimal.Decimal, error)
}

// Engine drives C11's state machine.
type Engine struct {
	store     *store.Store
	assembler *invoice.Assembler
	catalog   Catalog
	outbox    outbox.Outbox
	fx        FxConverter
	clock     clock.Clock
	logger    *logger.Logger
}

func NewEngine(st *store.Store, assembler *invoice.Assembler, catalog Catalog, ob outbox.Outbox, fx FxConverter, c clock.Clock, log *logger.Logger) *Engine {
	return &Engine{store: st, assembler: assembler, catalog: catalog, outbox: ob, fx: fx, clock: c, logger: log}
}

// Finalize runs Draft->Finalized (spec §4.11): recompute via C7 one
// last time, assign invoice_number from the monotonic counter, and
// snapshot customer_details/seller_details. A revenue rollup row is
// booked in the same transaction so Void has something concrete to
// reverse.
func (e *Engine) Finalize(ctx context.Context, invoiceID string) (*model.Invoice, error) {
	var result *model.Invoice
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		inv, err := e.store.Invoices.LockInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != types.InvoiceStatusDraft {
			return ierr.NewError("invoice is not Draft").
				WithHintf("id=%s status=%s", inv.ID, inv.Status).Mark(ierr.ErrInvalidArgument)
		}

		recCtx, err := e.catalog.RecomputeContext(ctx, *inv)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		res, err := e.assembler.ComputeInvoice(ctx, invoice.Input{
			InvoiceDate:          now,
			Subscription:         recCtx.Subscription,
			Components:           recCtx.Components,
			PrepaidAmount:        recCtx.PrepaidAmount,
			CustomerBalanceCents: recCtx.CustomerBalanceCents,
			ExistingInvoice:      inv,
			Coupons:              recCtx.Coupons,
			Tax:                  recCtx.Tax,
		})
		if err != nil {
			return err
		}

		inv.Subtotal = res.Content.Subtotal
		inv.SubtotalRecurring = res.Content.SubtotalRecurring
		inv.Discount = res.Content.Discount
		inv.TaxAmount = res.Content.TaxAmount
		inv.AppliedCredits = res.Content.AppliedCredits
		inv.Total = res.Content.Total
		inv.AmountDue = res.Content.AmountDue
		inv.TaxBreakdown = res.Content.TaxBreakdown
		inv.Coupons = res.Content.Coupons
		inv.LineItems = res.Content.LineItems

		yearMonth := now.Format("200601")
		seq, err := e.store.Invoices.NextInvoiceNumber(ctx, inv.TenantID, yearMonth)
		if err != nil {
			return err
		}
		inv.InvoiceNumber = fmt.Sprintf("INV-%s-%05d", yearMonth, seq)
		inv.CustomerDetails = recCtx.CustomerDetails
		inv.SellerDetails = recCtx.SellerDetails
		inv.Status = types.InvoiceStatusFinalized
		inv.PaymentStatus = types.PaymentStatusUnpaid
		inv.FinalizedAt = &now

		if err := e.store.Invoices.UpdateInvoice(ctx, inv); err != nil {
			return err
		}

		revenueUsd, err := e.toUSD(ctx, inv.Total, inv.Currency, now)
		if err != nil {
			return err
		}
		if err := e.store.Bi.InsertRevenue(ctx, model.BiRevenueDaily{
			InvoiceID:     inv.ID,
			TenantID:      inv.TenantID,
			PlanVersionID: recCtx.PlanVersionID,
			Currency:      inv.Currency,
			Date:          now,
			RevenueCents:  inv.Total,
			RevenueUsd:    revenueUsd,
		}); err != nil {
			return err
		}

		result = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkPaid runs Finalized->Paid (spec §4.11): records a payment
// transaction against amount_due and, once it reaches zero, flips the
// invoice to Paid and emits InvoicePaid after commit.
func (e *Engine) MarkPaid(ctx context.Context, invoiceID string, paymentAmountCents int64) (*model.Invoice, error) {
	if paymentAmountCents <= 0 {
		return nil, ierr.NewError("payment amount must be positive").
			WithHintf("amount=%d", paymentAmountCents).Mark(ierr.ErrInvalidArgument)
	}

	var result *model.Invoice
	becamePaid := false
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		inv, err := e.store.Invoices.LockInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != types.InvoiceStatusFinalized {
			return ierr.NewError("invoice is not Finalized").
				WithHintf("id=%s status=%s", inv.ID, inv.Status).Mark(ierr.ErrInvalidArgument)
		}

		inv.AmountDue -= paymentAmountCents
		if inv.AmountDue < 0 {
			inv.AmountDue = 0
		}
		if inv.AmountDue == 0 {
			inv.Status = types.InvoiceStatusPaid
			inv.PaymentStatus = types.PaymentStatusPaid
			becamePaid = true
		} else {
			inv.PaymentStatus = types.PaymentStatusPartiallyPaid
		}

		if err := e.store.Invoices.UpdateInvoice(ctx, inv); err != nil {
			return err
		}

		if becamePaid {
			// Activates any OnInvoicePaid slot transactions riding on this
			// invoice (spec §4.8/§4.11): a Pending row only becomes Active
			// once amount_due reaches zero, not merely on invoice creation.
			if _, err := e.store.SlotTransactions.ActivatePending(ctx, inv.ID, e.clock.Now()); err != nil {
				return err
			}
		}

		result = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	if becamePaid {
		e.publishInvoiceEvent(ctx, outbox.TopicInvoicePaid, result)
	}
	return result, nil
}

// Void runs Finalized->Void (spec §4.11): explicit, and reverses the
// revenue rollup Finalize booked.
func (e *Engine) Void(ctx context.Context, invoiceID string) (*model.Invoice, error) {
	var result *model.Invoice
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		inv, err := e.store.Invoices.LockInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != types.InvoiceStatusFinalized {
			return ierr.NewError("only a Finalized invoice can be voided").
				WithHintf("id=%s status=%s", inv.ID, inv.Status).Mark(ierr.ErrInvalidArgument)
		}
		inv.Status = types.InvoiceStatusVoid
		if err := e.store.Invoices.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if err := e.store.Bi.ReverseRevenueForInvoice(ctx, inv.ID); err != nil {
			return err
		}
		result = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publishInvoiceEvent(ctx, outbox.TopicInvoiceVoided, result)
	return result, nil
}

// runDueEventsConcurrency bounds how many Draft invoices Finalize runs
// against at once; each Finalize opens its own row-scoped transaction
// against a distinct invoice, so the fan-out carries no cross-invoice
// ordering requirement.
const runDueEventsConcurrency = 8

// RunDueEvents implements the due-event scheduler: every invoice with
// auto_advance, Status=Draft and due_at<=asOf is finalized (spec
// §4.11). A failure on one invoice is logged and does not block the
// rest of the batch; invoices are finalized concurrently across a
// bounded pool since each opens its own transaction.
func (e *Engine) RunDueEvents(ctx context.Context, asOf time.Time) error {
	due, err := e.store.Invoices.DueInvoices(ctx, asOf)
	if err != nil {
		return err
	}
	p := pool.New().WithMaxGoroutines(runDueEventsConcurrency)
	for _, inv := range due {
		inv := inv
		p.Go(func() {
			if _, err := e.Finalize(ctx, inv.ID); err != nil {
				e.logger.Errorw("due invoice finalize failed", "invoice_id", inv.ID, "error", err)
			}
		})
	}
	p.Wait()
	return nil
}

func (e *Engine) publishInvoiceEvent(ctx context.Context, topic string, inv *model.Invoice) {
	if inv == nil {
		return
	}
	e.publish(ctx, topic, inv.TenantID, inv.ID, inv)
}

func (e *Engine) publish(ctx context.Context, topic, tenantID, resourceID string, payload any) {
	if e.outbox == nil {
		return
	}
	evt := outbox.Event{Type: topic, TenantID: tenantID, ResourceID: resourceID, Payload: payload}
	if err := e.outbox.Publish(ctx, topic, evt); err != nil {
		e.logger.Errorw("failed to publish lifecycle event", "topic", topic, "resource_id", resourceID, "error", err)
	}
}

func (e *Engine) toUSD(ctx context.Context, amountSubunits int64, currency string, at time.Time) (decimal.Decimal, error) {
	if e.fx == nil {
		return model.FromSubunit(amountSubunits, currency), nil
	}
	return e.fx.ToUSD(ctx, amountSubunits, currency, at)
}

// ComputeMrrCents implements the mrr_cents formula of spec §4.11 for a
// newly created subscription: the sum, across every billable
// component, of that component's per-cycle amount (in subunits) times
// its cadence's month count. Rate/Capacity contribute their flat rate;
// Recurring contributes quantity*rate; Slot contributes
// initial_slots*unit_rate; OneTime and Usage never contribute (they
// carry no predictable recurring amount).
func ComputeMrrCents(components []model.SubscriptionComponent, currency string) (int64, error) {
	var total int64
	for _, c := range components {
		months := int64(c.Period.Months())
		var perCycle decimal.Decimal
		switch c.Fee.Kind {
		case model.FeeKindRate:
			if c.Fee.Rate == nil {
				continue
			}
			perCycle = c.Fee.Rate.Rate
		case model.FeeKindRecurring:
			if c.Fee.Recurring == nil {
				continue
			}
			perCycle = c.Fee.Recurring.Quantity.Mul(c.Fee.Recurring.Rate)
		case model.FeeKindCapacity:
			if c.Fee.Capacity == nil {
				continue
			}
			perCycle = c.Fee.Capacity.Rate
		case model.FeeKindSlot:
			if c.Fee.Slot == nil {
				continue
			}
			perCycle = decimal.NewFromInt(c.Fee.Slot.InitialSlots).Mul(c.Fee.Slot.UnitRate)
		case model.FeeKindOneTime, model.FeeKindUsage:
			continue
		default:
			continue
		}
		cents, err := model.ToSubunit(perCycle, currency)
		if err != nil {
			return 0, err
		}
		total += cents * months
	}
	return total, nil
}

// RecordMrrMovementInput is record_mrr_movement's argument set.
type RecordMrrMovementInput struct {
	Subscription  model.Subscription
	PlanVersionID string
	MovementType  types.MrrMovementType
	MrrDeltaCents int64
}

// RecordMrrMovement appends one BI MRR-movement row (spec §4.11's
// movement-type table). Callers resolve which MovementType applies
// (NewBusiness/Expansion/Contraction/Churn/Reactivation) from the
// subscription-lifecycle event that fired; this only persists the
// resulting delta.
func (e *Engine) RecordMrrMovement(ctx context.Context, in RecordMrrMovementInput) error {
	now := e.clock.Now()
	usd, err := e.toUSD(ctx, in.MrrDeltaCents, in.Subscription.Currency, now)
	if err != nil {
		return err
	}
	row := model.BiDeltaMrrDaily{
		TenantID:      in.Subscription.TenantID,
		PlanVersionID: in.PlanVersionID,
		Currency:      in.Subscription.Currency,
		Date:          now,
		MovementType:  in.MovementType,
		MrrDeltaCents: in.MrrDeltaCents,
		MrrDeltaUsd:   usd,
	}
	if err := e.store.Bi.InsertMrrMovement(ctx, row); err != nil {
		return err
	}
	e.publish(ctx, outbox.TopicMrrMovement, in.Subscription.TenantID, in.Subscription.ID, row)
	return nil
}
