// Package store declares C12's persistence contracts: the row-lock and
// append-only-insert primitives the transactional
// engines (C8-C11) build on, grounded on the teacher's
// internal/domain/*/repository interfaces plus its testutil in-memory
// doubles.
package store

import (
	"context"
	"time"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
)

// Tx is the ambient transactional boundary every multi-step mutation in
// this package runs inside (spec §5: "all mutations go through C12 in a
// single database transaction").
type Tx interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SubscriptionStore is C12's subscription-row access, including the
// `lock_subscription_for_update` primitive C8/C9 open every write with.
// Method names are entity-qualified so one concrete store can implement
// every interface in this file without name collisions.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error
	// LockSubscriptionForUpdate blocks until an exclusive lock on id is
	// held within the current transaction, then returns the current
	// row. The lock is released when the enclosing transaction commits
	// or rolls back.
	LockSubscriptionForUpdate(ctx context.Context, id string) (*model.Subscription, error)
}

// SubscriptionComponentStore is C9's component-write surface: boundary-
// apply materializes a plan change's ComponentMappings here (spec §4.9:
// "insert new SubscriptionComponents, update matched, archive removed").
type SubscriptionComponentStore interface {
	ListComponents(ctx context.Context, subscriptionID string) ([]model.SubscriptionComponent, error)
	InsertComponent(ctx context.Context, comp *model.SubscriptionComponent) error
	UpdateComponent(ctx context.Context, comp *model.SubscriptionComponent) error
	// ArchiveComponent sets Status=Archived on id; archived components
	// are never again picked up by C1/C7's active-component loads.
	ArchiveComponent(ctx context.Context, id string) error
}

// SlotTransactionStore is C8's append-only ledger.
type SlotTransactionStore interface {
	InsertSlotTransaction(ctx context.Context, txn *model.SlotTransaction) error
	// ActiveDeltasAt returns every Active transaction for componentID
	// with EffectiveAt <= at, for active_count_at's summation.
	ActiveDeltasAt(ctx context.Context, componentID string, at time.Time) ([]model.SlotTransaction, error)
	PendingDeltas(ctx context.Context, componentID string) ([]model.SlotTransaction, error)
	// ActivatePending flips every Pending row carrying invoiceID to
	// Active with EffectiveAt = activationTime, returning the count
	// flipped.
	ActivatePending(ctx context.Context, invoiceID string, activationTime time.Time) (int, error)
}

// ScheduledEventStore is C9's persistence side.
type ScheduledEventStore interface {
	InsertScheduledEvent(ctx context.Context, evt *model.ScheduledEvent) error
	GetScheduledEvent(ctx context.Context, id string) (*model.ScheduledEvent, error)
	// PendingForSubscription finds the earliest Pending event for a
	// subscription, if any, whatever its type or source — step 2 of
	// scheduling a plan change cancels it before inserting the new one.
	PendingForSubscription(ctx context.Context, subscriptionID string) (*model.ScheduledEvent, error)
	CancelScheduledEvent(ctx context.Context, id string) error
	// DueScheduledEvents lists Pending events with ScheduledTime <=
	// asOf, for the boundary-apply scheduler loop.
	DueScheduledEvents(ctx context.Context, asOf time.Time) ([]model.ScheduledEvent, error)
	MarkApplied(ctx context.Context, id string, appliedAt time.Time) error
	MarkFailed(ctx context.Context, id string) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
}

// CreditNoteStore is C10's persistence side.
type CreditNoteStore interface {
	InsertCreditNote(ctx context.Context, cn *model.CreditNote) error
	GetCreditNote(ctx context.Context, id string) (*model.CreditNote, error)
	UpdateCreditNote(ctx context.Context, cn *model.CreditNote) error
	ListForInvoice(ctx context.Context, invoiceID string) ([]model.CreditNote, error)
}

// InvoiceStore is C7/C11's persistence side.
type InvoiceStore interface {
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	// LockInvoiceForUpdate is C10 step 1's `SELECT ... FOR UPDATE`.
	LockInvoiceForUpdate(ctx context.Context, id string) (*model.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *model.Invoice) error
	// DueInvoices lists invoices with AutoAdvance, Status=Draft and
	// DueAt<=asOf, for C11's due-event processing loop.
	DueInvoices(ctx context.Context, asOf time.Time) ([]model.Invoice, error)
	// NextInvoiceNumber atomically increments and returns the
	// invoicing entity's per-tenant, per-month sequence, for
	// Draft->Finalized's invoice_number assignment (spec §4.11).
	NextInvoiceNumber(ctx context.Context, tenantID, yearMonth string) (int64, error)
}

// CustomerBalanceStore is the prepaid-credit ledger C10's Finalize
// credits; GetBalance reads a customer's current total.
type CustomerBalanceStore interface {
	GetBalance(ctx context.Context, customerID string) (int64, error)
	// CreditBalance atomically adds amountCents (may be negative) to
	// customerID's balance and returns the resulting total.
	CreditBalance(ctx context.Context, customerID string, amountCents int64) (int64, error)
}

// BiStore is C11's business-intelligence rollup side: append-only
// revenue and MRR-movement rows, dispatched from inside the same
// transaction that finalizes/voids/advances an invoice (spec §6).
type BiStore interface {
	InsertRevenue(ctx context.Context, row model.BiRevenueDaily) error
	// ReverseRevenueForInvoice marks invoiceID's revenue row Reversed,
	// for Finalized->Void (spec §4.11: "reverses any BI rollups").
	ReverseRevenueForInvoice(ctx context.Context, invoiceID string) error
	InsertMrrMovement(ctx context.Context, row model.BiDeltaMrrDaily) error
}

// Store aggregates every repository C8-C11 need plus the shared
// transactional boundary.
type Store struct {
	Tx
	Subscriptions          SubscriptionStore
	SubscriptionComponents SubscriptionComponentStore
	SlotTransactions       SlotTransactionStore
	ScheduledEvents        ScheduledEventStore
	CreditNotes            CreditNoteStore
	Invoices               InvoiceStore
	Bi                     BiStore
	CustomerBalances       CustomerBalanceStore
}
