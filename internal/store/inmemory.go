package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// InMemory is a single process-local Store, grounded on the teacher's
// testutil in-memory repositories: one mutex-guarded map per entity.
// WithTx has no real rollback semantics (there is nothing to roll back
// in memory beyond what fn itself undoes), but it preserves the
// boundary so callers can be written exactly as they would against
// postgres.
type InMemory struct {
	mu sync.Mutex

	subscriptionLocks map[string]*sync.Mutex
	subscriptions     map[string]*model.Subscription
	components        map[string]*model.SubscriptionComponent
	slotTransactions  map[string][]*model.SlotTransaction // keyed by component_id
	scheduledEvents   map[string]*model.ScheduledEvent
	creditNotes       map[string]*model.CreditNote
	invoices          map[string]*model.Invoice
	invoiceSequences  map[string]int64 // keyed by tenant_id+":"+year_month
	revenueRows       map[string]*model.BiRevenueDaily // keyed by invoice_id
	mrrMovements      []model.BiDeltaMrrDaily
	customerBalances  map[string]int64 // keyed by customer_id, in cents
}

// NewInMemory builds an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{
		subscriptionLocks: map[string]*sync.Mutex{},
		subscriptions:     map[string]*model.Subscription{},
		components:        map[string]*model.SubscriptionComponent{},
		slotTransactions:  map[string][]*model.SlotTransaction{},
		scheduledEvents:   map[string]*model.ScheduledEvent{},
		creditNotes:       map[string]*model.CreditNote{},
		invoices:          map[string]*model.Invoice{},
		invoiceSequences:  map[string]int64{},
		revenueRows:       map[string]*model.BiRevenueDaily{},
		customerBalances:  map[string]int64{},
	}
}

// AsStore wires the receiver's own methods up as a Store, so tests and
// cmd/billingctl can depend on the Store interfaces rather than the
// concrete type.
func (m *InMemory) AsStore() *Store {
	return &Store{
		Tx:                     m,
		Subscriptions:          m,
		SubscriptionComponents: m,
		SlotTransactions:       m,
		ScheduledEvents:        m,
		CreditNotes:            m,
		Invoices:               m,
		Bi:                     m,
		CustomerBalances:       m,
	}
}

// ctxLocksKey stashes the list of row-lock release funcs taken during
// the current WithTx, mirroring how a postgres row lock is held until
// COMMIT/ROLLBACK: here, it is held until WithTx returns.
type ctxLocksKey struct{}

// WithTx runs fn directly: an in-memory store has no log to replay on
// rollback, so the transactional boundary here only serializes access
// via the per-row locks LockSubscriptionForUpdate/LockInvoiceForUpdate
// take inside fn, released here in reverse acquisition order once fn
// returns.
func (m *InMemory) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var releases []func()
	ctx = context.WithValue(ctx, ctxLocksKey{}, &releases)
	err := fn(ctx)
	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
	return err
}

// trackLock registers l's release with the enclosing WithTx, if any; a
// lock taken outside any transaction releases immediately (a one-off
// read has no boundary to hold it open until).
func trackLock(ctx context.Context, l *sync.Mutex) {
	if releases, ok := ctx.Value(ctxLocksKey{}).(*[]func()); ok {
		*releases = append(*releases, l.Unlock)
		return
	}
	l.Unlock()
}

func (m *InMemory) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.subscriptionLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.subscriptionLocks[id] = l
	}
	return l
}

// --- SubscriptionStore ---

func (m *InMemory) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, ierr.NewError("subscription not found").WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	clone := *sub
	return &clone, nil
}

func (m *InMemory) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *sub
	m.subscriptions[sub.ID] = &clone
	return nil
}

// Put seeds a subscription directly, for test setup.
func (m *InMemory) Put(sub *model.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *sub
	m.subscriptions[sub.ID] = &clone
}

// LockSubscriptionForUpdate blocks on the subscription's mutex until it
// is free, then returns the current row. The lock releases when the
// enclosing WithTx returns, exactly like a postgres row lock released
// on COMMIT/ROLLBACK.
func (m *InMemory) LockSubscriptionForUpdate(ctx context.Context, id string) (*model.Subscription, error) {
	l := m.lockFor(id)
	l.Lock()
	sub, err := m.GetSubscription(ctx, id)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	trackLock(ctx, l)
	return sub, nil
}

// --- SubscriptionComponentStore ---

func (m *InMemory) ListComponents(ctx context.Context, subscriptionID string) ([]model.SubscriptionComponent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SubscriptionComponent
	for _, c := range m.components {
		if c.SubscriptionID == subscriptionID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) InsertComponent(ctx context.Context, comp *model.SubscriptionComponent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *comp
	m.components[comp.ID] = &clone
	return nil
}

func (m *InMemory) UpdateComponent(ctx context.Context, comp *model.SubscriptionComponent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.components[comp.ID]; !ok {
		return ierr.NewError("subscription component not found").WithHintf("id=%s", comp.ID).Mark(ierr.ErrNotFound)
	}
	clone := *comp
	m.components[comp.ID] = &clone
	return nil
}

func (m *InMemory) ArchiveComponent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[id]
	if !ok {
		return ierr.NewError("subscription component not found").WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	c.Status = types.StatusArchived
	return nil
}

// --- SlotTransactionStore ---

func (m *InMemory) InsertSlotTransaction(ctx context.Context, txn *model.SlotTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *txn
	m.slotTransactions[txn.ComponentID] = append(m.slotTransactions[txn.ComponentID], &clone)
	return nil
}

func (m *InMemory) ActiveDeltasAt(ctx context.Context, componentID string, at time.Time) ([]model.SlotTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SlotTransaction
	for _, t := range m.slotTransactions[componentID] {
		if t.Status == types.SlotTransactionActive && !t.EffectiveAt.After(at) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *InMemory) PendingDeltas(ctx context.Context, componentID string) ([]model.SlotTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SlotTransaction
	for _, t := range m.slotTransactions[componentID] {
		if t.Status == types.SlotTransactionPending {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *InMemory) ActivatePending(ctx context.Context, invoiceID string, activationTime time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rows := range m.slotTransactions {
		for _, t := range rows {
			if t.InvoiceID != nil && *t.InvoiceID == invoiceID && t.Status == types.SlotTransactionPending {
				t.Status = types.SlotTransactionActive
				t.EffectiveAt = activationTime
				count++
			}
		}
	}
	return count, nil
}

// --- ScheduledEventStore ---

func (m *InMemory) InsertScheduledEvent(ctx context.Context, evt *model.ScheduledEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *evt
	m.scheduledEvents[evt.ID] = &clone
	return nil
}

func (m *InMemory) GetScheduledEvent(ctx context.Context, id string) (*model.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.scheduledEvents[id]
	if !ok {
		return nil, ierr.NewError("scheduled event not found").WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	clone := *evt
	return &clone, nil
}

func (m *InMemory) PendingForSubscription(ctx context.Context, subscriptionID string) (*model.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *model.ScheduledEvent
	for _, evt := range m.scheduledEvents {
		if evt.SubscriptionID == subscriptionID && evt.Status == types.ScheduledEventPending {
			if found == nil || evt.ScheduledTime.Before(found.ScheduledTime) {
				found = evt
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	clone := *found
	return &clone, nil
}

func (m *InMemory) CancelScheduledEvent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.scheduledEvents[id]
	if !ok {
		return ierr.NewError("scheduled event not found").WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	evt.Status = types.ScheduledEventCanceled
	return nil
}

func (m *InMemory) DueScheduledEvents(ctx context.Context, asOf time.Time) ([]model.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ScheduledEvent
	for _, evt := range m.scheduledEvents {
		if evt.Status == types.ScheduledEventPending && !evt.ScheduledTime.After(asOf) {
			out = append(out, *evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (m *InMemory) MarkApplied(ctx context.Context, id string, appliedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.scheduledEvents[id]
	if !ok {
		return ierr.NewError("scheduled event not found").WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	evt.Status = types.ScheduledEventApplied
	evt.AppliedAt = &appliedAt
	return nil
}

func (m *InMemory) MarkFailed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.scheduledEvents[id]
	if !ok {
		return ierr.NewError("scheduled event not found").WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	evt.Status = types.ScheduledEventFailed
	return nil
}

func (m *InMemory) IncrementAttempts(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.scheduledEvents[id]
	if !ok {
		return 0, ierr.NewError("scheduled event not found").WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	evt.Attempts++
	return evt.Attempts, nil
}

// --- CreditNoteStore ---

func (m *InMemory) InsertCreditNote(ctx context.Context, cn *model.CreditNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *cn
	m.creditNotes[cn.ID] = &clone
	return nil
}

func (m *InMemory) GetCreditNote(ctx context.Context, id string) (*model.CreditNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cn, ok := m.creditNotes[id]
	if !ok {
		return nil, ierr.NewError("credit note not found").WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	clone := *cn
	return &clone, nil
}

func (m *InMemory) UpdateCreditNote(ctx context.Context, cn *model.CreditNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *cn
	m.creditNotes[cn.ID] = &clone
	return nil
}

func (m *InMemory) ListForInvoice(ctx context.Context, invoiceID string) ([]model.CreditNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CreditNote
	for _, cn := range m.creditNotes {
		if cn.InvoiceID == invoiceID {
			out = append(out, *cn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- InvoiceStore ---

func (m *InMemory) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ierr.NewError("invoice not found").WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	clone := *inv
	return &clone, nil
}

// LockInvoiceForUpdate mirrors C10 step 1's `SELECT ... FOR UPDATE`; in
// memory this is the same per-ID mutex used for subscriptions, keyed
// under the invoice's own ID rather than a subscription ID, released
// when the enclosing WithTx returns.
func (m *InMemory) LockInvoiceForUpdate(ctx context.Context, id string) (*model.Invoice, error) {
	l := m.lockFor("invoice:" + id)
	l.Lock()
	inv, err := m.GetInvoice(ctx, id)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	trackLock(ctx, l)
	return inv, nil
}

func (m *InMemory) UpdateInvoice(ctx context.Context, inv *model.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *inv
	m.invoices[inv.ID] = &clone
	return nil
}

// PutInvoice seeds an invoice directly, for test setup.
func (m *InMemory) PutInvoice(inv *model.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *inv
	m.invoices[inv.ID] = &clone
}

func (m *InMemory) DueInvoices(ctx context.Context, asOf time.Time) ([]model.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Invoice
	for _, inv := range m.invoices {
		if inv.AutoAdvance && inv.Status == types.InvoiceStatusDraft && inv.DueAt != nil && !inv.DueAt.After(asOf) {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(*out[j].DueAt) })
	return out, nil
}

// NextInvoiceNumber mirrors the teacher's ON CONFLICT DO UPDATE ...
// RETURNING upsert against an (tenant_id, year_month) sequence row.
func (m *InMemory) NextInvoiceNumber(ctx context.Context, tenantID, yearMonth string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + ":" + yearMonth
	m.invoiceSequences[key]++
	return m.invoiceSequences[key], nil
}

// --- BiStore ---

func (m *InMemory) InsertRevenue(ctx context.Context, row model.BiRevenueDaily) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := row
	m.revenueRows[row.InvoiceID] = &clone
	return nil
}

func (m *InMemory) ReverseRevenueForInvoice(ctx context.Context, invoiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.revenueRows[invoiceID]
	if !ok {
		return nil
	}
	row.Reversed = true
	return nil
}

func (m *InMemory) InsertMrrMovement(ctx context.Context, row model.BiDeltaMrrDaily) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mrrMovements = append(m.mrrMovements, row)
	return nil
}

// MrrMovements returns every recorded movement, for test assertions.
func (m *InMemory) MrrMovements() []model.BiDeltaMrrDaily {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.BiDeltaMrrDaily, len(m.mrrMovements))
	copy(out, m.mrrMovements)
	return out
}

// RevenueForInvoice returns the revenue row booked for invoiceID, if
// any, for test assertions.
func (m *InMemory) RevenueForInvoice(invoiceID string) (model.BiRevenueDaily, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.revenueRows[invoiceID]
	if !ok {
		return model.BiRevenueDaily{}, false
	}
	return *row, true
}

// GetBalance returns customerID's prepaid credit balance in cents,
// zero if the customer has never been credited or debited.
func (m *InMemory) GetBalance(ctx context.Context, customerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.customerBalances[customerID], nil
}

// CreditBalance adds amountCents (negative to debit) to customerID's
// balance and returns the resulting total.
func (m *InMemory) CreditBalance(ctx context.Context, customerID string, amountCents int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customerBalances[customerID] += amountCents
	return m.customerBalances[customerID], nil
}
