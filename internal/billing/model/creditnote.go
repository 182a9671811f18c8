package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// CreditNoteLineItem mirrors a subset of an invoice line with negated
// amounts (spec §3).
type CreditNoteLineItem struct {
	LocalID          string           `json:"local_id"`
	InvoiceLineLocal string           `json:"invoice_line_local_id"`
	Name             string           `json:"name"`
	Quantity         *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice        *decimal.Decimal `json:"unit_price,omitempty"`
	Subtotal         int64            `json:"subtotal"`
	TaxableAmount    int64            `json:"taxable_amount"`
	TaxAmount        int64            `json:"tax_amount"`
	Total            int64            `json:"total"`
}

// CreditNote partitions a finalized invoice's amounts; immutable once
// Finalized (spec §3, §4.10).
type CreditNote struct {
	ID                  string                  `db:"id" json:"id"`
	TenantID            string                  `db:"tenant_id" json:"tenant_id"`
	InvoiceID           string                  `db:"invoice_id" json:"invoice_id"`
	CustomerID          string                  `db:"customer_id" json:"customer_id"`
	Status              types.CreditNoteStatus  `db:"status" json:"status"`
	CreditType          types.CreditType        `db:"credit_type" json:"credit_type"`
	Reason              types.CreditNoteReason  `db:"reason" json:"reason"`
	Memo                string                  `db:"memo" json:"memo"`
	Currency            string                  `db:"currency" json:"currency"`
	LineItems           CreditNoteLineItems     `db:"line_items" json:"line_items"`
	Subtotal            int64                   `db:"subtotal" json:"subtotal"`
	TaxAmount           int64                   `db:"tax_amount" json:"tax_amount"`
	Total               int64                   `db:"total" json:"total"`
	CreditedAmountCents int64                   `db:"credited_amount_cents" json:"credited_amount_cents"`
	RefundedAmountCents int64                   `db:"refunded_amount_cents" json:"refunded_amount_cents"`
	CreditNoteNumber    string                  `db:"credit_note_number" json:"credit_note_number,omitempty"`
	IdempotencyKey      *string                 `db:"idempotency_key" json:"idempotency_key,omitempty"`

	types.BaseModel
}

// SlotTransaction is one append-only delta to a component's active slot
// count (spec §3, §4.8).
type SlotTransaction struct {
	ID               string                       `db:"id" json:"id"`
	SubscriptionID   string                       `db:"subscription_id" json:"subscription_id"`
	ComponentID      string                       `db:"price_component_id" json:"price_component_id"`
	Delta            int64                        `db:"delta" json:"delta"`
	PrevActiveSlots  int64                        `db:"prev_active_slots" json:"prev_active_slots"`
	EffectiveAt      time.Time                    `db:"effective_at" json:"effective_at"`
	TransactionAt    time.Time                    `db:"transaction_at" json:"transaction_at"`
	Status           types.SlotTransactionStatus  `db:"status" json:"status"`
	InvoiceID        *string                      `db:"invoice_id" json:"invoice_id,omitempty"`
}

// ScheduledEvent is a (subscription_id, scheduled_time, event_data)
// triple applied atomically at the scheduled boundary (spec §3, §4.9).
type ScheduledEvent struct {
	ID             string                      `db:"id" json:"id"`
	TenantID       string                      `db:"tenant_id" json:"tenant_id"`
	SubscriptionID string                      `db:"subscription_id" json:"subscription_id"`
	ScheduledTime  time.Time                   `db:"scheduled_time" json:"scheduled_time"`
	EventType      types.ScheduledEventType    `db:"event_type" json:"event_type"`
	EventData      ScheduledEventData          `db:"event_data" json:"event_data"`
	Status         types.ScheduledEventStatus  `db:"status" json:"status"`
	Source         string                      `db:"source" json:"source"`
	Attempts       int                         `db:"attempts" json:"attempts"`
	CreatedAt      time.Time                   `db:"created_at" json:"created_at"`
	AppliedAt      *time.Time                  `db:"applied_at" json:"applied_at,omitempty"`
	// IdempotencyKey is a deterministic hash of (subscription_id,
	// scheduled_time, event_type), distinct from ID, so retrying
	// schedule_plan_change after a crashed insert never double-schedules
	// the same boundary event.
	IdempotencyKey string `db:"idempotency_key" json:"idempotency_key"`
}

// ComponentMapping links a current component to its target after a plan
// change, or marks it Added/Removed (spec §4.9).
type ComponentMapping struct {
	Kind         string           `json:"kind"` // matched | added | removed
	CurrentID    *string          `json:"current_id,omitempty"`
	TargetID     *string          `json:"target_id,omitempty"`
	PriceID      *string          `json:"price_id,omitempty"`
	Fee          *SubscriptionFee `json:"fee,omitempty"`
	Period       *types.SubscriptionFeeBillingPeriod `json:"period,omitempty"`
	Name         *string          `json:"name,omitempty"`
	ProductID    *string          `json:"product_id,omitempty"`
}

// ScheduledEventData is the tagged union carried by ScheduledEvent.
type ScheduledEventData struct {
	Type                ScheduledEventDataType `json:"type"`
	NewPlanVersionID     *string              `json:"new_plan_version_id,omitempty"`
	ComponentMappings    []ComponentMapping   `json:"component_mappings,omitempty"`
}

type ScheduledEventDataType string

const (
	ScheduledEventDataApplyPlanChange     ScheduledEventDataType = "apply_plan_change"
	ScheduledEventDataCancelSubscription  ScheduledEventDataType = "cancel_subscription"
	ScheduledEventDataPauseSubscription   ScheduledEventDataType = "pause_subscription"
	ScheduledEventDataActivateTrial       ScheduledEventDataType = "activate_trial"
)

// HistoricalRate is a dated snapshot of all FX rates relative to USD.
type HistoricalRate struct {
	Date  time.Time `db:"date" json:"date"`
	Rates RateMap   `db:"rates" json:"rates"`
}

// BiDeltaMrrDaily is one append-only MRR-movement row (spec §6).
type BiDeltaMrrDaily struct {
	TenantID      string               `db:"tenant_id" json:"tenant_id"`
	PlanVersionID string               `db:"plan_version_id" json:"plan_version_id"`
	Currency      string               `db:"currency" json:"currency"`
	Date          time.Time            `db:"date" json:"date"`
	MovementType  types.MrrMovementType `db:"movement_type" json:"movement_type"`
	MrrDeltaCents int64                `db:"mrr_delta_cents" json:"mrr_delta_cents"`
	MrrDeltaUsd   decimal.Decimal      `db:"mrr_delta_usd" json:"mrr_delta_usd"`
}

// BiRevenueDaily is one append-only revenue rollup row (spec §6),
// keyed back to the invoice that produced it so InvoiceLifecycle's
// Void transition can reverse exactly that row (spec §4.11).
type BiRevenueDaily struct {
	InvoiceID     string          `db:"invoice_id" json:"invoice_id"`
	TenantID      string          `db:"tenant_id" json:"tenant_id"`
	PlanVersionID string          `db:"plan_version_id" json:"plan_version_id"`
	Currency      string          `db:"currency" json:"currency"`
	Date          time.Time       `db:"date" json:"date"`
	RevenueCents  int64           `db:"revenue_cents" json:"revenue_cents"`
	RevenueUsd    decimal.Decimal `db:"revenue_usd" json:"revenue_usd"`
	Reversed      bool            `db:"reversed" json:"reversed"`
}
