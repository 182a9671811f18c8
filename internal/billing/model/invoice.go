package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// SubLineItem is one priced sub-part of a LineItem, used when a single
// line aggregates several tiers/matrix-rows/packages (spec §3).
type SubLineItem struct {
	Name            string            `json:"name"`
	Quantity        *decimal.Decimal  `json:"quantity,omitempty"`
	UnitPrice       *decimal.Decimal  `json:"unit_price,omitempty"`
	AmountSubtotal  int64             `json:"amount_subtotal"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// LineItem is one priced row of an invoice. Sum invariant (spec §3):
// AmountTotal = TaxableAmount + TaxAmount; TaxableAmount = AmountSubtotal
// - LineShareOfDiscount.
type LineItem struct {
	LocalID            string            `json:"local_id"`
	Name               string            `json:"name"`
	Quantity           *decimal.Decimal  `json:"quantity,omitempty"`
	UnitPrice          *decimal.Decimal  `json:"unit_price,omitempty"`
	StartDate          time.Time         `json:"start_date"`
	EndDate            time.Time         `json:"end_date"`
	SubLines           []SubLineItem     `json:"sub_lines,omitempty"`
	IsProrated         bool              `json:"is_prorated"`
	PriceComponentID   *string           `json:"price_component_id,omitempty"`
	SubComponentID     *string           `json:"sub_component_id,omitempty"`
	SubAddOnID         *string           `json:"sub_add_on_id,omitempty"`
	ProductID          *string           `json:"product_id,omitempty"`
	MetricID           *string           `json:"metric_id,omitempty"`
	GroupByDimensions  map[string]string `json:"group_by_dimensions,omitempty"`

	AmountSubtotal int64 `json:"amount_subtotal"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	TaxAmount      int64 `json:"tax_amount"`
	TaxDetails     []TaxDetail `json:"tax_details,omitempty"`
	TaxableAmount  int64 `json:"taxable_amount"`
	AmountTotal    int64 `json:"amount_total"`

	// LineShareOfDiscount is the portion of the invoice-level discount
	// attributed to this line by C5; it is not persisted independently,
	// but kept here so C6/C7 can recompute TaxableAmount without a
	// second pass over the coupon applier.
	LineShareOfDiscount int64 `json:"-"`
}

// TaxDetail is one resolved tax applied to a line (a line may carry more
// than one when a product's custom_tax_rules expand MultipleTaxes).
type TaxDetail struct {
	TaxName        string                `json:"tax_name"`
	TaxRate        decimal.Decimal       `json:"tax_rate"`
	TaxAmount      int64                 `json:"tax_amount"`
	ExemptReason   *types.TaxExemptReason `json:"exempt_reason,omitempty"`
}

// TaxBreakdownRow groups TaxDetails across all lines by (TaxName, TaxRate).
type TaxBreakdownRow struct {
	TaxName   string          `json:"tax_name"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	TaxAmount int64           `json:"tax_amount"`
}

// AppliedCouponDetail is one coupon's resolved discount contribution.
type AppliedCouponDetail struct {
	CouponID string `json:"coupon_id"`
	Code     string `json:"code"`
	Amount   int64  `json:"amount"`
}

// PartySnapshot is the immutable customer/seller detail captured at
// invoice date (spec §3: "immutable snapshots captured at invoice date").
type PartySnapshot struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Email   string `json:"email,omitempty"`
	TaxID   string `json:"tax_id,omitempty"`
	Country string `json:"country,omitempty"`
}

// Invoice is the central billing document. Amounts are mutable only
// while Status == Draft (spec §3 lifecycle invariant).
type Invoice struct {
	ID               string               `db:"id" json:"id"`
	TenantID         string               `db:"tenant_id" json:"tenant_id"`
	CustomerID       string               `db:"customer_id" json:"customer_id"`
	SubscriptionID   *string              `db:"subscription_id" json:"subscription_id,omitempty"`
	Status           types.InvoiceStatus  `db:"status" json:"status"`
	PaymentStatus    types.PaymentStatus  `db:"payment_status" json:"payment_status"`
	Currency         string               `db:"currency" json:"currency"`
	InvoiceDate      time.Time            `db:"invoice_date" json:"invoice_date"`
	DueAt            *time.Time           `db:"due_at" json:"due_at,omitempty"`
	AutoAdvance      bool                 `db:"auto_advance" json:"auto_advance"`

	Subtotal          int64 `db:"subtotal" json:"subtotal"`
	SubtotalRecurring int64 `db:"subtotal_recurring" json:"subtotal_recurring"`
	Discount          int64 `db:"discount" json:"discount"`
	TaxAmount         int64 `db:"tax_amount" json:"tax_amount"`
	AppliedCredits    int64 `db:"applied_credits" json:"applied_credits"`
	Prepaid           int64 `db:"prepaid" json:"prepaid"`
	Total             int64 `db:"total" json:"total"`
	AmountDue         int64 `db:"amount_due" json:"amount_due"`

	TaxBreakdown TaxBreakdownRows     `db:"tax_breakdown" json:"tax_breakdown,omitempty"`
	Coupons      AppliedCouponDetails `db:"coupons" json:"coupons,omitempty"`
	LineItems    InvoiceLineItems     `db:"line_items" json:"line_items"`

	CustomerDetails PartySnapshot `db:"customer_details" json:"customer_details"`
	SellerDetails   PartySnapshot `db:"seller_details" json:"seller_details"`

	InvoiceNumber string     `db:"invoice_number" json:"invoice_number,omitempty"`
	PdfDocumentID *string    `db:"pdf_document_id" json:"pdf_document_id,omitempty"`
	IssueAttempts int        `db:"issue_attempts" json:"issue_attempts"`
	FinalizedAt   *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`

	types.BaseModel
}

// ComputedInvoiceContent is C7's pure output: everything compute_invoice
// produces, before persistence (spec §4.7).
type ComputedInvoiceContent struct {
	Subtotal          int64
	SubtotalRecurring int64
	Discount          int64
	TaxAmount         int64
	AppliedCredits    int64
	Total             int64
	AmountDue         int64
	TaxBreakdown      []TaxBreakdownRow
	Coupons           []AppliedCouponDetail
	LineItems         []LineItem
}
