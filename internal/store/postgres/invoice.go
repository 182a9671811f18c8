package postgres

import (
	"context"
	"time"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	pg "github.com/meteroid-oss/meteroid-sub001/internal/postgres"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

type invoiceRepo struct {
	db *pg.DB
}

const invoiceColumns = `
	id, tenant_id, customer_id, subscription_id, status, payment_status,
	currency, invoice_date, due_at, auto_advance, subtotal,
	subtotal_recurring, discount, tax_amount, applied_credits, prepaid,
	total, amount_due, tax_breakdown, coupons, line_items,
	customer_details, seller_details, invoice_number, pdf_document_id,
	issue_attempts, finalized_at, environment_id, created_at, updated_at,
	created_by, updated_by`

func (r *invoiceRepo) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	var inv model.Invoice
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if err := r.db.Querier(ctx).GetContext(ctx, &inv, query, id); err != nil {
		return nil, ierr.WithError(err).WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	return &inv, nil
}

// LockInvoiceForUpdate is C10 step 1's `SELECT ... FOR UPDATE`, also
// used by C11's Finalize/MarkPaid/Void to serialize against concurrent
// transitions of the same invoice.
func (r *invoiceRepo) LockInvoiceForUpdate(ctx context.Context, id string) (*model.Invoice, error) {
	var inv model.Invoice
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 FOR UPDATE`
	if err := r.db.Querier(ctx).GetContext(ctx, &inv, query, id); err != nil {
		return nil, ierr.WithError(err).WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	return &inv, nil
}

func (r *invoiceRepo) UpdateInvoice(ctx context.Context, inv *model.Invoice) error {
	query := `
		UPDATE invoices SET
			status = :status,
			payment_status = :payment_status,
			subtotal = :subtotal,
			subtotal_recurring = :subtotal_recurring,
			discount = :discount,
			tax_amount = :tax_amount,
			applied_credits = :applied_credits,
			prepaid = :prepaid,
			total = :total,
			amount_due = :amount_due,
			tax_breakdown = :tax_breakdown,
			coupons = :coupons,
			line_items = :line_items,
			customer_details = :customer_details,
			seller_details = :seller_details,
			invoice_number = :invoice_number,
			pdf_document_id = :pdf_document_id,
			issue_attempts = :issue_attempts,
			finalized_at = :finalized_at,
			updated_at = :updated_at,
			updated_by = :updated_by
		WHERE id = :id`
	_, err := r.db.Querier(ctx).NamedExecContext(ctx, query, inv)
	return err
}

func (r *invoiceRepo) DueInvoices(ctx context.Context, asOf time.Time) ([]model.Invoice, error) {
	var out []model.Invoice
	query := `
		SELECT ` + invoiceColumns + ` FROM invoices
		WHERE auto_advance = true AND status = $1 AND due_at IS NOT NULL AND due_at <= $2
		ORDER BY due_at ASC`
	err := r.db.Querier(ctx).SelectContext(ctx, &out, query, types.InvoiceStatusDraft, asOf)
	return out, err
}

// NextInvoiceNumber upserts the (tenant_id, year_month) sequence row and
// returns the incremented value, the same atomic counter the teacher's
// invoice-numbering migration script builds on a dedicated sequence
// table rather than a database SEQUENCE (sequences don't reset cleanly
// per tenant/month).
func (r *invoiceRepo) NextInvoiceNumber(ctx context.Context, tenantID, yearMonth string) (int64, error) {
	var seq int64
	query := `
		INSERT INTO invoice_sequences (tenant_id, year_month, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, year_month) DO UPDATE SET value = invoice_sequences.value + 1
		RETURNING value`
	err := r.db.Querier(ctx).GetContext(ctx, &seq, query, tenantID, yearMonth)
	return seq, err
}
