package postgres

import (
	"context"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
	pg "github.com/meteroid-oss/meteroid-sub001/internal/postgres"
)

type creditNoteRepo struct {
	db     *pg.DB
	logger *logger.Logger
}

const creditNoteColumns = `
	id, tenant_id, invoice_id, customer_id, status, credit_type, reason, memo,
	currency, line_items, subtotal, tax_amount, total, credited_amount_cents,
	refunded_amount_cents, credit_note_number, idempotency_key,
	environment_id, created_at, updated_at, created_by, updated_by`

func (r *creditNoteRepo) InsertCreditNote(ctx context.Context, cn *model.CreditNote) error {
	if r.logger != nil {
		r.logger.Debugf("inserting credit note id=%s invoice_id=%s", cn.ID, cn.InvoiceID)
	}
	query := `
		INSERT INTO credit_notes (` + creditNoteColumns + `)
		VALUES (
			:id, :tenant_id, :invoice_id, :customer_id, :status, :credit_type, :reason, :memo,
			:currency, :line_items, :subtotal, :tax_amount, :total, :credited_amount_cents,
			:refunded_amount_cents, :credit_note_number, :idempotency_key,
			:environment_id, :created_at, :updated_at, :created_by, :updated_by
		)`
	_, err := r.db.Querier(ctx).NamedExecContext(ctx, query, cn)
	return err
}

func (r *creditNoteRepo) GetCreditNote(ctx context.Context, id string) (*model.CreditNote, error) {
	var cn model.CreditNote
	query := `SELECT ` + creditNoteColumns + ` FROM credit_notes WHERE id = $1`
	if err := r.db.Querier(ctx).GetContext(ctx, &cn, query, id); err != nil {
		return nil, ierr.WithError(err).WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	return &cn, nil
}

func (r *creditNoteRepo) UpdateCreditNote(ctx context.Context, cn *model.CreditNote) error {
	query := `
		UPDATE credit_notes SET
			status = :status,
			credited_amount_cents = :credited_amount_cents,
			refunded_amount_cents = :refunded_amount_cents,
			credit_note_number = :credit_note_number,
			updated_at = :updated_at,
			updated_by = :updated_by
		WHERE id = :id`
	_, err := r.db.Querier(ctx).NamedExecContext(ctx, query, cn)
	return err
}

func (r *creditNoteRepo) ListForInvoice(ctx context.Context, invoiceID string) ([]model.CreditNote, error) {
	var out []model.CreditNote
	query := `SELECT ` + creditNoteColumns + ` FROM credit_notes WHERE invoice_id = $1 ORDER BY created_at ASC`
	err := r.db.Querier(ctx).SelectContext(ctx, &out, query, invoiceID)
	return out, err
}
