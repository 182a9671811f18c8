package postgres

import (
	"context"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	pg "github.com/meteroid-oss/meteroid-sub001/internal/postgres"
)

type biRepo struct {
	db *pg.DB
}

func (r *biRepo) InsertRevenue(ctx context.Context, row model.BiRevenueDaily) error {
	query := `
		INSERT INTO bi_revenue_daily (
			invoice_id, tenant_id, plan_version_id, currency, date,
			revenue_cents, revenue_usd, reversed
		) VALUES (
			:invoice_id, :tenant_id, :plan_version_id, :currency, :date,
			:revenue_cents, :revenue_usd, :reversed
		)`
	_, err := r.db.Querier(ctx).NamedExecContext(ctx, query, row)
	return err
}

// ReverseRevenueForInvoice marks invoiceID's revenue row Reversed, for
// Finalized->Void's rollup reversal (spec §4.11); a no-op if Finalize
// never booked a row for this invoice (e.g. a zero-total invoice).
func (r *biRepo) ReverseRevenueForInvoice(ctx context.Context, invoiceID string) error {
	query := `UPDATE bi_revenue_daily SET reversed = true WHERE invoice_id = $1`
	_, err := r.db.Querier(ctx).ExecContext(ctx, query, invoiceID)
	return err
}

func (r *biRepo) InsertMrrMovement(ctx context.Context, row model.BiDeltaMrrDaily) error {
	query := `
		INSERT INTO bi_delta_mrr_daily (
			tenant_id, plan_version_id, currency, date, movement_type,
			mrr_delta_cents, mrr_delta_usd
		) VALUES (
			:tenant_id, :plan_version_id, :currency, :date, :movement_type,
			:mrr_delta_cents, :mrr_delta_usd
		)`
	_, err := r.db.Querier(ctx).NamedExecContext(ctx, query, row)
	return err
}
