package postgres

import (
	"context"
	"time"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	pg "github.com/meteroid-oss/meteroid-sub001/internal/postgres"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

type slotTransactionRepo struct {
	db *pg.DB
}

func (r *slotTransactionRepo) InsertSlotTransaction(ctx context.Context, txn *model.SlotTransaction) error {
	query := `
		INSERT INTO slot_transactions (
			id, subscription_id, price_component_id, delta, prev_active_slots,
			effective_at, transaction_at, status, invoice_id
		) VALUES (
			:id, :subscription_id, :price_component_id, :delta, :prev_active_slots,
			:effective_at, :transaction_at, :status, :invoice_id
		)`
	_, err := r.db.Querier(ctx).NamedExecContext(ctx, query, txn)
	return err
}

// ActiveDeltasAt returns every Active delta for componentID whose
// effective_at has arrived, for active_count_at's summation (spec §4.8).
func (r *slotTransactionRepo) ActiveDeltasAt(ctx context.Context, componentID string, at time.Time) ([]model.SlotTransaction, error) {
	var out []model.SlotTransaction
	query := `
		SELECT id, subscription_id, price_component_id, delta, prev_active_slots,
		       effective_at, transaction_at, status, invoice_id
		FROM slot_transactions
		WHERE price_component_id = $1 AND status = $2 AND effective_at <= $3
		ORDER BY effective_at ASC`
	err := r.db.Querier(ctx).SelectContext(ctx, &out, query, componentID, types.SlotTransactionActive, at)
	return out, err
}

func (r *slotTransactionRepo) PendingDeltas(ctx context.Context, componentID string) ([]model.SlotTransaction, error) {
	var out []model.SlotTransaction
	query := `
		SELECT id, subscription_id, price_component_id, delta, prev_active_slots,
		       effective_at, transaction_at, status, invoice_id
		FROM slot_transactions
		WHERE price_component_id = $1 AND status = $2
		ORDER BY transaction_at ASC`
	err := r.db.Querier(ctx).SelectContext(ctx, &out, query, componentID, types.SlotTransactionPending)
	return out, err
}

// ActivatePending flips every Pending row carrying invoiceID to Active,
// stamping EffectiveAt = activationTime (the same transition C8's
// activate_pending_slot_transactions performs once the invoice is paid).
func (r *slotTransactionRepo) ActivatePending(ctx context.Context, invoiceID string, activationTime time.Time) (int, error) {
	query := `
		UPDATE slot_transactions SET status = $1, effective_at = $2
		WHERE invoice_id = $3 AND status = $4`
	res, err := r.db.Querier(ctx).ExecContext(ctx, query,
		types.SlotTransactionActive, activationTime, invoiceID, types.SlotTransactionPending)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}
