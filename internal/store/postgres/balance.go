package postgres

import (
	"context"

	pg "github.com/meteroid-oss/meteroid-sub001/internal/postgres"
)

type customerBalanceRepo struct {
	db *pg.DB
}

func (r *customerBalanceRepo) GetBalance(ctx context.Context, customerID string) (int64, error) {
	var cents int64
	query := `SELECT balance_cents FROM customer_balances WHERE customer_id = $1`
	err := r.db.Querier(ctx).GetContext(ctx, &cents, query, customerID)
	if err != nil {
		return 0, nil
	}
	return cents, nil
}

// CreditBalance upserts customerID's row, adding amountCents (negative
// to debit) atomically, and returns the resulting total — the same
// INSERT ... ON CONFLICT DO UPDATE ... RETURNING shape NextInvoiceNumber
// uses for its per-tenant sequence.
func (r *customerBalanceRepo) CreditBalance(ctx context.Context, customerID string, amountCents int64) (int64, error) {
	var total int64
	query := `
		INSERT INTO customer_balances (customer_id, balance_cents)
		VALUES ($1, $2)
		ON CONFLICT (customer_id) DO UPDATE SET balance_cents = customer_balances.balance_cents + $2
		RETURNING balance_cents`
	err := r.db.Querier(ctx).GetContext(ctx, &total, query, customerID, amountCents)
	return total, err
}
