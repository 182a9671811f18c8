package postgres

import (
	"context"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	pg "github.com/meteroid-oss/meteroid-sub001/internal/postgres"
)

type subscriptionRepo struct {
	db *pg.DB
}

const subscriptionColumns = `
	id, tenant_id, customer_id, plan_version_id, currency,
	billing_start_date, billing_end_date, billing_day_anchor, period,
	status, current_period_start, current_period_end, cycle_index,
	mrr_cents, trial_duration_days, environment_id, created_at,
	updated_at, created_by, updated_by`

func (r *subscriptionRepo) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	var sub model.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	if err := r.db.Querier(ctx).GetContext(ctx, &sub, query, id); err != nil {
		return nil, ierr.WithError(err).WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	return &sub, nil
}

func (r *subscriptionRepo) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	query := `
		UPDATE subscriptions SET
			plan_version_id = :plan_version_id,
			current_period_start = :current_period_start,
			current_period_end = :current_period_end,
			cycle_index = :cycle_index,
			mrr_cents = :mrr_cents,
			status = :status,
			updated_at = :updated_at,
			updated_by = :updated_by
		WHERE id = :id`
	_, err := r.db.Querier(ctx).NamedExecContext(ctx, query, sub)
	return err
}

// LockSubscriptionForUpdate issues the `SELECT ... FOR UPDATE` C9's
// boundary-apply loop and C8's slot transactions open their write
// inside; the lock is held until the enclosing WithTx commits or
// rolls back, exactly like the in-memory per-ID mutex it mirrors.
func (r *subscriptionRepo) LockSubscriptionForUpdate(ctx context.Context, id string) (*model.Subscription, error) {
	var sub model.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`
	if err := r.db.Querier(ctx).GetContext(ctx, &sub, query, id); err != nil {
		return nil, ierr.WithError(err).WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	return &sub, nil
}
