package postgres

import (
	"context"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	pg "github.com/meteroid-oss/meteroid-sub001/internal/postgres"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

type subscriptionComponentRepo struct {
	db *pg.DB
}

const subscriptionComponentColumns = `
	id, subscription_id, price_component_id, product_id, name, period,
	fee, is_add_on, status, environment_id, created_at, updated_at,
	created_by, updated_by`

func (r *subscriptionComponentRepo) ListComponents(ctx context.Context, subscriptionID string) ([]model.SubscriptionComponent, error) {
	var out []model.SubscriptionComponent
	query := `
		SELECT ` + subscriptionComponentColumns + `
		FROM subscription_components
		WHERE subscription_id = $1 AND status != $2
		ORDER BY id ASC`
	err := r.db.Querier(ctx).SelectContext(ctx, &out, query, subscriptionID, types.StatusArchived)
	return out, err
}

func (r *subscriptionComponentRepo) InsertComponent(ctx context.Context, comp *model.SubscriptionComponent) error {
	query := `
		INSERT INTO subscription_components (` + subscriptionComponentColumns + `)
		VALUES (
			:id, :subscription_id, :price_component_id, :product_id, :name, :period,
			:fee, :is_add_on, :status, :environment_id, :created_at, :updated_at,
			:created_by, :updated_by
		)`
	_, err := r.db.Querier(ctx).NamedExecContext(ctx, query, comp)
	return err
}

func (r *subscriptionComponentRepo) UpdateComponent(ctx context.Context, comp *model.SubscriptionComponent) error {
	query := `
		UPDATE subscription_components SET
			name = :name,
			period = :period,
			fee = :fee,
			price_component_id = :price_component_id,
			product_id = :product_id,
			updated_at = :updated_at,
			updated_by = :updated_by
		WHERE id = :id`
	_, err := r.db.Querier(ctx).NamedExecContext(ctx, query, comp)
	return err
}

// ArchiveComponent sets Status=Archived rather than deleting the row:
// a plan change's "removed" mapping must not erase the component history
// that past invoices' line items still reference.
func (r *subscriptionComponentRepo) ArchiveComponent(ctx context.Context, id string) error {
	query := `UPDATE subscription_components SET status = $1 WHERE id = $2`
	res, err := r.db.Querier(ctx).ExecContext(ctx, query, types.StatusArchived, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ierr.NewError("subscription component not found").WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	return nil
}
