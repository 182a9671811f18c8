package postgres

import (
	"context"
	"time"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	pg "github.com/meteroid-oss/meteroid-sub001/internal/postgres"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

type scheduledEventRepo struct {
	db *pg.DB
}

const scheduledEventColumns = `
	id, tenant_id, subscription_id, scheduled_time, event_type, event_data,
	status, source, attempts, created_at, applied_at, idempotency_key`

func (r *scheduledEventRepo) InsertScheduledEvent(ctx context.Context, evt *model.ScheduledEvent) error {
	query := `
		INSERT INTO scheduled_events (
			id, tenant_id, subscription_id, scheduled_time, event_type, event_data,
			status, source, attempts, created_at, applied_at, idempotency_key
		) VALUES (
			:id, :tenant_id, :subscription_id, :scheduled_time, :event_type, :event_data,
			:status, :source, :attempts, :created_at, :applied_at, :idempotency_key
		)`
	_, err := r.db.Querier(ctx).NamedExecContext(ctx, query, evt)
	return err
}

func (r *scheduledEventRepo) GetScheduledEvent(ctx context.Context, id string) (*model.ScheduledEvent, error) {
	var evt model.ScheduledEvent
	query := `SELECT ` + scheduledEventColumns + ` FROM scheduled_events WHERE id = $1`
	if err := r.db.Querier(ctx).GetContext(ctx, &evt, query, id); err != nil {
		return nil, ierr.WithError(err).WithHintf("id=%s", id).Mark(ierr.ErrNotFound)
	}
	return &evt, nil
}

// PendingForSubscription finds the earliest Pending event for a
// subscription, whatever its type or source, nil if none, for step 2's
// cancel-before-scheduling guard.
func (r *scheduledEventRepo) PendingForSubscription(ctx context.Context, subscriptionID string) (*model.ScheduledEvent, error) {
	var evt model.ScheduledEvent
	query := `
		SELECT ` + scheduledEventColumns + ` FROM scheduled_events
		WHERE subscription_id = $1 AND status = $2
		ORDER BY scheduled_time ASC LIMIT 1`
	err := r.db.Querier(ctx).GetContext(ctx, &evt, query, subscriptionID, types.ScheduledEventPending)
	if err != nil {
		return nil, nil
	}
	return &evt, nil
}

func (r *scheduledEventRepo) CancelScheduledEvent(ctx context.Context, id string) error {
	query := `UPDATE scheduled_events SET status = $1 WHERE id = $2`
	_, err := r.db.Querier(ctx).ExecContext(ctx, query, types.ScheduledEventCanceled, id)
	return err
}

func (r *scheduledEventRepo) DueScheduledEvents(ctx context.Context, asOf time.Time) ([]model.ScheduledEvent, error) {
	var out []model.ScheduledEvent
	query := `
		SELECT ` + scheduledEventColumns + ` FROM scheduled_events
		WHERE status = $1 AND scheduled_time <= $2
		ORDER BY scheduled_time ASC`
	err := r.db.Querier(ctx).SelectContext(ctx, &out, query, types.ScheduledEventPending, asOf)
	return out, err
}

func (r *scheduledEventRepo) MarkApplied(ctx context.Context, id string, appliedAt time.Time) error {
	query := `UPDATE scheduled_events SET status = $1, applied_at = $2 WHERE id = $3`
	_, err := r.db.Querier(ctx).ExecContext(ctx, query, types.ScheduledEventApplied, appliedAt, id)
	return err
}

func (r *scheduledEventRepo) MarkFailed(ctx context.Context, id string) error {
	query := `UPDATE scheduled_events SET status = $1 WHERE id = $2`
	_, err := r.db.Querier(ctx).ExecContext(ctx, query, types.ScheduledEventFailed, id)
	return err
}

func (r *scheduledEventRepo) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	query := `UPDATE scheduled_events SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`
	err := r.db.Querier(ctx).GetContext(ctx, &attempts, query, id)
	return attempts, err
}
