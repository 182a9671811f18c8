// Package outbox dispatches BI and lifecycle side-effects after a
// transaction commits (spec §4.11, §5: "BI writes are dispatched after
// commit via an outbox"). Grounded on the teacher's
// internal/webhook/publisher, generalized from a single webhook topic
// to any named event and backed by the same watermill gochannel the
// teacher uses for its in-memory pubsub.
package outbox

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
)

// Event is one outbox row: a named, tenant-scoped occurrence with a
// stable resource/sequence pair consumers dedupe on (spec §4.11: "BI
// outbox events are published in commit order; consumers must be
// idempotent on (event_type, resource_id, sequence)").
type Event struct {
	Type       string `json:"event_type"`
	TenantID   string `json:"tenant_id"`
	ResourceID string `json:"resource_id"`
	Sequence   int64  `json:"sequence"`
	Payload    any    `json:"payload,omitempty"`
}

// Outbox publishes committed Events to downstream consumers.
type Outbox interface {
	Publish(ctx context.Context, topic string, evt Event) error
	Close() error
}

// InMemory publishes over a watermill gochannel, exactly as the
// teacher's memory-backed webhook PubSub does, so a consumer goroutine
// can Subscribe the same way a webhook dispatcher would.
type InMemory struct {
	pubsub *gochannel.GoChannel
	logger *logger.Logger
}

func NewInMemory(log *logger.Logger) *InMemory {
	gc := gochannel.NewGoChannel(
		gochannel.Config{
			Persistent:                     true,
			BlockPublishUntilSubscriberAck: false,
			OutputChannelBuffer:            100,
		},
		watermill.NewStdLogger(true, false),
	)
	return &InMemory{pubsub: gc, logger: log}
}

func (o *InMemory) Publish(ctx context.Context, topic string, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("tenant_id", evt.TenantID)
	msg.Metadata.Set("event_type", evt.Type)

	if err := o.pubsub.Publish(topic, msg); err != nil {
		o.logger.Errorw("failed to publish outbox event",
			"error", err, "event_type", evt.Type, "resource_id", evt.ResourceID, "tenant_id", evt.TenantID)
		return err
	}
	o.logger.Infow("published outbox event",
		"event_type", evt.Type, "resource_id", evt.ResourceID, "tenant_id", evt.TenantID)
	return nil
}

func (o *InMemory) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return o.pubsub.Subscribe(ctx, topic)
}

func (o *InMemory) Close() error {
	return o.pubsub.Close()
}

// Topics an InvoiceLifecycle engine publishes to (spec §4.11).
const (
	TopicInvoicePaid   = "invoice.paid"
	TopicInvoiceVoided = "invoice.voided"
	TopicMrrMovement   = "billing.mrr_movement"
)

// TopicCreditNoteRefunded is what C10's Finalize dispatches a Refund
// credit note's cash portion to, for whatever payment-processor
// integration actually issues the refund (spec §4.10 step 6).
const TopicCreditNoteRefunded = "credit_note.refunded"
