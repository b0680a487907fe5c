package app

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/taas/payment-service/internal/domain"
	"github.com/taas/payment-service/pkg/rabbitmq"
)

// EventPublisher delivers domain events to the bus.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any, opts rabbitmq.PublishOptions) error
	PublishError(ctx context.Context, topic string, entity any, operation string, cause error) error
}

// pendingEvent is collected inside a transaction and published once it commits.
type pendingEvent struct {
	topic     string
	operation string
	payload   any
	opts      rabbitmq.PublishOptions
}

type eventEmitter struct {
	publisher EventPublisher
	log       zerolog.Logger
}

func newEventEmitter(publisher EventPublisher, log zerolog.Logger) *eventEmitter {
	return &eventEmitter{publisher: publisher, log: log.With().Str("component", "event_emitter").Logger()}
}

// publish sends events in order. A failed publish is reported on the error topic so the
// ledger and the bus can be reconciled; it never fails the committed operation.
func (e *eventEmitter) publish(ctx context.Context, events ...pendingEvent) {
	if e == nil || e.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := e.publisher.Publish(ctx, ev.topic, ev.payload, ev.opts); err != nil {
			e.log.Error().Err(err).Str("topic", ev.topic).Str("key", ev.opts.Key).Msg("event publish failed after commit")
			if reportErr := e.publisher.PublishError(ctx, ev.topic, ev.payload, ev.operation, err); reportErr != nil {
				e.log.Error().Err(reportErr).Str("topic", ev.topic).Msg("error event publish failed")
			}
		}
	}
}

func paymentCreated(p domain.WorkPeriodPayment) pendingEvent {
	return pendingEvent{
		topic:     domain.TopicWorkPeriodPaymentCreate,
		operation: "create",
		payload:   p,
		opts:      rabbitmq.PublishOptions{Key: billingKey(p)},
	}
}

func paymentUpdated(before, after domain.WorkPeriodPayment) pendingEvent {
	return pendingEvent{
		topic:     domain.TopicWorkPeriodPaymentUpdate,
		operation: "update",
		payload:   after,
		opts:      rabbitmq.PublishOptions{Key: billingKey(after), OldValue: before},
	}
}

func workPeriodCreated(wp domain.WorkPeriod) pendingEvent {
	return pendingEvent{
		topic:     domain.TopicWorkPeriodCreate,
		operation: "create",
		payload:   wp,
		opts:      rabbitmq.PublishOptions{Key: wp.ResourceBookingID.String()},
	}
}

func workPeriodUpdated(before, after domain.WorkPeriod) pendingEvent {
	return pendingEvent{
		topic:     domain.TopicWorkPeriodUpdate,
		operation: "update",
		payload:   after,
		opts:      rabbitmq.PublishOptions{Key: after.ResourceBookingID.String(), OldValue: before},
	}
}

func workPeriodDeleted(wp domain.WorkPeriod) pendingEvent {
	return pendingEvent{
		topic:     domain.TopicWorkPeriodDelete,
		operation: "delete",
		payload:   map[string]any{"id": wp.ID},
		opts:      rabbitmq.PublishOptions{Key: wp.ResourceBookingID.String()},
	}
}

func billingKey(p domain.WorkPeriodPayment) string {
	return strconv.FormatInt(p.BillingAccountID, 10)
}
