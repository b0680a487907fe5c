package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/taas/payment-service/internal/domain"
	"github.com/taas/payment-service/pkg/rabbitmq"
)

// LedgerDispatcher accepts ledger events for recomputation.
type LedgerDispatcher interface {
	Dispatch(ctx context.Context, ev domain.LedgerEvent) error
	Submit(ctx context.Context, ev domain.LedgerEvent) error
}

// EventHandler feeds consumed ledger events into the recomputation dispatcher.
type EventHandler struct {
	dispatcher LedgerDispatcher
	timeout    time.Duration
	log        zerolog.Logger
}

func NewEventHandler(dispatcher LedgerDispatcher, timeout time.Duration, log zerolog.Logger) *EventHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EventHandler{
		dispatcher: dispatcher,
		timeout:    timeout,
		log:        log.With().Str("component", "event_handler").Logger(),
	}
}

// Bindings returns the routing keys the service consumes.
func (h *EventHandler) Bindings() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		"workperiodpayment.*":        h.Handle,
		domain.TopicWorkPeriodUpdate: h.Handle,
	}
}

// Handle processes one delivery. It returns false only for failures worth redelivering.
func (h *EventHandler) Handle(body []byte) bool {
	var env domain.EventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.log.Error().Err(err).Msg("dropping undecodable event")
		return true
	}
	ev, ok := domain.LedgerEventFromEnvelope(env)
	if !ok {
		h.log.Warn().Str("topic", env.Topic).Msg("dropping event without a ledger entity")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	err := h.dispatcher.Dispatch(ctx, ev)
	switch domain.KindOf(err) {
	case domain.KindInternal:
		if err == nil {
			return true
		}
		h.log.Error().Err(err).Str("topic", env.Topic).Str("entity_id", ev.ID.String()).Msg("recompute failed; requeueing")
		return false
	default:
		h.log.Warn().Err(err).Str("topic", env.Topic).Str("entity_id", ev.ID.String()).Msg("recompute rejected")
		return true
	}
}

// Loopback forwards an event the fallback publisher could not send straight into the
// dispatcher without waiting for the recomputation.
func (h *EventHandler) Loopback(ctx context.Context, env rabbitmq.Envelope) {
	ev, ok := domain.LedgerEventFromEnvelope(domain.EventEnvelope{
		Topic:      env.Topic,
		Originator: env.Originator,
		Timestamp:  env.Timestamp,
		MimeType:   env.MimeType,
		Key:        env.Key,
		Payload:    env.Payload,
		OldValue:   env.OldValue,
	})
	if !ok {
		return
	}
	if err := h.dispatcher.Submit(ctx, ev); err != nil {
		h.log.Warn().Err(err).Str("topic", env.Topic).Msg("loopback dispatch failed")
	}
}
