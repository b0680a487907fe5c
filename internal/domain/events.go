package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the event exchange.
const (
	TopicWorkPeriodPaymentCreate = "workperiodpayment.create"
	TopicWorkPeriodPaymentUpdate = "workperiodpayment.update"
	TopicWorkPeriodCreate        = "workperiod.create"
	TopicWorkPeriodUpdate        = "workperiod.update"
	TopicWorkPeriodDelete        = "workperiod.delete"
	TopicErrorReporting          = "common.error.reporting"
)

// EventOriginator identifies this service in event envelopes.
const EventOriginator = "taas-payment-service"

// EntityKind names the ledger an event refers to.
type EntityKind string

const (
	EntityWorkPeriod        EntityKind = "WorkPeriod"
	EntityWorkPeriodPayment EntityKind = "WorkPeriodPayment"
)

// EventEnvelope is the body of every message published on the exchange.
type EventEnvelope struct {
	Topic      string          `json:"topic"`
	Originator string          `json:"originator"`
	Timestamp  time.Time       `json:"timestamp"`
	MimeType   string          `json:"mime-type"`
	Key        string          `json:"key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OldValue   json.RawMessage `json:"oldValue,omitempty"`
}

// ErrorEventPayload is published when a ledger change and its event diverge.
type ErrorEventPayload struct {
	Topic     string          `json:"topic"`
	Operation string          `json:"operation"`
	Entity    json.RawMessage `json:"entity"`
	Error     string          `json:"error,omitempty"`
}

// LedgerEvent is the inbound shape the recomputation dispatcher consumes.
type LedgerEvent struct {
	EntityKind EntityKind
	ID         uuid.UUID
	NewValue   json.RawMessage
	OldValue   json.RawMessage
}

// WorkPeriodID resolves which work period the event affects.
func (e LedgerEvent) WorkPeriodID() (uuid.UUID, bool) {
	switch e.EntityKind {
	case EntityWorkPeriod:
		return e.ID, e.ID != uuid.Nil
	case EntityWorkPeriodPayment:
		for _, raw := range []json.RawMessage{e.NewValue, e.OldValue} {
			if len(raw) == 0 {
				continue
			}
			var ref struct {
				WorkPeriodID uuid.UUID `json:"workPeriodId"`
			}
			if err := json.Unmarshal(raw, &ref); err == nil && ref.WorkPeriodID != uuid.Nil {
				return ref.WorkPeriodID, true
			}
		}
	}
	return uuid.Nil, false
}

// LedgerEventFromEnvelope maps a consumed envelope to a ledger event.
func LedgerEventFromEnvelope(env EventEnvelope) (LedgerEvent, bool) {
	var kind EntityKind
	switch env.Topic {
	case TopicWorkPeriodPaymentCreate, TopicWorkPeriodPaymentUpdate:
		kind = EntityWorkPeriodPayment
	case TopicWorkPeriodCreate, TopicWorkPeriodUpdate:
		kind = EntityWorkPeriod
	default:
		return LedgerEvent{}, false
	}

	var ref struct {
		ID uuid.UUID `json:"id"`
	}
	if err := json.Unmarshal(env.Payload, &ref); err != nil || ref.ID == uuid.Nil {
		return LedgerEvent{}, false
	}
	return LedgerEvent{
		EntityKind: kind,
		ID:         ref.ID,
		NewValue:   env.Payload,
		OldValue:   env.OldValue,
	}, true
}
