package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taas/payment-service/internal/domain"
	"github.com/taas/payment-service/pkg/rabbitmq"
)

type recordingDispatcher struct {
	dispatched []domain.LedgerEvent
	submitted  []domain.LedgerEvent
	err        error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev domain.LedgerEvent) error {
	d.dispatched = append(d.dispatched, ev)
	return d.err
}

func (d *recordingDispatcher) Submit(ctx context.Context, ev domain.LedgerEvent) error {
	d.submitted = append(d.submitted, ev)
	return d.err
}

func envelopeBody(t *testing.T, topic string, payload any) []byte {
	t.Helper()
	env, err := rabbitmq.NewEnvelope(domain.EventOriginator, topic, payload, rabbitmq.PublishOptions{Key: "77"}, time.Now())
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func TestEventHandler_DispatchesPaymentEvents(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	handler := NewEventHandler(dispatcher, time.Second, testLogger())
	payment := domain.WorkPeriodPayment{ID: uuid.New(), WorkPeriodID: uuid.New(), Status: domain.PaymentScheduled}

	assert.True(t, handler.Handle(envelopeBody(t, domain.TopicWorkPeriodPaymentCreate, payment)))

	require.Len(t, dispatcher.dispatched, 1)
	ev := dispatcher.dispatched[0]
	assert.Equal(t, domain.EntityWorkPeriodPayment, ev.EntityKind)
	assert.Equal(t, payment.ID, ev.ID)
	wpID, ok := ev.WorkPeriodID()
	require.True(t, ok)
	assert.Equal(t, payment.WorkPeriodID, wpID)
}

func TestEventHandler_AckDecisions(t *testing.T) {
	wp := domain.WorkPeriod{ID: uuid.New()}

	tests := []struct {
		name     string
		body     []byte
		err      error
		expected bool
	}{
		{name: "undecodable body", body: []byte("{"), expected: true},
		{name: "unknown topic", body: envelopeBody(t, "workperiod.delete", map[string]any{"id": wp.ID}), expected: true},
		{name: "missing work period", body: envelopeBody(t, domain.TopicWorkPeriodUpdate, wp), err: domain.NotFound("gone"), expected: true},
		{name: "database failure", body: envelopeBody(t, domain.TopicWorkPeriodUpdate, wp), err: errors.New("connection reset"), expected: false},
		{name: "success", body: envelopeBody(t, domain.TopicWorkPeriodUpdate, wp), expected: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewEventHandler(&recordingDispatcher{err: tc.err}, time.Second, testLogger())
			assert.Equal(t, tc.expected, handler.Handle(tc.body))
		})
	}
}

func TestEventHandler_BindingsCoverPaymentAndWorkPeriodUpdates(t *testing.T) {
	handler := NewEventHandler(&recordingDispatcher{}, time.Second, testLogger())
	bindings := handler.Bindings()
	assert.Contains(t, bindings, "workperiodpayment.*")
	assert.Contains(t, bindings, domain.TopicWorkPeriodUpdate)
	assert.Len(t, bindings, 2)
}

func TestEventHandler_LoopbackSubmitsWithoutWaiting(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	handler := NewEventHandler(dispatcher, time.Second, testLogger())
	fallback := &rabbitmq.EventProducerFallback{Originator: domain.EventOriginator, Forward: handler.Loopback, Log: testLogger()}

	payment := domain.WorkPeriodPayment{ID: uuid.New(), WorkPeriodID: uuid.New()}
	require.NoError(t, fallback.Publish(context.Background(), domain.TopicWorkPeriodPaymentUpdate, payment, rabbitmq.PublishOptions{OldValue: payment}))
	require.NoError(t, fallback.Publish(context.Background(), domain.TopicWorkPeriodDelete, map[string]any{"id": uuid.New()}, rabbitmq.PublishOptions{}))

	assert.Empty(t, dispatcher.dispatched)
	require.Len(t, dispatcher.submitted, 1)
	assert.Equal(t, payment.ID, dispatcher.submitted[0].ID)
	assert.NotEmpty(t, dispatcher.submitted[0].OldValue)
}
