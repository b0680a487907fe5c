package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/taas/payment-service/internal/domain"
	"github.com/taas/payment-service/internal/store"
	"github.com/taas/payment-service/pkg/challengeclient"
	"github.com/taas/payment-service/pkg/rabbitmq"
)

var testNow = time.Date(2024, time.March, 20, 10, 0, 0, 0, time.UTC)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func intPtr(v int) *int { return &v }

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func statusPtr(s domain.PaymentStatus) *domain.PaymentStatus { return &s }

type publishedEvent struct {
	topic string
	key   string
	value any
	old   any
}

type stubPublisher struct {
	mu        sync.Mutex
	events    []publishedEvent
	errors    []string
	failTopic string
}

func (p *stubPublisher) Publish(ctx context.Context, routingKey string, payload any, opts rabbitmq.PublishOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failTopic != "" && p.failTopic == routingKey {
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, publishedEvent{topic: routingKey, key: opts.Key, value: payload, old: opts.OldValue})
	return nil
}

func (p *stubPublisher) PublishError(ctx context.Context, topic string, entity any, operation string, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, topic+":"+operation)
	return nil
}

func (p *stubPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		topics = append(topics, ev.topic)
	}
	return topics
}

func (p *stubPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
	p.errors = nil
}

type stubBillingUpdater struct {
	calls []challengeclient.BillingUpdate
	err   error
}

func (s *stubBillingUpdater) UpdateChallengeBilling(ctx context.Context, challengeID uuid.UUID, update challengeclient.BillingUpdate) error {
	s.calls = append(s.calls, update)
	return s.err
}

// fixture is one booking with one work period for the week of 2024-03-10.
type fixture struct {
	repo        *store.MemoryRepository
	publisher   *stubPublisher
	rules       *domain.Rules
	aggregator  *Aggregator
	payments    *PaymentService
	workPeriods *WorkPeriodService
	billing     *stubBillingUpdater
	booking     domain.ResourceBooking
	wp          domain.WorkPeriod
}

func newFixture(t *testing.T, daysWorked int) *fixture {
	t.Helper()

	repo := store.NewMemoryRepository()
	repo.SetClock(func() time.Time { return testNow })
	publisher := &stubPublisher{}
	rules := domain.DefaultRules()
	log := testLogger()

	bookingStart := time.Date(2024, time.March, 6, 0, 0, 0, 0, time.UTC)
	bookingEnd := time.Date(2024, time.March, 29, 0, 0, 0, 0, time.UTC)
	memberRate := mustDecimal(t, "13.23")
	customerRate := mustDecimal(t, "20")
	billingAccountID := int64(77)
	booking := domain.ResourceBooking{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		UserHandle:       "jane.doe",
		ProjectID:        10,
		StartDate:        &bookingStart,
		EndDate:          &bookingEnd,
		MemberRate:       &memberRate,
		CustomerRate:     &customerRate,
		BillingAccountID: &billingAccountID,
	}
	repo.SeedResourceBooking(booking)

	wp := domain.WorkPeriod{
		ID:                uuid.New(),
		ResourceBookingID: booking.ID,
		UserHandle:        booking.UserHandle,
		ProjectID:         booking.ProjectID,
		StartDate:         time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC),
		EndDate:           time.Date(2024, time.March, 16, 0, 0, 0, 0, time.UTC),
		DaysWorked:        daysWorked,
		PaymentTotal:      decimal.Zero,
		CreatedBy:         "tester",
	}
	wp = wp.WithTotals(Aggregate(rules, wp, nil))
	repo.SeedWorkPeriod(wp)

	aggregator := NewAggregator(repo, rules, publisher, log)
	billing := &stubBillingUpdater{}
	payments := NewPaymentService(repo, rules, aggregator, publisher, billing, PaymentServiceConfig{
		ChallengeUpdateTimeout: time.Second,
		BulkConcurrency:        2,
	}, log)
	payments.now = func() time.Time { return testNow }

	return &fixture{
		repo:        repo,
		publisher:   publisher,
		rules:       rules,
		aggregator:  aggregator,
		payments:    payments,
		workPeriods: NewWorkPeriodService(repo, rules, aggregator, publisher, log),
		billing:     billing,
		booking:     booking,
		wp:          wp,
	}
}

// seedPayment stores a payment for the fixture's work period and re-derives the totals.
func (f *fixture) seedPayment(t *testing.T, status domain.PaymentStatus, days int, amount string) domain.WorkPeriodPayment {
	t.Helper()
	p := domain.WorkPeriodPayment{
		ID:               uuid.New(),
		WorkPeriodID:     f.wp.ID,
		Amount:           mustDecimal(t, amount),
		Days:             days,
		MemberRate:       *f.booking.MemberRate,
		CustomerRate:     f.booking.CustomerRate,
		BillingAccountID: *f.booking.BillingAccountID,
		Status:           status,
		CreatedBy:        "tester",
	}
	f.repo.SeedPayment(p)
	_, _, err := f.aggregator.Recompute(context.Background(), f.wp.ID)
	require.NoError(t, err)
	f.publisher.reset()
	return p
}

func (f *fixture) workPeriod(t *testing.T) domain.WorkPeriod {
	t.Helper()
	wp, err := f.repo.GetWorkPeriod(context.Background(), f.wp.ID)
	require.NoError(t, err)
	return *wp
}

func (f *fixture) payment(t *testing.T, id uuid.UUID) domain.WorkPeriodPayment {
	t.Helper()
	p, err := f.repo.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return *p
}

func requireKind(t *testing.T, err error, kind domain.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, domain.KindOf(err), "unexpected error: %v", err)
}
