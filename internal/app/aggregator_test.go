package app

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taas/payment-service/internal/domain"
)

func TestAggregate(t *testing.T) {
	rules := domain.DefaultRules()
	payment := func(status domain.PaymentStatus, days int, amount string) domain.WorkPeriodPayment {
		return domain.WorkPeriodPayment{ID: uuid.New(), Status: status, Days: days, Amount: mustDecimal(t, amount)}
	}

	tests := []struct {
		name       string
		daysWorked int
		payments   []domain.WorkPeriodPayment
		daysPaid   int
		total      string
		status     domain.WorkPeriodPaymentStatus
	}{
		{
			name:       "no payments",
			daysWorked: 5,
			total:      "0",
			status:     domain.WorkPeriodPaymentPending,
		},
		{
			name:       "no days worked",
			daysWorked: 0,
			payments:   []domain.WorkPeriodPayment{payment(domain.PaymentCompleted, 0, "40")},
			total:      "40",
			status:     domain.WorkPeriodPaymentNoDays,
		},
		{
			name:       "scheduled payment",
			daysWorked: 5,
			payments:   []domain.WorkPeriodPayment{payment(domain.PaymentScheduled, 5, "13.23")},
			daysPaid:   5,
			total:      "13.23",
			status:     domain.WorkPeriodPaymentInProgress,
		},
		{
			name:       "fully paid",
			daysWorked: 3,
			payments: []domain.WorkPeriodPayment{
				payment(domain.PaymentCompleted, 1, "2.65"),
				payment(domain.PaymentCompleted, 2, "5.29"),
				payment(domain.PaymentCancelled, 3, "7.94"),
			},
			daysPaid: 3,
			total:    "7.94",
			status:   domain.WorkPeriodPaymentCompleted,
		},
		{
			name:       "completed and failed",
			daysWorked: 5,
			payments: []domain.WorkPeriodPayment{
				payment(domain.PaymentCompleted, 2, "5.29"),
				payment(domain.PaymentFailed, 3, "7.94"),
			},
			daysPaid: 2,
			total:    "5.29",
			status:   domain.WorkPeriodPaymentPartiallyCompleted,
		},
		{
			name:       "only failed",
			daysWorked: 5,
			payments:   []domain.WorkPeriodPayment{payment(domain.PaymentFailed, 5, "13.23")},
			total:      "0",
			status:     domain.WorkPeriodPaymentFailed,
		},
		{
			name:       "zero day payment adds amount only",
			daysWorked: 5,
			payments: []domain.WorkPeriodPayment{
				payment(domain.PaymentCompleted, 5, "13.23"),
				payment(domain.PaymentCompleted, 0, "100"),
			},
			daysPaid: 5,
			total:    "113.23",
			status:   domain.WorkPeriodPaymentCompleted,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wp := domain.WorkPeriod{ID: uuid.New(), DaysWorked: tc.daysWorked}
			got := Aggregate(rules, wp, tc.payments)
			assert.Equal(t, tc.daysPaid, got.DaysPaid)
			assert.True(t, got.PaymentTotal.Equal(mustDecimal(t, tc.total)), "total %s", got.PaymentTotal)
			assert.Equal(t, tc.status, got.PaymentStatus)
		})
	}
}

func TestRecompute_IsIdempotent(t *testing.T) {
	f := newFixture(t, 5)
	p := f.seedPayment(t, domain.PaymentScheduled, 5, "13.23")

	// Change the payment behind the aggregator's back.
	p.Status = domain.PaymentCompleted
	f.repo.SeedPayment(p)

	wp, changed, err := f.aggregator.Recompute(context.Background(), f.wp.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.WorkPeriodPaymentCompleted, wp.PaymentStatus)
	require.Equal(t, []string{domain.TopicWorkPeriodUpdate}, f.publisher.topics())
	assert.Equal(t, f.booking.ID.String(), f.publisher.events[0].key)
	old, ok := f.publisher.events[0].old.(domain.WorkPeriod)
	require.True(t, ok)
	assert.Equal(t, domain.WorkPeriodPaymentInProgress, old.PaymentStatus)

	_, changed, err = f.aggregator.Recompute(context.Background(), f.wp.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, f.publisher.topics(), 1)
}

func TestRecompute_MissingWorkPeriodIsNotFound(t *testing.T) {
	f := newFixture(t, 5)

	_, _, err := f.aggregator.Recompute(context.Background(), uuid.New())
	requireKind(t, err, domain.KindNotFound)
	assert.Empty(t, f.publisher.topics())
}

func TestRecompute_DaysPaidNeverExceedsDaysWorked(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = f.payments.Create(ctx, domain.CreatePaymentRequest{WorkPeriodID: f.wp.ID, Days: intPtr(2)}, "admin")
	}

	wp := f.workPeriod(t)
	assert.LessOrEqual(t, wp.DaysPaid, wp.DaysWorked)
	payments, err := f.repo.ListPaymentsByWorkPeriod(ctx, f.wp.ID)
	require.NoError(t, err)
	sum := 0
	for _, p := range payments {
		if f.rules.IsActive(p.Status) {
			sum += p.Days
		}
	}
	assert.Equal(t, sum, wp.DaysPaid)
	assert.Equal(t, 4, wp.DaysPaid)
}
