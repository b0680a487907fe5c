package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taas/payment-service/internal/domain"
)

func TestSyncForBooking_CreatesMissingPeriods(t *testing.T) {
	f := newFixture(t, 5)

	// Booking 2024-03-06..2024-03-29 spans four weeks; the fixture already has one.
	result, err := f.workPeriods.SyncForBooking(context.Background(), f.booking.ID, "admin")
	require.NoError(t, err)
	assert.Len(t, result.Created, 3)
	assert.Empty(t, result.Deleted)

	periods, err := f.repo.ListWorkPeriodsByBooking(context.Background(), f.booking.ID)
	require.NoError(t, err)
	require.Len(t, periods, 4)
	assert.Equal(t, time.Date(2024, time.March, 3, 0, 0, 0, 0, time.UTC), periods[0].StartDate)
	assert.Equal(t, 3, periods[0].DaysWorked)
	assert.Equal(t, domain.WorkPeriodPaymentPending, periods[0].PaymentStatus)
	assert.Equal(t, 5, periods[3].DaysWorked)

	topics := f.publisher.topics()
	assert.Len(t, topics, 3)
	for _, topic := range topics {
		assert.Equal(t, domain.TopicWorkPeriodCreate, topic)
	}

	// A second sync changes nothing.
	f.publisher.reset()
	result, err = f.workPeriods.SyncForBooking(context.Background(), f.booking.ID, "admin")
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	assert.Empty(t, result.Updated)
	assert.Empty(t, f.publisher.topics())
}

func TestSyncForBooking_ShrinkingBooking(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	_, err := f.workPeriods.SyncForBooking(ctx, f.booking.ID, "admin")
	require.NoError(t, err)
	f.publisher.reset()

	// End the booking on Tuesday of the fixture week.
	end := time.Date(2024, time.March, 12, 0, 0, 0, 0, time.UTC)
	f.booking.EndDate = &end
	f.repo.SeedResourceBooking(f.booking)

	result, err := f.workPeriods.SyncForBooking(ctx, f.booking.ID, "admin")
	require.NoError(t, err)
	assert.Len(t, result.Deleted, 2)
	require.Len(t, result.Updated, 1)
	assert.Equal(t, 2, result.Updated[0].DaysWorked)
	assert.Equal(t, f.wp.ID, result.Updated[0].ID)

	_, err = f.repo.GetWorkPeriod(ctx, result.Deleted[0])
	assert.Error(t, err)
}

func TestSyncForBooking_KeepsPeriodsWithPayments(t *testing.T) {
	f := newFixture(t, 5)
	f.seedPayment(t, domain.PaymentCompleted, 5, "13.23")

	start := time.Date(2024, time.March, 18, 0, 0, 0, 0, time.UTC)
	f.booking.StartDate = &start
	f.repo.SeedResourceBooking(f.booking)

	_, err := f.workPeriods.SyncForBooking(context.Background(), f.booking.ID, "admin")
	requireKind(t, err, domain.KindConflict)

	// Nothing from the failed sync is kept.
	periods, err := f.repo.ListWorkPeriodsByBooking(context.Background(), f.booking.ID)
	require.NoError(t, err)
	assert.Len(t, periods, 1)
	assert.Empty(t, f.publisher.topics())
}

func TestSyncForBooking_UnknownBooking(t *testing.T) {
	f := newFixture(t, 5)
	_, err := f.workPeriods.SyncForBooking(context.Background(), uuid.New(), "admin")
	requireKind(t, err, domain.KindNotFound)
}

func TestUpdateDaysWorked(t *testing.T) {
	f := newFixture(t, 5)
	f.seedPayment(t, domain.PaymentCompleted, 3, "7.94")
	ctx := context.Background()

	_, err := f.workPeriods.UpdateDaysWorked(ctx, f.wp.ID, 2, "admin")
	requireKind(t, err, domain.KindBadRequest)
	assert.Equal(t, "Cannot update daysWorked (2) to the lower value than daysPaid (3)", err.Error())

	_, err = f.workPeriods.UpdateDaysWorked(ctx, f.wp.ID, 6, "admin")
	requireKind(t, err, domain.KindBadRequest)

	wp, err := f.workPeriods.UpdateDaysWorked(ctx, f.wp.ID, 3, "admin")
	require.NoError(t, err)
	assert.Equal(t, 3, wp.DaysWorked)
	assert.Equal(t, domain.WorkPeriodPaymentCompleted, wp.PaymentStatus)
	require.NotNil(t, wp.UpdatedBy)
	assert.Equal(t, "admin", *wp.UpdatedBy)

	stored := f.workPeriod(t)
	assert.Equal(t, domain.WorkPeriodPaymentCompleted, stored.PaymentStatus)
	require.Equal(t, []string{domain.TopicWorkPeriodUpdate}, f.publisher.topics())
	old, ok := f.publisher.events[0].old.(domain.WorkPeriod)
	require.True(t, ok)
	assert.Equal(t, 5, old.DaysWorked)
}

func TestUpdateDaysWorked_LimitedByBookingRange(t *testing.T) {
	f := newFixture(t, 2)
	start := time.Date(2024, time.March, 13, 0, 0, 0, 0, time.UTC)
	f.booking.StartDate = &start
	f.repo.SeedResourceBooking(f.booking)

	// Wednesday to Friday leaves three weekdays.
	_, err := f.workPeriods.UpdateDaysWorked(context.Background(), f.wp.ID, 4, "admin")
	requireKind(t, err, domain.KindBadRequest)
	assert.Equal(t, "Maximum allowed daysWorked is (3)", err.Error())

	wp, err := f.workPeriods.UpdateDaysWorked(context.Background(), f.wp.ID, 0, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkPeriodPaymentNoDays, wp.PaymentStatus)
}
