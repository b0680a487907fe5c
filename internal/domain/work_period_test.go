package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestExtractWorkPeriods_SplitsIntoSundayWeeks(t *testing.T) {
	periods := ExtractWorkPeriods(date(2024, 3, 6), date(2024, 3, 19))

	require.Len(t, periods, 3)
	assert.Equal(t, date(2024, 3, 3), periods[0].StartDate)
	assert.Equal(t, date(2024, 3, 9), periods[0].EndDate)
	assert.Equal(t, 3, periods[0].DaysWorked)
	assert.Equal(t, date(2024, 3, 10), periods[1].StartDate)
	assert.Equal(t, 5, periods[1].DaysWorked)
	assert.Equal(t, date(2024, 3, 17), periods[2].StartDate)
	assert.Equal(t, date(2024, 3, 23), periods[2].EndDate)
	assert.Equal(t, 2, periods[2].DaysWorked)
}

func TestExtractWorkPeriods_EmptyWhenRangeInverted(t *testing.T) {
	assert.Empty(t, ExtractWorkPeriods(date(2024, 3, 19), date(2024, 3, 6)))
}

func TestExtractWorkPeriods_WeekendOnlyRangeHasNoDays(t *testing.T) {
	periods := ExtractWorkPeriods(date(2024, 3, 9), date(2024, 3, 10))

	require.Len(t, periods, 2)
	assert.Equal(t, 0, periods[0].DaysWorked)
	assert.Equal(t, 0, periods[1].DaysWorked)
}

func TestMaxDaysWorkedFor_OpenEndedBooking(t *testing.T) {
	start := date(2024, 3, 13)
	assert.Equal(t, 3, MaxDaysWorkedFor(date(2024, 3, 10), date(2024, 3, 16), &start, nil))
	assert.Equal(t, 5, MaxDaysWorkedFor(date(2024, 3, 10), date(2024, 3, 16), nil, nil))
}

func TestWorkPeriodIsFuture_UsesUTCPlus12Boundary(t *testing.T) {
	wp := WorkPeriod{StartDate: date(2024, 3, 10)}

	assert.True(t, wp.IsFuture(time.Date(2024, 3, 9, 11, 59, 0, 0, time.UTC)))
	assert.False(t, wp.IsFuture(time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)))
	assert.False(t, wp.IsFuture(time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)))
}

func TestPaymentTotalsEqual_ComparesDecimalsNumerically(t *testing.T) {
	a := PaymentTotals{DaysPaid: 2, PaymentTotal: mustDecimal(t, "10.5"), PaymentStatus: WorkPeriodPaymentInProgress}
	b := PaymentTotals{DaysPaid: 2, PaymentTotal: mustDecimal(t, "10.50"), PaymentStatus: WorkPeriodPaymentInProgress}

	assert.True(t, a.Equal(b))
	b.PaymentStatus = WorkPeriodPaymentCompleted
	assert.False(t, a.Equal(b))
}
