/**
 * @description
 * Domain models for work periods: one record per resource booking per calendar week.
 * A work period tracks how many days were worked and, derived from its payments, how many
 * of those days are paid and what the aggregate payment status is.
 *
 * @notes
 * - Dates are date-only values stored as UTC midnight.
 * - DaysPaid, PaymentTotal and PaymentStatus are never written by clients; they are
 *   produced by the payment aggregator.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WorkPeriodPaymentStatus is the aggregate payment status of a work period.
type WorkPeriodPaymentStatus string

const (
	WorkPeriodPaymentPending            WorkPeriodPaymentStatus = "pending"
	WorkPeriodPaymentPartiallyCompleted WorkPeriodPaymentStatus = "partially-completed"
	WorkPeriodPaymentCompleted          WorkPeriodPaymentStatus = "completed"
	WorkPeriodPaymentInProgress         WorkPeriodPaymentStatus = "in-progress"
	WorkPeriodPaymentFailed             WorkPeriodPaymentStatus = "failed"
	WorkPeriodPaymentNoDays             WorkPeriodPaymentStatus = "no-days"
)

const (
	// MaxDaysWorked is the number of billable weekdays in one period.
	MaxDaysWorked = 5
	// BusinessWeekDays divides a weekly member rate into a daily amount.
	BusinessWeekDays = 5
	// PeriodLength is the inclusive length of a work period in days.
	PeriodLength = 7
)

// FuturePeriodBoundaryOffset is the UTC offset used to decide whether a work period has
// started. UTC+12 is the latest timezone on Earth, so a period is payable only once its
// start date has been reached everywhere.
const FuturePeriodBoundaryOffset = 12 * time.Hour

var futurePeriodZone = time.FixedZone("UTC+12", int(FuturePeriodBoundaryOffset.Seconds()))

// WorkPeriod maps to the `work_periods` table.
type WorkPeriod struct {
	ID                uuid.UUID               `json:"id"`
	ResourceBookingID uuid.UUID               `json:"resourceBookingId"`
	UserHandle        string                  `json:"userHandle"`
	ProjectID         int64                   `json:"projectId"`
	StartDate         time.Time               `json:"startDate"`
	EndDate           time.Time               `json:"endDate"`
	DaysWorked        int                     `json:"daysWorked"`
	DaysPaid          int                     `json:"daysPaid"`
	PaymentTotal      decimal.Decimal         `json:"paymentTotal"`
	PaymentStatus     WorkPeriodPaymentStatus `json:"paymentStatus"`
	SentSurvey        bool                    `json:"sentSurvey"`
	SentSurveyError   *string                 `json:"sentSurveyError,omitempty"`
	CreatedBy         string                  `json:"createdBy"`
	UpdatedBy         *string                 `json:"updatedBy,omitempty"`
	CreatedAt         time.Time               `json:"createdAt"`
	UpdatedAt         time.Time               `json:"updatedAt"`
	DeletedAt         *time.Time              `json:"-"`
}

// PaymentTotals is the derived triple the aggregator computes for a work period.
type PaymentTotals struct {
	DaysPaid      int                     `json:"daysPaid"`
	PaymentTotal  decimal.Decimal         `json:"paymentTotal"`
	PaymentStatus WorkPeriodPaymentStatus `json:"paymentStatus"`
}

// Totals returns the stored derived triple.
func (w WorkPeriod) Totals() PaymentTotals {
	return PaymentTotals{
		DaysPaid:      w.DaysPaid,
		PaymentTotal:  w.PaymentTotal,
		PaymentStatus: w.PaymentStatus,
	}
}

// Equal compares totals by value; decimals are compared numerically.
func (t PaymentTotals) Equal(other PaymentTotals) bool {
	return t.DaysPaid == other.DaysPaid &&
		t.PaymentStatus == other.PaymentStatus &&
		t.PaymentTotal.Equal(other.PaymentTotal)
}

// WithTotals returns a copy of the work period carrying the given totals.
func (w WorkPeriod) WithTotals(t PaymentTotals) WorkPeriod {
	w.DaysPaid = t.DaysPaid
	w.PaymentTotal = t.PaymentTotal
	w.PaymentStatus = t.PaymentStatus
	return w
}

// IsFuture reports whether the period has not yet started at the UTC+12 day boundary.
func (w WorkPeriod) IsFuture(now time.Time) bool {
	today := DateOf(now.In(futurePeriodZone))
	return DateOf(w.StartDate).After(today)
}

// DateOf truncates t to its calendar date, expressed as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PeriodRange is one weekly slice of a booking's active range.
type PeriodRange struct {
	StartDate  time.Time
	EndDate    time.Time
	DaysWorked int
}

// ExtractWorkPeriods splits the inclusive booking range [start, end] into Sunday to
// Saturday periods. DaysWorked counts the weekdays of each period that fall inside the
// range.
func ExtractWorkPeriods(start, end time.Time) []PeriodRange {
	start, end = DateOf(start), DateOf(end)
	if end.Before(start) {
		return nil
	}

	var periods []PeriodRange
	periodStart := start.AddDate(0, 0, -int(start.Weekday()))
	for !periodStart.After(end) {
		periodEnd := periodStart.AddDate(0, 0, PeriodLength-1)
		periods = append(periods, PeriodRange{
			StartDate:  periodStart,
			EndDate:    periodEnd,
			DaysWorked: CountWeekdays(maxDate(start, periodStart), minDate(end, periodEnd)),
		})
		periodStart = periodStart.AddDate(0, 0, PeriodLength)
	}
	return periods
}

// MaxDaysWorkedFor returns the weekdays of the period inside the booking range. A nil
// bound means the booking range is open on that side.
func MaxDaysWorkedFor(periodStart, periodEnd time.Time, bookingStart, bookingEnd *time.Time) int {
	from, to := DateOf(periodStart), DateOf(periodEnd)
	if bookingStart != nil {
		from = maxDate(from, DateOf(*bookingStart))
	}
	if bookingEnd != nil {
		to = minDate(to, DateOf(*bookingEnd))
	}
	return CountWeekdays(from, to)
}

// CountWeekdays counts Monday to Friday dates in the inclusive range.
func CountWeekdays(from, to time.Time) int {
	count := 0
	for d := DateOf(from); !d.After(DateOf(to)); d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			count++
		}
	}
	return count
}

func maxDate(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minDate(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
