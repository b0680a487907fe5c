package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle status of a single payment attempt.
type PaymentStatus string

const (
	PaymentScheduled  PaymentStatus = "scheduled"
	PaymentInProgress PaymentStatus = "in-progress"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
)

// MaxPaymentDays bounds the days a single payment request may ask for.
const MaxPaymentDays = 10

// StatusDetails carries diagnostic information about the last status change.
type StatusDetails struct {
	ErrorMessage string        `json:"errorMessage,omitempty"`
	ErrorCode    int           `json:"errorCode,omitempty"`
	Retry        int           `json:"retry,omitempty"`
	Step         SchedulerStep `json:"step,omitempty"`
	ChallengeID  *uuid.UUID    `json:"challengeId,omitempty"`
}

// WorkPeriodPayment maps to the `work_period_payments` table.
type WorkPeriodPayment struct {
	ID               uuid.UUID        `json:"id"`
	WorkPeriodID     uuid.UUID        `json:"workPeriodId"`
	ChallengeID      *uuid.UUID       `json:"challengeId,omitempty"`
	Amount           decimal.Decimal  `json:"amount"`
	Days             int              `json:"days"`
	MemberRate       decimal.Decimal  `json:"memberRate"`
	CustomerRate     *decimal.Decimal `json:"customerRate,omitempty"`
	BillingAccountID int64            `json:"billingAccountId"`
	Status           PaymentStatus    `json:"status"`
	StatusDetails    *StatusDetails   `json:"statusDetails,omitempty"`
	CreatedBy        string           `json:"createdBy"`
	UpdatedBy        *string          `json:"updatedBy,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// HasChallenge reports whether the payment is linked to a real challenge rather than
// the placeholder used before the scheduler creates one.
func (p WorkPeriodPayment) HasChallenge() bool {
	return p.ChallengeID != nil && *p.ChallengeID != uuid.Nil
}

// ResourceBooking is the read-only booking snapshot the payment core needs.
type ResourceBooking struct {
	ID               uuid.UUID        `json:"id"`
	UserID           uuid.UUID        `json:"userId"`
	UserHandle       string           `json:"userHandle"`
	ProjectID        int64            `json:"projectId"`
	StartDate        *time.Time       `json:"startDate,omitempty"`
	EndDate          *time.Time       `json:"endDate,omitempty"`
	MemberRate       *decimal.Decimal `json:"memberRate,omitempty"`
	CustomerRate     *decimal.Decimal `json:"customerRate,omitempty"`
	BillingAccountID *int64           `json:"billingAccountId,omitempty"`
}

// BookingSnapshot is what payment validation reads at commit time: the booking's billing
// data plus the owning work period's day budget.
type BookingSnapshot struct {
	ResourceBookingID uuid.UUID
	BillingAccountID  *int64
	MemberRate        *decimal.Decimal
	CustomerRate      *decimal.Decimal
	DaysWorked        int
	DaysPaid          int
}

// MaxPossibleDays is the unpaid remainder of the work period.
func (s BookingSnapshot) MaxPossibleDays() int {
	return s.DaysWorked - s.DaysPaid
}

// CreatePaymentRequest is the DTO for creating a payment against a work period.
type CreatePaymentRequest struct {
	WorkPeriodID uuid.UUID        `json:"workPeriodId" validate:"required"`
	Days         *int             `json:"days,omitempty" validate:"omitempty,min=0,max=10"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
}

// UpdatePaymentRequest is a partial update; nil fields are left untouched.
type UpdatePaymentRequest struct {
	ID               uuid.UUID        `json:"id"`
	Status           *PaymentStatus   `json:"status,omitempty" validate:"omitempty,oneof=scheduled in-progress completed failed cancelled"`
	Amount           *decimal.Decimal `json:"amount,omitempty"`
	Days             *int             `json:"days,omitempty" validate:"omitempty,min=0,max=10"`
	MemberRate       *decimal.Decimal `json:"memberRate,omitempty"`
	CustomerRate     *decimal.Decimal `json:"customerRate,omitempty"`
	BillingAccountID *int64           `json:"billingAccountId,omitempty"`
	StatusDetails    *StatusDetails   `json:"statusDetails,omitempty"`
}

// ImmutableFieldsPresent lists the billing fields included in the update, in a stable
// order.
func (r UpdatePaymentRequest) ImmutableFieldsPresent() []string {
	var fields []string
	if r.Amount != nil {
		fields = append(fields, "amount")
	}
	if r.Days != nil {
		fields = append(fields, "days")
	}
	if r.MemberRate != nil {
		fields = append(fields, "memberRate")
	}
	if r.CustomerRate != nil {
		fields = append(fields, "customerRate")
	}
	if r.BillingAccountID != nil {
		fields = append(fields, "billingAccountId")
	}
	return fields
}

// ItemError is the per-item failure returned by bulk operations.
type ItemError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// BulkCreateResult pairs one bulk create input with its outcome.
type BulkCreateResult struct {
	Request CreatePaymentRequest `json:"request"`
	Payment *WorkPeriodPayment   `json:"payment,omitempty"`
	Error   *ItemError           `json:"error,omitempty"`
}

// BulkUpdateResult pairs one bulk update input with its outcome.
type BulkUpdateResult struct {
	Request UpdatePaymentRequest `json:"request"`
	Payment *WorkPeriodPayment   `json:"payment,omitempty"`
	Error   *ItemError           `json:"error,omitempty"`
}
