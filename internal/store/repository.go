/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation of the payment service. Business logic depends on this interface only, so the
 * PostgreSQL implementation and the in-memory implementation are interchangeable.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: ledger models.
 *
 * @notes
 * - Multi-row mutations run through `WithinTransaction`. The callback receives a
 *   transaction-bound repository; returning an error rolls everything back.
 * - `LockWorkPeriod` must be used inside a transaction. It serializes every payment
 *   mutation for the same work period.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/taas/payment-service/internal/domain"
)

var (
	ErrWorkPeriodNotFound      = errors.New("work period not found")
	ErrPaymentNotFound         = errors.New("work period payment not found")
	ErrResourceBookingNotFound = errors.New("resource booking not found")
	ErrSchedulerRecordNotFound = errors.New("payment scheduler record not found")
)

// SchedulerClaim is the expected current state of a scheduler record for a conditional
// update. StaleAfter, when positive, additionally requires updated_at to be at least that
// old by the store clock.
type SchedulerClaim struct {
	Step       domain.SchedulerStep
	Status     domain.StepStatus
	StaleAfter time.Duration
}

// Repository defines the set of methods for interacting with the payment ledgers.
type Repository interface {
	WithinTransaction(ctx context.Context, fn func(tx Repository) error) error

	// Work period methods
	GetWorkPeriod(ctx context.Context, id uuid.UUID) (*domain.WorkPeriod, error)
	LockWorkPeriod(ctx context.Context, id uuid.UUID) (*domain.WorkPeriod, error)
	ListWorkPeriodsByBooking(ctx context.Context, resourceBookingID uuid.UUID) ([]domain.WorkPeriod, error)
	CreateWorkPeriod(ctx context.Context, wp *domain.WorkPeriod) error
	UpdateWorkPeriodTotals(ctx context.Context, id uuid.UUID, totals domain.PaymentTotals) error
	UpdateWorkPeriodDaysWorked(ctx context.Context, id uuid.UUID, daysWorked int, updatedBy string) error
	SoftDeleteWorkPeriod(ctx context.Context, id uuid.UUID) error
	ListWorkPeriodIDsWithPaymentChangesSince(ctx context.Context, since time.Time) ([]uuid.UUID, error)

	// Resource booking methods
	GetResourceBooking(ctx context.Context, id uuid.UUID) (*domain.ResourceBooking, error)

	// Payment methods
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.WorkPeriodPayment, error)
	ListPaymentsByWorkPeriod(ctx context.Context, workPeriodID uuid.UUID) ([]domain.WorkPeriodPayment, error)
	ListPaymentsByStatuses(ctx context.Context, statuses []domain.PaymentStatus, limit int) ([]domain.WorkPeriodPayment, error)
	CreatePayment(ctx context.Context, payment *domain.WorkPeriodPayment) error
	UpdatePayment(ctx context.Context, payment *domain.WorkPeriodPayment) error

	// Payment scheduler methods
	GetActiveSchedulerRecord(ctx context.Context, paymentID uuid.UUID) (*domain.PaymentSchedulerRecord, error)
	GetLatestSchedulerRecord(ctx context.Context, paymentID uuid.UUID) (*domain.PaymentSchedulerRecord, error)
	// CreateSchedulerRecord returns false when the payment already has a non-terminal record.
	CreateSchedulerRecord(ctx context.Context, record *domain.PaymentSchedulerRecord) (bool, error)
	UpdateSchedulerRecord(ctx context.Context, record *domain.PaymentSchedulerRecord) error
	// ClaimSchedulerRecord moves a record matching claim to step `next` in-progress and
	// reports whether this caller won the claim. updated_at is stamped by the store clock.
	ClaimSchedulerRecord(ctx context.Context, id uuid.UUID, claim SchedulerClaim, next domain.SchedulerStep) (bool, error)
}
