package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/taas/payment-service/internal/domain"
	"github.com/taas/payment-service/internal/store"
)

// WorkPeriodService maintains the weekly work periods of a booking.
type WorkPeriodService struct {
	repo       store.Repository
	rules      *domain.Rules
	aggregator *Aggregator
	events     *eventEmitter
	log        zerolog.Logger
}

// NewWorkPeriodService creates a WorkPeriodService.
func NewWorkPeriodService(repo store.Repository, rules *domain.Rules, aggregator *Aggregator, publisher EventPublisher, log zerolog.Logger) *WorkPeriodService {
	return &WorkPeriodService{
		repo:       repo,
		rules:      rules,
		aggregator: aggregator,
		events:     newEventEmitter(publisher, log),
		log:        log.With().Str("component", "work_period_service").Logger(),
	}
}

// Get returns a work period by id.
func (s *WorkPeriodService) Get(ctx context.Context, id uuid.UUID) (*domain.WorkPeriod, error) {
	wp, err := s.repo.GetWorkPeriod(ctx, id)
	if errors.Is(err, store.ErrWorkPeriodNotFound) {
		return nil, domain.NotFound("WorkPeriod with id: %s doesn't exist", id)
	}
	return wp, err
}

// SyncResult summarizes what SyncForBooking changed.
type SyncResult struct {
	Created []domain.WorkPeriod `json:"created"`
	Updated []domain.WorkPeriod `json:"updated"`
	Deleted []uuid.UUID         `json:"deleted"`
}

// SyncForBooking reconciles the booking's work periods with its date range: missing weeks
// are created, days worked are clamped to the weekdays still inside the range and weeks
// outside the range are removed. Weeks that already carry payments are never removed.
func (s *WorkPeriodService) SyncForBooking(ctx context.Context, bookingID uuid.UUID, actor string) (*SyncResult, error) {
	var (
		result  SyncResult
		pending []pendingEvent
	)
	err := s.repo.WithinTransaction(ctx, func(tx store.Repository) error {
		booking, err := tx.GetResourceBooking(ctx, bookingID)
		if err != nil {
			if errors.Is(err, store.ErrResourceBookingNotFound) {
				return domain.NotFound("ResourceBooking with id: %s doesn't exist", bookingID)
			}
			return err
		}
		if booking.StartDate == nil || booking.EndDate == nil {
			return domain.BadRequest("ResourceBooking %s has no start or end date", bookingID)
		}

		existing, err := tx.ListWorkPeriodsByBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		byStart := make(map[time.Time]domain.WorkPeriod, len(existing))
		for _, wp := range existing {
			byStart[domain.DateOf(wp.StartDate)] = wp
		}

		for _, period := range domain.ExtractWorkPeriods(*booking.StartDate, *booking.EndDate) {
			current, ok := byStart[period.StartDate]
			if !ok {
				wp := domain.WorkPeriod{
					ID:                uuid.New(),
					ResourceBookingID: booking.ID,
					UserHandle:        booking.UserHandle,
					ProjectID:         booking.ProjectID,
					StartDate:         period.StartDate,
					EndDate:           period.EndDate,
					DaysWorked:        period.DaysWorked,
					CreatedBy:         actor,
				}
				wp = wp.WithTotals(Aggregate(s.rules, wp, nil))
				if err := tx.CreateWorkPeriod(ctx, &wp); err != nil {
					return err
				}
				result.Created = append(result.Created, wp)
				pending = append(pending, workPeriodCreated(wp))
				continue
			}
			delete(byStart, period.StartDate)

			if current.DaysWorked <= period.DaysWorked {
				continue
			}
			locked, err := tx.LockWorkPeriod(ctx, current.ID)
			if err != nil {
				return err
			}
			if locked.DaysPaid > period.DaysWorked {
				return domain.Conflict("Cannot reduce daysWorked of WorkPeriod %s to %d, %d days are already paid", locked.ID, period.DaysWorked, locked.DaysPaid)
			}
			updated, err := s.setDaysWorked(ctx, tx, *locked, period.DaysWorked, actor)
			if err != nil {
				return err
			}
			result.Updated = append(result.Updated, updated)
			pending = append(pending, workPeriodUpdated(*locked, updated))
		}

		for _, stale := range byStart {
			payments, err := tx.ListPaymentsByWorkPeriod(ctx, stale.ID)
			if err != nil {
				return err
			}
			if len(payments) > 0 {
				return domain.Conflict("WorkPeriod %s has payments and cannot be deleted", stale.ID)
			}
			if err := tx.SoftDeleteWorkPeriod(ctx, stale.ID); err != nil {
				return err
			}
			result.Deleted = append(result.Deleted, stale.ID)
			pending = append(pending, workPeriodDeleted(stale))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("resource_booking_id", bookingID.String()).
		Int("created", len(result.Created)).
		Int("updated", len(result.Updated)).
		Int("deleted", len(result.Deleted)).
		Msg("work periods synced")
	s.events.publish(ctx, pending...)
	return &result, nil
}

// UpdateDaysWorked corrects the days worked of one period and re-derives its totals.
func (s *WorkPeriodService) UpdateDaysWorked(ctx context.Context, id uuid.UUID, daysWorked int, actor string) (*domain.WorkPeriod, error) {
	if daysWorked < 0 || daysWorked > domain.MaxDaysWorked {
		return nil, domain.BadRequest("daysWorked must be between 0 and %d", domain.MaxDaysWorked)
	}

	var before, after domain.WorkPeriod
	err := s.repo.WithinTransaction(ctx, func(tx store.Repository) error {
		wp, err := tx.LockWorkPeriod(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrWorkPeriodNotFound) {
				return domain.NotFound("WorkPeriod with id: %s doesn't exist", id)
			}
			return err
		}
		before = *wp

		booking, err := tx.GetResourceBooking(ctx, wp.ResourceBookingID)
		if err != nil {
			if errors.Is(err, store.ErrResourceBookingNotFound) {
				return domain.Conflict("ResourceBooking with id: %s doesn't exist", wp.ResourceBookingID)
			}
			return err
		}
		if maxDays := domain.MaxDaysWorkedFor(wp.StartDate, wp.EndDate, booking.StartDate, booking.EndDate); daysWorked > maxDays {
			return domain.BadRequest("Maximum allowed daysWorked is (%d)", maxDays)
		}
		if daysWorked < wp.DaysPaid {
			return domain.BadRequest("Cannot update daysWorked (%d) to the lower value than daysPaid (%d)", daysWorked, wp.DaysPaid)
		}

		after, err = s.setDaysWorked(ctx, tx, *wp, daysWorked, actor)
		return err
	})
	if err != nil {
		return nil, err
	}

	if before.DaysWorked != after.DaysWorked || !before.Totals().Equal(after.Totals()) {
		s.events.publish(ctx, workPeriodUpdated(before, after))
	}
	return &after, nil
}

func (s *WorkPeriodService) setDaysWorked(ctx context.Context, tx store.Repository, wp domain.WorkPeriod, daysWorked int, actor string) (domain.WorkPeriod, error) {
	if wp.DaysWorked != daysWorked {
		if err := tx.UpdateWorkPeriodDaysWorked(ctx, wp.ID, daysWorked, actor); err != nil {
			return wp, err
		}
		wp.DaysWorked = daysWorked
		wp.UpdatedBy = &actor
	}
	updated, _, err := s.aggregator.recomputeInTx(ctx, tx, wp)
	return updated, err
}
