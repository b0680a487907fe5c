/**
 * @description
 * Payment creation and update. Both paths validate against the booking snapshot and the
 * live payment set inside one transaction that holds the work period row lock, write the
 * payment, recompute the work period and publish events only after commit.
 *
 * @dependencies
 * - golang.org/x/sync/errgroup: bounded fan-out for bulk requests.
 * - github.com/shopspring/decimal: amounts and rates.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/taas/payment-service/internal/domain"
	"github.com/taas/payment-service/internal/store"
	"github.com/taas/payment-service/pkg/challengeclient"
	"golang.org/x/sync/errgroup"
)

// ChallengeBillingUpdater pushes billing changes of a paid-out payment to its challenge.
type ChallengeBillingUpdater interface {
	UpdateChallengeBilling(ctx context.Context, challengeID uuid.UUID, update challengeclient.BillingUpdate) error
}

// PaymentServiceConfig tunes the payment service.
type PaymentServiceConfig struct {
	ChallengeUpdateTimeout time.Duration
	BulkConcurrency        int
}

// PaymentService creates and updates work period payments.
type PaymentService struct {
	repo       store.Repository
	rules      *domain.Rules
	aggregator *Aggregator
	events     *eventEmitter
	challenges ChallengeBillingUpdater
	cfg        PaymentServiceConfig
	now        func() time.Time
	log        zerolog.Logger
}

// NewPaymentService creates a PaymentService.
func NewPaymentService(
	repo store.Repository,
	rules *domain.Rules,
	aggregator *Aggregator,
	publisher EventPublisher,
	challenges ChallengeBillingUpdater,
	cfg PaymentServiceConfig,
	log zerolog.Logger,
) *PaymentService {
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 1
	}
	if cfg.ChallengeUpdateTimeout <= 0 {
		cfg.ChallengeUpdateTimeout = 20 * time.Second
	}
	return &PaymentService{
		repo:       repo,
		rules:      rules,
		aggregator: aggregator,
		events:     newEventEmitter(publisher, log),
		challenges: challenges,
		cfg:        cfg,
		now:        time.Now,
		log:        log.With().Str("component", "payment_service").Logger(),
	}
}

// Get returns a payment by id.
func (s *PaymentService) Get(ctx context.Context, id uuid.UUID) (*domain.WorkPeriodPayment, error) {
	p, err := s.repo.GetPayment(ctx, id)
	if errors.Is(err, store.ErrPaymentNotFound) {
		return nil, domain.NotFound("WorkPeriodPayment with id: %s doesn't exist", id)
	}
	return p, err
}

// ListByWorkPeriod returns every payment of a work period.
func (s *PaymentService) ListByWorkPeriod(ctx context.Context, workPeriodID uuid.UUID) ([]domain.WorkPeriodPayment, error) {
	if _, err := s.repo.GetWorkPeriod(ctx, workPeriodID); err != nil {
		if errors.Is(err, store.ErrWorkPeriodNotFound) {
			return nil, domain.NotFound("WorkPeriod with id: %s doesn't exist", workPeriodID)
		}
		return nil, err
	}
	return s.repo.ListPaymentsByWorkPeriod(ctx, workPeriodID)
}

func validateCreateShape(req domain.CreatePaymentRequest) error {
	if req.Days != nil && (*req.Days < 0 || *req.Days > domain.MaxPaymentDays) {
		return domain.BadRequest("days must be between 0 and %d", domain.MaxPaymentDays)
	}
	if req.Days != nil && *req.Days == 0 {
		if req.Amount == nil || !req.Amount.IsPositive() {
			return domain.BadRequest("amount is required and must be greater than 0 when days is 0")
		}
		return nil
	}
	if req.Amount != nil {
		return domain.BadRequest("amount is allowed only when days is 0")
	}
	return nil
}

// Create validates and records a new payment against a work period.
func (s *PaymentService) Create(ctx context.Context, req domain.CreatePaymentRequest, actor string) (*domain.WorkPeriodPayment, error) {
	if err := validateCreateShape(req); err != nil {
		return nil, err
	}

	var (
		created       domain.WorkPeriodPayment
		before, after domain.WorkPeriod
		changed       bool
	)
	err := s.repo.WithinTransaction(ctx, func(tx store.Repository) error {
		wp, err := tx.LockWorkPeriod(ctx, req.WorkPeriodID)
		if err != nil {
			if errors.Is(err, store.ErrWorkPeriodNotFound) {
				return domain.NotFound("WorkPeriod with id: %s doesn't exist", req.WorkPeriodID)
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
		if booking.BillingAccountID == nil {
			return domain.Conflict("Billing Account is not assigned to the resource booking")
		}

		payments, err := tx.ListPaymentsByWorkPeriod(ctx, wp.ID)
		if err != nil {
			return err
		}
		snapshot := domain.BookingSnapshot{
			ResourceBookingID: booking.ID,
			BillingAccountID:  booking.BillingAccountID,
			MemberRate:        booking.MemberRate,
			CustomerRate:      booking.CustomerRate,
			DaysWorked:        wp.DaysWorked,
			DaysPaid:          activeDaysExcluding(s.rules, payments, uuid.Nil),
		}

		payment := domain.WorkPeriodPayment{
			ID:               uuid.New(),
			WorkPeriodID:     wp.ID,
			BillingAccountID: *snapshot.BillingAccountID,
			MemberRate:       decimal.Zero,
			CustomerRate:     snapshot.CustomerRate,
			Status:           domain.PaymentScheduled,
			CreatedBy:        actor,
		}
		if snapshot.MemberRate != nil {
			payment.MemberRate = *snapshot.MemberRate
		}

		if req.Days == nil || *req.Days > 0 {
			if snapshot.MemberRate == nil || !snapshot.MemberRate.IsPositive() {
				return domain.Conflict("Can't find a member rate in ResourceBooking: %s to calculate the amount", booking.ID)
			}
			maxPossibleDays := snapshot.MaxPossibleDays()
			if req.Days != nil && *req.Days > maxPossibleDays {
				return domain.BadRequest("days cannot be more than %d", max(maxPossibleDays, 0))
			}
			if maxPossibleDays <= 0 {
				return domain.Conflict("There are no days to pay for WorkPeriod: %s", wp.ID)
			}
			payment.Days = maxPossibleDays
			if req.Days != nil {
				payment.Days = *req.Days
			}
			payment.Amount = s.rules.PaymentAmount(payment.MemberRate, payment.Days)
		} else {
			payment.Days = 0
			payment.Amount = *req.Amount
		}

		if wp.IsFuture(s.now()) {
			return domain.BadRequest("Cannot process payments for the future WorkPeriods")
		}

		if err := tx.CreatePayment(ctx, &payment); err != nil {
			return err
		}
		created = payment

		after, changed, err = s.aggregator.recomputeInTx(ctx, tx, *wp)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("payment_id", created.ID.String()).
		Str("work_period_id", created.WorkPeriodID.String()).
		Int("days", created.Days).
		Str("amount", created.Amount.String()).
		Msg("payment scheduled")

	events := []pendingEvent{paymentCreated(created)}
	if changed {
		events = append(events, workPeriodUpdated(before, after))
	}
	s.events.publish(ctx, events...)
	return &created, nil
}

// BulkCreate creates each payment independently. Results keep the input order.
func (s *PaymentService) BulkCreate(ctx context.Context, reqs []domain.CreatePaymentRequest, actor string) []domain.BulkCreateResult {
	results := make([]domain.BulkCreateResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.cfg.BulkConcurrency)
	for i := range reqs {
		i := i
		g.Go(func() error {
			results[i].Request = reqs[i]
			payment, err := s.Create(ctx, reqs[i], actor)
			if err != nil {
				results[i].Error = s.itemError(err)
				return nil
			}
			results[i].Payment = payment
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *PaymentService) itemError(err error) *domain.ItemError {
	if domain.KindOf(err) == domain.KindInternal {
		s.log.Error().Err(err).Msg("bulk item failed")
	}
	return domain.ToItemError(err)
}

func fieldList(fields []string) string {
	raw, _ := json.Marshal(fields)
	return string(raw)
}

// Update applies a partial update to a payment.
func (s *PaymentService) Update(ctx context.Context, req domain.UpdatePaymentRequest, actor string) (*domain.WorkPeriodPayment, error) {
	if req.Days != nil && (*req.Days < 0 || *req.Days > domain.MaxPaymentDays) {
		return nil, domain.BadRequest("days must be between 0 and %d", domain.MaxPaymentDays)
	}
	if req.Amount != nil && req.Amount.IsNegative() {
		return nil, domain.BadRequest("amount must not be negative")
	}

	var (
		oldPayment, newPayment domain.WorkPeriodPayment
		before, after          domain.WorkPeriod
		wpChanged              bool
	)
	err := s.repo.WithinTransaction(ctx, func(tx store.Repository) error {
		current, err := tx.GetPayment(ctx, req.ID)
		if err != nil {
			if errors.Is(err, store.ErrPaymentNotFound) {
				return domain.NotFound("WorkPeriodPayment with id: %s doesn't exist", req.ID)
			}
			return err
		}
		wp, err := tx.LockWorkPeriod(ctx, current.WorkPeriodID)
		if err != nil {
			if errors.Is(err, store.ErrWorkPeriodNotFound) {
				return domain.NotFound("WorkPeriod with id: %s doesn't exist", current.WorkPeriodID)
			}
			return err
		}
		before = *wp

		// Re-read under the lock so the guards see the committed state.
		if current, err = tx.GetPayment(ctx, req.ID); err != nil {
			return err
		}
		oldPayment = *current
		payments, err := tx.ListPaymentsByWorkPeriod(ctx, wp.ID)
		if err != nil {
			return err
		}

		updated, billingChanged, err := s.applyUpdate(*current, *wp, payments, req)
		if err != nil {
			return err
		}
		updated.UpdatedBy = &actor

		if billingChanged && updated.HasChallenge() && s.challenges != nil {
			if err := s.pushChallengeBilling(ctx, updated); err != nil {
				return err
			}
		}

		if err := tx.UpdatePayment(ctx, &updated); err != nil {
			return err
		}
		newPayment = updated

		after, wpChanged, err = s.aggregator.recomputeInTx(ctx, tx, *wp)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("payment_id", newPayment.ID.String()).
		Str("from_status", string(oldPayment.Status)).
		Str("to_status", string(newPayment.Status)).
		Msg("payment updated")

	events := []pendingEvent{paymentUpdated(oldPayment, newPayment)}
	if wpChanged {
		events = append(events, workPeriodUpdated(before, after))
	}
	s.events.publish(ctx, events...)
	return &newPayment, nil
}

// applyUpdate validates req against the locked state and returns the updated payment and
// whether any billing field changed.
func (s *PaymentService) applyUpdate(p domain.WorkPeriodPayment, wp domain.WorkPeriod, payments []domain.WorkPeriodPayment, req domain.UpdatePaymentRequest) (domain.WorkPeriodPayment, bool, error) {
	if p.Status == domain.PaymentInProgress {
		if fields := req.ImmutableFieldsPresent(); len(fields) > 0 {
			return p, false, domain.BadRequest("%s cannot be updated when workPeriodPayment status is in-progress", fieldList(fields))
		}
	}

	target := p.Status
	if req.Status != nil {
		target = *req.Status
	}
	otherDaysPaid := activeDaysExcluding(s.rules, payments, p.ID)

	if target != p.Status {
		if target == domain.PaymentCancelled && p.Status == domain.PaymentInProgress {
			return p, false, domain.BadRequest("You cannot cancel a WorkPeriodPayment which is in-progress")
		}
		if !s.rules.CanTransition(p.Status, target) {
			return p, false, domain.BadRequest("WorkPeriodPayment status cannot be changed from %s to %s", p.Status, target)
		}
		if target == domain.PaymentScheduled && wp.DaysWorked <= otherDaysPaid {
			return p, false, domain.BadRequest("There is no available daysWorked to schedule a payment")
		}
	}

	updated := p
	updated.Status = target
	billingChanged := false
	rateOrDaysChanged := false

	if req.Days != nil && *req.Days != p.Days {
		updated.Days = *req.Days
		billingChanged, rateOrDaysChanged = true, true
	}
	if req.MemberRate != nil && !req.MemberRate.Equal(p.MemberRate) {
		updated.MemberRate = *req.MemberRate
		billingChanged, rateOrDaysChanged = true, true
	}
	if req.CustomerRate != nil && (p.CustomerRate == nil || !req.CustomerRate.Equal(*p.CustomerRate)) {
		rate := *req.CustomerRate
		updated.CustomerRate = &rate
		billingChanged = true
	}
	if req.BillingAccountID != nil && *req.BillingAccountID != p.BillingAccountID {
		updated.BillingAccountID = *req.BillingAccountID
		billingChanged = true
	}
	if req.Amount != nil && !req.Amount.Equal(p.Amount) {
		updated.Amount = *req.Amount
		billingChanged = true
	} else if req.Amount == nil && rateOrDaysChanged && updated.Days > 0 {
		updated.Amount = s.rules.PaymentAmount(updated.MemberRate, updated.Days)
		billingChanged = billingChanged || !updated.Amount.Equal(p.Amount)
	}
	if req.StatusDetails != nil {
		details := *req.StatusDetails
		updated.StatusDetails = &details
	}

	// Any days change, and any move back into an active status, must fit the budget left
	// by the other active payments.
	if updated.Days != p.Days || (s.rules.IsActive(updated.Status) && !s.rules.IsActive(p.Status)) {
		maxDays := wp.DaysWorked - otherDaysPaid
		if updated.Days > maxDays {
			return p, false, domain.BadRequest("days cannot be more than %d", max(maxDays, 0))
		}
	}
	return updated, billingChanged, nil
}

func (s *PaymentService) pushChallengeBilling(ctx context.Context, p domain.WorkPeriodPayment) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ChallengeUpdateTimeout)
	defer cancel()

	update := challengeclient.BillingUpdate{
		BillingAccountID: p.BillingAccountID,
		Amount:           p.Amount,
	}
	if p.CustomerRate != nil && p.Days > 0 {
		customerAmount := s.rules.PaymentAmount(*p.CustomerRate, p.Days)
		update.CustomerAmount = &customerAmount
	}
	if err := s.challenges.UpdateChallengeBilling(callCtx, *p.ChallengeID, update); err != nil {
		s.log.Error().Err(err).Str("payment_id", p.ID.String()).Str("challenge_id", p.ChallengeID.String()).Msg("challenge billing update failed")
		return domain.ExternalService(err, "failed to update challenge %s", p.ChallengeID)
	}
	return nil
}

// BulkUpdate applies each update independently. Results keep the input order.
func (s *PaymentService) BulkUpdate(ctx context.Context, reqs []domain.UpdatePaymentRequest, actor string) []domain.BulkUpdateResult {
	results := make([]domain.BulkUpdateResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.cfg.BulkConcurrency)
	for i := range reqs {
		i := i
		g.Go(func() error {
			results[i].Request = reqs[i]
			payment, err := s.Update(ctx, reqs[i], actor)
			if err != nil {
				results[i].Error = s.itemError(err)
				return nil
			}
			results[i].Payment = payment
			return nil
		})
	}
	_ = g.Wait()
	return results
}
