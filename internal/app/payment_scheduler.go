/**
 * @description
 * Payout state machine. Each payment is paid out through a fixed sequence of challenge
 * provider steps; progress is recorded in a `payment_schedulers` row so a crashed or
 * failed attempt can be resumed instead of restarted.
 *
 * @notes
 * - Step ownership is taken with conditional updates on the record, so two replicas never
 *   run the same step of the same payment.
 * - A step's record update and the payment change it causes commit together.
 * - A record left in-progress longer than StaleAfter is reclaimed and its step re-run.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/taas/payment-service/internal/domain"
	"github.com/taas/payment-service/internal/store"
	"github.com/taas/payment-service/pkg/challengeclient"
)

const (
	schedulerActor         = "payment-scheduler"
	paymentBucket          = "scheduler:payments"
	challengeRequestBucket = "scheduler:challenge-requests"
)

// ChallengeProvider is the part of the challenge API the payout steps call.
type ChallengeProvider interface {
	CreateChallenge(ctx context.Context, req challengeclient.CreateChallengeRequest) (uuid.UUID, error)
	AssignMember(ctx context.Context, challengeID uuid.UUID, memberHandle string) error
	ActivateChallenge(ctx context.Context, challengeID uuid.UUID) error
	GetUserID(ctx context.Context, memberHandle string) (int64, error)
	CloseChallenge(ctx context.Context, challengeID uuid.UUID, userID int64, memberHandle string) error
}

// PaymentSchedulerConfig tunes batch size, crash recovery and pacing.
type PaymentSchedulerConfig struct {
	BatchSize                    int
	StaleAfter                   time.Duration
	PerMinutePaymentMax          int
	PerMinuteChallengeRequestMax int
}

// ProcessOutcome is the result of one ProcessPayment call.
type ProcessOutcome string

const (
	OutcomeSkipped   ProcessOutcome = "skipped"
	OutcomeCompleted ProcessOutcome = "completed"
	OutcomeFailed    ProcessOutcome = "failed"
	OutcomePaused    ProcessOutcome = "paused"
	OutcomeAborted   ProcessOutcome = "aborted"
)

// BatchSummary reports what one scheduler sweep did.
type BatchSummary struct {
	Processed int  `json:"processed"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Paused    bool `json:"paused"`
}

// PaymentScheduler advances payments through the payout steps.
type PaymentScheduler struct {
	repo       store.Repository
	rules      *domain.Rules
	aggregator *Aggregator
	events     *eventEmitter
	provider   ChallengeProvider
	limiter    RateLimiter
	cfg        PaymentSchedulerConfig
	now        func() time.Time
	log        zerolog.Logger
}

// NewPaymentScheduler creates a PaymentScheduler. limiter may be nil.
func NewPaymentScheduler(
	repo store.Repository,
	rules *domain.Rules,
	aggregator *Aggregator,
	publisher EventPublisher,
	provider ChallengeProvider,
	limiter RateLimiter,
	cfg PaymentSchedulerConfig,
	log zerolog.Logger,
) *PaymentScheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	return &PaymentScheduler{
		repo:       repo,
		rules:      rules,
		aggregator: aggregator,
		events:     newEventEmitter(publisher, log),
		provider:   provider,
		limiter:    limiter,
		cfg:        cfg,
		now:        time.Now,
		log:        log.With().Str("component", "payment_scheduler").Logger(),
	}
}

// RunBatch processes up to BatchSize scheduled or in-progress payments. It stops early
// when the per-minute payment cap is reached.
func (s *PaymentScheduler) RunBatch(ctx context.Context) (BatchSummary, error) {
	var summary BatchSummary
	payments, err := s.repo.ListPaymentsByStatuses(ctx, []domain.PaymentStatus{domain.PaymentScheduled, domain.PaymentInProgress}, s.cfg.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("failed to list payable payments: %w", err)
	}

	for _, p := range payments {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if !s.allow(ctx, paymentBucket, s.cfg.PerMinutePaymentMax) {
			summary.Paused = true
			break
		}

		outcome, err := s.ProcessPayment(ctx, p.ID)
		if err != nil {
			s.log.Error().Err(err).Str("payment_id", p.ID.String()).Msg("payment processing aborted")
			summary.Skipped++
			continue
		}
		summary.Processed++
		switch outcome {
		case OutcomeCompleted:
			summary.Completed++
		case OutcomeFailed:
			summary.Failed++
		case OutcomeSkipped, OutcomeAborted:
			summary.Skipped++
		case OutcomePaused:
			summary.Paused = true
			return summary, nil
		}
	}
	return summary, nil
}

// ProcessPayment runs the payout steps for one payment until it completes, fails, is
// paused by pacing, or turns out to be owned by another worker.
func (s *PaymentScheduler) ProcessPayment(ctx context.Context, paymentID uuid.UUID) (ProcessOutcome, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return OutcomeSkipped, domain.NotFound("WorkPeriodPayment with id: %s doesn't exist", paymentID)
		}
		return OutcomeSkipped, err
	}
	if payment.Status != domain.PaymentScheduled && payment.Status != domain.PaymentInProgress {
		return OutcomeSkipped, nil
	}
	wp, err := s.repo.GetWorkPeriod(ctx, payment.WorkPeriodID)
	if err != nil {
		if errors.Is(err, store.ErrWorkPeriodNotFound) {
			s.log.Warn().Str("payment_id", paymentID.String()).Msg("payment skipped; work period not found")
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}

	rec, outcome, err := s.acquire(ctx, *payment, *wp)
	if err != nil || rec == nil {
		return outcome, err
	}
	logger := s.log.With().Str("payment_id", paymentID.String()).Str("record_id", rec.ID.String()).Logger()

	for {
		if payment.Status == domain.PaymentScheduled && rec.Step != domain.StepStartProcess {
			updated, err := s.commit(ctx, payment.ID, nil, markInProgress)
			if err != nil {
				return s.stopOn(ctx, rec, payment.ID, err)
			}
			payment = &updated
		}

		logger.Debug().Str("step", string(rec.Step)).Msg("running payout step")
		mutate, stepErr := s.runStep(ctx, rec, *payment, *wp)
		if stepErr != nil {
			if ctx.Err() != nil {
				// Left in-progress; the stale window hands it back.
				return OutcomePaused, ctx.Err()
			}
			logger.Error().Err(stepErr).Str("step", string(rec.Step)).Msg("payout step failed")
			if err := s.fail(ctx, rec, payment.ID, stepErr); err != nil {
				return OutcomeSkipped, err
			}
			return OutcomeFailed, nil
		}

		rec.Status = domain.StepCompleted
		updated, err := s.commit(ctx, payment.ID, rec, mutate)
		if err != nil {
			rec.Status = domain.StepInProgress
			return s.stopOn(ctx, rec, payment.ID, err)
		}
		payment = &updated

		next, ok := rec.Step.Next()
		if !ok {
			logger.Info().Msg("payment completed")
			return OutcomeCompleted, nil
		}
		if !s.allow(ctx, challengeRequestBucket, s.cfg.PerMinuteChallengeRequestMax) {
			return OutcomePaused, nil
		}
		claimed, err := s.repo.ClaimSchedulerRecord(ctx, rec.ID, store.SchedulerClaim{Step: rec.Step, Status: domain.StepCompleted}, next)
		if err != nil {
			return OutcomeSkipped, err
		}
		if !claimed {
			return OutcomeSkipped, nil
		}
		rec.Step, rec.Status = next, domain.StepInProgress
	}
}

// acquire returns the record this worker now owns, or nil when there is nothing to do.
func (s *PaymentScheduler) acquire(ctx context.Context, payment domain.WorkPeriodPayment, wp domain.WorkPeriod) (*domain.PaymentSchedulerRecord, ProcessOutcome, error) {
	now := s.now()
	active, err := s.repo.GetActiveSchedulerRecord(ctx, payment.ID)
	switch {
	case err == nil:
		return s.resume(ctx, active, now)
	case !errors.Is(err, store.ErrSchedulerRecordNotFound):
		return nil, OutcomeSkipped, err
	}

	if payment.Status != domain.PaymentScheduled {
		return nil, OutcomeSkipped, nil
	}

	rec := &domain.PaymentSchedulerRecord{
		ID:                  uuid.New(),
		WorkPeriodPaymentID: payment.ID,
		ChallengeID:         payment.ChallengeID,
		Step:                domain.StepStartProcess,
		Status:              domain.StepInProgress,
		UserHandle:          wp.UserHandle,
	}
	latest, err := s.repo.GetLatestSchedulerRecord(ctx, payment.ID)
	if err != nil && !errors.Is(err, store.ErrSchedulerRecordNotFound) {
		return nil, OutcomeSkipped, err
	}
	if latest != nil && latest.Status == domain.StepFailed {
		retry := 1
		if latest.StatusDetails != nil {
			retry = latest.StatusDetails.Retry + 1
		}
		rec.Step = latest.Step
		rec.UserID = latest.UserID
		rec.StatusDetails = &domain.StatusDetails{Retry: retry}
		if latest.ChallengeID != nil {
			rec.ChallengeID = latest.ChallengeID
		}
		if latest.UserHandle != "" {
			rec.UserHandle = latest.UserHandle
		}
		if rec.Step != domain.StepStartProcess && !s.allow(ctx, challengeRequestBucket, s.cfg.PerMinuteChallengeRequestMax) {
			return nil, OutcomePaused, nil
		}
	}

	created, err := s.repo.CreateSchedulerRecord(ctx, rec)
	if err != nil {
		return nil, OutcomeSkipped, err
	}
	if !created {
		return nil, OutcomeSkipped, nil
	}
	return rec, OutcomeSkipped, nil
}

func (s *PaymentScheduler) resume(ctx context.Context, active *domain.PaymentSchedulerRecord, now time.Time) (*domain.PaymentSchedulerRecord, ProcessOutcome, error) {
	claim := store.SchedulerClaim{Step: active.Step, Status: active.Status}
	next := active.Step

	switch active.Status {
	case domain.StepInProgress:
		staleBefore := now.Add(-s.cfg.StaleAfter)
		if !active.UpdatedAt.Before(staleBefore) {
			return nil, OutcomeSkipped, nil
		}
		claim.StaleAfter = s.cfg.StaleAfter
		s.log.Warn().
			Str("record_id", active.ID.String()).
			Str("step", string(active.Step)).
			Time("updated_at", active.UpdatedAt).
			Msg("reclaiming stale payout step")
	case domain.StepCompleted:
		var ok bool
		if next, ok = active.Step.Next(); !ok {
			return nil, OutcomeSkipped, nil
		}
		if !s.allow(ctx, challengeRequestBucket, s.cfg.PerMinuteChallengeRequestMax) {
			return nil, OutcomePaused, nil
		}
	default:
		return nil, OutcomeSkipped, nil
	}

	claimed, err := s.repo.ClaimSchedulerRecord(ctx, active.ID, claim, next)
	if err != nil || !claimed {
		return nil, OutcomeSkipped, err
	}
	active.Step, active.Status, active.UpdatedAt = next, domain.StepInProgress, now
	return active, OutcomeSkipped, nil
}

// runStep performs the provider call of rec's current step. It may fill rec's challenge
// and user ids and returns the payment change the step's completion commits.
func (s *PaymentScheduler) runStep(ctx context.Context, rec *domain.PaymentSchedulerRecord, payment domain.WorkPeriodPayment, wp domain.WorkPeriod) (func(*domain.WorkPeriodPayment) bool, error) {
	switch rec.Step {
	case domain.StepStartProcess:
		return markInProgress, nil

	case domain.StepCreateChallenge:
		if rec.ChallengeID != nil && *rec.ChallengeID != uuid.Nil {
			return linkChallenge(*rec.ChallengeID), nil
		}
		id, err := s.provider.CreateChallenge(ctx, s.challengeRequest(payment, wp, rec.UserHandle))
		if err != nil {
			return nil, err
		}
		rec.ChallengeID = &id
		return linkChallenge(id), nil

	case domain.StepAssignMember:
		challengeID, err := requireChallenge(rec)
		if err != nil {
			return nil, err
		}
		return nil, s.provider.AssignMember(ctx, challengeID, rec.UserHandle)

	case domain.StepActivateChallenge:
		challengeID, err := requireChallenge(rec)
		if err != nil {
			return nil, err
		}
		return nil, s.provider.ActivateChallenge(ctx, challengeID)

	case domain.StepGetUserID:
		if rec.UserID != nil {
			return nil, nil
		}
		userID, err := s.provider.GetUserID(ctx, rec.UserHandle)
		if err != nil {
			return nil, err
		}
		rec.UserID = &userID
		return nil, nil

	case domain.StepCloseChallenge:
		challengeID, err := requireChallenge(rec)
		if err != nil {
			return nil, err
		}
		if rec.UserID == nil {
			return nil, fmt.Errorf("user id of %q is not resolved", rec.UserHandle)
		}
		if err := s.provider.CloseChallenge(ctx, challengeID, *rec.UserID, rec.UserHandle); err != nil {
			return nil, err
		}
		return markCompleted, nil
	}
	return nil, fmt.Errorf("unknown payout step %q", rec.Step)
}

func (s *PaymentScheduler) challengeRequest(p domain.WorkPeriodPayment, wp domain.WorkPeriod, handle string) challengeclient.CreateChallengeRequest {
	req := challengeclient.CreateChallengeRequest{
		Name:             fmt.Sprintf("TaaS Payment - %s - Week Ending %s", handle, wp.EndDate.Format("Jan 2, 2006")),
		Description:      fmt.Sprintf("TaaS payment for %s, %d day(s) of the week %s to %s", handle, p.Days, wp.StartDate.Format("2006-01-02"), wp.EndDate.Format("2006-01-02")),
		ProjectID:        wp.ProjectID,
		BillingAccountID: p.BillingAccountID,
		Amount:           p.Amount,
	}
	if p.CustomerRate != nil && p.Days > 0 {
		customerAmount := s.rules.PaymentAmount(*p.CustomerRate, p.Days)
		req.CustomerAmount = &customerAmount
	}
	return req
}

func requireChallenge(rec *domain.PaymentSchedulerRecord) (uuid.UUID, error) {
	if rec.ChallengeID == nil || *rec.ChallengeID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("payout record %s has no challenge", rec.ID)
	}
	return *rec.ChallengeID, nil
}

func markInProgress(p *domain.WorkPeriodPayment) bool {
	if p.Status != domain.PaymentScheduled {
		return false
	}
	p.Status = domain.PaymentInProgress
	return true
}

func markCompleted(p *domain.WorkPeriodPayment) bool {
	if p.Status != domain.PaymentInProgress {
		return false
	}
	p.Status = domain.PaymentCompleted
	p.StatusDetails = nil
	return true
}

func linkChallenge(id uuid.UUID) func(*domain.WorkPeriodPayment) bool {
	return func(p *domain.WorkPeriodPayment) bool {
		if p.ChallengeID != nil && *p.ChallengeID == id {
			return false
		}
		p.ChallengeID = &id
		return true
	}
}

// inactivePaymentError reports that the payment left scheduled/in-progress while its
// payout was running, e.g. a manual cancel or fail.
type inactivePaymentError struct {
	status domain.PaymentStatus
}

func (e *inactivePaymentError) Error() string {
	return fmt.Sprintf("payment is %s", e.status)
}

// stopOn maps a commit error to the loop's outcome. A payment that became inactive ends
// the payout: the record is failed and the payment is left as it is.
func (s *PaymentScheduler) stopOn(ctx context.Context, rec *domain.PaymentSchedulerRecord, paymentID uuid.UUID, err error) (ProcessOutcome, error) {
	var inactive *inactivePaymentError
	if !errors.As(err, &inactive) {
		return OutcomeSkipped, err
	}
	s.log.Warn().
		Str("payment_id", paymentID.String()).
		Str("record_id", rec.ID.String()).
		Str("step", string(rec.Step)).
		Str("payment_status", string(inactive.status)).
		Msg("payout aborted; payment is no longer payable")

	retry := 0
	if rec.StatusDetails != nil {
		retry = rec.StatusDetails.Retry
	}
	rec.Status = domain.StepFailed
	rec.StatusDetails = &domain.StatusDetails{
		ErrorMessage: fmt.Sprintf("payout aborted: %s", inactive.Error()),
		Retry:        retry,
		Step:         rec.Step,
		ChallengeID:  rec.ChallengeID,
	}
	if _, err := s.commit(ctx, paymentID, rec, nil); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeAborted, nil
}

// fail records the step failure and moves the payment to failed in one transaction.
func (s *PaymentScheduler) fail(ctx context.Context, rec *domain.PaymentSchedulerRecord, paymentID uuid.UUID, cause error) error {
	retry := 0
	if rec.StatusDetails != nil {
		retry = rec.StatusDetails.Retry
	}
	details := domain.StatusDetails{
		ErrorMessage: cause.Error(),
		ErrorCode:    challengeclient.StatusCodeOf(cause),
		Retry:        retry,
		Step:         rec.Step,
		ChallengeID:  rec.ChallengeID,
	}
	rec.Status = domain.StepFailed
	rec.StatusDetails = &details

	// Failure is recorded from scheduled as well as in-progress.
	_, err := s.commit(ctx, paymentID, rec, func(p *domain.WorkPeriodPayment) bool {
		if p.Status != domain.PaymentScheduled && p.Status != domain.PaymentInProgress {
			return false
		}
		d := details
		p.Status = domain.PaymentFailed
		p.StatusDetails = &d
		return true
	})
	return err
}

// commit locks the payment's work period, applies mutate to the payment, stores rec and
// recomputes the work period, then publishes the resulting events. Unless rec is being
// failed, the payment must still be scheduled or in-progress; otherwise nothing is
// written and an *inactivePaymentError is returned.
func (s *PaymentScheduler) commit(ctx context.Context, paymentID uuid.UUID, rec *domain.PaymentSchedulerRecord, mutate func(*domain.WorkPeriodPayment) bool) (domain.WorkPeriodPayment, error) {
	var (
		before, after domain.WorkPeriodPayment
		wpBefore      domain.WorkPeriod
		wpAfter       domain.WorkPeriod
		paymentMoved  bool
		wpChanged     bool
	)
	err := s.repo.WithinTransaction(ctx, func(tx store.Repository) error {
		current, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		wp, err := tx.LockWorkPeriod(ctx, current.WorkPeriodID)
		if err != nil {
			return err
		}
		wpBefore = *wp
		if current, err = tx.GetPayment(ctx, paymentID); err != nil {
			return err
		}
		before, after = *current, *current
		recordFailing := rec != nil && rec.Status == domain.StepFailed
		if !recordFailing && current.Status != domain.PaymentScheduled && current.Status != domain.PaymentInProgress {
			return &inactivePaymentError{status: current.Status}
		}

		if mutate != nil && mutate(&after) {
			actor := schedulerActor
			after.UpdatedBy = &actor
			if err := tx.UpdatePayment(ctx, &after); err != nil {
				return err
			}
			paymentMoved = true
		}
		if rec != nil {
			if err := tx.UpdateSchedulerRecord(ctx, rec); err != nil {
				return err
			}
		}
		if !paymentMoved {
			return nil
		}
		wpAfter, wpChanged, err = s.aggregator.recomputeInTx(ctx, tx, *wp)
		return err
	})
	if err != nil {
		return domain.WorkPeriodPayment{}, err
	}

	if paymentMoved {
		s.log.Info().
			Str("payment_id", paymentID.String()).
			Str("from_status", string(before.Status)).
			Str("to_status", string(after.Status)).
			Msg("payment status changed by scheduler")
		events := []pendingEvent{paymentUpdated(before, after)}
		if wpChanged {
			events = append(events, workPeriodUpdated(wpBefore, wpAfter))
		}
		s.events.publish(ctx, events...)
	}
	return after, nil
}

// allow reports whether pacing lets one more unit of work through. Limiter errors fail
// open so a Redis outage does not stop payouts.
func (s *PaymentScheduler) allow(ctx context.Context, bucket string, limit int) bool {
	if s.limiter == nil || limit <= 0 {
		return true
	}
	ok, wait, err := s.limiter.Allow(ctx, bucket, limit, time.Minute)
	if err != nil {
		s.log.Warn().Err(err).Str("bucket", bucket).Msg("rate limiter unavailable; continuing")
		return true
	}
	if !ok {
		s.log.Info().Str("bucket", bucket).Dur("retry_after", wait).Msg("payout pacing limit reached")
	}
	return ok
}
