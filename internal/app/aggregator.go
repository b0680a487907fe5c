/**
 * @description
 * Payment status aggregation. `Aggregate` derives a work period's {daysPaid,
 * paymentTotal, paymentStatus} from its payments; the Aggregator persists the result and
 * emits `workperiod.update` only when the triple actually changed.
 *
 * @notes
 * - Every payment mutation recomputes its work period inside the same transaction, so
 *   the stored triple always reflects the committed payment set.
 * - Recompute is idempotent: a second run over unchanged payments writes and emits nothing.
 */

package app

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/taas/payment-service/internal/domain"
	"github.com/taas/payment-service/internal/store"
)

// Aggregate computes the derived payment triple for wp. It is a pure function.
func Aggregate(rules *domain.Rules, wp domain.WorkPeriod, payments []domain.WorkPeriodPayment) domain.PaymentTotals {
	in := domain.AggregateInput{
		DaysWorked: wp.DaysWorked,
		Statuses:   make(map[domain.PaymentStatus]int, len(payments)),
	}
	total := decimal.Zero
	for _, p := range payments {
		in.Statuses[p.Status]++
		if rules.IsActive(p.Status) {
			in.DaysPaid += p.Days
			total = total.Add(p.Amount)
		}
	}
	return domain.PaymentTotals{
		DaysPaid:      in.DaysPaid,
		PaymentTotal:  total,
		PaymentStatus: rules.ResolveStatus(in),
	}
}

// activeDaysExcluding sums the days of active payments other than the excluded one.
func activeDaysExcluding(rules *domain.Rules, payments []domain.WorkPeriodPayment, exclude uuid.UUID) int {
	days := 0
	for _, p := range payments {
		if p.ID != exclude && rules.IsActive(p.Status) {
			days += p.Days
		}
	}
	return days
}

// Aggregator persists recomputed work period totals.
type Aggregator struct {
	repo   store.Repository
	rules  *domain.Rules
	events *eventEmitter
	log    zerolog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(repo store.Repository, rules *domain.Rules, publisher EventPublisher, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		repo:   repo,
		rules:  rules,
		events: newEventEmitter(publisher, log),
		log:    log.With().Str("component", "aggregator").Logger(),
	}
}

// Recompute re-derives the totals of a work period from its live payments. It returns
// the stored work period and whether anything changed.
func (a *Aggregator) Recompute(ctx context.Context, workPeriodID uuid.UUID) (*domain.WorkPeriod, bool, error) {
	var (
		before, after domain.WorkPeriod
		changed       bool
	)
	err := a.repo.WithinTransaction(ctx, func(tx store.Repository) error {
		wp, err := tx.LockWorkPeriod(ctx, workPeriodID)
		if err != nil {
			return err
		}
		before = *wp
		after, changed, err = a.recomputeInTx(ctx, tx, *wp)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrWorkPeriodNotFound) {
			a.log.Warn().Str("work_period_id", workPeriodID.String()).Msg("recompute skipped; work period not found")
			return nil, false, domain.NotFound("WorkPeriod with id: %s doesn't exist", workPeriodID)
		}
		return nil, false, err
	}

	if changed {
		a.log.Info().
			Str("work_period_id", workPeriodID.String()).
			Int("days_paid", after.DaysPaid).
			Str("payment_total", after.PaymentTotal.String()).
			Str("payment_status", string(after.PaymentStatus)).
			Msg("work period totals recomputed")
		a.events.publish(ctx, workPeriodUpdated(before, after))
	}
	return &after, changed, nil
}

// RecomputeWorkPeriod satisfies the dispatcher's Recomputer.
func (a *Aggregator) RecomputeWorkPeriod(ctx context.Context, workPeriodID uuid.UUID) error {
	_, _, err := a.Recompute(ctx, workPeriodID)
	return err
}

// recomputeInTx must run with wp locked. It writes the totals only when they differ.
func (a *Aggregator) recomputeInTx(ctx context.Context, tx store.Repository, wp domain.WorkPeriod) (domain.WorkPeriod, bool, error) {
	payments, err := tx.ListPaymentsByWorkPeriod(ctx, wp.ID)
	if err != nil {
		return wp, false, err
	}
	totals := Aggregate(a.rules, wp, payments)
	if totals.Equal(wp.Totals()) {
		return wp, false, nil
	}
	if err := tx.UpdateWorkPeriodTotals(ctx, wp.ID, totals); err != nil {
		return wp, false, err
	}
	return wp.WithTotals(totals), true, nil
}
