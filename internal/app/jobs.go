/**
 * @description
 * Scheduled job implementations for the payment service.
 */
package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/taas/payment-service/internal/domain"
)

// SweepRepository lists work periods whose payments changed recently.
type SweepRepository interface {
	ListWorkPeriodIDsWithPaymentChangesSince(ctx context.Context, since time.Time) ([]uuid.UUID, error)
}

// BatchRunner runs one payout sweep.
type BatchRunner interface {
	RunBatch(ctx context.Context) (BatchSummary, error)
}

// Lease keeps a job on one replica at a time.
type Lease interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, func(), error)
}

// JobsConfig holds job tuning.
type JobsConfig struct {
	SweepLookback time.Duration
	LeaseTTL      time.Duration
	Holder        string
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo       SweepRepository
	scheduler  BatchRunner
	dispatcher LedgerDispatcher
	lease      Lease
	cfg        JobsConfig
	now        func() time.Time
	log        zerolog.Logger
}

// NewJobs creates a new Jobs runner. lease may be nil.
func NewJobs(repo SweepRepository, scheduler BatchRunner, dispatcher LedgerDispatcher, lease Lease, cfg JobsConfig, log zerolog.Logger) *Jobs {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 4 * time.Minute
	}
	if cfg.SweepLookback <= 0 {
		cfg.SweepLookback = 24 * time.Hour
	}
	if cfg.Holder == "" {
		cfg.Holder = uuid.NewString()
	}
	return &Jobs{
		repo:       repo,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		lease:      lease,
		cfg:        cfg,
		now:        time.Now,
		log:        log.With().Str("component", "jobs").Logger(),
	}
}

// ProcessPayments runs one payout sweep if this replica holds the lease.
func (j *Jobs) ProcessPayments() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.LeaseTTL)
	defer cancel()

	release, ok := j.acquire(ctx, "payment-scheduler")
	if !ok {
		return
	}
	defer release()

	j.log.Info().Msg("starting payment scheduler job")
	summary, err := j.scheduler.RunBatch(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("payment scheduler job failed")
		return
	}
	j.log.Info().
		Int("processed", summary.Processed).
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Bool("paused", summary.Paused).
		Msg("payment scheduler job finished")
}

// RecomputeRecentWorkPeriods re-dispatches work periods whose payments changed inside the
// lookback window, covering events lost between commit and publish.
func (j *Jobs) RecomputeRecentWorkPeriods() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.LeaseTTL)
	defer cancel()

	release, ok := j.acquire(ctx, "recompute-sweep")
	if !ok {
		return
	}
	defer release()

	since := j.now().Add(-j.cfg.SweepLookback)
	ids, err := j.repo.ListWorkPeriodIDsWithPaymentChangesSince(ctx, since)
	if err != nil {
		j.log.Error().Err(err).Msg("failed to list work periods for recompute sweep")
		return
	}
	if len(ids) == 0 {
		j.log.Info().Msg("no work periods to recompute")
		return
	}

	submitted := 0
	for _, id := range ids {
		ev := domain.LedgerEvent{EntityKind: domain.EntityWorkPeriod, ID: id}
		if err := j.dispatcher.Submit(ctx, ev); err != nil {
			j.log.Error().Err(err).Str("work_period_id", id.String()).Msg("failed to submit recompute")
			continue
		}
		submitted++
	}
	j.log.Info().Int("submitted", submitted).Time("since", since).Msg("recompute sweep finished")
}

func (j *Jobs) acquire(ctx context.Context, name string) (func(), bool) {
	if j.lease == nil {
		return func() {}, true
	}
	ok, release, err := j.lease.Acquire(ctx, name, j.cfg.Holder, j.cfg.LeaseTTL)
	if err != nil {
		j.log.Error().Err(err).Str("job", name).Msg("failed to acquire job lease")
		return nil, false
	}
	if !ok {
		j.log.Debug().Str("job", name).Msg("job lease held by another replica")
		return nil, false
	}
	return release, true
}
