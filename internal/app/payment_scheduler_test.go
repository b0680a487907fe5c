package app

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taas/payment-service/internal/domain"
	"github.com/taas/payment-service/pkg/challengeclient"
)

type stubProvider struct {
	mu          sync.Mutex
	challengeID uuid.UUID
	userID      int64
	failOn      domain.SchedulerStep
	failErr     error
	calls       []domain.SchedulerStep
	created     []challengeclient.CreateChallengeRequest
	after       map[domain.SchedulerStep]func()
}

func newStubProvider() *stubProvider {
	return &stubProvider{challengeID: uuid.New(), userID: 4242}
}

func (p *stubProvider) call(step domain.SchedulerStep) error {
	p.mu.Lock()
	p.calls = append(p.calls, step)
	hook := p.after[step]
	fail := p.failOn == step
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail {
		return p.failErr
	}
	return nil
}

func (p *stubProvider) CreateChallenge(ctx context.Context, req challengeclient.CreateChallengeRequest) (uuid.UUID, error) {
	p.mu.Lock()
	p.created = append(p.created, req)
	p.mu.Unlock()
	if err := p.call(domain.StepCreateChallenge); err != nil {
		return uuid.Nil, err
	}
	return p.challengeID, nil
}

func (p *stubProvider) AssignMember(ctx context.Context, challengeID uuid.UUID, memberHandle string) error {
	return p.call(domain.StepAssignMember)
}

func (p *stubProvider) ActivateChallenge(ctx context.Context, challengeID uuid.UUID) error {
	return p.call(domain.StepActivateChallenge)
}

func (p *stubProvider) GetUserID(ctx context.Context, memberHandle string) (int64, error) {
	if err := p.call(domain.StepGetUserID); err != nil {
		return 0, err
	}
	return p.userID, nil
}

func (p *stubProvider) CloseChallenge(ctx context.Context, challengeID uuid.UUID, userID int64, memberHandle string) error {
	return p.call(domain.StepCloseChallenge)
}

func (p *stubProvider) steps() []domain.SchedulerStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.SchedulerStep(nil), p.calls...)
}

type stubLimiter struct {
	allowed map[string]int
	used    map[string]int
}

func (l *stubLimiter) Allow(ctx context.Context, bucket string, limit int, window time.Duration) (bool, time.Duration, error) {
	if l.used == nil {
		l.used = map[string]int{}
	}
	l.used[bucket]++
	limitFor, ok := l.allowed[bucket]
	if !ok {
		return true, 0, nil
	}
	if l.used[bucket] > limitFor {
		return false, 30 * time.Second, nil
	}
	return true, 0, nil
}

func newTestScheduler(f *fixture, provider ChallengeProvider, limiter RateLimiter) *PaymentScheduler {
	s := NewPaymentScheduler(f.repo, f.rules, f.aggregator, f.publisher, provider, limiter, PaymentSchedulerConfig{
		BatchSize:                    10,
		StaleAfter:                   15 * time.Minute,
		PerMinutePaymentMax:          5,
		PerMinuteChallengeRequestMax: 100,
	}, testLogger())
	s.now = func() time.Time { return testNow }
	return s
}

func TestProcessPayment_RunsAllSteps(t *testing.T) {
	f := newFixture(t, 5)
	p := f.seedPayment(t, domain.PaymentScheduled, 5, "13.23")
	provider := newStubProvider()
	scheduler := newTestScheduler(f, provider, nil)

	outcome, err := scheduler.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	assert.Equal(t, []domain.SchedulerStep{
		domain.StepCreateChallenge,
		domain.StepAssignMember,
		domain.StepActivateChallenge,
		domain.StepGetUserID,
		domain.StepCloseChallenge,
	}, provider.steps())
	require.Len(t, provider.created, 1)
	assert.Equal(t, int64(10), provider.created[0].ProjectID)
	assert.Equal(t, int64(77), provider.created[0].BillingAccountID)
	require.NotNil(t, provider.created[0].CustomerAmount)
	assert.True(t, provider.created[0].CustomerAmount.Equal(mustDecimal(t, "20")))

	stored := f.payment(t, p.ID)
	assert.Equal(t, domain.PaymentCompleted, stored.Status)
	require.NotNil(t, stored.ChallengeID)
	assert.Equal(t, provider.challengeID, *stored.ChallengeID)

	records := f.repo.SchedulerRecords(p.ID)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StepCloseChallenge, records[0].Step)
	assert.Equal(t, domain.StepCompleted, records[0].Status)
	require.NotNil(t, records[0].UserID)
	assert.Equal(t, int64(4242), *records[0].UserID)
	assert.Equal(t, "jane.doe", records[0].UserHandle)

	wp := f.workPeriod(t)
	assert.Equal(t, domain.WorkPeriodPaymentCompleted, wp.PaymentStatus)
	assert.Equal(t, 5, wp.DaysPaid)
}

func TestProcessPayment_FreshInProgressRecordIsNoop(t *testing.T) {
	f := newFixture(t, 5)
	p := f.seedPayment(t, domain.PaymentInProgress, 5, "13.23")
	f.repo.SeedSchedulerRecord(domain.PaymentSchedulerRecord{
		ID:                  uuid.New(),
		WorkPeriodPaymentID: p.ID,
		Step:                domain.StepAssignMember,
		Status:              domain.StepInProgress,
		UserHandle:          "jane.doe",
		CreatedAt:           testNow.Add(-time.Minute),
		UpdatedAt:           testNow.Add(-time.Minute),
	})
	provider := newStubProvider()
	scheduler := newTestScheduler(f, provider, nil)

	outcome, err := scheduler.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, provider.steps())
	assert.Len(t, f.repo.SchedulerRecords(p.ID), 1)
	assert.Equal(t, domain.PaymentInProgress, f.payment(t, p.ID).Status)
}

func TestProcessPayment_ReclaimsStaleRecord(t *testing.T) {
	f := newFixture(t, 5)
	p := f.seedPayment(t, domain.PaymentInProgress, 5, "13.23")
	challengeID := uuid.New()
	f.repo.SeedSchedulerRecord(domain.PaymentSchedulerRecord{
		ID:                  uuid.New(),
		WorkPeriodPaymentID: p.ID,
		ChallengeID:         &challengeID,
		Step:                domain.StepActivateChallenge,
		Status:              domain.StepInProgress,
		UserHandle:          "jane.doe",
		CreatedAt:           testNow.Add(-time.Hour),
		UpdatedAt:           testNow.Add(-time.Hour),
	})
	provider := newStubProvider()
	scheduler := newTestScheduler(f, provider, nil)

	outcome, err := scheduler.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, []domain.SchedulerStep{
		domain.StepActivateChallenge,
		domain.StepGetUserID,
		domain.StepCloseChallenge,
	}, provider.steps())
	assert.Len(t, f.repo.SchedulerRecords(p.ID), 1)
	assert.Equal(t, domain.PaymentCompleted, f.payment(t, p.ID).Status)
}

func TestProcessPayment_ResumesAfterCompletedStep(t *testing.T) {
	f := newFixture(t, 5)
	p := f.seedPayment(t, domain.PaymentInProgress, 5, "13.23")
	challengeID := uuid.New()
	userID := int64(99)
	f.repo.SeedSchedulerRecord(domain.PaymentSchedulerRecord{
		ID:                  uuid.New(),
		WorkPeriodPaymentID: p.ID,
		ChallengeID:         &challengeID,
		Step:                domain.StepActivateChallenge,
		Status:              domain.StepCompleted,
		UserID:              &userID,
		UserHandle:          "jane.doe",
		CreatedAt:           testNow.Add(-time.Minute),
		UpdatedAt:           testNow.Add(-time.Minute),
	})
	provider := newStubProvider()
	scheduler := newTestScheduler(f, provider, nil)

	outcome, err := scheduler.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	// The user id is already known, so only the close call is made.
	assert.Equal(t, []domain.SchedulerStep{domain.StepCloseChallenge}, provider.steps())
}

func TestProcessPayment_StepFailureRecordsDetails(t *testing.T) {
	f := newFixture(t, 5)
	p := f.seedPayment(t, domain.PaymentScheduled, 5, "13.23")
	provider := newStubProvider()
	provider.failOn = domain.StepActivateChallenge
	provider.failErr = &challengeclient.APIError{StatusCode: http.StatusServiceUnavailable, Message: "maintenance"}
	scheduler := newTestScheduler(f, provider, nil)

	outcome, err := scheduler.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	records := f.repo.SchedulerRecords(p.ID)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StepFailed, records[0].Status)
	assert.Equal(t, domain.StepActivateChallenge, records[0].Step)

	stored := f.payment(t, p.ID)
	assert.Equal(t, domain.PaymentFailed, stored.Status)
	require.NotNil(t, stored.StatusDetails)
	assert.Equal(t, http.StatusServiceUnavailable, stored.StatusDetails.ErrorCode)
	assert.Equal(t, domain.StepActivateChallenge, stored.StatusDetails.Step)
	assert.Contains(t, stored.StatusDetails.ErrorMessage, "maintenance")
	require.NotNil(t, stored.StatusDetails.ChallengeID)
	assert.Equal(t, provider.challengeID, *stored.StatusDetails.ChallengeID)

	wp := f.workPeriod(t)
	assert.Equal(t, domain.WorkPeriodPaymentFailed, wp.PaymentStatus)
	assert.Equal(t, 0, wp.DaysPaid)
}

func TestProcessPayment_RetryInheritsFailedRecord(t *testing.T) {
	f := newFixture(t, 5)
	p := f.seedPayment(t, domain.PaymentScheduled, 5, "13.23")
	provider := newStubProvider()
	provider.failOn = domain.StepGetUserID
	provider.failErr = &challengeclient.APIError{StatusCode: http.StatusNotFound, Message: "member not found"}
	scheduler := newTestScheduler(f, provider, nil)

	outcome, err := scheduler.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome)

	_, err = f.payments.Update(context.Background(), domain.UpdatePaymentRequest{ID: p.ID, Status: statusPtr(domain.PaymentScheduled)}, "admin")
	require.NoError(t, err)

	provider.failOn = ""
	provider.calls = nil
	outcome, err = scheduler.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, []domain.SchedulerStep{domain.StepGetUserID, domain.StepCloseChallenge}, provider.steps())
	assert.Len(t, provider.created, 1)

	records := f.repo.SchedulerRecords(p.ID)
	require.Len(t, records, 2)
	retry := records[1]
	require.NotNil(t, retry.ChallengeID)
	assert.Equal(t, provider.challengeID, *retry.ChallengeID)
	assert.Equal(t, "jane.doe", retry.UserHandle)
	require.NotNil(t, retry.StatusDetails)
	assert.Equal(t, 1, retry.StatusDetails.Retry)
	assert.Equal(t, domain.PaymentCompleted, f.payment(t, p.ID).Status)
}

func TestProcessPayment_SkipsTerminalPayments(t *testing.T) {
	f := newFixture(t, 5)
	p := f.seedPayment(t, domain.PaymentCancelled, 5, "13.23")
	provider := newStubProvider()
	scheduler := newTestScheduler(f, provider, nil)

	outcome, err := scheduler.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, f.repo.SchedulerRecords(p.ID))
}

func TestProcessPayment_PausesOnChallengeRequestLimit(t *testing.T) {
	f := newFixture(t, 5)
	p := f.seedPayment(t, domain.PaymentScheduled, 5, "13.23")
	provider := newStubProvider()
	limiter := &stubLimiter{allowed: map[string]int{challengeRequestBucket: 2}}
	scheduler := newTestScheduler(f, provider, limiter)

	outcome, err := scheduler.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)
	assert.Equal(t, []domain.SchedulerStep{domain.StepCreateChallenge, domain.StepAssignMember}, provider.steps())

	records := f.repo.SchedulerRecords(p.ID)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StepAssignMember, records[0].Step)
	assert.Equal(t, domain.StepCompleted, records[0].Status)

	// The next sweep picks up where pacing stopped.
	limiter.allowed = nil
	outcome, err = scheduler.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Len(t, f.repo.SchedulerRecords(p.ID), 1)
}

func TestRunBatch_StopsAtPaymentLimit(t *testing.T) {
	f := newFixture(t, 5)
	first := f.seedPayment(t, domain.PaymentScheduled, 2, "5.29")
	second := f.seedPayment(t, domain.PaymentScheduled, 2, "5.29")
	f.seedPayment(t, domain.PaymentCompleted, 1, "2.65")
	provider := newStubProvider()
	limiter := &stubLimiter{allowed: map[string]int{paymentBucket: 1}}
	scheduler := newTestScheduler(f, provider, limiter)

	summary, err := scheduler.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Completed)
	assert.True(t, summary.Paused)
	assert.Equal(t, domain.PaymentCompleted, f.payment(t, first.ID).Status)
	assert.Equal(t, domain.PaymentScheduled, f.payment(t, second.ID).Status)
}

func TestProcessPayment_StopsWhenPaymentFailedManually(t *testing.T) {
	f := newFixture(t, 5)
	p := f.seedPayment(t, domain.PaymentScheduled, 5, "13.23")
	provider := newStubProvider()
	ctx := context.Background()

	var replacement *domain.WorkPeriodPayment
	provider.after = map[domain.SchedulerStep]func(){
		domain.StepActivateChallenge: func() {
			_, err := f.payments.Update(ctx, domain.UpdatePaymentRequest{ID: p.ID, Status: statusPtr(domain.PaymentFailed)}, "ops")
			require.NoError(t, err)
			replacement, err = f.payments.Create(ctx, domain.CreatePaymentRequest{WorkPeriodID: f.wp.ID, Days: intPtr(5)}, "ops")
			require.NoError(t, err)
		},
	}
	scheduler := newTestScheduler(f, provider, nil)

	outcome, err := scheduler.ProcessPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, outcome)

	assert.Equal(t, []domain.SchedulerStep{
		domain.StepCreateChallenge,
		domain.StepAssignMember,
		domain.StepActivateChallenge,
	}, provider.steps())
	assert.Equal(t, domain.PaymentFailed, f.payment(t, p.ID).Status)
	require.NotNil(t, replacement)
	assert.Equal(t, domain.PaymentScheduled, f.payment(t, replacement.ID).Status)

	wp := f.workPeriod(t)
	assert.Equal(t, 5, wp.DaysPaid)
	assert.LessOrEqual(t, wp.DaysPaid, wp.DaysWorked)

	records := f.repo.SchedulerRecords(p.ID)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StepFailed, records[0].Status)
	assert.Equal(t, domain.StepActivateChallenge, records[0].Step)
	require.NotNil(t, records[0].StatusDetails)
	assert.Contains(t, records[0].StatusDetails.ErrorMessage, "payout aborted")
	require.NotNil(t, records[0].ChallengeID)
	assert.Equal(t, provider.challengeID, *records[0].ChallengeID)
}

func TestCommit_RefusesInactivePayment(t *testing.T) {
	f := newFixture(t, 5)
	p := f.seedPayment(t, domain.PaymentCancelled, 2, "5.29")
	scheduler := newTestScheduler(f, newStubProvider(), nil)

	_, err := scheduler.commit(context.Background(), p.ID, nil, markInProgress)

	var inactive *inactivePaymentError
	require.ErrorAs(t, err, &inactive)
	assert.Equal(t, domain.PaymentCancelled, inactive.status)
	assert.Equal(t, domain.PaymentCancelled, f.payment(t, p.ID).Status)
	assert.Empty(t, f.publisher.topics())
}

func TestMarkCompleted_OnlyFromInProgress(t *testing.T) {
	for _, status := range []domain.PaymentStatus{domain.PaymentScheduled, domain.PaymentFailed, domain.PaymentCancelled, domain.PaymentCompleted} {
		p := domain.WorkPeriodPayment{Status: status}
		assert.False(t, markCompleted(&p), status)
		assert.Equal(t, status, p.Status)
	}
	p := domain.WorkPeriodPayment{Status: domain.PaymentInProgress}
	assert.True(t, markCompleted(&p))
	assert.Equal(t, domain.PaymentCompleted, p.Status)
}
