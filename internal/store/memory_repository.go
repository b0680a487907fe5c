/**
 * @description
 * In-memory implementation of the `Repository` interface. It backs the service when
 * STORE_DRIVER=memory and is the transactional fake used by the application tests.
 *
 * @notes
 * - Transactions are serialized by a single lock held for the whole callback, which gives
 *   the same isolation LockWorkPeriod provides in PostgreSQL.
 * - A failed callback restores the snapshot taken when the transaction began.
 * - Stored values are cloned on the way in and out so callers never share pointers with
 *   the store.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taas/payment-service/internal/domain"
)

type memoryState struct {
	workPeriods    map[uuid.UUID]domain.WorkPeriod
	bookings       map[uuid.UUID]domain.ResourceBooking
	payments       map[uuid.UUID]domain.WorkPeriodPayment
	schedulers     map[uuid.UUID]domain.PaymentSchedulerRecord
	paymentOrder   []uuid.UUID
	schedulerOrder []uuid.UUID
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		workPeriods:    make(map[uuid.UUID]domain.WorkPeriod, len(s.workPeriods)),
		bookings:       make(map[uuid.UUID]domain.ResourceBooking, len(s.bookings)),
		payments:       make(map[uuid.UUID]domain.WorkPeriodPayment, len(s.payments)),
		schedulers:     make(map[uuid.UUID]domain.PaymentSchedulerRecord, len(s.schedulers)),
		paymentOrder:   append([]uuid.UUID(nil), s.paymentOrder...),
		schedulerOrder: append([]uuid.UUID(nil), s.schedulerOrder...),
	}
	for k, v := range s.workPeriods {
		c.workPeriods[k] = v
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.schedulers {
		c.schedulers[k] = v
	}
	return c
}

type memoryShared struct {
	txMu  sync.Mutex
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time
}

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	shared *memoryShared
	inTx   bool
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{shared: &memoryShared{
		state: &memoryState{
			workPeriods: map[uuid.UUID]domain.WorkPeriod{},
			bookings:    map[uuid.UUID]domain.ResourceBooking{},
			payments:    map[uuid.UUID]domain.WorkPeriodPayment{},
			schedulers:  map[uuid.UUID]domain.PaymentSchedulerRecord{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}}
}

// SetClock replaces the clock used for audit timestamps.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.shared.mu.Lock()
	defer r.shared.mu.Unlock()
	r.shared.now = now
}

// WithinTransaction runs fn while holding the store-wide transaction lock.
func (r *MemoryRepository) WithinTransaction(ctx context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.shared.txMu.Lock()
	defer r.shared.txMu.Unlock()

	r.shared.mu.Lock()
	snapshot := r.shared.state.clone()
	r.shared.mu.Unlock()

	if err := fn(&MemoryRepository{shared: r.shared, inTx: true}); err != nil {
		r.shared.mu.Lock()
		r.shared.state = snapshot
		r.shared.mu.Unlock()
		return err
	}
	return nil
}

// write runs fn under the data lock. Writes outside a transaction also take the
// transaction lock so they never interleave with a callback that may roll back.
func (r *MemoryRepository) write(fn func(s *memoryState, now time.Time) error) error {
	if !r.inTx {
		r.shared.txMu.Lock()
		defer r.shared.txMu.Unlock()
	}
	r.shared.mu.Lock()
	defer r.shared.mu.Unlock()
	return fn(r.shared.state, r.shared.now())
}

func (r *MemoryRepository) read(fn func(s *memoryState)) {
	r.shared.mu.Lock()
	defer r.shared.mu.Unlock()
	fn(r.shared.state)
}

// SeedWorkPeriod stores a work period as-is.
func (r *MemoryRepository) SeedWorkPeriod(wp domain.WorkPeriod) {
	_ = r.write(func(s *memoryState, _ time.Time) error {
		s.workPeriods[wp.ID] = wp
		return nil
	})
}

// SeedResourceBooking stores a booking snapshot.
func (r *MemoryRepository) SeedResourceBooking(rb domain.ResourceBooking) {
	_ = r.write(func(s *memoryState, _ time.Time) error {
		s.bookings[rb.ID] = rb
		return nil
	})
}

// SeedPayment stores a payment as-is, keeping its timestamps.
func (r *MemoryRepository) SeedPayment(p domain.WorkPeriodPayment) {
	_ = r.write(func(s *memoryState, _ time.Time) error {
		if _, ok := s.payments[p.ID]; !ok {
			s.paymentOrder = append(s.paymentOrder, p.ID)
		}
		s.payments[p.ID] = clonePayment(p)
		return nil
	})
}

// SeedSchedulerRecord stores a scheduler record as-is, keeping its timestamps.
func (r *MemoryRepository) SeedSchedulerRecord(rec domain.PaymentSchedulerRecord) {
	_ = r.write(func(s *memoryState, _ time.Time) error {
		if _, ok := s.schedulers[rec.ID]; !ok {
			s.schedulerOrder = append(s.schedulerOrder, rec.ID)
		}
		s.schedulers[rec.ID] = cloneSchedulerRecord(rec)
		return nil
	})
}

// SchedulerRecords returns every record of a payment in creation order.
func (r *MemoryRepository) SchedulerRecords(paymentID uuid.UUID) []domain.PaymentSchedulerRecord {
	var out []domain.PaymentSchedulerRecord
	r.read(func(s *memoryState) {
		for _, id := range s.schedulerOrder {
			if rec := s.schedulers[id]; rec.WorkPeriodPaymentID == paymentID {
				out = append(out, cloneSchedulerRecord(rec))
			}
		}
	})
	return out
}

func (r *MemoryRepository) GetWorkPeriod(ctx context.Context, id uuid.UUID) (*domain.WorkPeriod, error) {
	var (
		wp domain.WorkPeriod
		ok bool
	)
	r.read(func(s *memoryState) { wp, ok = s.workPeriods[id] })
	if !ok || wp.DeletedAt != nil {
		return nil, ErrWorkPeriodNotFound
	}
	return &wp, nil
}

func (r *MemoryRepository) LockWorkPeriod(ctx context.Context, id uuid.UUID) (*domain.WorkPeriod, error) {
	return r.GetWorkPeriod(ctx, id)
}

func (r *MemoryRepository) ListWorkPeriodsByBooking(ctx context.Context, resourceBookingID uuid.UUID) ([]domain.WorkPeriod, error) {
	var periods []domain.WorkPeriod
	r.read(func(s *memoryState) {
		for _, wp := range s.workPeriods {
			if wp.ResourceBookingID == resourceBookingID && wp.DeletedAt == nil {
				periods = append(periods, wp)
			}
		}
	})
	sort.Slice(periods, func(i, j int) bool { return periods[i].StartDate.Before(periods[j].StartDate) })
	return periods, nil
}

func (r *MemoryRepository) CreateWorkPeriod(ctx context.Context, wp *domain.WorkPeriod) error {
	return r.write(func(s *memoryState, now time.Time) error {
		wp.CreatedAt, wp.UpdatedAt = now, now
		s.workPeriods[wp.ID] = *wp
		return nil
	})
}

func (r *MemoryRepository) UpdateWorkPeriodTotals(ctx context.Context, id uuid.UUID, totals domain.PaymentTotals) error {
	return r.write(func(s *memoryState, now time.Time) error {
		wp, ok := s.workPeriods[id]
		if !ok || wp.DeletedAt != nil {
			return ErrWorkPeriodNotFound
		}
		wp = wp.WithTotals(totals)
		wp.UpdatedAt = now
		s.workPeriods[id] = wp
		return nil
	})
}

func (r *MemoryRepository) UpdateWorkPeriodDaysWorked(ctx context.Context, id uuid.UUID, daysWorked int, updatedBy string) error {
	return r.write(func(s *memoryState, now time.Time) error {
		wp, ok := s.workPeriods[id]
		if !ok || wp.DeletedAt != nil {
			return ErrWorkPeriodNotFound
		}
		wp.DaysWorked = daysWorked
		wp.UpdatedBy = &updatedBy
		wp.UpdatedAt = now
		s.workPeriods[id] = wp
		return nil
	})
}

func (r *MemoryRepository) SoftDeleteWorkPeriod(ctx context.Context, id uuid.UUID) error {
	return r.write(func(s *memoryState, now time.Time) error {
		wp, ok := s.workPeriods[id]
		if !ok || wp.DeletedAt != nil {
			return ErrWorkPeriodNotFound
		}
		wp.DeletedAt = &now
		s.workPeriods[id] = wp
		return nil
	})
}

func (r *MemoryRepository) ListWorkPeriodIDsWithPaymentChangesSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	r.read(func(s *memoryState) {
		seen := map[uuid.UUID]bool{}
		for _, id := range s.paymentOrder {
			p := s.payments[id]
			wp, ok := s.workPeriods[p.WorkPeriodID]
			if !ok || wp.DeletedAt != nil || p.UpdatedAt.Before(since) || seen[p.WorkPeriodID] {
				continue
			}
			seen[p.WorkPeriodID] = true
			ids = append(ids, p.WorkPeriodID)
		}
	})
	return ids, nil
}

func (r *MemoryRepository) GetResourceBooking(ctx context.Context, id uuid.UUID) (*domain.ResourceBooking, error) {
	var (
		rb domain.ResourceBooking
		ok bool
	)
	r.read(func(s *memoryState) { rb, ok = s.bookings[id] })
	if !ok {
		return nil, ErrResourceBookingNotFound
	}
	return &rb, nil
}

func (r *MemoryRepository) GetPayment(ctx context.Context, id uuid.UUID) (*domain.WorkPeriodPayment, error) {
	var (
		p  domain.WorkPeriodPayment
		ok bool
	)
	r.read(func(s *memoryState) { p, ok = s.payments[id] })
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p = clonePayment(p)
	return &p, nil
}

func (r *MemoryRepository) ListPaymentsByWorkPeriod(ctx context.Context, workPeriodID uuid.UUID) ([]domain.WorkPeriodPayment, error) {
	var payments []domain.WorkPeriodPayment
	r.read(func(s *memoryState) {
		for _, id := range s.paymentOrder {
			if p := s.payments[id]; p.WorkPeriodID == workPeriodID {
				payments = append(payments, clonePayment(p))
			}
		}
	})
	return payments, nil
}

func (r *MemoryRepository) ListPaymentsByStatuses(ctx context.Context, statuses []domain.PaymentStatus, limit int) ([]domain.WorkPeriodPayment, error) {
	wanted := make(map[domain.PaymentStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var payments []domain.WorkPeriodPayment
	r.read(func(s *memoryState) {
		for _, id := range s.paymentOrder {
			if limit > 0 && len(payments) >= limit {
				return
			}
			if p := s.payments[id]; wanted[p.Status] {
				payments = append(payments, clonePayment(p))
			}
		}
	})
	return payments, nil
}

func (r *MemoryRepository) CreatePayment(ctx context.Context, p *domain.WorkPeriodPayment) error {
	return r.write(func(s *memoryState, now time.Time) error {
		p.CreatedAt, p.UpdatedAt = now, now
		s.payments[p.ID] = clonePayment(*p)
		s.paymentOrder = append(s.paymentOrder, p.ID)
		return nil
	})
}

func (r *MemoryRepository) UpdatePayment(ctx context.Context, p *domain.WorkPeriodPayment) error {
	return r.write(func(s *memoryState, now time.Time) error {
		if _, ok := s.payments[p.ID]; !ok {
			return ErrPaymentNotFound
		}
		p.UpdatedAt = now
		s.payments[p.ID] = clonePayment(*p)
		return nil
	})
}

func (r *MemoryRepository) GetActiveSchedulerRecord(ctx context.Context, paymentID uuid.UUID) (*domain.PaymentSchedulerRecord, error) {
	var found *domain.PaymentSchedulerRecord
	r.read(func(s *memoryState) {
		for _, id := range s.schedulerOrder {
			rec := s.schedulers[id]
			if rec.WorkPeriodPaymentID == paymentID && !rec.IsTerminal() {
				c := cloneSchedulerRecord(rec)
				found = &c
				return
			}
		}
	})
	if found == nil {
		return nil, ErrSchedulerRecordNotFound
	}
	return found, nil
}

func (r *MemoryRepository) GetLatestSchedulerRecord(ctx context.Context, paymentID uuid.UUID) (*domain.PaymentSchedulerRecord, error) {
	var found *domain.PaymentSchedulerRecord
	r.read(func(s *memoryState) {
		for i := len(s.schedulerOrder) - 1; i >= 0; i-- {
			rec := s.schedulers[s.schedulerOrder[i]]
			if rec.WorkPeriodPaymentID == paymentID {
				c := cloneSchedulerRecord(rec)
				found = &c
				return
			}
		}
	})
	if found == nil {
		return nil, ErrSchedulerRecordNotFound
	}
	return found, nil
}

func (r *MemoryRepository) CreateSchedulerRecord(ctx context.Context, rec *domain.PaymentSchedulerRecord) (bool, error) {
	created := false
	err := r.write(func(s *memoryState, now time.Time) error {
		for _, existing := range s.schedulers {
			if existing.WorkPeriodPaymentID == rec.WorkPeriodPaymentID && !existing.IsTerminal() {
				return nil
			}
		}
		rec.CreatedAt, rec.UpdatedAt = now, now
		s.schedulers[rec.ID] = cloneSchedulerRecord(*rec)
		s.schedulerOrder = append(s.schedulerOrder, rec.ID)
		created = true
		return nil
	})
	return created, err
}

func (r *MemoryRepository) UpdateSchedulerRecord(ctx context.Context, rec *domain.PaymentSchedulerRecord) error {
	return r.write(func(s *memoryState, now time.Time) error {
		if _, ok := s.schedulers[rec.ID]; !ok {
			return ErrSchedulerRecordNotFound
		}
		rec.UpdatedAt = now
		s.schedulers[rec.ID] = cloneSchedulerRecord(*rec)
		return nil
	})
}

func (r *MemoryRepository) ClaimSchedulerRecord(ctx context.Context, id uuid.UUID, claim SchedulerClaim, next domain.SchedulerStep) (bool, error) {
	claimed := false
	err := r.write(func(s *memoryState, now time.Time) error {
		rec, ok := s.schedulers[id]
		if !ok || rec.Step != claim.Step || rec.Status != claim.Status {
			return nil
		}
		if claim.StaleAfter > 0 && !rec.UpdatedAt.Before(now.Add(-claim.StaleAfter)) {
			return nil
		}
		rec.Step = next
		rec.Status = domain.StepInProgress
		rec.UpdatedAt = now
		s.schedulers[id] = rec
		claimed = true
		return nil
	})
	return claimed, err
}

func clonePayment(p domain.WorkPeriodPayment) domain.WorkPeriodPayment {
	if p.ChallengeID != nil {
		id := *p.ChallengeID
		p.ChallengeID = &id
	}
	if p.CustomerRate != nil {
		rate := *p.CustomerRate
		p.CustomerRate = &rate
	}
	p.StatusDetails = cloneStatusDetails(p.StatusDetails)
	return p
}

func cloneSchedulerRecord(rec domain.PaymentSchedulerRecord) domain.PaymentSchedulerRecord {
	if rec.ChallengeID != nil {
		id := *rec.ChallengeID
		rec.ChallengeID = &id
	}
	if rec.UserID != nil {
		userID := *rec.UserID
		rec.UserID = &userID
	}
	rec.StatusDetails = cloneStatusDetails(rec.StatusDetails)
	return rec
}

func cloneStatusDetails(details *domain.StatusDetails) *domain.StatusDetails {
	if details == nil {
		return nil
	}
	c := *details
	if details.ChallengeID != nil {
		id := *details.ChallengeID
		c.ChallengeID = &id
	}
	return &c
}
