/**
 * @description
 * PostgreSQL implementation of the `Repository` interface over the `work_periods`,
 * `work_period_payments`, `payment_schedulers` and `resource_bookings` tables.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver, pool and transactions.
 * - github.com/shopspring/decimal: numeric columns are exchanged as text and parsed here.
 *
 * @notes
 * - `payment_schedulers` carries a partial unique index on work_period_payment_id for
 *   non-terminal rows (status <> 'failed' AND NOT (step = 'close-challenge' AND
 *   status = 'completed')). CreateSchedulerRecord relies on it.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/taas/payment-service/internal/domain"
)

// dbtx is the query surface shared by the pool and an open transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, db: pool}
}

// WithinTransaction runs fn in a single database transaction. Nested calls reuse the
// outer transaction.
func (r *PostgresRepository) WithinTransaction(ctx context.Context, fn func(tx Repository) error) error {
	if r.pool == nil {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const workPeriodColumns = `
	id, resource_booking_id, user_handle, project_id, start_date, end_date,
	days_worked, days_paid, payment_total::text, payment_status,
	sent_survey, sent_survey_error, created_by, updated_by, created_at, updated_at`

func scanWorkPeriod(row pgx.Row) (*domain.WorkPeriod, error) {
	var (
		wp    domain.WorkPeriod
		total string
	)
	err := row.Scan(
		&wp.ID, &wp.ResourceBookingID, &wp.UserHandle, &wp.ProjectID, &wp.StartDate, &wp.EndDate,
		&wp.DaysWorked, &wp.DaysPaid, &total, &wp.PaymentStatus,
		&wp.SentSurvey, &wp.SentSurveyError, &wp.CreatedBy, &wp.UpdatedBy, &wp.CreatedAt, &wp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if wp.PaymentTotal, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse payment_total: %w", err)
	}
	return &wp, nil
}

// GetWorkPeriod fetches a live (not soft-deleted) work period.
func (r *PostgresRepository) GetWorkPeriod(ctx context.Context, id uuid.UUID) (*domain.WorkPeriod, error) {
	query := `SELECT` + workPeriodColumns + ` FROM work_periods WHERE id = $1 AND deleted_at IS NULL`
	wp, err := scanWorkPeriod(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWorkPeriodNotFound
		}
		return nil, err
	}
	return wp, nil
}

// LockWorkPeriod fetches a work period and holds its row lock until the transaction ends.
func (r *PostgresRepository) LockWorkPeriod(ctx context.Context, id uuid.UUID) (*domain.WorkPeriod, error) {
	query := `SELECT` + workPeriodColumns + ` FROM work_periods WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`
	wp, err := scanWorkPeriod(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWorkPeriodNotFound
		}
		return nil, err
	}
	return wp, nil
}

// ListWorkPeriodsByBooking returns the live work periods of a booking ordered by start date.
func (r *PostgresRepository) ListWorkPeriodsByBooking(ctx context.Context, resourceBookingID uuid.UUID) ([]domain.WorkPeriod, error) {
	query := `SELECT` + workPeriodColumns + `
		FROM work_periods
		WHERE resource_booking_id = $1 AND deleted_at IS NULL
		ORDER BY start_date`
	rows, err := r.db.Query(ctx, query, resourceBookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []domain.WorkPeriod
	for rows.Next() {
		wp, err := scanWorkPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, *wp)
	}
	return periods, rows.Err()
}

// CreateWorkPeriod inserts a work period with zeroed payment totals.
func (r *PostgresRepository) CreateWorkPeriod(ctx context.Context, wp *domain.WorkPeriod) error {
	query := `
		INSERT INTO work_periods (
			id, resource_booking_id, user_handle, project_id, start_date, end_date,
			days_worked, days_paid, payment_total, payment_status, sent_survey, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		wp.ID,
		wp.ResourceBookingID,
		wp.UserHandle,
		wp.ProjectID,
		wp.StartDate,
		wp.EndDate,
		wp.DaysWorked,
		wp.DaysPaid,
		wp.PaymentTotal.String(),
		wp.PaymentStatus,
		wp.SentSurvey,
		wp.CreatedBy,
	).Scan(&wp.CreatedAt, &wp.UpdatedAt)
}

// UpdateWorkPeriodTotals writes the derived payment triple.
func (r *PostgresRepository) UpdateWorkPeriodTotals(ctx context.Context, id uuid.UUID, totals domain.PaymentTotals) error {
	query := `
		UPDATE work_periods
		SET days_paid = $1, payment_total = $2::numeric, payment_status = $3, updated_at = NOW()
		WHERE id = $4 AND deleted_at IS NULL
	`
	tag, err := r.db.Exec(ctx, query, totals.DaysPaid, totals.PaymentTotal.String(), totals.PaymentStatus, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkPeriodNotFound
	}
	return nil
}

// UpdateWorkPeriodDaysWorked corrects the number of days worked.
func (r *PostgresRepository) UpdateWorkPeriodDaysWorked(ctx context.Context, id uuid.UUID, daysWorked int, updatedBy string) error {
	query := `
		UPDATE work_periods
		SET days_worked = $1, updated_by = $2, updated_at = NOW()
		WHERE id = $3 AND deleted_at IS NULL
	`
	tag, err := r.db.Exec(ctx, query, daysWorked, updatedBy, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkPeriodNotFound
	}
	return nil
}

// SoftDeleteWorkPeriod marks a work period deleted.
func (r *PostgresRepository) SoftDeleteWorkPeriod(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE work_periods SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkPeriodNotFound
	}
	return nil
}

// ListWorkPeriodIDsWithPaymentChangesSince returns work periods with payments touched since the given time.
func (r *PostgresRepository) ListWorkPeriodIDsWithPaymentChangesSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT p.work_period_id
		FROM work_period_payments p
		JOIN work_periods w ON w.id = p.work_period_id AND w.deleted_at IS NULL
		WHERE p.updated_at >= $1
	`
	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetResourceBooking reads the booking snapshot. It is never cached.
func (r *PostgresRepository) GetResourceBooking(ctx context.Context, id uuid.UUID) (*domain.ResourceBooking, error) {
	query := `
		SELECT id, user_id, user_handle, project_id, start_date, end_date,
			member_rate::text, customer_rate::text, billing_account_id
		FROM resource_bookings
		WHERE id = $1 AND deleted_at IS NULL
	`
	var (
		rb                       domain.ResourceBooking
		memberRate, customerRate *string
	)
	err := r.db.QueryRow(ctx, query, id).Scan(
		&rb.ID, &rb.UserID, &rb.UserHandle, &rb.ProjectID, &rb.StartDate, &rb.EndDate,
		&memberRate, &customerRate, &rb.BillingAccountID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResourceBookingNotFound
		}
		return nil, err
	}
	if rb.MemberRate, err = parseNullableDecimal(memberRate); err != nil {
		return nil, fmt.Errorf("parse member_rate: %w", err)
	}
	if rb.CustomerRate, err = parseNullableDecimal(customerRate); err != nil {
		return nil, fmt.Errorf("parse customer_rate: %w", err)
	}
	return &rb, nil
}

const paymentColumns = `
	id, work_period_id, challenge_id, amount::text, days, member_rate::text,
	customer_rate::text, billing_account_id, status, status_details,
	created_by, updated_by, created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.WorkPeriodPayment, error) {
	var (
		p                  domain.WorkPeriodPayment
		amount, memberRate string
		customerRate       *string
		statusDetails      []byte
	)
	err := row.Scan(
		&p.ID, &p.WorkPeriodID, &p.ChallengeID, &amount, &p.Days, &memberRate,
		&customerRate, &p.BillingAccountID, &p.Status, &statusDetails,
		&p.CreatedBy, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if p.MemberRate, err = decimal.NewFromString(memberRate); err != nil {
		return nil, fmt.Errorf("parse member_rate: %w", err)
	}
	if p.CustomerRate, err = parseNullableDecimal(customerRate); err != nil {
		return nil, fmt.Errorf("parse customer_rate: %w", err)
	}
	if p.StatusDetails, err = decodeStatusDetails(statusDetails); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPayment fetches a payment by id.
func (r *PostgresRepository) GetPayment(ctx context.Context, id uuid.UUID) (*domain.WorkPeriodPayment, error) {
	query := `SELECT` + paymentColumns + ` FROM work_period_payments WHERE id = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListPaymentsByWorkPeriod returns every payment of a work period ordered by creation.
func (r *PostgresRepository) ListPaymentsByWorkPeriod(ctx context.Context, workPeriodID uuid.UUID) ([]domain.WorkPeriodPayment, error) {
	query := `SELECT` + paymentColumns + ` FROM work_period_payments WHERE work_period_id = $1 ORDER BY created_at, id`
	return r.queryPayments(ctx, query, workPeriodID)
}

// ListPaymentsByStatuses returns the oldest payments in any of the given statuses.
func (r *PostgresRepository) ListPaymentsByStatuses(ctx context.Context, statuses []domain.PaymentStatus, limit int) ([]domain.WorkPeriodPayment, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	query := `SELECT` + paymentColumns + `
		FROM work_period_payments
		WHERE status = ANY($1)
		ORDER BY created_at, id
		LIMIT $2`
	return r.queryPayments(ctx, query, names, limit)
}

func (r *PostgresRepository) queryPayments(ctx context.Context, query string, args ...any) ([]domain.WorkPeriodPayment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.WorkPeriodPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// CreatePayment inserts a payment.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *domain.WorkPeriodPayment) error {
	details, err := encodeStatusDetails(p.StatusDetails)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO work_period_payments (
			id, work_period_id, challenge_id, amount, days, member_rate, customer_rate,
			billing_account_id, status, status_details, created_by
		)
		VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric, $7::numeric, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		p.ID,
		p.WorkPeriodID,
		p.ChallengeID,
		p.Amount.String(),
		p.Days,
		p.MemberRate.String(),
		nullableDecimalString(p.CustomerRate),
		p.BillingAccountID,
		p.Status,
		details,
		p.CreatedBy,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// UpdatePayment writes every mutable column of a payment.
func (r *PostgresRepository) UpdatePayment(ctx context.Context, p *domain.WorkPeriodPayment) error {
	details, err := encodeStatusDetails(p.StatusDetails)
	if err != nil {
		return err
	}
	query := `
		UPDATE work_period_payments
		SET challenge_id = $1, amount = $2::numeric, days = $3, member_rate = $4::numeric,
			customer_rate = $5::numeric, billing_account_id = $6, status = $7,
			status_details = $8, updated_by = $9, updated_at = NOW()
		WHERE id = $10
		RETURNING updated_at
	`
	err = r.db.QueryRow(ctx, query,
		p.ChallengeID,
		p.Amount.String(),
		p.Days,
		p.MemberRate.String(),
		nullableDecimalString(p.CustomerRate),
		p.BillingAccountID,
		p.Status,
		details,
		p.UpdatedBy,
		p.ID,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPaymentNotFound
	}
	return err
}

const schedulerColumns = `
	id, work_period_payment_id, challenge_id, step, status, user_id, user_handle,
	status_details, created_at, updated_at`

func scanSchedulerRecord(row pgx.Row) (*domain.PaymentSchedulerRecord, error) {
	var (
		rec     domain.PaymentSchedulerRecord
		details []byte
	)
	err := row.Scan(
		&rec.ID, &rec.WorkPeriodPaymentID, &rec.ChallengeID, &rec.Step, &rec.Status, &rec.UserID,
		&rec.UserHandle, &details, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rec.StatusDetails, err = decodeStatusDetails(details); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetActiveSchedulerRecord returns the non-terminal record of a payment.
func (r *PostgresRepository) GetActiveSchedulerRecord(ctx context.Context, paymentID uuid.UUID) (*domain.PaymentSchedulerRecord, error) {
	query := `SELECT` + schedulerColumns + `
		FROM payment_schedulers
		WHERE work_period_payment_id = $1
			AND status <> 'failed'
			AND NOT (step = 'close-challenge' AND status = 'completed')`
	rec, err := scanSchedulerRecord(r.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSchedulerRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

// GetLatestSchedulerRecord returns the most recently created record of a payment.
func (r *PostgresRepository) GetLatestSchedulerRecord(ctx context.Context, paymentID uuid.UUID) (*domain.PaymentSchedulerRecord, error) {
	query := `SELECT` + schedulerColumns + `
		FROM payment_schedulers
		WHERE work_period_payment_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	rec, err := scanSchedulerRecord(r.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSchedulerRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

// CreateSchedulerRecord inserts a record unless the payment already has a non-terminal one.
func (r *PostgresRepository) CreateSchedulerRecord(ctx context.Context, rec *domain.PaymentSchedulerRecord) (bool, error) {
	details, err := encodeStatusDetails(rec.StatusDetails)
	if err != nil {
		return false, err
	}
	query := `
		INSERT INTO payment_schedulers (
			id, work_period_payment_id, challenge_id, step, status, user_id, user_handle, status_details
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (work_period_payment_id)
			WHERE status <> 'failed' AND NOT (step = 'close-challenge' AND status = 'completed')
			DO NOTHING
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		rec.ID,
		rec.WorkPeriodPaymentID,
		rec.ChallengeID,
		rec.Step,
		rec.Status,
		rec.UserID,
		rec.UserHandle,
		details,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateSchedulerRecord writes the step, status and collected workflow data of a record.
func (r *PostgresRepository) UpdateSchedulerRecord(ctx context.Context, rec *domain.PaymentSchedulerRecord) error {
	details, err := encodeStatusDetails(rec.StatusDetails)
	if err != nil {
		return err
	}
	query := `
		UPDATE payment_schedulers
		SET challenge_id = $1, step = $2, status = $3, user_id = $4, user_handle = $5,
			status_details = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING updated_at
	`
	err = r.db.QueryRow(ctx, query,
		rec.ChallengeID,
		rec.Step,
		rec.Status,
		rec.UserID,
		rec.UserHandle,
		details,
		rec.ID,
	).Scan(&rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSchedulerRecordNotFound
	}
	return err
}

// ClaimSchedulerRecord atomically moves a record in the expected state to `next` in-progress.
func (r *PostgresRepository) ClaimSchedulerRecord(ctx context.Context, id uuid.UUID, claim SchedulerClaim, next domain.SchedulerStep) (bool, error) {
	query := `
		UPDATE payment_schedulers
		SET step = $1, status = 'in-progress', updated_at = NOW()
		WHERE id = $2 AND step = $3 AND status = $4
			AND ($5::bigint <= 0 OR updated_at < NOW() - $5::bigint * INTERVAL '1 millisecond')
	`
	tag, err := r.db.Exec(ctx, query, next, id, claim.Step, claim.Status, claim.StaleAfter.Milliseconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func parseNullableDecimal(value *string) (*decimal.Decimal, error) {
	if value == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*value)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullableDecimalString(value *decimal.Decimal) *string {
	if value == nil {
		return nil
	}
	s := value.String()
	return &s
}

func encodeStatusDetails(details *domain.StatusDetails) ([]byte, error) {
	if details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode status_details: %w", err)
	}
	return raw, nil
}

func decodeStatusDetails(raw []byte) (*domain.StatusDetails, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var details domain.StatusDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("decode status_details: %w", err)
	}
	return &details, nil
}
