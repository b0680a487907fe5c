/**
 * @description
 * HTTP handlers for work period payments, work periods and the internal
 * scheduler/recompute triggers.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: request DTO validation.
 * - github.com/go-chi/chi/v5: URL params.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/taas/payment-service/internal/app"
	"github.com/taas/payment-service/internal/domain"
)

const maxBulkItems = 100

// PaymentOperations is the payment surface the handlers depend on.
type PaymentOperations interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.WorkPeriodPayment, error)
	ListByWorkPeriod(ctx context.Context, workPeriodID uuid.UUID) ([]domain.WorkPeriodPayment, error)
	Create(ctx context.Context, req domain.CreatePaymentRequest, actor string) (*domain.WorkPeriodPayment, error)
	BulkCreate(ctx context.Context, reqs []domain.CreatePaymentRequest, actor string) []domain.BulkCreateResult
	Update(ctx context.Context, req domain.UpdatePaymentRequest, actor string) (*domain.WorkPeriodPayment, error)
	BulkUpdate(ctx context.Context, reqs []domain.UpdatePaymentRequest, actor string) []domain.BulkUpdateResult
}

// WorkPeriodOperations is the work period surface the handlers depend on.
type WorkPeriodOperations interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.WorkPeriod, error)
	SyncForBooking(ctx context.Context, bookingID uuid.UUID, actor string) (*app.SyncResult, error)
	UpdateDaysWorked(ctx context.Context, id uuid.UUID, daysWorked int, actor string) (*domain.WorkPeriod, error)
}

// SchedulerRunner triggers one scheduler batch.
type SchedulerRunner interface {
	RunBatch(ctx context.Context) (app.BatchSummary, error)
}

// WorkPeriodRecomputer re-derives a work period aggregate and waits for it.
type WorkPeriodRecomputer interface {
	RecomputeNow(ctx context.Context, workPeriodID uuid.UUID) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	payments    PaymentOperations
	workPeriods WorkPeriodOperations
	scheduler   SchedulerRunner
	recomputer  WorkPeriodRecomputer
	validate    *validator.Validate
	log         zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(payments PaymentOperations, workPeriods WorkPeriodOperations, scheduler SchedulerRunner, recomputer WorkPeriodRecomputer, log zerolog.Logger) *Handler {
	return &Handler{
		payments:    payments,
		workPeriods: workPeriods,
		scheduler:   scheduler,
		recomputer:  recomputer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		log:         log.With().Str("component", "api").Logger(),
	}
}

type updateWorkPeriodRequest struct {
	DaysWorked *int `json:"daysWorked" validate:"required,min=0,max=5"`
}

type errorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (h *Handler) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req domain.CreatePaymentRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}

	payment, err := h.payments.Create(r.Context(), req, actorFrom(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, payment)
}

func (h *Handler) handleBulkCreatePayments(w http.ResponseWriter, r *http.Request) {
	var reqs []domain.CreatePaymentRequest
	if err := h.decodeBulk(r, &reqs); err != nil {
		h.respondWithError(w, err)
		return
	}
	for i := range reqs {
		if err := h.validateStruct(&reqs[i]); err != nil {
			h.respondWithError(w, domain.BadRequest("item %d: %s", i, err.Error()))
			return
		}
	}

	respondWithJSON(w, http.StatusOK, h.payments.BulkCreate(r.Context(), reqs, actorFrom(r)))
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	payment, err := h.payments.Get(r.Context(), id)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleUpdatePayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	var req domain.UpdatePaymentRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}
	req.ID = id

	payment, err := h.payments.Update(r.Context(), req, actorFrom(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleBulkUpdatePayments(w http.ResponseWriter, r *http.Request) {
	var reqs []domain.UpdatePaymentRequest
	if err := h.decodeBulk(r, &reqs); err != nil {
		h.respondWithError(w, err)
		return
	}
	for i := range reqs {
		if reqs[i].ID == uuid.Nil {
			h.respondWithError(w, domain.BadRequest("item %d: id is required", i))
			return
		}
		if err := h.validateStruct(&reqs[i]); err != nil {
			h.respondWithError(w, domain.BadRequest("item %d: %s", i, err.Error()))
			return
		}
	}

	respondWithJSON(w, http.StatusOK, h.payments.BulkUpdate(r.Context(), reqs, actorFrom(r)))
}

func (h *Handler) handleGetWorkPeriod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	wp, err := h.workPeriods.Get(r.Context(), id)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wp)
}

func (h *Handler) handleListWorkPeriodPayments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	payments, err := h.payments.ListByWorkPeriod(r.Context(), id)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	if payments == nil {
		payments = []domain.WorkPeriodPayment{}
	}
	respondWithJSON(w, http.StatusOK, payments)
}

func (h *Handler) handleUpdateWorkPeriod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	var req updateWorkPeriodRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}

	wp, err := h.workPeriods.UpdateDaysWorked(r.Context(), id, *req.DaysWorked, actorFrom(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wp)
}

func (h *Handler) handleRunPaymentScheduler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.scheduler.RunBatch(r.Context())
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleRecomputeWorkPeriod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	if err := h.recomputer.RecomputeNow(r.Context(), id); err != nil {
		h.respondWithError(w, err)
		return
	}

	wp, err := h.workPeriods.Get(r.Context(), id)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wp)
}

func (h *Handler) handleSyncWorkPeriods(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	result, err := h.workPeriods.SyncForBooking(r.Context(), id, actorFrom(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.BadRequest("Invalid request body")
	}
	return h.validateStruct(dst)
}

func (h *Handler) decodeBulk(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.BadRequest("Invalid request body")
	}
	var n int
	switch v := dst.(type) {
	case *[]domain.CreatePaymentRequest:
		n = len(*v)
	case *[]domain.UpdatePaymentRequest:
		n = len(*v)
	}
	if n == 0 {
		return domain.BadRequest("at least one item is required")
	}
	if n > maxBulkItems {
		return domain.BadRequest("no more than %d items can be processed at once", maxBulkItems)
	}
	return nil
}

func (h *Handler) validateStruct(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.BadRequest("Invalid request body")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return domain.BadRequest("%s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	if strings.HasSuffix(s, "ID") {
		s = strings.TrimSuffix(s, "ID") + "Id"
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domain.BadRequest("invalid id: %s", raw)
	}
	return id, nil
}

func (h *Handler) respondWithError(w http.ResponseWriter, err error) {
	code := domain.HTTPStatusOf(err)
	message := err.Error()
	if code >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
		message = domain.InternalErrorMessage
	}
	respondWithJSON(w, code, errorResponse{Message: message, Code: code})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"Internal server error","code":500}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
