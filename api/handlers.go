/*
handlers.go - HTTP API handlers for the prepayment engine

PURPOSE:
  Exposes the amortization engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Prepayments:
    GET    /api/prepayments                 List prepayments for a tenant
    POST   /api/prepayments                 Create prepayment with schedule
    GET    /api/prepayments/{id}            Get prepayment details
    GET    /api/prepayments/{id}/schedule   Get the amortization schedule
    POST   /api/prepayments/{id}/approve    Approve (PENDING -> ACTIVE)
    POST   /api/prepayments/{id}/cancel     Cancel
    POST   /api/prepayments/{id}/write-off  Write off
    POST   /api/prepayments/{id}/usage      Record usage-based consumption
    GET    /api/prepayments/summary         Tenant position report

  Amortizations:
    GET    /api/amortizations/due           Entries due as of a date
    POST   /api/amortizations/{id}/process  Process one scheduled entry
    POST   /api/amortizations/{id}/reverse  Reverse a processed entry
    POST   /api/amortizations/{id}/adjust   Adjust a scheduled entry

  Admin:
    POST   /api/admin/run-daily             Trigger the daily batch
    POST   /api/admin/run-monthly           Trigger the monthly review

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Invalid state, out-of-order processing, version conflicts
  - 502: Ledger dependency failures
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/prepayment-engine/engine"
	"github.com/warp/prepayment-engine/prepay"
	"github.com/warp/prepayment-engine/store/sqlite"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Service
	Log    zerolog.Logger
}

// NewHandler creates a handler backed by the engine.
func NewHandler(svc *engine.Service, log zerolog.Logger) *Handler {
	return &Handler{Engine: svc, Log: log.With().Str("component", "api").Logger()}
}

// =============================================================================
// PREPAYMENT HANDLERS
// =============================================================================

// CreatePrepayment creates a prepayment with its full schedule.
func (h *Handler) CreatePrepayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePrepaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start, err := parseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date", err)
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date", err)
		return
	}
	var payment time.Time
	if req.PaymentDate != "" {
		if payment, err = parseDate(req.PaymentDate); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid payment_date", err)
			return
		}
	}

	p, err := h.Engine.CreatePrepayment(r.Context(), engine.CreateInput{
		TenantID:        prepay.TenantID(req.TenantID),
		Description:     req.Description,
		Category:        prepay.Category(req.Category),
		TotalAmount:     req.TotalAmount,
		Currency:        req.Currency,
		ExchangeRate:    req.ExchangeRate,
		StartDate:       start,
		EndDate:         end,
		PaymentDate:     payment,
		Frequency:       prepay.Frequency(req.Frequency),
		Method:          prepay.Method(req.Method),
		AssetAccount:    req.AssetAccount,
		ExpenseAccount:  req.ExpenseAccount,
		CostCenter:      req.CostCenter,
		AutoAmortize:    req.AutoAmortize,
		TotalUsageUnits: req.TotalUsageUnits,
		CostPerUnit:     req.CostPerUnit,
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to create prepayment", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPrepaymentDTO(p))
}

// ListPrepayments lists a tenant's prepayments.
func (h *Handler) ListPrepayments(w http.ResponseWriter, r *http.Request) {
	tenantID := prepay.TenantID(r.URL.Query().Get("tenant_id"))

	filter := sqlite.ListFilter{
		Status:   prepay.Status(r.URL.Query().Get("status")),
		Category: prepay.Category(r.URL.Query().Get("category")),
	}
	if r.URL.Query().Get("active") == "true" {
		filter.ActiveOnly = true
	}

	list, err := h.Engine.ListPrepayments(r.Context(), tenantID, filter)
	if err != nil {
		h.writeEngineError(w, "Failed to list prepayments", err)
		return
	}

	dtos := make([]PrepaymentDTO, len(list))
	for i := range list {
		dtos[i] = toPrepaymentDTO(&list[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPrepayment returns one prepayment.
func (h *Handler) GetPrepayment(w http.ResponseWriter, r *http.Request) {
	id := prepay.PrepaymentID(chi.URLParam(r, "id"))

	p, err := h.Engine.GetPrepayment(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get prepayment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPrepaymentDTO(p))
}

// GetSchedule returns the prepayment and its ordered entries.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id := prepay.PrepaymentID(chi.URLParam(r, "id"))

	p, entries, err := h.Engine.GetSchedule(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, ScheduleDTO{
		Prepayment: toPrepaymentDTO(p),
		Entries:    toEntryDTOs(entries),
	})
}

// ApprovePrepayment activates a pending prepayment.
func (h *Handler) ApprovePrepayment(w http.ResponseWriter, r *http.Request) {
	id := prepay.PrepaymentID(chi.URLParam(r, "id"))

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ApprovedBy == "" {
		writeError(w, http.StatusBadRequest, "approved_by is required", nil)
		return
	}

	p, err := h.Engine.ApprovePrepayment(r.Context(), id, req.ApprovedBy, req.Comments)
	if err != nil {
		h.writeEngineError(w, "Failed to approve prepayment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPrepaymentDTO(p))
}

// CancelPrepayment cancels a pending or active prepayment.
func (h *Handler) CancelPrepayment(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.Engine.CancelPrepayment)
}

// WriteOffPrepayment writes off an active prepayment.
func (h *Handler) WriteOffPrepayment(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.Engine.WriteOffPrepayment)
}

func (h *Handler) terminate(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, prepay.PrepaymentID, string, string) (*prepay.Prepayment, error)) {
	id := prepay.PrepaymentID(chi.URLParam(r, "id"))

	var req TerminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := fn(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		h.writeEngineError(w, "Failed to update prepayment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPrepaymentDTO(p))
}

// RecordUsage records consumption against a usage-based prepayment.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	id := prepay.PrepaymentID(chi.URLParam(r, "id"))

	var req UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var when time.Time
	if req.PeriodDate != "" {
		var err error
		if when, err = parseDate(req.PeriodDate); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period_date", err)
			return
		}
	}

	res, err := h.Engine.RecordUsage(r.Context(), engine.UsageInput{
		PrepaymentID: id,
		Units:        req.Units,
		PeriodDate:   when,
		RecordedBy:   req.RecordedBy,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to record usage", err)
		return
	}

	writeJSON(w, http.StatusOK, UsageResponseDTO{
		Entry:          toEntryDTO(res.Entry),
		Amount:         res.Amount,
		UsedUnits:      res.UsedUnits,
		UtilizationPct: res.UtilizationPct,
	})
}

// GetSummary returns the tenant position report.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	tenantID := prepay.TenantID(r.URL.Query().Get("tenant_id"))

	sum, err := h.Engine.GetSummary(r.Context(), tenantID)
	if err != nil {
		h.writeEngineError(w, "Failed to get summary", err)
		return
	}

	dto := SummaryDTO{
		TenantID:            string(sum.TenantID),
		TotalPrepayments:    sum.TotalPrepayments,
		TotalRemaining:      sum.TotalRemaining,
		CurrentAssets:       sum.CurrentAssets,
		NonCurrentAssets:    sum.NonCurrentAssets,
		MonthlyAmortization: sum.MonthlyAmortization,
		UpcomingExpirations: []ExpirationDTO{},
	}
	for _, exp := range sum.UpcomingExpirations {
		dto.UpcomingExpirations = append(dto.UpcomingExpirations, ExpirationDTO{
			ID:               string(exp.ID),
			Number:           exp.Number,
			Description:      exp.Description,
			EndDate:          exp.EndDate.Format("2006-01-02"),
			RemainingBalance: exp.RemainingBalance,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// AMORTIZATION HANDLERS
// =============================================================================

// ProcessAmortization processes one scheduled entry.
func (h *Handler) ProcessAmortization(w http.ResponseWriter, r *http.Request) {
	id := prepay.EntryID(chi.URLParam(r, "id"))

	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Engine.ProcessAmortization(r.Context(), engine.ProcessInput{
		EntryID:      id,
		ActualAmount: req.ActualAmount,
		ProcessedBy:  req.ProcessedBy,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to process amortization", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// ReverseAmortization reverses a processed entry.
func (h *Handler) ReverseAmortization(w http.ResponseWriter, r *http.Request) {
	id := prepay.EntryID(chi.URLParam(r, "id"))

	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Engine.ReverseAmortization(r.Context(), engine.ReverseInput{
		EntryID:    id,
		Reason:     req.Reason,
		ReversedBy: req.ReversedBy,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to reverse amortization", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// AdjustAmortization changes a scheduled entry's amount.
func (h *Handler) AdjustAmortization(w http.ResponseWriter, r *http.Request) {
	id := prepay.EntryID(chi.URLParam(r, "id"))

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	touched, err := h.Engine.AdjustAmortization(r.Context(), engine.AdjustInput{
		EntryID:    id,
		NewAmount:  req.NewAmount,
		Reason:     req.Reason,
		AdjustedBy: req.AdjustedBy,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to adjust amortization", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(touched))
}

// ListDue returns entries due for processing as of a date (default today).
func (h *Handler) ListDue(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if s := r.URL.Query().Get("as_of"); s != "" {
		var err error
		if asOf, err = parseDate(s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
			return
		}
	}

	due, err := h.Engine.Store.DueEntries(r.Context(), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list due entries", err)
		return
	}

	dtos := make([]EntryDTO, len(due))
	for i := range due {
		dtos[i] = toEntryDTO(&due[i].Entry)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunDaily triggers the daily batch, optionally backdated.
func (h *Handler) RunDaily(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.parseBatchDate(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.RunDaily(r.Context(), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Daily run failed", err)
		return
	}

	dto := DailyRunDTO{
		RunDate:   res.RunDate.Format("2006-01-02"),
		Due:       res.Due,
		Processed: res.Processed,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
	}
	for _, e := range res.Errors {
		dto.Errors = append(dto.Errors, EntryErrorDTO{
			EntryID:      string(e.EntryID),
			PrepaymentID: string(e.PrepaymentID),
			Error:        e.Err,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// RunMonthly triggers the month-end review.
func (h *Handler) RunMonthly(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.parseBatchDate(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.RunMonthly(r.Context(), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Monthly run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) parseBatchDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	var req RunBatchRequest
	if r.Body != nil {
		// An empty body means "run for today".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.AsOf == "" {
		return time.Time{}, true
	}
	asOf, err := parseDate(req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
		return time.Time{}, false
	}
	return asOf, true
}

// =============================================================================
// HELPERS
// =============================================================================

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// writeEngineError maps domain errors to HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case prepay.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, prepay.ErrValidation):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, prepay.ErrInvalidState),
		errors.Is(err, prepay.ErrOutOfOrder),
		errors.Is(err, prepay.ErrConcurrentModification),
		errors.Is(err, prepay.ErrDuplicateNumber):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, prepay.ErrLedgerPosting):
		writeError(w, http.StatusBadGateway, message, err)
	default:
		h.Log.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
