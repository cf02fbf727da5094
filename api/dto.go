/*
dto.go - Request and response data structures

PURPOSE:
  JSON shapes for the REST API, kept separate from the domain records so the
  wire format can evolve without touching domain code. Monetary values travel
  as decimal strings; dates as "2006-01-02".

SEE ALSO:
  - handlers.go: Handlers that consume and produce these
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/prepayment-engine/prepay"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreatePrepaymentRequest is the payload for POST /api/prepayments.
type CreatePrepaymentRequest struct {
	TenantID    string `json:"tenant_id"`
	Description string `json:"description"`
	Category    string `json:"category"`

	TotalAmount  decimal.Decimal `json:"total_amount"`
	Currency     string          `json:"currency,omitempty"`
	ExchangeRate decimal.Decimal `json:"exchange_rate,omitempty"`

	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	PaymentDate string `json:"payment_date,omitempty"`

	Frequency string `json:"frequency,omitempty"`
	Method    string `json:"method,omitempty"`

	AssetAccount   string `json:"asset_account"`
	ExpenseAccount string `json:"expense_account"`
	CostCenter     string `json:"cost_center,omitempty"`

	AutoAmortize *bool `json:"auto_amortize,omitempty"`

	TotalUsageUnits decimal.Decimal `json:"total_usage_units,omitempty"`
	CostPerUnit     decimal.Decimal `json:"cost_per_unit,omitempty"`

	CreatedBy string `json:"created_by"`
}

// ApproveRequest is the payload for POST /api/prepayments/{id}/approve.
type ApproveRequest struct {
	ApprovedBy string `json:"approved_by"`
	Comments   string `json:"comments,omitempty"`
}

// TerminateRequest is the payload for cancel and write-off.
type TerminateRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// ProcessRequest is the payload for POST /api/amortizations/{id}/process.
type ProcessRequest struct {
	ActualAmount decimal.Decimal `json:"actual_amount,omitempty"`
	ProcessedBy  string          `json:"processed_by"`
}

// ReverseRequest is the payload for POST /api/amortizations/{id}/reverse.
type ReverseRequest struct {
	Reason     string `json:"reason"`
	ReversedBy string `json:"reversed_by"`
}

// AdjustRequest is the payload for POST /api/amortizations/{id}/adjust.
type AdjustRequest struct {
	NewAmount  decimal.Decimal `json:"new_amount"`
	Reason     string          `json:"reason"`
	AdjustedBy string          `json:"adjusted_by"`
}

// UsageRequest is the payload for POST /api/prepayments/{id}/usage.
type UsageRequest struct {
	Units      decimal.Decimal `json:"units"`
	PeriodDate string          `json:"period_date,omitempty"`
	RecordedBy string          `json:"recorded_by"`
}

// RunBatchRequest optionally backdates an admin-triggered batch run.
type RunBatchRequest struct {
	AsOf string `json:"as_of,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// PrepaymentDTO is the wire form of a prepayment.
type PrepaymentDTO struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Number      string `json:"number"`
	Description string `json:"description"`
	Category    string `json:"category"`

	TotalAmount      decimal.Decimal `json:"total_amount"`
	AmortizedAmount  decimal.Decimal `json:"amortized_amount"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	Currency         string          `json:"currency"`

	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	PaymentDate string `json:"payment_date"`

	TotalPeriods     int             `json:"total_periods"`
	PeriodsCompleted int             `json:"periods_completed"`
	Frequency        string          `json:"frequency"`
	Method           string          `json:"method"`
	AmountPerPeriod  decimal.Decimal `json:"amount_per_period"`

	NextAmortizationDate *string `json:"next_amortization_date,omitempty"`
	LastAmortizationDate *string `json:"last_amortization_date,omitempty"`

	AssetAccount   string `json:"asset_account"`
	ExpenseAccount string `json:"expense_account"`
	CostCenter     string `json:"cost_center,omitempty"`

	Status       string `json:"status"`
	AutoAmortize bool   `json:"auto_amortize"`

	TotalUsageUnits decimal.Decimal `json:"total_usage_units,omitempty"`
	UsedUnits       decimal.Decimal `json:"used_units,omitempty"`
	CostPerUnit     decimal.Decimal `json:"cost_per_unit,omitempty"`

	IFRSClassification string `json:"ifrs_classification"`
	TaxDeductible      bool   `json:"tax_deductible"`

	ApprovedBy   string  `json:"approved_by,omitempty"`
	ApprovalDate *string `json:"approval_date,omitempty"`

	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// EntryDTO is the wire form of an amortization entry.
type EntryDTO struct {
	ID             string `json:"id"`
	PrepaymentID   string `json:"prepayment_id"`
	SequenceNumber int    `json:"sequence_number"`

	AmortizationDate string `json:"amortization_date"`
	PeriodStart      string `json:"period_start"`
	PeriodEnd        string `json:"period_end"`

	ScheduledAmount decimal.Decimal  `json:"scheduled_amount"`
	ActualAmount    *decimal.Decimal `json:"actual_amount,omitempty"`

	CumulativeAmortized decimal.Decimal `json:"cumulative_amortized"`
	RemainingBalance    decimal.Decimal `json:"remaining_balance"`

	Status           string  `json:"status"`
	ProcessedDate    *string `json:"processed_date,omitempty"`
	ProcessedBy      string  `json:"processed_by,omitempty"`
	AutoProcessed    bool    `json:"auto_processed"`
	PostingReference string  `json:"posting_reference,omitempty"`

	IsReversal      bool   `json:"is_reversal,omitempty"`
	ReversedEntryID string `json:"reversed_entry_id,omitempty"`
	ReversalReason  string `json:"reversal_reason,omitempty"`

	UsageUnits decimal.Decimal `json:"usage_units,omitempty"`

	RetryCount int `json:"retry_count,omitempty"`
}

// ScheduleDTO pairs a prepayment with its ordered entries.
type ScheduleDTO struct {
	Prepayment PrepaymentDTO `json:"prepayment"`
	Entries    []EntryDTO    `json:"entries"`
}

// SummaryDTO is the tenant position report.
type SummaryDTO struct {
	TenantID            string          `json:"tenant_id"`
	TotalPrepayments    int             `json:"total_prepayments"`
	TotalRemaining      decimal.Decimal `json:"total_remaining"`
	CurrentAssets       decimal.Decimal `json:"current_assets"`
	NonCurrentAssets    decimal.Decimal `json:"non_current_assets"`
	MonthlyAmortization decimal.Decimal `json:"monthly_amortization"`
	UpcomingExpirations []ExpirationDTO `json:"upcoming_expirations"`
}

// ExpirationDTO is one upcoming expiration notice.
type ExpirationDTO struct {
	ID               string          `json:"id"`
	Number           string          `json:"number"`
	Description      string          `json:"description"`
	EndDate          string          `json:"end_date"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}

// UsageResponseDTO reports a usage recording.
type UsageResponseDTO struct {
	Entry          EntryDTO        `json:"entry"`
	Amount         decimal.Decimal `json:"amount"`
	UsedUnits      decimal.Decimal `json:"used_units"`
	UtilizationPct decimal.Decimal `json:"utilization_pct"`
}

// DailyRunDTO reports a daily batch run.
type DailyRunDTO struct {
	RunDate   string          `json:"run_date"`
	Due       int             `json:"due"`
	Processed int             `json:"processed"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Errors    []EntryErrorDTO `json:"errors,omitempty"`
}

// EntryErrorDTO is one entry failure in a batch run.
type EntryErrorDTO struct {
	EntryID      string `json:"entry_id"`
	PrepaymentID string `json:"prepayment_id"`
	Error        string `json:"error"`
}

// ErrorResponse is the error envelope for all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toPrepaymentDTO(p *prepay.Prepayment) PrepaymentDTO {
	return PrepaymentDTO{
		ID:                   string(p.ID),
		TenantID:             string(p.TenantID),
		Number:               p.Number,
		Description:          p.Description,
		Category:             string(p.Category),
		TotalAmount:          p.TotalAmount,
		AmortizedAmount:      p.AmortizedAmount,
		RemainingBalance:     p.RemainingBalance,
		Currency:             p.Currency,
		StartDate:            p.StartDate.Format("2006-01-02"),
		EndDate:              p.EndDate.Format("2006-01-02"),
		PaymentDate:          p.PaymentDate.Format("2006-01-02"),
		TotalPeriods:         p.TotalPeriods,
		PeriodsCompleted:     p.PeriodsCompleted,
		Frequency:            string(p.Frequency),
		Method:               string(p.Method),
		AmountPerPeriod:      p.AmountPerPeriod,
		NextAmortizationDate: datePtr(p.NextAmortizationDate),
		LastAmortizationDate: datePtr(p.LastAmortizationDate),
		AssetAccount:         p.AssetAccount,
		ExpenseAccount:       p.ExpenseAccount,
		CostCenter:           p.CostCenter,
		Status:               string(p.Status),
		AutoAmortize:         p.AutoAmortize,
		TotalUsageUnits:      p.TotalUsageUnits,
		UsedUnits:            p.UsedUnits,
		CostPerUnit:          p.CostPerUnit,
		IFRSClassification:   string(p.IFRSClassification),
		TaxDeductible:        p.TaxDeductible,
		ApprovedBy:           p.ApprovedBy,
		ApprovalDate:         timePtr(p.ApprovalDate),
		Version:              p.Version,
		CreatedAt:            p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            p.UpdatedAt.Format(time.RFC3339),
	}
}

func toEntryDTO(e *prepay.AmortizationEntry) EntryDTO {
	return EntryDTO{
		ID:                  string(e.ID),
		PrepaymentID:        string(e.PrepaymentID),
		SequenceNumber:      e.SequenceNumber,
		AmortizationDate:    e.AmortizationDate.Format("2006-01-02"),
		PeriodStart:         e.PeriodStart.Format("2006-01-02"),
		PeriodEnd:           e.PeriodEnd.Format("2006-01-02"),
		ScheduledAmount:     e.ScheduledAmount,
		ActualAmount:        e.ActualAmount,
		CumulativeAmortized: e.CumulativeAmortized,
		RemainingBalance:    e.RemainingBalance,
		Status:              string(e.Status),
		ProcessedDate:       timePtr(e.ProcessedDate),
		ProcessedBy:         e.ProcessedBy,
		AutoProcessed:       e.AutoProcessed,
		PostingReference:    e.PostingReference,
		IsReversal:          e.IsReversal,
		ReversedEntryID:     string(e.ReversedEntryID),
		ReversalReason:      e.ReversalReason,
		UsageUnits:          e.UsageUnits,
		RetryCount:          e.RetryCount,
	}
}

func toEntryDTOs(entries []prepay.AmortizationEntry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i := range entries {
		dtos[i] = toEntryDTO(&entries[i])
	}
	return dtos
}

func datePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
