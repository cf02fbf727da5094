/*
Package engine provides the application services of the amortization system.

PURPOSE:
  Orchestrates the domain model (prepay), persistence (store/sqlite) and the
  general-ledger collaborator (ledger) into the public operations: create,
  approve, process, record usage, reverse, adjust, plus the unattended batch
  jobs. Every operation executes as one atomic unit of work spanning the
  prepayment record, its entries, and the ledger call.

FILE MAP:
  service.go:   Service wiring, create/approve/cancel/write-off, queries
  processor.go: The transactional recognition path shared by all writers
  usage.go:     Usage-based recognition
  adjust.go:    Reversal and adjustment
  batch.go:     Daily and monthly batch jobs

SEE ALSO:
  - ../api: HTTP surface and the ticker-driven scheduler
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/prepayment-engine/ledger"
	"github.com/warp/prepayment-engine/prepay"
	"github.com/warp/prepayment-engine/store/sqlite"
)

// Service holds the dependencies of all prepayment operations.
type Service struct {
	Store  *sqlite.Store
	Ledger ledger.Poster
	Events Publisher

	// Now is the clock; overridable in tests and backdated batch runs.
	Now func() time.Time

	log zerolog.Logger
}

// New creates a Service. A nil publisher falls back to logging events.
func New(store *sqlite.Store, poster ledger.Poster, events Publisher, log zerolog.Logger) *Service {
	if events == nil {
		events = &LogPublisher{Log: log}
	}
	return &Service{
		Store:  store,
		Ledger: poster,
		Events: events,
		Now:    time.Now,
		log:    log.With().Str("component", "engine").Logger(),
	}
}

// =============================================================================
// CREATE
// =============================================================================

// CreateInput carries the request to create a prepayment.
type CreateInput struct {
	TenantID    prepay.TenantID
	Description string
	Category    prepay.Category

	TotalAmount  decimal.Decimal
	Currency     string
	ExchangeRate decimal.Decimal

	StartDate   time.Time
	EndDate     time.Time
	PaymentDate time.Time

	Frequency prepay.Frequency
	Method    prepay.Method

	AssetAccount   string
	ExpenseAccount string
	CostCenter     string

	// AutoAmortize defaults to true when nil.
	AutoAmortize *bool

	// Usage-based parameters; required when Method == MethodUsageBased.
	TotalUsageUnits decimal.Decimal
	CostPerUnit     decimal.Decimal

	CreatedBy string
}

func (in *CreateInput) validate() error {
	switch {
	case in.TenantID == "":
		return &prepay.ValidationError{Field: "tenant_id", Message: "required"}
	case in.AssetAccount == "":
		return &prepay.ValidationError{Field: "asset_account", Message: "required"}
	case in.ExpenseAccount == "":
		return &prepay.ValidationError{Field: "expense_account", Message: "required"}
	case in.Category == "":
		return &prepay.ValidationError{Field: "category", Message: "required"}
	}
	if in.Method == prepay.MethodUsageBased && !in.CostPerUnit.IsPositive() {
		return &prepay.ValidationError{Field: "cost_per_unit", Message: "must be positive for usage-based amortization"}
	}
	return nil
}

// CreatePrepayment creates the asset record and its full amortization
// schedule in one transaction. A partially scheduled prepayment is never
// observable.
func (s *Service) CreatePrepayment(ctx context.Context, in CreateInput) (*prepay.Prepayment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	if in.Frequency == "" {
		in.Frequency = prepay.FrequencyMonthly
	}
	if in.Method == "" {
		in.Method = prepay.MethodStraightLine
	}
	if in.Currency == "" {
		in.Currency = "GHS"
	}
	if in.ExchangeRate.IsZero() {
		in.ExchangeRate = decimal.NewFromInt(1)
	}
	if in.PaymentDate.IsZero() {
		in.PaymentDate = in.StartDate
	}

	sched, err := prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		TotalAmount: in.TotalAmount,
		Frequency:   in.Frequency,
		Method:      in.Method,
	})
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	autoAmortize := true
	if in.AutoAmortize != nil {
		autoAmortize = *in.AutoAmortize
	}

	first := sched.FirstAmortizationDate
	p := &prepay.Prepayment{
		ID:                   prepay.PrepaymentID(uuid.NewString()),
		TenantID:             in.TenantID,
		Description:          in.Description,
		Category:             in.Category,
		TotalAmount:          in.TotalAmount,
		RemainingBalance:     in.TotalAmount,
		AmortizedAmount:      decimal.Zero,
		Currency:             in.Currency,
		ExchangeRate:         in.ExchangeRate,
		StartDate:            in.StartDate,
		EndDate:              in.EndDate,
		PaymentDate:          in.PaymentDate,
		TotalPeriods:         sched.TotalPeriods,
		Frequency:            in.Frequency,
		Method:               in.Method,
		AmountPerPeriod:      sched.AmountPerPeriod,
		NextAmortizationDate: &first,
		AssetAccount:         in.AssetAccount,
		ExpenseAccount:       in.ExpenseAccount,
		CostCenter:           in.CostCenter,
		Status:               prepay.StatusPendingApproval,
		AutoAmortize:         autoAmortize,
		TotalUsageUnits:      in.TotalUsageUnits,
		UsedUnits:            decimal.Zero,
		CostPerUnit:          in.CostPerUnit,
		IFRSClassification:   prepay.ClassifyIFRS(in.EndDate, now),
		TaxDeductible:        prepay.DeductibleCategory(in.Category),
		Version:              1,
		CreatedBy:            in.CreatedBy,
		UpdatedBy:            in.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err = s.Store.WithTx(ctx, func(uow sqlite.UnitOfWork) error {
		seq, err := uow.NextNumberSequence(ctx, prepay.NumberPrefix(in.PaymentDate))
		if err != nil {
			return fmt.Errorf("failed to allocate prepayment number: %w", err)
		}
		p.Number = prepay.NumberFor(in.PaymentDate, seq)

		if err := uow.InsertPrepayment(ctx, p); err != nil {
			return err
		}

		entries := sched.Entries
		for i := range entries {
			entries[i].ID = prepay.EntryID(uuid.NewString())
			entries[i].PrepaymentID = p.ID
			entries[i].TenantID = p.TenantID
			entries[i].CreatedAt = now
			entries[i].UpdatedAt = now
		}
		return uow.InsertEntries(ctx, entries)
	})
	if err != nil {
		return nil, err
	}

	s.Events.Publish(ctx, Event{
		Name:         EventCreated,
		TenantID:     p.TenantID,
		PrepaymentID: p.ID,
		Payload: map[string]any{
			"number":       p.Number,
			"total_amount": p.TotalAmount.String(),
		},
	})

	s.log.Info().
		Str("number", p.Number).
		Str("amount", p.TotalAmount.String()).
		Int("periods", p.TotalPeriods).
		Msg("prepayment created")

	return p, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// ApprovePrepayment flips a pending prepayment to ACTIVE, making its schedule
// eligible for processing. Any other current status fails with an
// invalid-state error and performs no mutation.
func (s *Service) ApprovePrepayment(ctx context.Context, id prepay.PrepaymentID, approver, comments string) (*prepay.Prepayment, error) {
	var p *prepay.Prepayment

	err := s.Store.WithTx(ctx, func(uow sqlite.UnitOfWork) error {
		var err error
		p, err = uow.GetPrepayment(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != prepay.StatusPendingApproval {
			return &prepay.InvalidStateError{
				Op:       "approve",
				Current:  string(p.Status),
				Required: string(prepay.StatusPendingApproval),
			}
		}

		now := s.Now().UTC()
		p.Status = prepay.StatusActive
		p.ApprovedBy = approver
		p.ApprovalDate = &now
		p.ApprovalComments = comments
		p.UpdatedBy = approver
		return uow.UpdatePrepayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.Events.Publish(ctx, Event{
		Name:         EventApproved,
		TenantID:     p.TenantID,
		PrepaymentID: p.ID,
		Payload: map[string]any{
			"number":      p.Number,
			"approved_by": approver,
		},
	})

	s.log.Info().Str("number", p.Number).Str("approved_by", approver).Msg("prepayment approved")
	return p, nil
}

// CancelPrepayment cancels a pending or active prepayment. Remaining
// scheduled entries are marked CANCELLED; processed history is untouched.
func (s *Service) CancelPrepayment(ctx context.Context, id prepay.PrepaymentID, actor, reason string) (*prepay.Prepayment, error) {
	return s.terminate(ctx, id, prepay.StatusCancelled, prepay.EntryCancelled, actor, reason)
}

// WriteOffPrepayment writes off an active prepayment. Remaining scheduled
// entries are marked SKIPPED.
func (s *Service) WriteOffPrepayment(ctx context.Context, id prepay.PrepaymentID, actor, reason string) (*prepay.Prepayment, error) {
	return s.terminate(ctx, id, prepay.StatusWrittenOff, prepay.EntrySkipped, actor, reason)
}

func (s *Service) terminate(ctx context.Context, id prepay.PrepaymentID, to prepay.Status, entryStatus prepay.EntryStatus, actor, reason string) (*prepay.Prepayment, error) {
	var p *prepay.Prepayment

	err := s.Store.WithTx(ctx, func(uow sqlite.UnitOfWork) error {
		var err error
		p, err = uow.GetPrepayment(ctx, id)
		if err != nil {
			return err
		}
		if !prepay.CanTransition(p.Status, to) {
			return &prepay.InvalidStateError{
				Op:       string(to),
				Current:  string(p.Status),
				Required: fmt.Sprintf("a status allowing %s", to),
			}
		}

		p.Status = to
		p.AutoAmortize = false
		p.UpdatedBy = actor

		if err := uow.UpdatePrepayment(ctx, p); err != nil {
			return err
		}

		entries, err := uow.ListEntries(ctx, id)
		if err != nil {
			return err
		}
		for i := range entries {
			if entries[i].Status != prepay.EntryScheduled {
				continue
			}
			entries[i].Status = entryStatus
			if err := uow.UpdateEntry(ctx, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("number", p.Number).
		Str("status", string(to)).
		Str("actor", actor).
		Str("reason", reason).
		Msg("prepayment terminated")
	return p, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetPrepayment returns a prepayment by id.
func (s *Service) GetPrepayment(ctx context.Context, id prepay.PrepaymentID) (*prepay.Prepayment, error) {
	return s.Store.GetPrepayment(ctx, id)
}

// ListPrepayments returns a tenant's prepayments, optionally filtered.
func (s *Service) ListPrepayments(ctx context.Context, tenantID prepay.TenantID, filter sqlite.ListFilter) ([]prepay.Prepayment, error) {
	if tenantID == "" {
		return nil, &prepay.ValidationError{Field: "tenant_id", Message: "required"}
	}
	return s.Store.ListPrepayments(ctx, tenantID, filter)
}

// GetSchedule returns the ordered entry list for a prepayment.
func (s *Service) GetSchedule(ctx context.Context, id prepay.PrepaymentID) (*prepay.Prepayment, []prepay.AmortizationEntry, error) {
	p, err := s.Store.GetPrepayment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.Store.ListEntries(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return p, entries, nil
}

// Summary aggregates a tenant's prepayment position.
type Summary struct {
	TenantID            prepay.TenantID
	TotalPrepayments    int
	TotalRemaining      decimal.Decimal
	CurrentAssets       decimal.Decimal
	NonCurrentAssets    decimal.Decimal
	MonthlyAmortization decimal.Decimal
	UpcomingExpirations []ExpirationNotice
}

// ExpirationNotice flags a prepayment nearing its end date.
type ExpirationNotice struct {
	ID               prepay.PrepaymentID
	Number           string
	Description      string
	EndDate          time.Time
	RemainingBalance decimal.Decimal
}

// GetSummary returns aggregate totals, the IFRS current/non-current split,
// and expirations within the next 90 days.
func (s *Service) GetSummary(ctx context.Context, tenantID prepay.TenantID) (*Summary, error) {
	if tenantID == "" {
		return nil, &prepay.ValidationError{Field: "tenant_id", Message: "required"}
	}

	active, err := s.Store.ListPrepayments(ctx, tenantID, sqlite.ListFilter{Status: prepay.StatusActive})
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	oneYearOut := now.AddDate(1, 0, 0)
	expiryCutoff := now.AddDate(0, 0, 90)

	sum := &Summary{
		TenantID:         tenantID,
		TotalPrepayments: len(active),
		TotalRemaining:   decimal.Zero,
		CurrentAssets:    decimal.Zero,
		NonCurrentAssets: decimal.Zero,
	}

	for _, p := range active {
		sum.TotalRemaining = sum.TotalRemaining.Add(p.RemainingBalance)
		if !p.EndDate.After(oneYearOut) {
			sum.CurrentAssets = sum.CurrentAssets.Add(p.RemainingBalance)
		} else {
			sum.NonCurrentAssets = sum.NonCurrentAssets.Add(p.RemainingBalance)
		}
		if !p.EndDate.After(expiryCutoff) {
			sum.UpcomingExpirations = append(sum.UpcomingExpirations, ExpirationNotice{
				ID:               p.ID,
				Number:           p.Number,
				Description:      p.Description,
				EndDate:          p.EndDate,
				RemainingBalance: p.RemainingBalance,
			})
		}
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, -1)
	monthly, err := s.Store.ScheduledTotalInRange(ctx, tenantID, monthStart, monthEnd)
	if err != nil {
		return nil, err
	}
	sum.MonthlyAmortization = monthly

	return sum, nil
}
