package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/prepayment-engine/prepay"
	"github.com/warp/prepayment-engine/store/sqlite"
)

// UsageInput reports consumption against a usage-based prepayment.
type UsageInput struct {
	PrepaymentID prepay.PrepaymentID
	Units        decimal.Decimal
	// PeriodDate selects which period the usage belongs to; zero means now.
	PeriodDate time.Time
	RecordedBy string
}

// UsageResult reports the outcome of a usage recording.
type UsageResult struct {
	Entry          *prepay.AmortizationEntry
	Amount         decimal.Decimal
	UsedUnits      decimal.Decimal
	UtilizationPct decimal.Decimal
}

// RecordUsage recognizes expense on a usage-based prepayment: units times
// cost-per-unit, rounded to cents. The usage lands on the scheduled entry
// covering the period date when one exists; otherwise a new entry is
// appended. Recognition follows the same transactional path as scheduled
// processing.
func (s *Service) RecordUsage(ctx context.Context, in UsageInput) (*UsageResult, error) {
	if !in.Units.IsPositive() {
		return nil, &prepay.ValidationError{Field: "units", Message: "must be positive"}
	}

	var res *UsageResult
	err := s.Store.WithTx(ctx, func(uow sqlite.UnitOfWork) error {
		p, err := uow.GetPrepayment(ctx, in.PrepaymentID)
		if err != nil {
			return err
		}
		if p.Method != prepay.MethodUsageBased {
			return &prepay.ValidationError{Field: "method", Message: "prepayment is not usage-based"}
		}
		if p.Status != prepay.StatusActive {
			return &prepay.InvalidStateError{
				Op:       "record usage",
				Current:  string(p.Status),
				Required: string(prepay.StatusActive),
			}
		}

		amount := in.Units.Mul(p.CostPerUnit).Round(2)
		if amount.GreaterThan(p.RemainingBalance.Add(prepay.BalanceTolerance)) {
			return &prepay.ValidationError{Field: "units", Message: "usage exceeds remaining balance"}
		}
		if amount.GreaterThan(p.RemainingBalance) {
			// Within tolerance; clamp so the balance closes exactly.
			amount = p.RemainingBalance
		}

		when := in.PeriodDate
		if when.IsZero() {
			when = s.Now().UTC()
		}

		entries, err := uow.ListEntries(ctx, p.ID)
		if err != nil {
			return err
		}
		entry := findPeriodEntry(entries, when)
		if entry == nil {
			now := s.Now().UTC()
			monthStart := time.Date(when.Year(), when.Month(), 1, 0, 0, 0, 0, time.UTC)
			entry = &prepay.AmortizationEntry{
				ID:               prepay.EntryID(uuid.NewString()),
				PrepaymentID:     p.ID,
				TenantID:         p.TenantID,
				SequenceNumber:   nextSequence(entries),
				PeriodStart:      monthStart,
				PeriodEnd:        monthStart.AddDate(0, 1, -1),
				AmortizationDate: when,
				ScheduledAmount:  decimal.Zero,
				Status:           prepay.EntryScheduled,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := uow.InsertEntries(ctx, []prepay.AmortizationEntry{*entry}); err != nil {
				return err
			}
		}

		entry.UsageUnits = in.Units
		p.UsedUnits = p.UsedUnits.Add(in.Units)

		pct := decimal.Zero
		if p.TotalUsageUnits.IsPositive() {
			pct = p.UsedUnits.Div(p.TotalUsageUnits).Mul(decimal.NewFromInt(100)).Round(2)
		}
		p.UtilizationPercentage = pct

		if err := s.recognize(ctx, uow, p, entry, amount, in.RecordedBy, false, false); err != nil {
			return err
		}

		res = &UsageResult{
			Entry:          entry,
			Amount:         amount,
			UsedUnits:      p.UsedUnits,
			UtilizationPct: pct,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Events.Publish(ctx, Event{
		Name:         EventAmortized,
		TenantID:     res.Entry.TenantID,
		PrepaymentID: in.PrepaymentID,
		Payload: map[string]any{
			"entry_id": string(res.Entry.ID),
			"amount":   res.Amount.String(),
			"units":    in.Units.String(),
		},
	})

	s.log.Info().
		Str("prepayment_id", string(in.PrepaymentID)).
		Str("units", in.Units.String()).
		Str("amount", res.Amount.String()).
		Msg("usage recorded")
	return res, nil
}

// findPeriodEntry returns the scheduled entry whose period covers the date.
func findPeriodEntry(entries []prepay.AmortizationEntry, when time.Time) *prepay.AmortizationEntry {
	for i := range entries {
		e := &entries[i]
		if e.Status != prepay.EntryScheduled {
			continue
		}
		if !when.Before(e.PeriodStart) && !when.After(e.PeriodEnd) {
			return e
		}
	}
	return nil
}
