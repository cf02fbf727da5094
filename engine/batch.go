package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/prepayment-engine/prepay"
	"github.com/warp/prepayment-engine/store/sqlite"
)

// expiryNoticeDays is how far ahead the daily run warns about expirations.
const expiryNoticeDays = 30

// DailyResult summarizes one daily batch run.
type DailyResult struct {
	RunDate   time.Time
	Due       int
	Processed int
	Skipped   int
	Failed    int
	Errors    []EntryError
}

// EntryError records one entry's failure during a batch run.
type EntryError struct {
	EntryID      prepay.EntryID
	PrepaymentID prepay.PrepaymentID
	Err          string
}

// RunDaily processes every scheduled entry due on or before asOf. Each entry
// runs in its own transaction: one failure never blocks the rest of the
// batch. Re-running the same day is safe; entries already PROCESSED are no
// longer due and are simply not selected, and races that slip through are
// absorbed as skips by the SCHEDULED status guard.
func (s *Service) RunDaily(ctx context.Context, asOf time.Time) (*DailyResult, error) {
	if asOf.IsZero() {
		asOf = s.Now().UTC()
	}
	res := &DailyResult{RunDate: asOf}

	due, err := s.Store.DueEntries(ctx, asOf)
	if err != nil {
		return nil, err
	}
	res.Due = len(due)

	for _, item := range due {
		// Usage-based placeholders recognize on reported consumption, never
		// on the calendar.
		if !item.Prepayment.AutoAmortize || item.Prepayment.Method == prepay.MethodUsageBased {
			res.Skipped++
			continue
		}

		_, err := s.ProcessAmortization(ctx, ProcessInput{
			EntryID:     item.Entry.ID,
			ProcessedBy: "system",
			Auto:        true,
		})
		switch {
		case err == nil:
			res.Processed++
		case errors.Is(err, prepay.ErrInvalidState):
			// Another writer got there first, or the parent left ACTIVE.
			res.Skipped++
		default:
			res.Failed++
			res.Errors = append(res.Errors, EntryError{
				EntryID:      item.Entry.ID,
				PrepaymentID: item.Prepayment.ID,
				Err:          err.Error(),
			})
			if rerr := s.Store.IncrementEntryRetry(ctx, item.Entry.ID, asOf); rerr != nil {
				s.log.Error().Err(rerr).
					Str("entry_id", string(item.Entry.ID)).
					Msg("failed to record retry")
			}
			s.log.Error().Err(err).
				Str("entry_id", string(item.Entry.ID)).
				Str("prepayment_id", string(item.Prepayment.ID)).
				Msg("daily amortization failed")
		}
	}

	expiring, err := s.Store.ExpiringPrepayments(ctx, asOf, expiryNoticeDays)
	if err != nil {
		return nil, err
	}
	for _, p := range expiring {
		s.Events.Publish(ctx, Event{
			Name:         EventExpiring,
			TenantID:     p.TenantID,
			PrepaymentID: p.ID,
			Payload: map[string]any{
				"number":    p.Number,
				"end_date":  p.EndDate.Format("2006-01-02"),
				"remaining": p.RemainingBalance.String(),
			},
		})
	}

	s.log.Info().
		Time("as_of", asOf).
		Int("due", res.Due).
		Int("processed", res.Processed).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("daily amortization run complete")
	return res, nil
}

// TenantRollup is one tenant's slice of the monthly close report.
type TenantRollup struct {
	TenantID        prepay.TenantID
	ActiveCount     int
	RemainingTotal  decimal.Decimal
	MonthScheduled  decimal.Decimal
	ImpairmentFlags []ImpairmentFlag
	LowUtilization  []UtilizationFlag
}

// ImpairmentFlag marks a prepayment past its end date that still carries a
// balance; a candidate for write-off review.
type ImpairmentFlag struct {
	ID               prepay.PrepaymentID
	Number           string
	EndDate          time.Time
	RemainingBalance decimal.Decimal
}

// UtilizationFlag marks a usage-based prepayment consuming well behind its
// elapsed time.
type UtilizationFlag struct {
	ID             prepay.PrepaymentID
	Number         string
	UtilizationPct decimal.Decimal
	ElapsedPct     decimal.Decimal
}

// MonthlyResult is the month-end review across all tenants.
type MonthlyResult struct {
	RunDate time.Time
	Tenants []TenantRollup
}

// RunMonthly produces the month-end review: per-tenant balance rollups, the
// month's scheduled amortization, impairment candidates, and usage-based
// prepayments lagging their consumption curve. Read-only apart from the log.
func (s *Service) RunMonthly(ctx context.Context, asOf time.Time) (*MonthlyResult, error) {
	if asOf.IsZero() {
		asOf = s.Now().UTC()
	}
	res := &MonthlyResult{RunDate: asOf}

	monthStart := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, -1)

	tenants, err := s.Store.Tenants(ctx)
	if err != nil {
		return nil, err
	}

	for _, tenantID := range tenants {
		active, err := s.Store.ListPrepayments(ctx, tenantID, sqlite.ListFilter{Status: prepay.StatusActive})
		if err != nil {
			return nil, err
		}
		scheduled, err := s.Store.ScheduledTotalInRange(ctx, tenantID, monthStart, monthEnd)
		if err != nil {
			return nil, err
		}

		rollup := TenantRollup{
			TenantID:       tenantID,
			ActiveCount:    len(active),
			RemainingTotal: decimal.Zero,
			MonthScheduled: scheduled,
		}
		for _, p := range active {
			rollup.RemainingTotal = rollup.RemainingTotal.Add(p.RemainingBalance)

			if p.EndDate.Before(asOf) && !prepay.WithinTolerance(p.RemainingBalance) {
				rollup.ImpairmentFlags = append(rollup.ImpairmentFlags, ImpairmentFlag{
					ID:               p.ID,
					Number:           p.Number,
					EndDate:          p.EndDate,
					RemainingBalance: p.RemainingBalance,
				})
			}

			if p.Method == prepay.MethodUsageBased && p.TotalUsageUnits.IsPositive() {
				if flag, lagging := utilizationLag(&p, asOf); lagging {
					rollup.LowUtilization = append(rollup.LowUtilization, flag)
				}
			}
		}
		res.Tenants = append(res.Tenants, rollup)
	}

	s.log.Info().
		Time("as_of", asOf).
		Int("tenants", len(res.Tenants)).
		Msg("monthly review complete")
	return res, nil
}

// utilizationLag flags usage running more than 25 points behind elapsed time.
func utilizationLag(p *prepay.Prepayment, asOf time.Time) (UtilizationFlag, bool) {
	total := p.EndDate.Sub(p.StartDate)
	if total <= 0 {
		return UtilizationFlag{}, false
	}
	elapsed := asOf.Sub(p.StartDate)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > total {
		elapsed = total
	}
	elapsedPct := decimal.NewFromInt(int64(elapsed * 100 / total))
	usedPct := p.UsedUnits.Div(p.TotalUsageUnits).Mul(decimal.NewFromInt(100)).Round(2)

	if elapsedPct.Sub(usedPct).LessThan(decimal.NewFromInt(25)) {
		return UtilizationFlag{}, false
	}
	return UtilizationFlag{
		ID:             p.ID,
		Number:         p.Number,
		UtilizationPct: usedPct,
		ElapsedPct:     elapsedPct,
	}, true
}
