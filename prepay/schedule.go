/*
schedule.go - Amortization schedule generation

PURPOSE:
  Turns a prepayment's amount and date range into an ordered, sum-exact
  sequence of period entries. The schedule is generated once, atomically with
  prepayment creation, and consumed one entry at a time by the processor.

ROUNDING POLICY:
  amountPerPeriod = totalAmount / totalPeriods, rounded to 2 decimal places.
  The FINAL period absorbs the rounding remainder, so the series always sums
  exactly to totalAmount. Example: 1000.00 over 3 periods ->
  333.33, 333.33, 333.34.

USAGE-BASED SCHEDULES:
  Periods are pre-created with zero scheduled amounts; amounts are filled in
  lazily as consumption is reported.

SEE ALSO:
  - types.go: AmortizationEntry fields and snapshot invariants
  - ../engine/service.go: Persists the generated schedule with the prepayment
*/
package prepay

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHEDULE GENERATOR
// =============================================================================

// ScheduleInput carries the parameters for schedule generation.
type ScheduleInput struct {
	StartDate   time.Time
	EndDate     time.Time
	TotalAmount decimal.Decimal
	Frequency   Frequency
	Method      Method
}

// Schedule is the generated amortization plan. Entries carry period dates and
// running snapshots but no identifiers; the caller assigns IDs and tenant
// before persisting.
type Schedule struct {
	TotalPeriods          int
	AmountPerPeriod       decimal.Decimal
	FirstAmortizationDate time.Time
	Entries               []AmortizationEntry
}

// GenerateSchedule produces the full entry sequence for a prepayment.
//
// TotalPeriods is the number of calendar months between start and end
// (minimum 1), divided by the frequency's span in months (minimum 1 again).
// Each entry's amortization date falls at the end of its period.
func GenerateSchedule(in ScheduleInput) (*Schedule, error) {
	if in.EndDate.Before(in.StartDate) || in.EndDate.Equal(in.StartDate) {
		return nil, &ValidationError{Field: "end_date", Message: "must be after start_date"}
	}
	if !in.TotalAmount.IsPositive() {
		return nil, &ValidationError{Field: "total_amount", Message: "must be positive"}
	}

	months := MonthsBetween(in.StartDate, in.EndDate)
	if months < 1 {
		months = 1
	}

	span := in.Frequency.Months()
	totalPeriods := months / span
	if totalPeriods < 1 {
		totalPeriods = 1
	}

	perPeriod := in.TotalAmount.Div(decimal.NewFromInt(int64(totalPeriods))).Round(2)

	usageBased := in.Method == MethodUsageBased

	entries := make([]AmortizationEntry, 0, totalPeriods)
	cumulative := decimal.Zero

	for i := 1; i <= totalPeriods; i++ {
		periodStart := in.StartDate.AddDate(0, (i-1)*span, 0)
		periodEnd := in.StartDate.AddDate(0, i*span, 0).AddDate(0, 0, -1)
		amortizationDate := in.StartDate.AddDate(0, i*span, 0)

		scheduled := perPeriod
		if i == totalPeriods {
			// Final period absorbs the rounding remainder.
			scheduled = in.TotalAmount.Sub(perPeriod.Mul(decimal.NewFromInt(int64(totalPeriods - 1))))
		}
		if usageBased {
			scheduled = decimal.Zero
		}

		cumulative = cumulative.Add(scheduled)

		entries = append(entries, AmortizationEntry{
			SequenceNumber:      i,
			AmortizationDate:    amortizationDate,
			PeriodStart:         periodStart,
			PeriodEnd:           periodEnd,
			ScheduledAmount:     scheduled,
			CumulativeAmortized: cumulative,
			RemainingBalance:    in.TotalAmount.Sub(cumulative),
			Status:              EntryScheduled,
		})
	}

	return &Schedule{
		TotalPeriods:          totalPeriods,
		AmountPerPeriod:       perPeriod,
		FirstAmortizationDate: entries[0].AmortizationDate,
		Entries:               entries,
	}, nil
}

// RebalanceScheduled recomputes the scheduled amounts of not-yet-processed
// entries after an adjustment so the full series still sums exactly to
// totalAmount. The delta is absorbed entirely by the LAST scheduled entry
// other than the one at index adjusted, so the caller's new amount is never
// overwritten; snapshots of all trailing entries are recomputed. Pass -1 for
// adjusted when no particular entry must be held fixed.
//
// entries must be the complete schedule in ascending sequence order. Returns
// the indexes of entries whose amounts or snapshots changed.
func RebalanceScheduled(entries []AmortizationEntry, totalAmount decimal.Decimal, adjusted int) ([]int, error) {
	lastScheduled := -1
	for i := range entries {
		if i != adjusted && entries[i].Status == EntryScheduled {
			lastScheduled = i
		}
	}
	if lastScheduled < 0 {
		if adjusted >= 0 && adjusted < len(entries) && entries[adjusted].Status == EntryScheduled {
			return nil, &ValidationError{
				Field:   "new_amount",
				Message: "cannot adjust the only remaining scheduled entry",
			}
		}
		return nil, &ValidationError{Message: "no scheduled entries left to rebalance"}
	}

	// Sum everything except the balancing entry's contribution.
	sumOthers := decimal.Zero
	for i := range entries {
		if i == lastScheduled {
			continue
		}
		if entries[i].Status == EntryProcessed && entries[i].ActualAmount != nil {
			sumOthers = sumOthers.Add(*entries[i].ActualAmount)
		} else {
			sumOthers = sumOthers.Add(entries[i].ScheduledAmount)
		}
	}

	var changed []int
	final := totalAmount.Sub(sumOthers)
	if !entries[lastScheduled].ScheduledAmount.Equal(final) {
		entries[lastScheduled].ScheduledAmount = final
		changed = append(changed, lastScheduled)
	}

	// Recompute snapshots across the whole series.
	cumulative := decimal.Zero
	for i := range entries {
		amount := entries[i].ScheduledAmount
		if entries[i].Status == EntryProcessed && entries[i].ActualAmount != nil {
			amount = *entries[i].ActualAmount
		}
		cumulative = cumulative.Add(amount)
		remaining := totalAmount.Sub(cumulative)
		if !entries[i].CumulativeAmortized.Equal(cumulative) || !entries[i].RemainingBalance.Equal(remaining) {
			entries[i].CumulativeAmortized = cumulative
			entries[i].RemainingBalance = remaining
			if len(changed) == 0 || changed[len(changed)-1] != i {
				changed = append(changed, i)
			}
		}
	}

	return changed, nil
}

// =============================================================================
// DATE HELPERS
// =============================================================================

// MonthsBetween returns the number of full calendar months from start to end.
func MonthsBetween(start, end time.Time) int {
	months := (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())
	if end.Day() < start.Day() {
		months--
	}
	return months
}

// NextDate advances an amortization date by one period.
func NextDate(current time.Time, f Frequency) time.Time {
	return current.AddDate(0, f.Months(), 0)
}

// NumberFor formats the external prepayment number for a payment date and
// per-month sequence, e.g. NumberFor(jan2024, 1) == "PP-202401-0001".
func NumberFor(paymentDate time.Time, sequence int) string {
	return fmt.Sprintf("PP-%s-%04d", paymentDate.Format("200601"), sequence)
}

// NumberPrefix returns the LIKE prefix used to count numbers in a month.
func NumberPrefix(paymentDate time.Time) string {
	return fmt.Sprintf("PP-%s-", paymentDate.Format("200601"))
}
