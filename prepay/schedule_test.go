package prepay_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/prepayment-engine/prepay"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// SCHEDULE GENERATION
// =============================================================================

func TestGenerateSchedule_TwelveEqualMonths(t *testing.T) {
	// GIVEN: 1200.00 prepaid over exactly one year, monthly
	// WHEN: Generating the schedule
	// THEN: 12 periods of 100.00 each, summing to 1200.00

	sched, err := prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   date(2024, time.January, 1),
		EndDate:     date(2025, time.January, 1),
		TotalAmount: d("1200.00"),
		Frequency:   prepay.FrequencyMonthly,
		Method:      prepay.MethodStraightLine,
	})
	require.NoError(t, err)

	assert.Equal(t, 12, sched.TotalPeriods)
	assert.True(t, sched.AmountPerPeriod.Equal(d("100.00")))

	sum := decimal.Zero
	for _, e := range sched.Entries {
		assert.True(t, e.ScheduledAmount.Equal(d("100.00")))
		sum = sum.Add(e.ScheduledAmount)
	}
	assert.True(t, sum.Equal(d("1200.00")), "schedule must sum exactly to total")
}

func TestGenerateSchedule_FinalPeriodAbsorbsRemainder(t *testing.T) {
	// GIVEN: 1000.00 over 3 months (not evenly divisible)
	// WHEN: Generating the schedule
	// THEN: 333.33 + 333.33 + 333.34 = 1000.00 exactly

	sched, err := prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   date(2024, time.March, 1),
		EndDate:     date(2024, time.June, 1),
		TotalAmount: d("1000.00"),
		Frequency:   prepay.FrequencyMonthly,
		Method:      prepay.MethodStraightLine,
	})
	require.NoError(t, err)
	require.Equal(t, 3, sched.TotalPeriods)

	assert.True(t, sched.Entries[0].ScheduledAmount.Equal(d("333.33")))
	assert.True(t, sched.Entries[1].ScheduledAmount.Equal(d("333.33")))
	assert.True(t, sched.Entries[2].ScheduledAmount.Equal(d("333.34")))

	sum := decimal.Zero
	for _, e := range sched.Entries {
		sum = sum.Add(e.ScheduledAmount)
	}
	assert.True(t, sum.Equal(d("1000.00")))
}

func TestGenerateSchedule_SnapshotsAreConsistent(t *testing.T) {
	// Cumulative snapshots must be non-decreasing and each entry's remaining
	// balance must equal total minus its cumulative.

	total := d("700.07")
	sched, err := prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   date(2024, time.January, 15),
		EndDate:     date(2024, time.August, 15),
		TotalAmount: total,
		Frequency:   prepay.FrequencyMonthly,
		Method:      prepay.MethodStraightLine,
	})
	require.NoError(t, err)

	prev := decimal.Zero
	for _, e := range sched.Entries {
		assert.True(t, e.CumulativeAmortized.GreaterThanOrEqual(prev),
			"cumulative must be non-decreasing at seq %d", e.SequenceNumber)
		assert.True(t, e.RemainingBalance.Equal(total.Sub(e.CumulativeAmortized)))
		prev = e.CumulativeAmortized
	}

	last := sched.Entries[len(sched.Entries)-1]
	assert.True(t, last.RemainingBalance.IsZero(), "final remaining must be zero")
	assert.True(t, last.CumulativeAmortized.Equal(total))
}

func TestGenerateSchedule_Quarterly(t *testing.T) {
	sched, err := prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   date(2024, time.January, 1),
		EndDate:     date(2025, time.January, 1),
		TotalAmount: d("4000.00"),
		Frequency:   prepay.FrequencyQuarterly,
		Method:      prepay.MethodStraightLine,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, sched.TotalPeriods)
	assert.True(t, sched.AmountPerPeriod.Equal(d("1000.00")))
	assert.Equal(t, date(2024, time.April, 1), sched.Entries[0].AmortizationDate)
	assert.Equal(t, date(2024, time.March, 31), sched.Entries[0].PeriodEnd)
}

func TestGenerateSchedule_ShortRangeGetsOnePeriod(t *testing.T) {
	// A range shorter than one month still produces a single period covering
	// the whole amount.

	sched, err := prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   date(2024, time.May, 1),
		EndDate:     date(2024, time.May, 20),
		TotalAmount: d("250.00"),
		Frequency:   prepay.FrequencyMonthly,
		Method:      prepay.MethodStraightLine,
	})
	require.NoError(t, err)

	require.Len(t, sched.Entries, 1)
	assert.True(t, sched.Entries[0].ScheduledAmount.Equal(d("250.00")))
}

func TestGenerateSchedule_UsageBasedHasZeroAmounts(t *testing.T) {
	// Usage-based schedules pre-create periods with zero scheduled amounts;
	// amounts are filled in as consumption is reported.

	sched, err := prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   date(2024, time.January, 1),
		EndDate:     date(2024, time.July, 1),
		TotalAmount: d("6000.00"),
		Frequency:   prepay.FrequencyMonthly,
		Method:      prepay.MethodUsageBased,
	})
	require.NoError(t, err)
	require.Equal(t, 6, sched.TotalPeriods)

	for _, e := range sched.Entries {
		assert.True(t, e.ScheduledAmount.IsZero())
		assert.True(t, e.RemainingBalance.Equal(d("6000.00")))
	}
}

func TestGenerateSchedule_RejectsInvalidInput(t *testing.T) {
	_, err := prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   date(2024, time.June, 1),
		EndDate:     date(2024, time.January, 1),
		TotalAmount: d("100.00"),
		Frequency:   prepay.FrequencyMonthly,
	})
	assert.True(t, errors.Is(err, prepay.ErrValidation), "reversed range must fail validation")

	_, err = prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   date(2024, time.January, 1),
		EndDate:     date(2024, time.June, 1),
		TotalAmount: decimal.Zero,
		Frequency:   prepay.FrequencyMonthly,
	})
	assert.True(t, errors.Is(err, prepay.ErrValidation), "zero amount must fail validation")
}

// =============================================================================
// REBALANCING
// =============================================================================

func TestRebalanceScheduled_FinalEntryAbsorbsDelta(t *testing.T) {
	// GIVEN: A 3-period schedule where period 2's amount was adjusted down
	// WHEN: Rebalancing
	// THEN: The final entry absorbs the delta so the series sums to total

	total := d("1000.00")
	sched, err := prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   date(2024, time.January, 1),
		EndDate:     date(2024, time.April, 1),
		TotalAmount: total,
		Frequency:   prepay.FrequencyMonthly,
		Method:      prepay.MethodStraightLine,
	})
	require.NoError(t, err)

	entries := sched.Entries
	entries[1].ScheduledAmount = d("200.00") // adjusted from 333.33

	_, err = prepay.RebalanceScheduled(entries, total, 1)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.ScheduledAmount)
	}
	assert.True(t, sum.Equal(total))
	assert.True(t, entries[2].ScheduledAmount.Equal(d("466.67")))
	assert.True(t, entries[2].RemainingBalance.IsZero())
}

func TestRebalanceScheduled_ProcessedEntriesUntouched(t *testing.T) {
	// Processed entries keep their actual amounts; only scheduled entries move.

	total := d("900.00")
	sched, err := prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   date(2024, time.January, 1),
		EndDate:     date(2024, time.April, 1),
		TotalAmount: total,
		Frequency:   prepay.FrequencyMonthly,
		Method:      prepay.MethodStraightLine,
	})
	require.NoError(t, err)

	entries := sched.Entries
	actual := d("300.00")
	entries[0].Status = prepay.EntryProcessed
	entries[0].ActualAmount = &actual
	entries[1].ScheduledAmount = d("100.00")

	_, err = prepay.RebalanceScheduled(entries, total, 1)
	require.NoError(t, err)

	assert.Equal(t, prepay.EntryProcessed, entries[0].Status)
	assert.True(t, entries[0].ActualAmount.Equal(d("300.00")))
	assert.True(t, entries[2].ScheduledAmount.Equal(d("500.00")))
}

func TestRebalanceScheduled_LastEntryAdjustmentShiftsDeltaBackward(t *testing.T) {
	// GIVEN: A 3-period schedule where the FINAL period's amount was adjusted
	// WHEN: Rebalancing with the final entry pinned
	// THEN: The previous scheduled entry absorbs the delta, the new amount holds

	total := d("1000.00")
	sched, err := prepay.GenerateSchedule(prepay.ScheduleInput{
		StartDate:   date(2024, time.January, 1),
		EndDate:     date(2024, time.April, 1),
		TotalAmount: total,
		Frequency:   prepay.FrequencyMonthly,
		Method:      prepay.MethodStraightLine,
	})
	require.NoError(t, err)

	entries := sched.Entries
	entries[2].ScheduledAmount = d("500.00") // adjusted from 333.34

	_, err = prepay.RebalanceScheduled(entries, total, 2)
	require.NoError(t, err)

	assert.True(t, entries[2].ScheduledAmount.Equal(d("500.00")))
	assert.True(t, entries[1].ScheduledAmount.Equal(d("166.67")))

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.ScheduledAmount)
	}
	assert.True(t, sum.Equal(total))
	assert.True(t, entries[2].RemainingBalance.IsZero())
}

func TestRebalanceScheduled_OnlyScheduledEntryNotAdjustable(t *testing.T) {
	actual := d("600.00")
	entries := []prepay.AmortizationEntry{
		{SequenceNumber: 1, Status: prepay.EntryProcessed, ActualAmount: &actual, ScheduledAmount: d("600.00")},
		{SequenceNumber: 2, Status: prepay.EntryScheduled, ScheduledAmount: d("150.00")},
	}
	_, err := prepay.RebalanceScheduled(entries, d("1000.00"), 1)
	assert.True(t, errors.Is(err, prepay.ErrValidation))
}

func TestRebalanceScheduled_NoScheduledEntriesFails(t *testing.T) {
	actual := d("100.00")
	entries := []prepay.AmortizationEntry{
		{SequenceNumber: 1, Status: prepay.EntryProcessed, ActualAmount: &actual},
	}
	_, err := prepay.RebalanceScheduled(entries, d("100.00"), -1)
	assert.True(t, errors.Is(err, prepay.ErrValidation))
}

// =============================================================================
// HELPERS
// =============================================================================

func TestMonthsBetween(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		end   time.Time
		want  int
	}{
		{"exact year", date(2024, time.January, 1), date(2025, time.January, 1), 12},
		{"partial month rounds down", date(2024, time.January, 15), date(2024, time.March, 10), 1},
		{"same month", date(2024, time.January, 1), date(2024, time.January, 20), 0},
		{"month boundary", date(2024, time.January, 31), date(2024, time.March, 31), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, prepay.MonthsBetween(tt.start, tt.end))
		})
	}
}

func TestNumberFor(t *testing.T) {
	assert.Equal(t, "PP-202401-0001", prepay.NumberFor(date(2024, time.January, 9), 1))
	assert.Equal(t, "PP-202412-0042", prepay.NumberFor(date(2024, time.December, 31), 42))
}

func TestClassifyIFRS(t *testing.T) {
	asOf := date(2024, time.January, 1)
	assert.Equal(t, prepay.ClassCurrentAsset, prepay.ClassifyIFRS(date(2024, time.December, 1), asOf))
	assert.Equal(t, prepay.ClassCurrentAsset, prepay.ClassifyIFRS(date(2025, time.January, 1), asOf))
	assert.Equal(t, prepay.ClassNonCurrentAsset, prepay.ClassifyIFRS(date(2026, time.June, 1), asOf))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, prepay.CanTransition(prepay.StatusPendingApproval, prepay.StatusActive))
	assert.True(t, prepay.CanTransition(prepay.StatusActive, prepay.StatusFullyAmortized))
	assert.True(t, prepay.CanTransition(prepay.StatusActive, prepay.StatusWrittenOff))
	assert.True(t, prepay.CanTransition(prepay.StatusFullyAmortized, prepay.StatusActive))
	assert.False(t, prepay.CanTransition(prepay.StatusCancelled, prepay.StatusActive))
	assert.False(t, prepay.CanTransition(prepay.StatusPendingApproval, prepay.StatusWrittenOff))
	assert.False(t, prepay.CanTransition(prepay.StatusPendingApproval, prepay.StatusFullyAmortized))
}
