/*
processor_test.go - Recognition path tests

PURPOSE:
	Tests the transactional recognition path:
	- Processing moves balances atomically and posts to the ledger
	- A ledger failure rolls back every change
	- Out-of-order processing is rejected for calendar schedules
	- Reversal appends a negative entry and reopens closed prepayments
	- Adjustment rebalances the remaining schedule to the exact total
	- Usage-based recognition accumulates units
	- Daily batch is idempotent and isolates per-entry failures
*/
package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/prepayment-engine/engine"
	"github.com/warp/prepayment-engine/prepay"
)

// activePrepayment creates and approves a 12-month 12,000 prepayment.
func activePrepayment(t *testing.T, rig *testRig) (*prepay.Prepayment, []prepay.AmortizationEntry) {
	t.Helper()
	ctx := context.Background()

	p, err := rig.svc.CreatePrepayment(ctx, insuranceInput())
	require.NoError(t, err)
	p, err = rig.svc.ApprovePrepayment(ctx, p.ID, "bob", "")
	require.NoError(t, err)

	entries, err := rig.store.ListEntries(ctx, p.ID)
	require.NoError(t, err)
	return p, entries
}

func TestProcessAmortization_MovesBalancesAndPosts(t *testing.T) {
	// GIVEN: An active 12x1000 prepayment
	// WHEN: Processing the first entry
	// THEN: Entry PROCESSED, parent balances moved, one ledger posting made

	rig := setupService(t)
	ctx := context.Background()
	p, entries := activePrepayment(t, rig)

	done, err := rig.svc.ProcessAmortization(ctx, engine.ProcessInput{
		EntryID:     entries[0].ID,
		ProcessedBy: "carol",
	})
	require.NoError(t, err)

	assert.Equal(t, prepay.EntryProcessed, done.Status)
	require.NotNil(t, done.ActualAmount)
	assert.True(t, done.ActualAmount.Equal(decimal.NewFromInt(1000)))
	assert.NotEmpty(t, done.PostingReference)
	assert.False(t, done.AutoProcessed)

	after, err := rig.store.GetPrepayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, after.AmortizedAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, after.RemainingBalance.Equal(decimal.NewFromInt(11000)))
	assert.Equal(t, 1, after.PeriodsCompleted)
	assert.Equal(t, prepay.StatusActive, after.Status)
	assert.Greater(t, after.Version, p.Version)

	postings := rig.ledger.Postings()
	require.Len(t, postings, 1)
	assert.Equal(t, string(p.TenantID), postings[0].Request.TenantID)
	assert.Equal(t, "6100", postings[0].Request.DebitAccount)
	assert.Equal(t, "1400", postings[0].Request.CreditAccount)
	assert.True(t, postings[0].Request.Amount.Equal(decimal.NewFromInt(1000)))
}

func TestProcessAmortization_SecondProcessFails(t *testing.T) {
	// GIVEN: A processed entry
	// WHEN: Processing it again
	// THEN: Invalid-state error, no double counting

	rig := setupService(t)
	ctx := context.Background()
	p, entries := activePrepayment(t, rig)

	_, err := rig.svc.ProcessAmortization(ctx, engine.ProcessInput{EntryID: entries[0].ID, ProcessedBy: "carol"})
	require.NoError(t, err)

	_, err = rig.svc.ProcessAmortization(ctx, engine.ProcessInput{EntryID: entries[0].ID, ProcessedBy: "carol"})
	assert.ErrorIs(t, err, prepay.ErrInvalidState)

	after, err := rig.store.GetPrepayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, after.AmortizedAmount.Equal(decimal.NewFromInt(1000)))
	assert.Len(t, rig.ledger.Postings(), 1)
}

func TestProcessAmortization_OutOfOrderRejected(t *testing.T) {
	// GIVEN: A straight-line schedule with entry 1 still scheduled
	// WHEN: Processing entry 2
	// THEN: Rejected as out of order

	rig := setupService(t)
	ctx := context.Background()
	_, entries := activePrepayment(t, rig)

	_, err := rig.svc.ProcessAmortization(ctx, engine.ProcessInput{EntryID: entries[1].ID, ProcessedBy: "carol"})
	assert.ErrorIs(t, err, prepay.ErrOutOfOrder)
}

func TestProcessAmortization_PendingParentRejected(t *testing.T) {
	rig := setupService(t)
	ctx := context.Background()

	p, err := rig.svc.CreatePrepayment(ctx, insuranceInput())
	require.NoError(t, err)
	entries, err := rig.store.ListEntries(ctx, p.ID)
	require.NoError(t, err)

	_, err = rig.svc.ProcessAmortization(ctx, engine.ProcessInput{EntryID: entries[0].ID, ProcessedBy: "carol"})
	assert.ErrorIs(t, err, prepay.ErrInvalidState)
}

func TestProcessAmortization_LedgerFailureRollsBack(t *testing.T) {
	// GIVEN: A ledger that rejects every posting
	// WHEN: Processing an entry
	// THEN: The error surfaces and neither entry nor parent changed

	rig := setupService(t)
	ctx := context.Background()
	p, entries := activePrepayment(t, rig)

	rig.ledger.FailWith = assert.AnError

	_, err := rig.svc.ProcessAmortization(ctx, engine.ProcessInput{EntryID: entries[0].ID, ProcessedBy: "carol"})
	require.Error(t, err)
	assert.ErrorIs(t, err, prepay.ErrLedgerPosting)

	after, err := rig.store.GetPrepayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, after.AmortizedAmount.IsZero())
	assert.True(t, after.RemainingBalance.Equal(decimal.NewFromInt(12000)))

	entry, err := rig.store.GetEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, prepay.EntryScheduled, entry.Status)
	assert.Empty(t, entry.PostingReference)
}

func TestProcessAmortization_FullRunReachesFullyAmortized(t *testing.T) {
	// GIVEN: A 12-entry schedule
	// WHEN: Processing every entry in order
	// THEN: Final state is FULLY_AMORTIZED with a zero balance and no next date

	rig := setupService(t)
	ctx := context.Background()
	p, entries := activePrepayment(t, rig)

	for _, e := range entries {
		_, err := rig.svc.ProcessAmortization(ctx, engine.ProcessInput{EntryID: e.ID, ProcessedBy: "carol"})
		require.NoError(t, err)
	}

	after, err := rig.store.GetPrepayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, prepay.StatusFullyAmortized, after.Status)
	assert.True(t, after.RemainingBalance.IsZero(), "remaining = %s", after.RemainingBalance)
	assert.Equal(t, 12, after.PeriodsCompleted)
	assert.Nil(t, after.NextAmortizationDate)
	assert.Len(t, rig.ledger.Postings(), 12)
}

func TestProcessAmortization_RemainderSeriesClosesExactly(t *testing.T) {
	// GIVEN: 1000 over 3 months (333.33 + 333.33 + 333.34)
	// WHEN: Processing all three entries
	// THEN: The balance closes to exactly zero

	rig := setupService(t)
	ctx := context.Background()

	in := insuranceInput()
	in.TotalAmount = decimal.NewFromInt(1000)
	in.EndDate = time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	p, err := rig.svc.CreatePrepayment(ctx, in)
	require.NoError(t, err)
	_, err = rig.svc.ApprovePrepayment(ctx, p.ID, "bob", "")
	require.NoError(t, err)

	entries, err := rig.store.ListEntries(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for _, e := range entries {
		_, err := rig.svc.ProcessAmortization(ctx, engine.ProcessInput{EntryID: e.ID, ProcessedBy: "carol"})
		require.NoError(t, err)
	}

	after, err := rig.store.GetPrepayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, after.RemainingBalance.IsZero(), "remaining = %s", after.RemainingBalance)
	assert.Equal(t, prepay.StatusFullyAmortized, after.Status)
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestReverseAmortization_AppendsNegativeEntry(t *testing.T) {
	// GIVEN: A processed entry
	// WHEN: Reversing it
	// THEN: A new negative entry appears, balances move back, ledger swaps sides

	rig := setupService(t)
	ctx := context.Background()
	p, entries := activePrepayment(t, rig)

	_, err := rig.svc.ProcessAmortization(ctx, engine.ProcessInput{EntryID: entries[0].ID, ProcessedBy: "carol"})
	require.NoError(t, err)

	rev, err := rig.svc.ReverseAmortization(ctx, engine.ReverseInput{
		EntryID:    entries[0].ID,
		Reason:     "posted to wrong period",
		ReversedBy: "carol",
	})
	require.NoError(t, err)

	assert.True(t, rev.IsReversal)
	assert.Equal(t, entries[0].ID, rev.ReversedEntryID)
	assert.Equal(t, 13, rev.SequenceNumber)
	require.NotNil(t, rev.ActualAmount)
	assert.True(t, rev.ActualAmount.Equal(decimal.NewFromInt(-1000)))

	// The original entry remains PROCESSED and untouched.
	orig, err := rig.store.GetEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, prepay.EntryProcessed, orig.Status)

	after, err := rig.store.GetPrepayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, after.AmortizedAmount.IsZero())
	assert.True(t, after.RemainingBalance.Equal(decimal.NewFromInt(12000)))

	postings := rig.ledger.Postings()
	require.Len(t, postings, 2)
	assert.Equal(t, "1400", postings[1].Request.DebitAccount)
	assert.Equal(t, "6100", postings[1].Request.CreditAccount)
}

func TestReverseAmortization_ReopensFullyAmortized(t *testing.T) {
	// GIVEN: A fully amortized prepayment
	// WHEN: Reversing its last entry
	// THEN: Status returns to ACTIVE

	rig := setupService(t)
	ctx := context.Background()
	p, entries := activePrepayment(t, rig)

	for _, e := range entries {
		_, err := rig.svc.ProcessAmortization(ctx, engine.ProcessInput{EntryID: e.ID, ProcessedBy: "carol"})
		require.NoError(t, err)
	}

	_, err := rig.svc.ReverseAmortization(ctx, engine.ReverseInput{
		EntryID:    entries[11].ID,
		Reason:     "december was overstated",
		ReversedBy: "carol",
	})
	require.NoError(t, err)

	after, err := rig.store.GetPrepayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, prepay.StatusActive, after.Status)
	assert.True(t, after.RemainingBalance.Equal(decimal.NewFromInt(1000)))
}

func TestReverseAmortization_Guards(t *testing.T) {
	rig := setupService(t)
	ctx := context.Background()
	_, entries := activePrepayment(t, rig)

	// A scheduled entry cannot be reversed.
	_, err := rig.svc.ReverseAmortization(ctx, engine.ReverseInput{
		EntryID: entries[0].ID, Reason: "x", ReversedBy: "carol",
	})
	assert.ErrorIs(t, err, prepay.ErrInvalidState)

	// A reason is required.
	_, err = rig.svc.ReverseAmortization(ctx, engine.ReverseInput{EntryID: entries[0].ID})
	assert.ErrorIs(t, err, prepay.ErrValidation)

	// Double reversal is rejected.
	_, err = rig.svc.ProcessAmortization(ctx, engine.ProcessInput{EntryID: entries[0].ID, ProcessedBy: "carol"})
	require.NoError(t, err)
	_, err = rig.svc.ReverseAmortization(ctx, engine.ReverseInput{
		EntryID: entries[0].ID, Reason: "first", ReversedBy: "carol",
	})
	require.NoError(t, err)
	_, err = rig.svc.ReverseAmortization(ctx, engine.ReverseInput{
		EntryID: entries[0].ID, Reason: "second", ReversedBy: "carol",
	})
	assert.ErrorIs(t, err, prepay.ErrValidation)
}

// =============================================================================
// ADJUSTMENT
// =============================================================================

func TestAdjustAmortization_RebalancesSeries(t *testing.T) {
	// GIVEN: A 12x1000 schedule
	// WHEN: Raising entry 3 to 1500
	// THEN: The final entry drops to 500 and the series still sums to 12000

	rig := setupService(t)
	ctx := context.Background()
	p, entries := activePrepayment(t, rig)

	touched, err := rig.svc.AdjustAmortization(ctx, engine.AdjustInput{
		EntryID:    entries[2].ID,
		NewAmount:  decimal.NewFromInt(1500),
		Reason:     "mid-term premium increase",
		AdjustedBy: "carol",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, touched)

	after, err := rig.store.ListEntries(ctx, p.ID)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, e := range after {
		sum = sum.Add(e.ScheduledAmount)
	}
	assert.True(t, sum.Equal(decimal.NewFromInt(12000)), "series sums to %s", sum)
	assert.True(t, after[2].ScheduledAmount.Equal(decimal.NewFromInt(1500)))
	require.NotNil(t, after[2].OriginalAmount)
	assert.True(t, after[2].OriginalAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, after[11].ScheduledAmount.Equal(decimal.NewFromInt(500)))
}

func TestAdjustAmortization_LastEntryHoldsNewAmount(t *testing.T) {
	// GIVEN: A 12x1000 schedule
	// WHEN: Lowering the final entry to 500
	// THEN: The new amount sticks, the previous entry absorbs the delta

	rig := setupService(t)
	ctx := context.Background()
	p, entries := activePrepayment(t, rig)

	_, err := rig.svc.AdjustAmortization(ctx, engine.AdjustInput{
		EntryID:    entries[11].ID,
		NewAmount:  decimal.NewFromInt(500),
		Reason:     "contract shortened",
		AdjustedBy: "carol",
	})
	require.NoError(t, err)

	after, err := rig.store.ListEntries(ctx, p.ID)
	require.NoError(t, err)

	assert.True(t, after[11].ScheduledAmount.Equal(decimal.NewFromInt(500)))
	require.NotNil(t, after[11].OriginalAmount)
	assert.True(t, after[11].OriginalAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, after[11].AdjustmentAmount.Equal(decimal.NewFromInt(-500)))
	assert.True(t, after[10].ScheduledAmount.Equal(decimal.NewFromInt(1500)))

	sum := decimal.Zero
	for _, e := range after {
		sum = sum.Add(e.ScheduledAmount)
	}
	assert.True(t, sum.Equal(decimal.NewFromInt(12000)), "series sums to %s", sum)
}

func TestAdjustAmortization_Guards(t *testing.T) {
	rig := setupService(t)
	ctx := context.Background()
	_, entries := activePrepayment(t, rig)

	// Processed entries cannot be adjusted.
	_, err := rig.svc.ProcessAmortization(ctx, engine.ProcessInput{EntryID: entries[0].ID, ProcessedBy: "carol"})
	require.NoError(t, err)
	_, err = rig.svc.AdjustAmortization(ctx, engine.AdjustInput{
		EntryID: entries[0].ID, NewAmount: decimal.NewFromInt(1), Reason: "x", AdjustedBy: "carol",
	})
	assert.ErrorIs(t, err, prepay.ErrInvalidState)

	// An adjustment that would drive the final entry negative is rejected.
	_, err = rig.svc.AdjustAmortization(ctx, engine.AdjustInput{
		EntryID: entries[2].ID, NewAmount: decimal.NewFromInt(5000), Reason: "x", AdjustedBy: "carol",
	})
	assert.ErrorIs(t, err, prepay.ErrValidation)

	// Usage-based schedules are not adjustable.
	up, err := rig.svc.CreatePrepayment(ctx, usageInput())
	require.NoError(t, err)
	_, err = rig.svc.ApprovePrepayment(ctx, up.ID, "bob", "")
	require.NoError(t, err)
	upEntries, err := rig.store.ListEntries(ctx, up.ID)
	require.NoError(t, err)
	_, err = rig.svc.AdjustAmortization(ctx, engine.AdjustInput{
		EntryID: upEntries[0].ID, NewAmount: decimal.NewFromInt(2000), Reason: "x", AdjustedBy: "carol",
	})
	assert.ErrorIs(t, err, prepay.ErrValidation)
}

// =============================================================================
// USAGE-BASED
// =============================================================================

func usageInput() engine.CreateInput {
	in := insuranceInput()
	in.Description = "Prepaid data bundle"
	in.Category = prepay.CategorySubscription
	in.Method = prepay.MethodUsageBased
	in.TotalAmount = decimal.NewFromInt(10000)
	in.TotalUsageUnits = decimal.NewFromInt(1000)
	in.CostPerUnit = decimal.NewFromInt(10)
	return in
}

func TestRecordUsage_RecognizesByConsumption(t *testing.T) {
	// GIVEN: An active usage-based prepayment at 10/unit
	// WHEN: Recording 150 units in January
	// THEN: 1500 recognized, units accumulated, utilization reported

	rig := setupService(t)
	ctx := context.Background()

	p, err := rig.svc.CreatePrepayment(ctx, usageInput())
	require.NoError(t, err)
	_, err = rig.svc.ApprovePrepayment(ctx, p.ID, "bob", "")
	require.NoError(t, err)

	res, err := rig.svc.RecordUsage(ctx, engine.UsageInput{
		PrepaymentID: p.ID,
		Units:        decimal.NewFromInt(150),
		PeriodDate:   time.Date(2024, time.January, 20, 0, 0, 0, 0, time.UTC),
		RecordedBy:   "meter",
	})
	require.NoError(t, err)

	assert.True(t, res.Amount.Equal(decimal.NewFromInt(1500)))
	assert.True(t, res.UsedUnits.Equal(decimal.NewFromInt(150)))
	assert.True(t, res.UtilizationPct.Equal(decimal.NewFromInt(15)))

	after, err := rig.store.GetPrepayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, after.AmortizedAmount.Equal(decimal.NewFromInt(1500)))
	assert.True(t, after.RemainingBalance.Equal(decimal.NewFromInt(8500)))
}

func TestRecordUsage_Guards(t *testing.T) {
	rig := setupService(t)
	ctx := context.Background()

	// Non-usage-based prepayments reject usage.
	p, _ := activePrepayment(t, rig)
	_, err := rig.svc.RecordUsage(ctx, engine.UsageInput{
		PrepaymentID: p.ID, Units: decimal.NewFromInt(10), RecordedBy: "meter",
	})
	assert.ErrorIs(t, err, prepay.ErrValidation)

	// Usage beyond the remaining balance is rejected.
	up, err := rig.svc.CreatePrepayment(ctx, usageInput())
	require.NoError(t, err)
	_, err = rig.svc.ApprovePrepayment(ctx, up.ID, "bob", "")
	require.NoError(t, err)
	_, err = rig.svc.RecordUsage(ctx, engine.UsageInput{
		PrepaymentID: up.ID, Units: decimal.NewFromInt(2000), RecordedBy: "meter",
	})
	assert.ErrorIs(t, err, prepay.ErrValidation)
}

// =============================================================================
// BATCH
// =============================================================================

func TestRunDaily_ProcessesDueEntriesOnce(t *testing.T) {
	// GIVEN: An active schedule with two entries due
	// WHEN: Running the daily batch twice
	// THEN: First run processes both; second run finds nothing due

	rig := setupService(t)
	ctx := context.Background()
	p, _ := activePrepayment(t, rig)

	asOf := time.Date(2024, time.March, 1, 6, 0, 0, 0, time.UTC)
	res, err := rig.svc.RunDaily(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed, "Feb 1 and Mar 1 entries are due")
	assert.Zero(t, res.Failed)

	again, err := rig.svc.RunDaily(ctx, asOf)
	require.NoError(t, err)
	assert.Zero(t, again.Due)
	assert.Zero(t, again.Processed)

	after, err := rig.store.GetPrepayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, after.AmortizedAmount.Equal(decimal.NewFromInt(2000)))
	assert.Len(t, rig.ledger.Postings(), 2)
}

func TestRunDaily_SkipsManualPrepayments(t *testing.T) {
	// GIVEN: A prepayment with auto-amortize off
	// WHEN: Running the daily batch
	// THEN: Its due entries are skipped, not processed

	rig := setupService(t)
	ctx := context.Background()

	manual := false
	in := insuranceInput()
	in.AutoAmortize = &manual
	p, err := rig.svc.CreatePrepayment(ctx, in)
	require.NoError(t, err)
	_, err = rig.svc.ApprovePrepayment(ctx, p.ID, "bob", "")
	require.NoError(t, err)

	res, err := rig.svc.RunDaily(ctx, time.Date(2024, time.February, 1, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Processed)
}

func TestRunDaily_FailureIsolation(t *testing.T) {
	// GIVEN: Two prepayments, the ledger failing for every posting
	// WHEN: Running the daily batch
	// THEN: Both failures are recorded with retry counters; the run completes

	rig := setupService(t)
	ctx := context.Background()

	p1, _ := activePrepayment(t, rig)
	p2, _ := activePrepayment(t, rig)

	rig.ledger.FailWith = assert.AnError

	res, err := rig.svc.RunDaily(ctx, time.Date(2024, time.February, 1, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Due)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Errors, 2)

	for _, id := range []prepay.PrepaymentID{p1.ID, p2.ID} {
		entries, err := rig.store.ListEntries(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, prepay.EntryScheduled, entries[0].Status)
		assert.Equal(t, 1, entries[0].RetryCount)
		require.NotNil(t, entries[0].LastRetryDate)
	}
}

func TestRunMonthly_RollupsAndImpairment(t *testing.T) {
	// GIVEN: An active prepayment past its end date with remaining balance
	// WHEN: Running the monthly review
	// THEN: It is flagged as an impairment candidate

	rig := setupService(t)
	ctx := context.Background()
	p, _ := activePrepayment(t, rig)

	res, err := rig.svc.RunMonthly(ctx, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, res.Tenants, 1)

	rollup := res.Tenants[0]
	assert.Equal(t, prepay.TenantID("tenant-1"), rollup.TenantID)
	assert.Equal(t, 1, rollup.ActiveCount)
	assert.True(t, rollup.RemainingTotal.Equal(decimal.NewFromInt(12000)))
	require.Len(t, rollup.ImpairmentFlags, 1)
	assert.Equal(t, p.ID, rollup.ImpairmentFlags[0].ID)
}
