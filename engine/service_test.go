/*
service_test.go - Lifecycle tests for the prepayment service

PURPOSE:
	Tests the create/approve/cancel/write-off path and the summary queries:
	- Creation produces the full schedule atomically
	- Approval gates processing; bad transitions are rejected cleanly
	- Termination freezes the remaining schedule
	- Summary reports the current/non-current split
*/
package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/prepayment-engine/engine"
	"github.com/warp/prepayment-engine/ledger"
	"github.com/warp/prepayment-engine/prepay"
	"github.com/warp/prepayment-engine/store/sqlite"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []engine.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev engine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		out = append(out, ev.Name)
	}
	return out
}

type testRig struct {
	svc    *engine.Service
	store  *sqlite.Store
	ledger *ledger.Memory
	events *capturePublisher
}

func setupService(t *testing.T) *testRig {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gl := ledger.NewMemory()
	events := &capturePublisher{}
	svc := engine.New(store, gl, events, zerolog.Nop())
	svc.Now = func() time.Time {
		return time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC)
	}
	return &testRig{svc: svc, store: store, ledger: gl, events: events}
}

func insuranceInput() engine.CreateInput {
	return engine.CreateInput{
		TenantID:       "tenant-1",
		Description:    "Annual property insurance",
		Category:       prepay.CategoryInsurance,
		TotalAmount:    decimal.NewFromInt(12000),
		Currency:       "GHS",
		StartDate:      time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		Frequency:      prepay.FrequencyMonthly,
		Method:         prepay.MethodStraightLine,
		AssetAccount:   "1400",
		ExpenseAccount: "6100",
		CostCenter:     "CC-OPS",
		CreatedBy:      "alice",
	}
}

func TestCreatePrepayment_GeneratesFullSchedule(t *testing.T) {
	// GIVEN: A 12-month 12,000 insurance prepayment
	// WHEN: Creating it
	// THEN: 12 scheduled entries exist, balances are untouched, number assigned

	rig := setupService(t)
	ctx := context.Background()

	p, err := rig.svc.CreatePrepayment(ctx, insuranceInput())
	require.NoError(t, err)

	assert.Equal(t, "PP-202401-0001", p.Number)
	assert.Equal(t, prepay.StatusPendingApproval, p.Status)
	assert.Equal(t, 12, p.TotalPeriods)
	assert.True(t, p.RemainingBalance.Equal(decimal.NewFromInt(12000)))
	assert.True(t, p.AmortizedAmount.IsZero())
	assert.Equal(t, prepay.ClassCurrentAsset, p.IFRSClassification)
	assert.True(t, p.TaxDeductible)
	require.NotNil(t, p.NextAmortizationDate)
	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), *p.NextAmortizationDate)

	entries, err := rig.store.ListEntries(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 12)

	sum := decimal.Zero
	for _, e := range entries {
		assert.Equal(t, prepay.EntryScheduled, e.Status)
		sum = sum.Add(e.ScheduledAmount)
	}
	assert.True(t, sum.Equal(p.TotalAmount), "schedule must sum to total, got %s", sum)

	assert.Equal(t, []string{engine.EventCreated}, rig.events.names())
}

func TestCreatePrepayment_NumbersIncrementPerMonth(t *testing.T) {
	// GIVEN: Two prepayments paid in the same month
	// WHEN: Creating both
	// THEN: Sequence suffix increments

	rig := setupService(t)
	ctx := context.Background()

	p1, err := rig.svc.CreatePrepayment(ctx, insuranceInput())
	require.NoError(t, err)
	p2, err := rig.svc.CreatePrepayment(ctx, insuranceInput())
	require.NoError(t, err)

	assert.Equal(t, "PP-202401-0001", p1.Number)
	assert.Equal(t, "PP-202401-0002", p2.Number)
}

func TestCreatePrepayment_Validation(t *testing.T) {
	rig := setupService(t)
	ctx := context.Background()

	in := insuranceInput()
	in.TenantID = ""
	_, err := rig.svc.CreatePrepayment(ctx, in)
	assert.ErrorIs(t, err, prepay.ErrValidation)

	in = insuranceInput()
	in.EndDate = in.StartDate.AddDate(0, 0, -1)
	_, err = rig.svc.CreatePrepayment(ctx, in)
	assert.ErrorIs(t, err, prepay.ErrValidation)

	in = insuranceInput()
	in.TotalAmount = decimal.Zero
	_, err = rig.svc.CreatePrepayment(ctx, in)
	assert.ErrorIs(t, err, prepay.ErrValidation)
}

func TestApprovePrepayment(t *testing.T) {
	// GIVEN: A pending prepayment
	// WHEN: Approving it
	// THEN: Status is ACTIVE with approval audit; re-approving fails

	rig := setupService(t)
	ctx := context.Background()

	p, err := rig.svc.CreatePrepayment(ctx, insuranceInput())
	require.NoError(t, err)

	approved, err := rig.svc.ApprovePrepayment(ctx, p.ID, "bob", "looks right")
	require.NoError(t, err)
	assert.Equal(t, prepay.StatusActive, approved.Status)
	assert.Equal(t, "bob", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovalDate)

	_, err = rig.svc.ApprovePrepayment(ctx, p.ID, "bob", "")
	assert.ErrorIs(t, err, prepay.ErrInvalidState)

	assert.Equal(t, []string{engine.EventCreated, engine.EventApproved}, rig.events.names())
}

func TestApprovePrepayment_NotFound(t *testing.T) {
	rig := setupService(t)

	_, err := rig.svc.ApprovePrepayment(context.Background(), "missing", "bob", "")
	assert.ErrorIs(t, err, prepay.ErrPrepaymentNotFound)
}

func TestCancelPrepayment_FreezesSchedule(t *testing.T) {
	// GIVEN: An active prepayment
	// WHEN: Cancelling it
	// THEN: Status CANCELLED and all scheduled entries CANCELLED

	rig := setupService(t)
	ctx := context.Background()

	p, err := rig.svc.CreatePrepayment(ctx, insuranceInput())
	require.NoError(t, err)
	_, err = rig.svc.ApprovePrepayment(ctx, p.ID, "bob", "")
	require.NoError(t, err)

	cancelled, err := rig.svc.CancelPrepayment(ctx, p.ID, "bob", "vendor refunded")
	require.NoError(t, err)
	assert.Equal(t, prepay.StatusCancelled, cancelled.Status)
	assert.False(t, cancelled.AutoAmortize)

	entries, err := rig.store.ListEntries(ctx, p.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, prepay.EntryCancelled, e.Status)
	}

	// Terminal states do not transition further.
	_, err = rig.svc.WriteOffPrepayment(ctx, p.ID, "bob", "")
	assert.ErrorIs(t, err, prepay.ErrInvalidState)
}

func TestWriteOffPrepayment_SkipsRemaining(t *testing.T) {
	rig := setupService(t)
	ctx := context.Background()

	p, err := rig.svc.CreatePrepayment(ctx, insuranceInput())
	require.NoError(t, err)
	_, err = rig.svc.ApprovePrepayment(ctx, p.ID, "bob", "")
	require.NoError(t, err)

	written, err := rig.svc.WriteOffPrepayment(ctx, p.ID, "bob", "service discontinued")
	require.NoError(t, err)
	assert.Equal(t, prepay.StatusWrittenOff, written.Status)

	entries, err := rig.store.ListEntries(ctx, p.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, prepay.EntrySkipped, e.Status)
	}
}

func TestGetSummary_SplitsCurrentAndNonCurrent(t *testing.T) {
	// GIVEN: One 12-month and one 3-year active prepayment
	// WHEN: Fetching the tenant summary
	// THEN: Balances split into current and non-current buckets

	rig := setupService(t)
	ctx := context.Background()

	short, err := rig.svc.CreatePrepayment(ctx, insuranceInput())
	require.NoError(t, err)
	_, err = rig.svc.ApprovePrepayment(ctx, short.ID, "bob", "")
	require.NoError(t, err)

	longIn := insuranceInput()
	longIn.Description = "3-year software license"
	longIn.Category = prepay.CategoryLicense
	longIn.TotalAmount = decimal.NewFromInt(36000)
	longIn.EndDate = time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC)
	long, err := rig.svc.CreatePrepayment(ctx, longIn)
	require.NoError(t, err)
	_, err = rig.svc.ApprovePrepayment(ctx, long.ID, "bob", "")
	require.NoError(t, err)

	sum, err := rig.svc.GetSummary(ctx, "tenant-1")
	require.NoError(t, err)

	assert.Equal(t, 2, sum.TotalPrepayments)
	assert.True(t, sum.TotalRemaining.Equal(decimal.NewFromInt(48000)))
	assert.True(t, sum.CurrentAssets.Equal(decimal.NewFromInt(12000)))
	assert.True(t, sum.NonCurrentAssets.Equal(decimal.NewFromInt(36000)))
	// The short prepayment's end date is outside the 90-day window from Jan 15.
	assert.Empty(t, sum.UpcomingExpirations)
}
