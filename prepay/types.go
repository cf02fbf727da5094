/*
Package prepay provides the core prepayment amortization domain model.

PURPOSE:
  This package contains the data records and pure logic for managing prepaid
  expenses: a Prepayment asset recognized gradually into expense over its
  service period, and the AmortizationEntry records that make up its schedule.
  Whether the prepaid item is insurance, rent, or a software license, the same
  model handles schedule generation, balance tracking, and lifecycle rules.

KEY CONCEPTS IN THIS FILE (types.go):
  - Prepayment: The asset record, owner of balances and lifecycle status
  - AmortizationEntry: One period's planned/actual recognition
  - Status machines: Prepayment and entry statuses with allowed transitions
  - Monetary values: decimal.Decimal everywhere, never binary floats

DESIGN PRINCIPLES:
  1. Append-only history: Entries are never mutated retroactively; corrections
     are reversal entries with linkage to the original
  2. Precision: Uses decimal.Decimal to avoid floating-point drift across
     many small amortization postings
  3. Derived balances: RemainingBalance is always TotalAmount - AmortizedAmount
  4. Auditability: Every state change records actor and timestamp

SEE ALSO:
  - schedule.go: Schedule generation and rounding policy
  - errors.go: Sentinel and structured error types
  - ../engine: Application services that drive these records
*/
package prepay

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PrepaymentID string
type EntryID string
type TenantID string

// =============================================================================
// ENUMS
// =============================================================================

// Status is the lifecycle status of a Prepayment.
//
// Transitions:
//   PENDING_APPROVAL -> ACTIVE           (approve)
//   ACTIVE           -> FULLY_AMORTIZED  (balance exhausted)
//   PENDING_APPROVAL -> CANCELLED        (cancel)
//   ACTIVE           -> CANCELLED        (cancel)
//   ACTIVE           -> WRITTEN_OFF      (write-off)
//
// FULLY_AMORTIZED, CANCELLED and WRITTEN_OFF are terminal, with one exception:
// reversing a processed entry on a FULLY_AMORTIZED prepayment restores ACTIVE,
// since the balance is no longer exhausted.
type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusActive          Status = "ACTIVE"
	StatusFullyAmortized  Status = "FULLY_AMORTIZED"
	StatusCancelled       Status = "CANCELLED"
	StatusWrittenOff      Status = "WRITTEN_OFF"
)

// CanTransition reports whether the status machine allows from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPendingApproval:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to == StatusFullyAmortized || to == StatusCancelled || to == StatusWrittenOff
	case StatusFullyAmortized:
		return to == StatusActive // reversal reopens the balance
	default:
		return false
	}
}

// EntryStatus is the lifecycle status of an AmortizationEntry.
type EntryStatus string

const (
	EntryScheduled EntryStatus = "SCHEDULED"
	EntryProcessed EntryStatus = "PROCESSED"
	EntrySkipped   EntryStatus = "SKIPPED"
	EntryCancelled EntryStatus = "CANCELLED"
)

// Method determines how amortization amounts are recognized.
type Method string

const (
	MethodStraightLine Method = "STRAIGHT_LINE"
	MethodAccelerated  Method = "ACCELERATED"
	MethodUsageBased   Method = "USAGE_BASED"
	MethodManual       Method = "MANUAL"
)

// Frequency determines the calendar spacing of schedule periods.
type Frequency string

const (
	FrequencyMonthly   Frequency = "MONTHLY"
	FrequencyQuarterly Frequency = "QUARTERLY"
	FrequencyAnnual    Frequency = "ANNUAL"
)

// Months returns the number of calendar months one period spans.
func (f Frequency) Months() int {
	switch f {
	case FrequencyQuarterly:
		return 3
	case FrequencyAnnual:
		return 12
	default:
		return 1
	}
}

// Category classifies what the prepaid expense is for.
type Category string

const (
	CategoryInsurance    Category = "INSURANCE"
	CategoryRent         Category = "RENT"
	CategoryLicense      Category = "LICENSE"
	CategoryMaintenance  Category = "MAINTENANCE"
	CategorySubscription Category = "SUBSCRIPTION"
	CategoryBondPremium  Category = "BOND_PREMIUM"
	CategoryOther        Category = "OTHER"
)

// IFRSClass is the balance-sheet classification of the asset.
type IFRSClass string

const (
	ClassCurrentAsset    IFRSClass = "CURRENT_ASSET"
	ClassNonCurrentAsset IFRSClass = "NON_CURRENT_ASSET"
)

// =============================================================================
// MONETARY TOLERANCE
// =============================================================================

// BalanceTolerance is the smallest currency unit. A remaining balance within
// this tolerance of zero counts as fully amortized.
var BalanceTolerance = decimal.NewFromFloat(0.01)

// WithinTolerance reports whether |d| <= BalanceTolerance.
func WithinTolerance(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(BalanceTolerance)
}

// =============================================================================
// PREPAYMENT - The asset record under amortization
// =============================================================================

type Prepayment struct {
	ID       PrepaymentID
	TenantID TenantID

	// Number is the human-readable external reference, e.g. "PP-202401-0001".
	// Unique per store, distinct from the surrogate ID.
	Number      string
	Description string
	Category    Category

	TotalAmount      decimal.Decimal
	RemainingBalance decimal.Decimal
	AmortizedAmount  decimal.Decimal
	Currency         string
	ExchangeRate     decimal.Decimal

	StartDate   time.Time
	EndDate     time.Time
	PaymentDate time.Time

	TotalPeriods     int
	PeriodsCompleted int
	Frequency        Frequency
	Method           Method
	AmountPerPeriod  decimal.Decimal

	NextAmortizationDate *time.Time
	LastAmortizationDate *time.Time

	// Ledger account mappings.
	AssetAccount   string
	ExpenseAccount string
	CostCenter     string

	Status       Status
	AutoAmortize bool

	// Usage-based fields. Zero-valued unless Method == MethodUsageBased.
	TotalUsageUnits       decimal.Decimal
	UsedUnits             decimal.Decimal
	CostPerUnit           decimal.Decimal
	UtilizationPercentage decimal.Decimal

	IFRSClassification IFRSClass
	TaxDeductible      bool

	ApprovedBy       string
	ApprovalDate     *time.Time
	ApprovalComments string

	// Optimistic-lock counter. Incremented on every committed update; a stale
	// writer gets ErrConcurrentModification.
	Version int

	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CheckBalances verifies the balance identity after a completed operation.
// Returns a *BalanceInvariantError when the identity does not hold.
func (p *Prepayment) CheckBalances() error {
	expected := p.TotalAmount.Sub(p.AmortizedAmount)
	if !WithinTolerance(p.RemainingBalance.Sub(expected)) {
		return &BalanceInvariantError{
			PrepaymentID:     p.ID,
			TotalAmount:      p.TotalAmount,
			AmortizedAmount:  p.AmortizedAmount,
			RemainingBalance: p.RemainingBalance,
		}
	}
	if p.RemainingBalance.IsNegative() && !WithinTolerance(p.RemainingBalance) {
		return &BalanceInvariantError{
			PrepaymentID:     p.ID,
			TotalAmount:      p.TotalAmount,
			AmortizedAmount:  p.AmortizedAmount,
			RemainingBalance: p.RemainingBalance,
		}
	}
	return nil
}

// IsTerminal reports whether no further amortization can occur.
func (p *Prepayment) IsTerminal() bool {
	return p.Status == StatusCancelled || p.Status == StatusWrittenOff
}

// ClassifyIFRS derives the balance-sheet classification: assets consumed
// within one year of asOf are current.
func ClassifyIFRS(endDate, asOf time.Time) IFRSClass {
	if !endDate.After(asOf.AddDate(1, 0, 0)) {
		return ClassCurrentAsset
	}
	return ClassNonCurrentAsset
}

// DeductibleCategory reports whether amortization of the category is tax
// deductible. Bond premiums are the exception.
func DeductibleCategory(c Category) bool {
	return c != CategoryBondPremium
}

// =============================================================================
// AMORTIZATION ENTRY - One period's recognition unit
// =============================================================================

type AmortizationEntry struct {
	ID           EntryID
	PrepaymentID PrepaymentID
	TenantID     TenantID

	// SequenceNumber is unique and monotonic within the parent prepayment.
	// Reversal entries get fresh sequence numbers; history is never renumbered.
	SequenceNumber int

	AmortizationDate time.Time
	PeriodStart      time.Time
	PeriodEnd        time.Time

	ScheduledAmount  decimal.Decimal
	ActualAmount     *decimal.Decimal
	AdjustmentAmount decimal.Decimal

	// Snapshots of the parent's running totals as of this entry's position in
	// the schedule. CumulativeAmortized is non-decreasing across ascending
	// sequence numbers; RemainingBalance == parent.TotalAmount - cumulative.
	CumulativeAmortized decimal.Decimal
	RemainingBalance    decimal.Decimal

	// Usage period fields, set for usage-based recognition.
	UsageUnits decimal.Decimal

	Status        EntryStatus
	ProcessedDate *time.Time
	ProcessedBy   string
	AutoProcessed bool

	// Reference returned by the general ledger for the posted journal entry.
	PostingReference string

	// Reversal linkage.
	IsReversal      bool
	ReversedEntryID EntryID
	ReversalReason  string
	ReversalDate    *time.Time
	ReversedBy      string

	// Adjustment linkage.
	OriginalAmount   *decimal.Decimal
	AdjustmentReason string
	AdjustedBy       string

	// Batch retry bookkeeping.
	RetryCount    int
	LastRetryDate *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecognizedAmount returns the amount this entry contributed to the parent's
// amortized total: ActualAmount when processed, otherwise zero.
func (e *AmortizationEntry) RecognizedAmount() decimal.Decimal {
	if e.Status != EntryProcessed || e.ActualAmount == nil {
		return decimal.Zero
	}
	return *e.ActualAmount
}
