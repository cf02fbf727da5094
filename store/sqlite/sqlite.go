/*
Package sqlite provides a SQLite-backed implementation of the storage layer.

PURPOSE:
  Persists the two record types of the amortization engine - prepayments and
  their amortization entries - and provides the unit-of-work primitive every
  public operation runs inside. In production the same patterns apply to
  PostgreSQL; only minor SQL dialect differences.

UNIT OF WORK:
  WithTx runs a function against a transactional view of the store. All
  mutations inside the function commit or roll back together. The engine uses
  this to guarantee that an entry status change, the parent balance update,
  and the ledger posting reference land atomically.

OPTIMISTIC LOCKING:
  The prepayments table carries a version column. UpdatePrepayment is a
  compare-and-swap on (id, version); a stale writer gets
  prepay.ErrConcurrentModification and retries. This is the serialization
  point for concurrent processing of entries belonging to one prepayment.

KEY TABLES:
  prepayments:          Asset records with running balances and status
  amortization_entries: Append-only schedule; status encodes disposition

INDEXES:
  - idx_prepayments_tenant_status / _category: list filters
  - idx_prepayments_tenant_end_date: expiry scans
  - idx_entries_due: the daily batch scan (status + amortization_date)
  - idx_entries_prepayment: schedule loads, ordered by sequence

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block,
  single writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/prepay.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ../../engine: The only writer; drives everything through WithTx
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/prepayment-engine/prepay"
)

// Store implements persistence for prepayments and amortization entries.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS prepayments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		number TEXT NOT NULL UNIQUE,
		description TEXT,
		category TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		remaining_balance TEXT NOT NULL,
		amortized_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		exchange_rate TEXT NOT NULL DEFAULT '1',
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		total_periods INTEGER NOT NULL,
		periods_completed INTEGER NOT NULL DEFAULT 0,
		frequency TEXT NOT NULL,
		method TEXT NOT NULL,
		amount_per_period TEXT NOT NULL,
		next_amortization_date TEXT,
		last_amortization_date TEXT,
		asset_account TEXT NOT NULL,
		expense_account TEXT NOT NULL,
		cost_center TEXT,
		status TEXT NOT NULL,
		auto_amortize BOOLEAN NOT NULL DEFAULT TRUE,
		total_usage_units TEXT NOT NULL DEFAULT '0',
		used_units TEXT NOT NULL DEFAULT '0',
		cost_per_unit TEXT NOT NULL DEFAULT '0',
		utilization_percentage TEXT NOT NULL DEFAULT '0',
		ifrs_classification TEXT NOT NULL,
		tax_deductible BOOLEAN NOT NULL DEFAULT TRUE,
		approved_by TEXT,
		approval_date TEXT,
		approval_comments TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_by TEXT,
		updated_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_prepayments_tenant_status
		ON prepayments(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_prepayments_tenant_category
		ON prepayments(tenant_id, category);
	CREATE INDEX IF NOT EXISTS idx_prepayments_tenant_end_date
		ON prepayments(tenant_id, end_date);

	CREATE TABLE IF NOT EXISTS amortization_entries (
		id TEXT PRIMARY KEY,
		prepayment_id TEXT NOT NULL REFERENCES prepayments(id),
		tenant_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		amortization_date TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		scheduled_amount TEXT NOT NULL,
		actual_amount TEXT,
		adjustment_amount TEXT NOT NULL DEFAULT '0',
		cumulative_amortized TEXT NOT NULL,
		remaining_balance TEXT NOT NULL,
		usage_units TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		processed_date TEXT,
		processed_by TEXT,
		auto_processed BOOLEAN NOT NULL DEFAULT FALSE,
		posting_reference TEXT,
		is_reversal BOOLEAN NOT NULL DEFAULT FALSE,
		reversed_entry_id TEXT,
		reversal_reason TEXT,
		reversal_date TEXT,
		reversed_by TEXT,
		original_amount TEXT,
		adjustment_reason TEXT,
		adjusted_by TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(prepayment_id, sequence_number)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_prepayment
		ON amortization_entries(prepayment_id, sequence_number);

	-- The daily batch scan (hot path): scheduled entries that are due.
	CREATE INDEX IF NOT EXISTS idx_entries_due
		ON amortization_entries(status, amortization_date);

	CREATE INDEX IF NOT EXISTS idx_entries_tenant
		ON amortization_entries(tenant_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// UnitOfWork is the transactional view handed to WithTx callbacks. All
// operations performed through it commit or roll back together.
type UnitOfWork interface {
	InsertPrepayment(ctx context.Context, p *prepay.Prepayment) error
	UpdatePrepayment(ctx context.Context, p *prepay.Prepayment) error
	GetPrepayment(ctx context.Context, id prepay.PrepaymentID) (*prepay.Prepayment, error)
	InsertEntries(ctx context.Context, entries []prepay.AmortizationEntry) error
	UpdateEntry(ctx context.Context, e *prepay.AmortizationEntry) error
	GetEntry(ctx context.Context, id prepay.EntryID) (*prepay.AmortizationEntry, error)
	ListEntries(ctx context.Context, prepaymentID prepay.PrepaymentID) ([]prepay.AmortizationEntry, error)
	CountScheduledBefore(ctx context.Context, prepaymentID prepay.PrepaymentID, sequence int) (int, error)
	NextNumberSequence(ctx context.Context, prefix string) (int, error)
}

// WithTx executes fn within a database transaction. Any error from fn rolls
// everything back.
func (s *Store) WithTx(ctx context.Context, fn func(uow UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore implements UnitOfWork against an open transaction.
type txStore struct {
	q querier
}

func (ts *txStore) InsertPrepayment(ctx context.Context, p *prepay.Prepayment) error {
	return insertPrepayment(ctx, ts.q, p)
}
func (ts *txStore) UpdatePrepayment(ctx context.Context, p *prepay.Prepayment) error {
	return updatePrepayment(ctx, ts.q, p)
}
func (ts *txStore) GetPrepayment(ctx context.Context, id prepay.PrepaymentID) (*prepay.Prepayment, error) {
	return getPrepayment(ctx, ts.q, id)
}
func (ts *txStore) InsertEntries(ctx context.Context, entries []prepay.AmortizationEntry) error {
	return insertEntries(ctx, ts.q, entries)
}
func (ts *txStore) UpdateEntry(ctx context.Context, e *prepay.AmortizationEntry) error {
	return updateEntry(ctx, ts.q, e)
}
func (ts *txStore) GetEntry(ctx context.Context, id prepay.EntryID) (*prepay.AmortizationEntry, error) {
	return getEntry(ctx, ts.q, id)
}
func (ts *txStore) ListEntries(ctx context.Context, prepaymentID prepay.PrepaymentID) ([]prepay.AmortizationEntry, error) {
	return listEntries(ctx, ts.q, prepaymentID)
}
func (ts *txStore) CountScheduledBefore(ctx context.Context, prepaymentID prepay.PrepaymentID, sequence int) (int, error) {
	return countScheduledBefore(ctx, ts.q, prepaymentID, sequence)
}
func (ts *txStore) NextNumberSequence(ctx context.Context, prefix string) (int, error) {
	return nextNumberSequence(ctx, ts.q, prefix)
}

// =============================================================================
// READ METHODS (outside unit of work)
// =============================================================================

// GetPrepayment retrieves a prepayment by ID.
func (s *Store) GetPrepayment(ctx context.Context, id prepay.PrepaymentID) (*prepay.Prepayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPrepayment(ctx, s.db, id)
}

// GetEntry retrieves an amortization entry by ID.
func (s *Store) GetEntry(ctx context.Context, id prepay.EntryID) (*prepay.AmortizationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

// ListEntries returns the full schedule for a prepayment in sequence order.
func (s *Store) ListEntries(ctx context.Context, prepaymentID prepay.PrepaymentID) ([]prepay.AmortizationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntries(ctx, s.db, prepaymentID)
}

// ListFilter narrows ListPrepayments results.
type ListFilter struct {
	Status     prepay.Status
	Category   prepay.Category
	ActiveOnly bool // ACTIVE status and a positive remaining balance
}

// ListPrepayments returns prepayments for a tenant, newest first.
func (s *Store) ListPrepayments(ctx context.Context, tenantID prepay.TenantID, filter ListFilter) ([]prepay.Prepayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + prepaymentColumns + " FROM prepayments WHERE tenant_id = ?"
	args := []any{tenantID}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Category != "" {
		query += " AND category = ?"
		args = append(args, filter.Category)
	}
	if filter.ActiveOnly {
		query += " AND status = ? AND CAST(remaining_balance AS REAL) > 0"
		args = append(args, prepay.StatusActive)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list prepayments: %w", err)
	}
	defer rows.Close()

	var out []prepay.Prepayment
	for rows.Next() {
		p, err := scanPrepayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DueEntry pairs a due entry with its parent prepayment.
type DueEntry struct {
	Entry      prepay.AmortizationEntry
	Prepayment prepay.Prepayment
}

// DueEntries returns SCHEDULED entries with amortization_date <= asOf whose
// parent is ACTIVE. Ordered by prepayment and sequence so each prepayment's
// entries process in order. The caller decides what to do with manual
// (auto-amortize off) prepayments.
func (s *Store) DueEntries(ctx context.Context, asOf time.Time) ([]DueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + prefixColumns("e", entryColumns) + `, ` + prefixColumns("p", prepaymentColumns) + `
		FROM amortization_entries e
		JOIN prepayments p ON p.id = e.prepayment_id
		WHERE e.status = ? AND e.amortization_date <= ?
		  AND p.status = ?
		ORDER BY e.prepayment_id, e.sequence_number
	`

	rows, err := s.db.QueryContext(ctx, query,
		prepay.EntryScheduled, formatDate(asOf), prepay.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to scan due entries: %w", err)
	}
	defer rows.Close()

	var out []DueEntry
	for rows.Next() {
		var due DueEntry
		if err := scanDueEntry(rows, &due); err != nil {
			return nil, err
		}
		out = append(out, due)
	}
	return out, rows.Err()
}

// ExpiringPrepayments returns ACTIVE prepayments whose end date falls within
// the window [asOf, asOf+withinDays].
func (s *Store) ExpiringPrepayments(ctx context.Context, asOf time.Time, withinDays int) ([]prepay.Prepayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + prepaymentColumns + ` FROM prepayments
		WHERE status = ? AND end_date >= ? AND end_date <= ?
		ORDER BY end_date`

	rows, err := s.db.QueryContext(ctx, query,
		prepay.StatusActive, formatDate(asOf), formatDate(asOf.AddDate(0, 0, withinDays)))
	if err != nil {
		return nil, fmt.Errorf("failed to scan expiring prepayments: %w", err)
	}
	defer rows.Close()

	var out []prepay.Prepayment
	for rows.Next() {
		p, err := scanPrepayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ScheduledTotalInRange sums scheduled amounts of SCHEDULED entries for a
// tenant with amortization dates in [from, to]. Used by reporting rollups.
func (s *Store) ScheduledTotalInRange(ctx context.Context, tenantID prepay.TenantID, from, to time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CAST(scheduled_amount AS REAL)), 0)
		FROM amortization_entries
		WHERE tenant_id = ? AND status = ?
		  AND amortization_date >= ? AND amortization_date <= ?`,
		tenantID, prepay.EntryScheduled, formatDate(from), formatDate(to),
	).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(total.Float64).Round(2), nil
}

// Tenants returns the distinct tenant ids with at least one prepayment.
// Used by the monthly reporting job.
func (s *Store) Tenants(ctx context.Context) ([]prepay.TenantID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT tenant_id FROM prepayments ORDER BY tenant_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []prepay.TenantID
	for rows.Next() {
		var t prepay.TenantID
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// IncrementEntryRetry bumps the retry bookkeeping on an entry. Called by the
// batch driver after a per-entry failure, outside the rolled-back unit of
// work, so the counter survives.
func (s *Store) IncrementEntryRetry(ctx context.Context, id prepay.EntryID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE amortization_entries
		SET retry_count = retry_count + 1, last_retry_date = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(at), formatTime(time.Now().UTC()), id)
	return err
}

// =============================================================================
// INTERNAL QUERIES
// =============================================================================

const prepaymentColumns = `id, tenant_id, number, description, category,
	total_amount, remaining_balance, amortized_amount, currency, exchange_rate,
	start_date, end_date, payment_date,
	total_periods, periods_completed, frequency, method, amount_per_period,
	next_amortization_date, last_amortization_date,
	asset_account, expense_account, cost_center,
	status, auto_amortize,
	total_usage_units, used_units, cost_per_unit, utilization_percentage,
	ifrs_classification, tax_deductible,
	approved_by, approval_date, approval_comments,
	version, created_by, updated_by, created_at, updated_at`

const entryColumns = `id, prepayment_id, tenant_id, sequence_number,
	amortization_date, period_start, period_end,
	scheduled_amount, actual_amount, adjustment_amount,
	cumulative_amortized, remaining_balance, usage_units,
	status, processed_date, processed_by, auto_processed, posting_reference,
	is_reversal, reversed_entry_id, reversal_reason, reversal_date, reversed_by,
	original_amount, adjustment_reason, adjusted_by,
	retry_count, last_retry_date, created_at, updated_at`

// prefixColumns rewrites "a, b, c" as "t.a, t.b, t.c" for joins.
func prefixColumns(table, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = table + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func insertPrepayment(ctx context.Context, q querier, p *prepay.Prepayment) error {
	query := `
		INSERT INTO prepayments (` + prepaymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		p.ID, p.TenantID, p.Number, p.Description, p.Category,
		p.TotalAmount.String(), p.RemainingBalance.String(), p.AmortizedAmount.String(),
		p.Currency, p.ExchangeRate.String(),
		formatDate(p.StartDate), formatDate(p.EndDate), formatDate(p.PaymentDate),
		p.TotalPeriods, p.PeriodsCompleted, p.Frequency, p.Method, p.AmountPerPeriod.String(),
		nullTime(p.NextAmortizationDate), nullTime(p.LastAmortizationDate),
		p.AssetAccount, p.ExpenseAccount, p.CostCenter,
		p.Status, p.AutoAmortize,
		p.TotalUsageUnits.String(), p.UsedUnits.String(), p.CostPerUnit.String(), p.UtilizationPercentage.String(),
		p.IFRSClassification, p.TaxDeductible,
		p.ApprovedBy, nullTime(p.ApprovalDate), p.ApprovalComments,
		p.Version, p.CreatedBy, p.UpdatedBy,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return prepay.ErrDuplicateNumber
		}
		return fmt.Errorf("failed to insert prepayment: %w", err)
	}
	return nil
}

// updatePrepayment is a compare-and-swap on the version column.
func updatePrepayment(ctx context.Context, q querier, p *prepay.Prepayment) error {
	query := `
		UPDATE prepayments SET
			description = ?, category = ?,
			total_amount = ?, remaining_balance = ?, amortized_amount = ?,
			total_periods = ?, periods_completed = ?, amount_per_period = ?,
			next_amortization_date = ?, last_amortization_date = ?,
			status = ?, auto_amortize = ?,
			total_usage_units = ?, used_units = ?, cost_per_unit = ?, utilization_percentage = ?,
			ifrs_classification = ?,
			approved_by = ?, approval_date = ?, approval_comments = ?,
			version = version + 1, updated_by = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`

	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, query,
		p.Description, p.Category,
		p.TotalAmount.String(), p.RemainingBalance.String(), p.AmortizedAmount.String(),
		p.TotalPeriods, p.PeriodsCompleted, p.AmountPerPeriod.String(),
		nullTime(p.NextAmortizationDate), nullTime(p.LastAmortizationDate),
		p.Status, p.AutoAmortize,
		p.TotalUsageUnits.String(), p.UsedUnits.String(), p.CostPerUnit.String(), p.UtilizationPercentage.String(),
		p.IFRSClassification,
		p.ApprovedBy, nullTime(p.ApprovalDate), p.ApprovalComments,
		p.UpdatedBy, formatTime(now),
		p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update prepayment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a stale version from a missing row.
		var exists int
		if err := q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM prepayments WHERE id = ?", p.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return prepay.ErrPrepaymentNotFound
		}
		return prepay.ErrConcurrentModification
	}

	p.Version++
	p.UpdatedAt = now
	return nil
}

func getPrepayment(ctx context.Context, q querier, id prepay.PrepaymentID) (*prepay.Prepayment, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+prepaymentColumns+" FROM prepayments WHERE id = ?", id)

	p, err := scanPrepayment(row)
	if err == sql.ErrNoRows {
		return nil, prepay.ErrPrepaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func insertEntries(ctx context.Context, q querier, entries []prepay.AmortizationEntry) error {
	query := `
		INSERT INTO amortization_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, e := range entries {
		_, err := q.ExecContext(ctx, query,
			e.ID, e.PrepaymentID, e.TenantID, e.SequenceNumber,
			formatDate(e.AmortizationDate), formatDate(e.PeriodStart), formatDate(e.PeriodEnd),
			e.ScheduledAmount.String(), nullDecimal(e.ActualAmount), e.AdjustmentAmount.String(),
			e.CumulativeAmortized.String(), e.RemainingBalance.String(), e.UsageUnits.String(),
			e.Status, nullTime(e.ProcessedDate), e.ProcessedBy, e.AutoProcessed, e.PostingReference,
			e.IsReversal, string(e.ReversedEntryID), e.ReversalReason, nullTime(e.ReversalDate), e.ReversedBy,
			nullDecimal(e.OriginalAmount), e.AdjustmentReason, e.AdjustedBy,
			e.RetryCount, nullTime(e.LastRetryDate),
			formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert entry seq %d: %w", e.SequenceNumber, err)
		}
	}
	return nil
}

func updateEntry(ctx context.Context, q querier, e *prepay.AmortizationEntry) error {
	query := `
		UPDATE amortization_entries SET
			scheduled_amount = ?, actual_amount = ?, adjustment_amount = ?,
			cumulative_amortized = ?, remaining_balance = ?, usage_units = ?,
			status = ?, processed_date = ?, processed_by = ?, auto_processed = ?,
			posting_reference = ?,
			original_amount = ?, adjustment_reason = ?, adjusted_by = ?,
			updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, query,
		e.ScheduledAmount.String(), nullDecimal(e.ActualAmount), e.AdjustmentAmount.String(),
		e.CumulativeAmortized.String(), e.RemainingBalance.String(), e.UsageUnits.String(),
		e.Status, nullTime(e.ProcessedDate), e.ProcessedBy, e.AutoProcessed,
		e.PostingReference,
		nullDecimal(e.OriginalAmount), e.AdjustmentReason, e.AdjustedBy,
		formatTime(now),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return prepay.ErrEntryNotFound
	}
	e.UpdatedAt = now
	return nil
}

func getEntry(ctx context.Context, q querier, id prepay.EntryID) (*prepay.AmortizationEntry, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM amortization_entries WHERE id = ?", id)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, prepay.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func listEntries(ctx context.Context, q querier, prepaymentID prepay.PrepaymentID) ([]prepay.AmortizationEntry, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM amortization_entries WHERE prepayment_id = ? ORDER BY sequence_number",
		prepaymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var out []prepay.AmortizationEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// countScheduledBefore counts SCHEDULED entries of the prepayment with a lower
// sequence number. Used to enforce in-order processing.
func countScheduledBefore(ctx context.Context, q querier, prepaymentID prepay.PrepaymentID, sequence int) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM amortization_entries
		WHERE prepayment_id = ? AND status = ? AND sequence_number < ?`,
		prepaymentID, prepay.EntryScheduled, sequence,
	).Scan(&count)
	return count, err
}

// nextNumberSequence returns the next per-month sequence for prepayment
// numbers sharing a prefix like "PP-202401-".
func nextNumberSequence(ctx context.Context, q querier, prefix string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM prepayments WHERE number LIKE ?", prefix+"%",
	).Scan(&count)
	return count + 1, err
}

// =============================================================================
// SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrepayment(row rowScanner) (*prepay.Prepayment, error) {
	var (
		p                                                  prepay.Prepayment
		totalAmount, remaining, amortized, rate, perPeriod string
		startDate, endDate, paymentDate                    string
		nextDate, lastDate, approvalDate                   sql.NullString
		totalUnits, usedUnits, costPerUnit, utilization    string
		description, costCenter, approvedBy, comments      sql.NullString
		createdBy, updatedBy                               sql.NullString
		createdAt, updatedAt                               string
	)

	err := row.Scan(
		&p.ID, &p.TenantID, &p.Number, &description, &p.Category,
		&totalAmount, &remaining, &amortized, &p.Currency, &rate,
		&startDate, &endDate, &paymentDate,
		&p.TotalPeriods, &p.PeriodsCompleted, &p.Frequency, &p.Method, &perPeriod,
		&nextDate, &lastDate,
		&p.AssetAccount, &p.ExpenseAccount, &costCenter,
		&p.Status, &p.AutoAmortize,
		&totalUnits, &usedUnits, &costPerUnit, &utilization,
		&p.IFRSClassification, &p.TaxDeductible,
		&approvedBy, &approvalDate, &comments,
		&p.Version, &createdBy, &updatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Description = description.String
	p.CostCenter = costCenter.String
	p.ApprovedBy = approvedBy.String
	p.ApprovalComments = comments.String
	p.CreatedBy = createdBy.String
	p.UpdatedBy = updatedBy.String

	p.TotalAmount = mustDecimal(totalAmount)
	p.RemainingBalance = mustDecimal(remaining)
	p.AmortizedAmount = mustDecimal(amortized)
	p.ExchangeRate = mustDecimal(rate)
	p.AmountPerPeriod = mustDecimal(perPeriod)
	p.TotalUsageUnits = mustDecimal(totalUnits)
	p.UsedUnits = mustDecimal(usedUnits)
	p.CostPerUnit = mustDecimal(costPerUnit)
	p.UtilizationPercentage = mustDecimal(utilization)

	p.StartDate = parseDate(startDate)
	p.EndDate = parseDate(endDate)
	p.PaymentDate = parseDate(paymentDate)
	p.NextAmortizationDate = parseNullTime(nextDate)
	p.LastAmortizationDate = parseNullTime(lastDate)
	p.ApprovalDate = parseNullTime(approvalDate)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)

	return &p, nil
}

func scanEntry(row rowScanner) (*prepay.AmortizationEntry, error) {
	var (
		e                                          prepay.AmortizationEntry
		amortDate, periodStart, periodEnd          string
		scheduled, adjustment, cumulative, balance string
		usageUnits                                 string
		actual, original                           sql.NullString
		processedDate, reversalDate, retryDate     sql.NullString
		processedBy, postingRef                    sql.NullString
		reversedID, reversalReason, reversedBy     sql.NullString
		adjustmentReason, adjustedBy               sql.NullString
		createdAt, updatedAt                       string
	)

	err := row.Scan(
		&e.ID, &e.PrepaymentID, &e.TenantID, &e.SequenceNumber,
		&amortDate, &periodStart, &periodEnd,
		&scheduled, &actual, &adjustment,
		&cumulative, &balance, &usageUnits,
		&e.Status, &processedDate, &processedBy, &e.AutoProcessed, &postingRef,
		&e.IsReversal, &reversedID, &reversalReason, &reversalDate, &reversedBy,
		&original, &adjustmentReason, &adjustedBy,
		&e.RetryCount, &retryDate, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.AmortizationDate = parseDate(amortDate)
	e.PeriodStart = parseDate(periodStart)
	e.PeriodEnd = parseDate(periodEnd)
	e.ScheduledAmount = mustDecimal(scheduled)
	e.AdjustmentAmount = mustDecimal(adjustment)
	e.CumulativeAmortized = mustDecimal(cumulative)
	e.RemainingBalance = mustDecimal(balance)
	e.UsageUnits = mustDecimal(usageUnits)
	e.ActualAmount = parseNullDecimal(actual)
	e.OriginalAmount = parseNullDecimal(original)
	e.ProcessedDate = parseNullTime(processedDate)
	e.ProcessedBy = processedBy.String
	e.PostingReference = postingRef.String
	e.ReversedEntryID = prepay.EntryID(reversedID.String)
	e.ReversalReason = reversalReason.String
	e.ReversalDate = parseNullTime(reversalDate)
	e.ReversedBy = reversedBy.String
	e.AdjustmentReason = adjustmentReason.String
	e.AdjustedBy = adjustedBy.String
	e.LastRetryDate = parseNullTime(retryDate)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)

	return &e, nil
}

func scanDueEntry(rows *sql.Rows, due *DueEntry) error {
	// Scans the joined e.* + p.* row. Column order matches entryColumns then
	// prepaymentColumns.
	var (
		e                                          = &due.Entry
		p                                          = &due.Prepayment
		amortDate, periodStart, periodEnd          string
		scheduled, adjustment, cumulative, balance string
		usageUnits                                 string
		actual, original                           sql.NullString
		processedDate, reversalDate, retryDate     sql.NullString
		processedBy, postingRef                    sql.NullString
		reversedID, reversalReason, reversedBy     sql.NullString
		adjustmentReason, adjustedBy               sql.NullString
		eCreatedAt, eUpdatedAt                     string

		totalAmount, remaining, amortized, rate, perPeriod string
		startDate, endDate, paymentDate                    string
		nextDate, lastDate, approvalDate                   sql.NullString
		totalUnits, usedUnits, costPerUnit, utilization    string
		description, costCenter, approvedBy, comments      sql.NullString
		createdBy, updatedBy                               sql.NullString
		pCreatedAt, pUpdatedAt                             string
	)

	err := rows.Scan(
		&e.ID, &e.PrepaymentID, &e.TenantID, &e.SequenceNumber,
		&amortDate, &periodStart, &periodEnd,
		&scheduled, &actual, &adjustment,
		&cumulative, &balance, &usageUnits,
		&e.Status, &processedDate, &processedBy, &e.AutoProcessed, &postingRef,
		&e.IsReversal, &reversedID, &reversalReason, &reversalDate, &reversedBy,
		&original, &adjustmentReason, &adjustedBy,
		&e.RetryCount, &retryDate, &eCreatedAt, &eUpdatedAt,

		&p.ID, &p.TenantID, &p.Number, &description, &p.Category,
		&totalAmount, &remaining, &amortized, &p.Currency, &rate,
		&startDate, &endDate, &paymentDate,
		&p.TotalPeriods, &p.PeriodsCompleted, &p.Frequency, &p.Method, &perPeriod,
		&nextDate, &lastDate,
		&p.AssetAccount, &p.ExpenseAccount, &costCenter,
		&p.Status, &p.AutoAmortize,
		&totalUnits, &usedUnits, &costPerUnit, &utilization,
		&p.IFRSClassification, &p.TaxDeductible,
		&approvedBy, &approvalDate, &comments,
		&p.Version, &createdBy, &updatedBy, &pCreatedAt, &pUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to scan due entry: %w", err)
	}

	e.AmortizationDate = parseDate(amortDate)
	e.PeriodStart = parseDate(periodStart)
	e.PeriodEnd = parseDate(periodEnd)
	e.ScheduledAmount = mustDecimal(scheduled)
	e.AdjustmentAmount = mustDecimal(adjustment)
	e.CumulativeAmortized = mustDecimal(cumulative)
	e.RemainingBalance = mustDecimal(balance)
	e.UsageUnits = mustDecimal(usageUnits)
	e.ActualAmount = parseNullDecimal(actual)
	e.OriginalAmount = parseNullDecimal(original)
	e.ProcessedDate = parseNullTime(processedDate)
	e.ProcessedBy = processedBy.String
	e.PostingReference = postingRef.String
	e.ReversedEntryID = prepay.EntryID(reversedID.String)
	e.ReversalReason = reversalReason.String
	e.ReversalDate = parseNullTime(reversalDate)
	e.ReversedBy = reversedBy.String
	e.AdjustmentReason = adjustmentReason.String
	e.AdjustedBy = adjustedBy.String
	e.LastRetryDate = parseNullTime(retryDate)
	e.CreatedAt = parseTime(eCreatedAt)
	e.UpdatedAt = parseTime(eUpdatedAt)

	p.Description = description.String
	p.CostCenter = costCenter.String
	p.ApprovedBy = approvedBy.String
	p.ApprovalComments = comments.String
	p.CreatedBy = createdBy.String
	p.UpdatedBy = updatedBy.String
	p.TotalAmount = mustDecimal(totalAmount)
	p.RemainingBalance = mustDecimal(remaining)
	p.AmortizedAmount = mustDecimal(amortized)
	p.ExchangeRate = mustDecimal(rate)
	p.AmountPerPeriod = mustDecimal(perPeriod)
	p.TotalUsageUnits = mustDecimal(totalUnits)
	p.UsedUnits = mustDecimal(usedUnits)
	p.CostPerUnit = mustDecimal(costPerUnit)
	p.UtilizationPercentage = mustDecimal(utilization)
	p.StartDate = parseDate(startDate)
	p.EndDate = parseDate(endDate)
	p.PaymentDate = parseDate(paymentDate)
	p.NextAmortizationDate = parseNullTime(nextDate)
	p.LastAmortizationDate = parseNullTime(lastDate)
	p.ApprovalDate = parseNullTime(approvalDate)
	p.CreatedAt = parseTime(pCreatedAt)
	p.UpdatedAt = parseTime(pUpdatedAt)

	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatDate(t time.Time) string { return t.UTC().Format("2006-01-02") }
func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseDate(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return parseDate(s)
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid || s.String == "" {
		return nil
	}
	d := mustDecimal(s.String)
	return &d
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
