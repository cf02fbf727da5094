package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/prepayment-engine/ledger"
	"github.com/warp/prepayment-engine/prepay"
	"github.com/warp/prepayment-engine/store/sqlite"
)

// maxProcessAttempts bounds retries on concurrent-modification conflicts.
const maxProcessAttempts = 3

// ProcessInput carries an explicit processing request for one scheduled entry.
type ProcessInput struct {
	EntryID prepay.EntryID
	// ActualAmount overrides the scheduled amount when set; zero means
	// "use the scheduled amount".
	ActualAmount decimal.Decimal
	ProcessedBy  string
	// Auto marks the entry as batch-processed rather than manual.
	Auto bool
}

// ProcessAmortization recognizes one scheduled entry: the entry becomes
// PROCESSED, the parent's balances move, and the expense is posted to the
// ledger, all in one transaction. A ledger failure rolls everything back.
//
// Concurrency conflicts (another writer bumped the prepayment version) are
// retried up to maxProcessAttempts before surfacing.
func (s *Service) ProcessAmortization(ctx context.Context, in ProcessInput) (*prepay.AmortizationEntry, error) {
	var (
		entry *prepay.AmortizationEntry
		p     *prepay.Prepayment
	)
	err := retryOnConflict(func() error {
		var err error
		entry, p, err = s.processOnce(ctx, in)
		return err
	}, func(attempt int, err error) {
		s.log.Warn().
			Str("entry_id", string(in.EntryID)).
			Int("attempt", attempt).
			Err(err).
			Msg("retrying amortization after conflict")
	})
	if err != nil {
		return nil, err
	}

	s.Events.Publish(ctx, Event{
		Name:         EventAmortized,
		TenantID:     p.TenantID,
		PrepaymentID: p.ID,
		Payload: map[string]any{
			"entry_id": string(entry.ID),
			"amount":   entry.ActualAmount.String(),
			"sequence": entry.SequenceNumber,
		},
	})
	return entry, nil
}

// retryOnConflict runs fn up to maxProcessAttempts times, retrying only when
// the error is a concurrent-modification conflict. onRetry is invoked before
// each retry. Any other error, and the final conflict, surface to the caller.
func retryOnConflict(fn func() error, onRetry func(attempt int, err error)) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !prepay.IsRetryable(err) || attempt >= maxProcessAttempts {
			return err
		}
		onRetry(attempt, err)
	}
}

func (s *Service) processOnce(ctx context.Context, in ProcessInput) (*prepay.AmortizationEntry, *prepay.Prepayment, error) {
	var (
		entry *prepay.AmortizationEntry
		p     *prepay.Prepayment
	)
	err := s.Store.WithTx(ctx, func(uow sqlite.UnitOfWork) error {
		var err error
		entry, err = uow.GetEntry(ctx, in.EntryID)
		if err != nil {
			return err
		}
		if entry.Status != prepay.EntryScheduled {
			return &prepay.InvalidStateError{
				Op:       "process",
				Current:  string(entry.Status),
				Required: string(prepay.EntryScheduled),
			}
		}

		p, err = uow.GetPrepayment(ctx, entry.PrepaymentID)
		if err != nil {
			return err
		}
		if p.Status != prepay.StatusActive {
			return &prepay.InvalidStateError{
				Op:       "process",
				Current:  string(p.Status),
				Required: string(prepay.StatusActive),
			}
		}

		// Calendar schedules process strictly in sequence order; usage
		// and manual recognition are exempt.
		if p.Method == prepay.MethodStraightLine || p.Method == prepay.MethodAccelerated {
			earlier, err := uow.CountScheduledBefore(ctx, p.ID, entry.SequenceNumber)
			if err != nil {
				return err
			}
			if earlier > 0 {
				return prepay.ErrOutOfOrder
			}
		}

		amount := entry.ScheduledAmount
		if !in.ActualAmount.IsZero() {
			amount = in.ActualAmount
		}
		if amount.IsNegative() {
			return &prepay.ValidationError{Field: "actual_amount", Message: "must not be negative"}
		}
		if amount.GreaterThan(p.RemainingBalance.Add(prepay.BalanceTolerance)) {
			return &prepay.ValidationError{Field: "actual_amount", Message: "exceeds remaining balance"}
		}

		return s.recognize(ctx, uow, p, entry, amount, in.ProcessedBy, in.Auto, true)
	})
	return entry, p, err
}

// recognize performs the balance movement shared by scheduled processing,
// usage recognition and reversal. advanceSchedule controls whether the
// periods-completed counter and next-amortization pointer move.
//
// Must run inside a unit of work.
func (s *Service) recognize(ctx context.Context, uow sqlite.UnitOfWork, p *prepay.Prepayment, e *prepay.AmortizationEntry, amount decimal.Decimal, actor string, auto, advanceSchedule bool) error {
	now := s.Now().UTC()

	e.Status = prepay.EntryProcessed
	e.ActualAmount = &amount
	e.ProcessedDate = &now
	e.ProcessedBy = actor
	e.AutoProcessed = auto

	p.AmortizedAmount = p.AmortizedAmount.Add(amount)
	p.RemainingBalance = p.TotalAmount.Sub(p.AmortizedAmount)
	p.LastAmortizationDate = &e.AmortizationDate
	p.UpdatedBy = actor

	if advanceSchedule && amount.Sign() >= 0 {
		p.PeriodsCompleted++
		next := prepay.NextDate(e.AmortizationDate, p.Frequency)
		p.NextAmortizationDate = &next
	}

	if prepay.WithinTolerance(p.RemainingBalance) {
		p.Status = prepay.StatusFullyAmortized
		p.NextAmortizationDate = nil
	} else if amount.IsNegative() && p.Status == prepay.StatusFullyAmortized {
		// A reversal reopens a closed prepayment.
		p.Status = prepay.StatusActive
	}

	e.CumulativeAmortized = p.AmortizedAmount
	e.RemainingBalance = p.RemainingBalance

	if err := p.CheckBalances(); err != nil {
		return err
	}

	debit, credit := p.ExpenseAccount, p.AssetAccount
	memo := "Amortization of " + p.Number
	if amount.IsNegative() {
		debit, credit = credit, debit
		memo = "Reversal of amortization on " + p.Number
	}
	ref, err := s.Ledger.PostJournalEntry(ctx, ledger.JournalRequest{
		TenantID:      string(p.TenantID),
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount.Abs(),
		Currency:      p.Currency,
		CostCenter:    p.CostCenter,
		Memo:          memo,
		PeriodStart:   e.PeriodStart,
		PeriodEnd:     e.PeriodEnd,
		Reference:     fmt.Sprintf("%s-%04d", p.Number, e.SequenceNumber),
	})
	if err != nil {
		return &prepay.LedgerError{PrepaymentID: p.ID, EntryID: e.ID, Err: err}
	}
	e.PostingReference = string(ref)
	e.UpdatedAt = now

	if err := uow.UpdateEntry(ctx, e); err != nil {
		return err
	}
	return uow.UpdatePrepayment(ctx, p)
}

// nextSequence returns the sequence number for an appended entry.
func nextSequence(entries []prepay.AmortizationEntry) int {
	max := 0
	for _, e := range entries {
		if e.SequenceNumber > max {
			max = e.SequenceNumber
		}
	}
	return max + 1
}
