package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/prepayment-engine/prepay"
	"github.com/warp/prepayment-engine/store/sqlite"
)

// ReverseInput requests the reversal of a processed entry.
type ReverseInput struct {
	EntryID    prepay.EntryID
	Reason     string
	ReversedBy string
}

// ReverseAmortization undoes a processed entry by appending a new entry
// with the negated amount. The original entry is never mutated; the reversal
// carries linkage back to it. The parent's balances move back and a
// FULLY_AMORTIZED prepayment reopens to ACTIVE.
func (s *Service) ReverseAmortization(ctx context.Context, in ReverseInput) (*prepay.AmortizationEntry, error) {
	if in.Reason == "" {
		return nil, &prepay.ValidationError{Field: "reason", Message: "required"}
	}

	var reversal *prepay.AmortizationEntry
	err := s.Store.WithTx(ctx, func(uow sqlite.UnitOfWork) error {
		orig, err := uow.GetEntry(ctx, in.EntryID)
		if err != nil {
			return err
		}
		if orig.Status != prepay.EntryProcessed {
			return &prepay.InvalidStateError{
				Op:       "reverse",
				Current:  string(orig.Status),
				Required: string(prepay.EntryProcessed),
			}
		}
		if orig.IsReversal {
			return &prepay.ValidationError{Field: "entry_id", Message: "cannot reverse a reversal entry"}
		}

		p, err := uow.GetPrepayment(ctx, orig.PrepaymentID)
		if err != nil {
			return err
		}
		if p.IsTerminal() {
			return &prepay.InvalidStateError{
				Op:       "reverse",
				Current:  string(p.Status),
				Required: "a non-terminal status",
			}
		}

		entries, err := uow.ListEntries(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsReversal && e.ReversedEntryID == orig.ID && e.Status == prepay.EntryProcessed {
				return &prepay.ValidationError{Field: "entry_id", Message: "entry already reversed"}
			}
		}

		now := s.Now().UTC()
		amount := orig.RecognizedAmount().Neg()
		reversal = &prepay.AmortizationEntry{
			ID:               prepay.EntryID(uuid.NewString()),
			PrepaymentID:     p.ID,
			TenantID:         p.TenantID,
			SequenceNumber:   nextSequence(entries),
			AmortizationDate: now,
			PeriodStart:      orig.PeriodStart,
			PeriodEnd:        orig.PeriodEnd,
			ScheduledAmount:  amount,
			Status:           prepay.EntryScheduled,
			IsReversal:       true,
			ReversedEntryID:  orig.ID,
			ReversalReason:   in.Reason,
			ReversalDate:     &now,
			ReversedBy:       in.ReversedBy,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := uow.InsertEntries(ctx, []prepay.AmortizationEntry{*reversal}); err != nil {
			return err
		}

		return s.recognize(ctx, uow, p, reversal, amount, in.ReversedBy, false, false)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("entry_id", string(in.EntryID)).
		Str("reversal_id", string(reversal.ID)).
		Str("reason", in.Reason).
		Msg("amortization reversed")
	return reversal, nil
}

// AdjustInput requests a change to one scheduled entry's amount.
type AdjustInput struct {
	EntryID    prepay.EntryID
	NewAmount  decimal.Decimal
	Reason     string
	AdjustedBy string
}

// AdjustAmortization changes a scheduled entry's amount and rebalances the
// remaining schedule so the series still sums to the prepayment total. The
// delta lands on the last scheduled entry other than the adjusted one; an
// adjustment that would drive any entry negative is rejected. Usage-based
// schedules are not adjustable, their amounts come from reported consumption.
func (s *Service) AdjustAmortization(ctx context.Context, in AdjustInput) ([]prepay.AmortizationEntry, error) {
	if in.NewAmount.IsNegative() {
		return nil, &prepay.ValidationError{Field: "new_amount", Message: "must not be negative"}
	}
	if in.Reason == "" {
		return nil, &prepay.ValidationError{Field: "reason", Message: "required"}
	}

	var adjusted []prepay.AmortizationEntry
	err := s.Store.WithTx(ctx, func(uow sqlite.UnitOfWork) error {
		entry, err := uow.GetEntry(ctx, in.EntryID)
		if err != nil {
			return err
		}
		if entry.Status != prepay.EntryScheduled {
			return &prepay.InvalidStateError{
				Op:       "adjust",
				Current:  string(entry.Status),
				Required: string(prepay.EntryScheduled),
			}
		}

		p, err := uow.GetPrepayment(ctx, entry.PrepaymentID)
		if err != nil {
			return err
		}
		if p.IsTerminal() {
			return &prepay.InvalidStateError{
				Op:       "adjust",
				Current:  string(p.Status),
				Required: "a non-terminal status",
			}
		}
		if p.Method == prepay.MethodUsageBased {
			return &prepay.ValidationError{
				Field:   "entry_id",
				Message: "usage-based schedules are recognized from reported consumption, not adjustable",
			}
		}

		entries, err := uow.ListEntries(ctx, p.ID)
		if err != nil {
			return err
		}

		now := s.Now().UTC()
		adjustedIdx := -1
		for i := range entries {
			if entries[i].ID != entry.ID {
				continue
			}
			orig := entries[i].ScheduledAmount
			entries[i].OriginalAmount = &orig
			entries[i].ScheduledAmount = in.NewAmount
			entries[i].AdjustmentAmount = in.NewAmount.Sub(orig)
			entries[i].AdjustmentReason = in.Reason
			entries[i].AdjustedBy = in.AdjustedBy
			entries[i].UpdatedAt = now
			adjustedIdx = i
		}

		changed, err := prepay.RebalanceScheduled(entries, p.TotalAmount, adjustedIdx)
		if err != nil {
			return err
		}
		for i := range entries {
			if entries[i].Status == prepay.EntryScheduled && !entries[i].IsReversal &&
				entries[i].ScheduledAmount.IsNegative() {
				return &prepay.ValidationError{
					Field:   "new_amount",
					Message: "adjustment would drive another entry negative",
				}
			}
		}

		seen := map[int]bool{}
		for _, idx := range changed {
			seen[idx] = true
		}
		for i := range entries {
			if entries[i].ID == entry.ID {
				seen[i] = true
			}
		}
		for i := range entries {
			if !seen[i] {
				continue
			}
			entries[i].UpdatedAt = now
			if err := uow.UpdateEntry(ctx, &entries[i]); err != nil {
				return err
			}
			adjusted = append(adjusted, entries[i])
		}

		p.UpdatedBy = in.AdjustedBy
		return uow.UpdatePrepayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("entry_id", string(in.EntryID)).
		Str("new_amount", in.NewAmount.String()).
		Int("entries_touched", len(adjusted)).
		Msg("schedule adjusted")
	return adjusted, nil
}
