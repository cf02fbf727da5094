/*
Package ledger defines the general-ledger collaborator boundary.

PURPOSE:
  The amortization engine does not post journal entries itself; it hands a
  balanced debit/credit pair to a Poster and stores the returned posting
  reference on the amortization entry. The GL's internal posting logic is
  outside this system.

TRANSACTION BOUNDARY:
  The engine calls Poster inside its own unit of work. A Poster failure aborts
  the local mutation, so a posted journal entry without a matching balance
  update (or vice versa) is unreachable. Posters backed by a genuinely
  external, non-transactional GL should accept the request durably and
  reconcile asynchronously.

SEE ALSO:
  - ../engine/processor.go: The only caller of Poster
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalRequest is a balanced debit/credit pair for one amortization event.
type JournalRequest struct {
	TenantID      string
	DebitAccount  string // expense account
	CreditAccount string // prepayment asset account
	Amount        decimal.Decimal
	Currency      string
	CostCenter    string
	Memo          string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Reference     string // originating entry id, for reconciliation
}

// PostingReference identifies the journal entry created in the GL.
type PostingReference string

// Poster posts journal entries to the general ledger.
type Poster interface {
	PostJournalEntry(ctx context.Context, req JournalRequest) (PostingReference, error)
}

// =============================================================================
// IN-MEMORY POSTER - For tests and local runs
// =============================================================================

// Posting is a recorded journal entry.
type Posting struct {
	Reference PostingReference
	Request   JournalRequest
	PostedAt  time.Time
}

// Memory records postings in memory. Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	postings []Posting

	// FailWith, when set, makes every post fail. Used to exercise the
	// rollback path in tests.
	FailWith error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) PostJournalEntry(ctx context.Context, req JournalRequest) (PostingReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return "", m.FailWith
	}
	if req.DebitAccount == "" || req.CreditAccount == "" {
		return "", fmt.Errorf("journal entry requires debit and credit accounts")
	}

	ref := PostingReference(fmt.Sprintf("JE-%s", uuid.NewString()[:8]))
	m.postings = append(m.postings, Posting{
		Reference: ref,
		Request:   req,
		PostedAt:  time.Now().UTC(),
	})
	return ref, nil
}

// Postings returns a copy of all recorded postings.
func (m *Memory) Postings() []Posting {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Posting, len(m.postings))
	copy(out, m.postings)
	return out
}
