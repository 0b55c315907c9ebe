package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// ListFilter selects transfers for the query interface.
type ListFilter string

const (
	FilterAll       ListFilter = "all"
	FilterRunning   ListFilter = "running"   // not yet terminal
	FilterCompleted ListFilter = "completed" // Completed or Refunded
	FilterFailed    ListFilter = "failed"    // Failed, including stuck compensations
)

// ParseListFilter validates a filter name; empty means all.
func ParseListFilter(s string) (ListFilter, error) {
	switch ListFilter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterRunning, FilterCompleted, FilterFailed:
		return ListFilter(s), nil
	}
	return "", ErrInvalidRequest
}

// Matches reports whether t belongs to the filter.
func (f ListFilter) Matches(t *Transfer) bool {
	switch f {
	case FilterRunning:
		return !t.Terminal()
	case FilterCompleted:
		return t.Result != nil && t.Result.Status != ResultFailed
	case FilterFailed:
		return t.Result != nil && t.Result.Status == ResultFailed
	}
	return true
}

// TransferStore abstracts durable storage of orchestration instances.
type TransferStore interface {
	// Create persists a new instance; ErrTransferExists if the id is taken.
	Create(ctx context.Context, t *Transfer) error

	// Get returns the instance or ErrTransferNotFound.
	Get(ctx context.Context, id string) (*Transfer, error)

	// Save overwrites an existing instance after a transition.
	Save(ctx context.Context, t *Transfer) error

	// List returns instances matching the filter, oldest first.
	List(ctx context.Context, filter ListFilter) ([]*Transfer, error)

	Close() error
}

// Journal is the referenceID-keyed operation log that makes account
// operations idempotent.
type Journal interface {
	// Lookup returns the recorded entry, or nil if the operation was never applied.
	Lookup(ctx context.Context, referenceID string, op Operation) (*JournalEntry, error)

	// Record stores the entry unless one already exists for the same
	// (referenceID, operation); it always returns the entry that won.
	Record(ctx context.Context, entry JournalEntry) (*JournalEntry, error)
}

// AccountOperations is the account operation executor contract.
type AccountOperations interface {
	Withdraw(ctx context.Context, accountID string, amount int64, referenceID string) OperationOutcome
	Deposit(ctx context.Context, accountID string, amount int64, referenceID string) OperationOutcome
	Refund(ctx context.Context, accountID string, amount int64, referenceID string) OperationOutcome
}
