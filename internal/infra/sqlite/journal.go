package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tutu-network/transferd/internal/domain"
)

// Journal implements domain.Journal.
type Journal struct {
	db *DB
}

var _ domain.Journal = (*Journal)(nil)

// Journal returns the operation journal view of db.
func (db *DB) Journal() *Journal {
	return &Journal{db: db}
}

// Lookup returns the entry for (referenceID, op) or nil.
func (j *Journal) Lookup(ctx context.Context, referenceID string, op domain.Operation) (*domain.JournalEntry, error) {
	var (
		e          domain.JournalEntry
		operation  string
		recordedAt string
	)
	err := j.db.db.QueryRowContext(ctx, `
		SELECT reference_id, operation, account, amount, transaction_id, recorded_at
		FROM operation_journal WHERE reference_id = ? AND operation = ?
	`, referenceID, string(op)).Scan(&e.ReferenceID, &operation, &e.Account, &e.Amount, &e.TransactionID, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal lookup %s/%s: %w", referenceID, op, err)
	}
	e.Operation = domain.Operation(operation)
	e.RecordedAt, _ = time.Parse(timeLayout, recordedAt)
	return &e, nil
}

// Record inserts the entry if absent and returns whichever entry is stored.
func (j *Journal) Record(ctx context.Context, e domain.JournalEntry) (*domain.JournalEntry, error) {
	_, err := j.db.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO operation_journal (reference_id, operation, account, amount, transaction_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ReferenceID, string(e.Operation), e.Account, e.Amount, e.TransactionID, formatTime(e.RecordedAt))
	if err != nil {
		return nil, fmt.Errorf("journal record %s/%s: %w", e.ReferenceID, e.Operation, err)
	}
	stored, err := j.Lookup(ctx, e.ReferenceID, e.Operation)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s/%s vanished after insert", domain.ErrJournalConflict, e.ReferenceID, e.Operation)
	}
	return stored, nil
}

// Count returns the number of journal rows; used by tests and the status view.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operation_journal`).Scan(&n)
	return n, err
}
