package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tutu-network/transferd/internal/domain"
)

// TransferStore implements domain.TransferStore.
type TransferStore struct {
	db *DB
}

var _ domain.TransferStore = (*TransferStore)(nil)

// Transfers returns the transfer store view of db.
func (db *DB) Transfers() *TransferStore {
	return &TransferStore{db: db}
}

// Create inserts a new instance.
func (s *TransferStore) Create(ctx context.Context, t *domain.Transfer) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transfer: %w", err)
	}
	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO transfers (id, reference_id, run_id, state, awaiting, result_status, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Request.ReferenceID, t.RunID, string(t.State), string(t.Awaiting),
		resultStatus(t), string(body), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrTransferExists, t.ID)
		}
		return fmt.Errorf("insert transfer %s: %w", t.ID, err)
	}
	return nil
}

// Get returns one instance.
func (s *TransferStore) Get(ctx context.Context, id string) (*domain.Transfer, error) {
	var body string
	err := s.db.db.QueryRowContext(ctx, `SELECT body FROM transfers WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransferNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", id, err)
	}
	return decodeTransfer(body)
}

// Save overwrites an existing instance.
func (s *TransferStore) Save(ctx context.Context, t *domain.Transfer) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transfer: %w", err)
	}
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE transfers
		SET state = ?, awaiting = ?, result_status = ?, body = ?, updated_at = ?
		WHERE id = ?
	`, string(t.State), string(t.Awaiting), resultStatus(t), string(body), formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("save transfer %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTransferNotFound, t.ID)
	}
	return nil
}

// List returns instances matching filter, oldest first.
func (s *TransferStore) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Transfer, error) {
	query := `SELECT body FROM transfers`
	var args []any
	switch filter {
	case domain.FilterRunning:
		query += ` WHERE state NOT IN (?, ?)`
		args = append(args, string(domain.StateCompleted), string(domain.StateFailed))
	case domain.FilterCompleted:
		query += ` WHERE result_status IN (?, ?)`
		args = append(args, string(domain.ResultCompleted), string(domain.ResultRefunded))
	case domain.FilterFailed:
		query += ` WHERE result_status = ?`
		args = append(args, string(domain.ResultFailed))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transfer
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t, err := decodeTransfer(body)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close is a no-op; the owning DB closes the handle.
func (s *TransferStore) Close() error { return nil }

func decodeTransfer(body string) (*domain.Transfer, error) {
	var t domain.Transfer
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("decode transfer: %w", err)
	}
	return &t, nil
}

func resultStatus(t *domain.Transfer) any {
	if t.Result == nil {
		return nil
	}
	return string(t.Result.Status)
}

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
