// Package kvstore is the embedded key-value alternative to the SQLite store.
// Transfers and journal entries are JSON values under prefixed keys:
//
//	transfer/<id>
//	journal/<referenceID>/<operation>
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/tutu-network/transferd/internal/domain"
)

// DirName is the pebble directory created inside the data directory.
const DirName = "pebble"

const (
	transferPrefix = "transfer/"
	journalPrefix  = "journal/"
)

// Store implements domain.TransferStore and domain.Journal over one pebble DB.
type Store struct {
	mu     sync.RWMutex // serializes read-check-write sequences
	db     *pebble.DB
	closed bool
}

var (
	_ domain.TransferStore = (*Store)(nil)
	_ domain.Journal       = (*Store)(nil)
)

// Open opens (or creates) the store under dataDir.
func Open(dataDir string) (*Store, error) {
	return open(filepath.Join(dataDir, DirName), &pebble.Options{
		Cache:        pebble.NewCache(16 << 20),
		MemTableSize: 8 << 20,
	})
}

// OpenFS opens a store on the given filesystem, e.g. vfs.NewMem() in tests.
func OpenFS(dir string, fs vfs.FS) (*Store, error) {
	return open(dir, &pebble.Options{FS: fs})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// ─── Transfer Store ─────────────────────────────────────────────────────────

// Create stores a new instance.
func (s *Store) Create(_ context.Context, t *domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrStoreClosed
	}
	key := transferKey(t.ID)
	if _, err := s.get(key); err == nil {
		return fmt.Errorf("%w: %s", domain.ErrTransferExists, t.ID)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return s.put(key, t)
}

// Get returns one instance.
func (s *Store) Get(_ context.Context, id string) (*domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}
	val, err := s.get(transferKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransferNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var t domain.Transfer
	if err := json.Unmarshal(val, &t); err != nil {
		return nil, fmt.Errorf("decode transfer %s: %w", id, err)
	}
	return &t, nil
}

// Save overwrites an existing instance.
func (s *Store) Save(_ context.Context, t *domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrStoreClosed
	}
	key := transferKey(t.ID)
	if _, err := s.get(key); errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrTransferNotFound, t.ID)
	} else if err != nil {
		return err
	}
	return s.put(key, t)
}

// List scans the transfer prefix and returns matches oldest first.
func (s *Store) List(_ context.Context, filter domain.ListFilter) ([]*domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(transferPrefix),
		UpperBound: prefixEnd(transferPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer iter.Close()

	var out []*domain.Transfer
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("list transfers: %w", err)
		}
		var t domain.Transfer
		if err := json.Unmarshal(val, &t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if filter.Matches(&t) {
			out = append(out, &t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ─── Journal ────────────────────────────────────────────────────────────────

// Lookup returns the entry for (referenceID, op) or nil.
func (s *Store) Lookup(_ context.Context, referenceID string, op domain.Operation) (*domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}
	return s.lookup(journalKey(referenceID, op))
}

// Record stores e unless the key already exists and returns the stored entry.
func (s *Store) Record(_ context.Context, e domain.JournalEntry) (*domain.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}
	key := journalKey(e.ReferenceID, e.Operation)
	prior, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return prior, nil
	}
	if err := s.put(key, e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) lookup(key []byte) (*domain.JournalEntry, error) {
	val, err := s.get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e domain.JournalEntry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("decode journal %s: %w", key, err)
	}
	return &e, nil
}

// ─── helpers ────────────────────────────────────────────────────────────────

func (s *Store) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *Store) put(key []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Set(key, val, pebble.Sync)
}

func transferKey(id string) []byte {
	return []byte(transferPrefix + id)
}

func journalKey(referenceID string, op domain.Operation) []byte {
	return []byte(journalPrefix + referenceID + "/" + string(op))
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
