// Package store persists per-session records (lifetime, close reason,
// accumulated assistant transcript) in BadgerDB.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no record exists for a session id.
var ErrNotFound = errors.New("store: record not found")

const keyPrefix = "session/"

// Record is what the relay keeps about a completed session.
type Record struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	CloseReason string    `json:"close_reason,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
}

// Store wraps a badger DB.
type Store struct {
	db *badger.DB
}

// Options configures Open.
type Options struct {
	// Dir is the badger data directory. Required unless InMemory.
	Dir string
	// InMemory runs badger without disk persistence. For tests.
	InMemory bool
}

// Open opens (or creates) the store.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("store: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Put writes a session record, replacing any prior record for the same id.
func (s *Store) Put(rec Record) error {
	if rec.ID == "" {
		return errors.New("store: record id is required")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+rec.ID), val)
	})
}

// Get returns the record for a session id.
func (s *Store) Get(id string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return rec, nil
}

// List returns all session records, in key order.
func (s *Store) List() ([]Record, error) {
	var recs []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return recs, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
