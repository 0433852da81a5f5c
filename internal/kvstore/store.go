// Package kvstore implements the durable key-value backing store (spec
// §4.6): an append/overwrite/delete overlay over two logical tables,
// "runs" and "processes", with crash-consistent replay at open. The
// teacher repo has no embedded KV store of its own (its closest analogue
// is per-record JSON files, internal/app/scheduler/jobstore_file.go,
// which cannot give a single-file atomic-scan contract); bbolt is
// grounded on the retrieval pack's cuemby-warren repo, which uses it for
// the same "small embedded durable table" concern.
package kvstore

import (
	"bytes"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// ErrClosed is returned by operations on a Store after Close.
var ErrClosed = errors.New("kvstore: store is closed")

// Store is a durable key-value overlay fronting an in-memory index. A
// clean Open replays all present keys via Scan so callers can rebuild
// their index; a corrupt tail is truncated by bbolt itself (it is a
// copy-on-write B+tree, so a torn write never becomes a "good" page).
type Store struct {
	db     *bolt.DB
	closed bool
}

// Open opens (creating if absent) the bbolt file at path and ensures the
// well-known tables exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	tables := []string{"runs", "processes"}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, t := range tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return fmt.Errorf("create table %s: %w", t, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Put writes value under key in table, overwriting any prior value.
func (s *Store) Put(table, key string, value []byte) error {
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		// Copy: bbolt's Put retains the slice only for the duration of
		// the transaction, but callers may reuse buffers.
		cp := make([]byte, len(value))
		copy(cp, value)
		return b.Put([]byte(key), cp)
	})
}

// Delete removes key from table. Deleting an absent key is not an error.
func (s *Store) Delete(table, key string) error {
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Entry is a single (key, value) pair yielded by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Scan returns every entry currently stored in table, in bbolt's
// lexicographic key order. Order is not significant per spec; callers
// replay into a map keyed by id.
func (s *Store) Scan(table string) ([]Entry, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			entries = append(entries, Entry{Key: string(bytes.Clone(k)), Value: cp})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close flushes and closes the underlying file. Safe to call once;
// subsequent calls return ErrClosed from later operations, not from Close
// itself (bbolt's own Close is idempotent-safe to call again).
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
