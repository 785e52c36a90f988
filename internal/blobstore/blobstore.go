// Package blobstore keeps photo bytes out of the relational store, keyed by
// the owning record's idempotency token.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "photo:"

// ErrNotFound is returned when no blob exists for a token.
var ErrNotFound = errors.New("blob not found")

// Store is a BadgerDB-backed blob store.
type Store struct {
	db *badger.DB
}

// Open opens a persistent store in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(slogLogger{slog.Default()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that lives only for the process lifetime.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory blob store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores data under token, replacing any previous value.
func (s *Store) Put(ctx context.Context, token string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyPrefix+token), data); err != nil {
			return fmt.Errorf("set blob %s: %w", token, err)
		}
		return nil
	})
}

// Get returns a copy of the bytes stored under token.
func (s *Store) Get(ctx context.Context, token string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + token))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", token, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get blob %s: %w", token, err)
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes the blob for token. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, tok := range tokens {
			if err := txn.Delete([]byte(keyPrefix + tok)); err != nil {
				return fmt.Errorf("delete blob %s: %w", tok, err)
			}
		}
		return nil
	})
}

// Size returns the approximate on-disk size (LSM + value log) in bytes.
func (s *Store) Size() int64 {
	lsm, vlog := s.db.Size()
	return lsm + vlog
}

// RunGC reclaims value log space; call periodically after deletes.
func (s *Store) RunGC() {
	for s.db.RunValueLogGC(0.5) == nil {
	}
}

// slogLogger adapts slog to badger's logger interface.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Errorf(f string, v ...interface{}) {
	s.l.Error(fmt.Sprintf(f, v...), "component", "badger")
}
func (s slogLogger) Warningf(f string, v ...interface{}) {
	s.l.Warn(fmt.Sprintf(f, v...), "component", "badger")
}
func (s slogLogger) Infof(f string, v ...interface{}) {
	s.l.Debug(fmt.Sprintf(f, v...), "component", "badger")
}
func (s slogLogger) Debugf(f string, v ...interface{}) {
	s.l.Debug(fmt.Sprintf(f, v...), "component", "badger")
}
