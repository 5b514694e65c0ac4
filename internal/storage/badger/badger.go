// Package badger implements a storage engine on Badger.
//
// Key layout:
//   - rec:<id>              record JSON
//   - att:<id>\x00<name>    attachment bytes
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/model"
)

const (
	recordPrefix     = "rec:"
	attachmentPrefix = "att:"

	// maxConflictRetries bounds retries of write transactions that lose an
	// optimistic-concurrency race.
	maxConflictRetries = 100
)

// Compile-time interface satisfaction check.
var _ backend.Storage = (*Storage)(nil)

// Storage implements backend.Storage on a Badger database.
type Storage struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens the database in dir. An empty dir runs Badger fully in memory.
func Open(dir string) (*Storage, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Storage{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Storage) Close() error { return s.db.Close() }

func recordKey(id string) []byte { return []byte(recordPrefix + id) }

func attachmentsKey(id string) []byte { return []byte(attachmentPrefix + id + "\x00") }

func attachmentKey(id, name string) []byte { return []byte(attachmentPrefix + id + "\x00" + name) }

// update runs fn in a write transaction, retrying when a concurrent writer
// committed first.
func (s *Storage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("write transaction: %w", err)
}

// Put inserts or replaces a record.
func (s *Storage) Put(ctx context.Context, rec model.Record) (model.Record, error) {
	out, err := s.BulkPut(ctx, []model.Record{rec})
	if err != nil {
		return model.Record{}, err
	}
	return out[0], nil
}

// BulkPut stores all records in one transaction.
func (s *Storage) BulkPut(ctx context.Context, recs []model.Record) ([]model.Record, error) {
	var out []model.Record
	err := s.update(ctx, func(txn *badger.Txn) error {
		out = make([]model.Record, 0, len(recs))
		now := s.now()
		for _, rec := range recs {
			var prev int64
			existing, err := getRecord(txn, rec.ID)
			switch {
			case err == nil:
				prev = existing.Rev
			case !errors.Is(err, backend.ErrNotFound):
				return err
			}

			stored, err := backend.NextRevision(rec, prev, now)
			if err != nil {
				return err
			}
			buf, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			if err := txn.Set(recordKey(stored.ID), buf); err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a record by id.
func (s *Storage) Get(_ context.Context, id string) (model.Record, error) {
	var rec model.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	return rec, err
}

// Delete removes a record and all of its attachments.
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return backend.ErrNotFound
			}
			return err
		}
		if err := txn.Delete(recordKey(id)); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = attachmentsKey(id)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Query iterates keys under the prefix; Badger iterates in key order, so
// results come back ordered by id.
func (s *Storage) Query(_ context.Context, q model.Query) ([]model.Record, error) {
	var out []model.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordKey(q.Prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec model.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			out = append(out, rec)
			if q.Limit > 0 && len(out) == q.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutAttachment stores a blob on an existing record.
func (s *Storage) PutAttachment(ctx context.Context, recordID, name string, data []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(recordID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return backend.ErrNotFound
			}
			return err
		}
		return txn.Set(attachmentKey(recordID, name), data)
	})
}

// GetAttachment returns a stored blob.
func (s *Storage) GetAttachment(_ context.Context, recordID, name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(attachmentKey(recordID, name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return backend.ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func getRecord(txn *badger.Txn, id string) (model.Record, error) {
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Record{}, backend.ErrNotFound
	}
	if err != nil {
		return model.Record{}, err
	}
	var rec model.Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return model.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
