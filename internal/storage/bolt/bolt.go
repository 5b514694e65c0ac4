// Package bolt implements a storage engine on bbolt. Records are stored as
// JSON under their id; attachments live in one nested bucket per record.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/model"
)

const (
	bucketRecords     = "records"     // key: id -> Record JSON
	bucketAttachments = "attachments" // key: id -> bucket of name -> data
)

// Compile-time interface satisfaction check.
var _ backend.Storage = (*Storage)(nil)

// Storage implements backend.Storage using a bbolt file.
type Storage struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens or creates the bolt file at path.
func Open(path string) (*Storage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketRecords)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketAttachments)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Storage{db: db, now: time.Now}, nil
}

// Close closes the bolt file.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a record.
func (s *Storage) Put(ctx context.Context, rec model.Record) (model.Record, error) {
	out, err := s.BulkPut(ctx, []model.Record{rec})
	if err != nil {
		return model.Record{}, err
	}
	return out[0], nil
}

// BulkPut stores all records in one write transaction.
func (s *Storage) BulkPut(_ context.Context, recs []model.Record) ([]model.Record, error) {
	out := make([]model.Record, 0, len(recs))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		now := s.now()
		for _, rec := range recs {
			var prev int64
			if data := records.Get([]byte(rec.ID)); data != nil {
				existing, err := decodeRecord(data)
				if err != nil {
					return err
				}
				prev = existing.Rev
			}

			stored, err := backend.NextRevision(rec, prev, now)
			if err != nil {
				return err
			}
			data, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			if err := records.Put([]byte(stored.ID), data); err != nil {
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
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketRecords)).Get([]byte(id))
		if data == nil {
			return backend.ErrNotFound
		}
		var err error
		rec, err = decodeRecord(data)
		return err
	})
	return rec, err
}

// Delete removes a record and its attachment bucket.
func (s *Storage) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		if records.Get([]byte(id)) == nil {
			return backend.ErrNotFound
		}
		if err := records.Delete([]byte(id)); err != nil {
			return err
		}
		attachments := tx.Bucket([]byte(bucketAttachments))
		if attachments.Bucket([]byte(id)) != nil {
			return attachments.DeleteBucket([]byte(id))
		}
		return nil
	})
}

// Query scans the records bucket from the prefix; bolt keys are sorted, so
// results come back ordered by id.
func (s *Storage) Query(_ context.Context, q model.Query) ([]model.Record, error) {
	var out []model.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRecords)).Cursor()
		prefix := []byte(q.Prefix)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
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
func (s *Storage) PutAttachment(_ context.Context, recordID, name string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketRecords)).Get([]byte(recordID)) == nil {
			return backend.ErrNotFound
		}
		b, err := tx.Bucket([]byte(bucketAttachments)).CreateBucketIfNotExists([]byte(recordID))
		if err != nil {
			return err
		}
		if data == nil {
			data = []byte{}
		}
		return b.Put([]byte(name), data)
	})
}

// GetAttachment returns a stored blob.
func (s *Storage) GetAttachment(_ context.Context, recordID, name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketAttachments)).Bucket([]byte(recordID))
		if b == nil {
			return backend.ErrNotFound
		}
		data := b.Get([]byte(name))
		if data == nil {
			return backend.ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		out = slices.Clone(data)
		return nil
	})
	return out, err
}

func decodeRecord(data []byte) (model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
