// Package memory implements an in-process storage engine backed by maps.
package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/model"
)

// Compile-time interface satisfaction check.
var _ backend.Storage = (*Storage)(nil)

var errClosed = errors.New("memory storage is closed")

// Option configures a Storage.
type Option func(*Storage)

// WithoutAttachments builds the engine without blob support; attachment calls
// return backend.ErrUnsupported.
func WithoutAttachments() Option {
	return func(s *Storage) { s.attachments = false }
}

// Storage keeps records and attachments in memory. It is safe for concurrent use.
type Storage struct {
	attachments bool
	now         func() time.Time

	mu     sync.RWMutex
	closed bool
	recs   map[string]model.Record
	blobs  map[string]map[string][]byte // record id -> name -> data
}

// New creates an empty in-memory engine.
func New(opts ...Option) *Storage {
	s := &Storage{
		attachments: true,
		now:         time.Now,
		recs:        make(map[string]model.Record),
		blobs:       make(map[string]map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put inserts or replaces a record.
func (s *Storage) Put(_ context.Context, rec model.Record) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Record{}, errClosed
	}
	return s.putLocked(rec)
}

func (s *Storage) putLocked(rec model.Record) (model.Record, error) {
	out, err := backend.NextRevision(rec, s.recs[rec.ID].Rev, s.now())
	if err != nil {
		return model.Record{}, err
	}
	out.Data = slices.Clone(out.Data)
	s.recs[out.ID] = out
	return out, nil
}

// Get returns a record by id.
func (s *Storage) Get(_ context.Context, id string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.Record{}, errClosed
	}
	rec, ok := s.recs[id]
	if !ok {
		return model.Record{}, backend.ErrNotFound
	}
	rec.Data = slices.Clone(rec.Data)
	return rec, nil
}

// Delete removes a record and its attachments.
func (s *Storage) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.recs[id]; !ok {
		return backend.ErrNotFound
	}
	delete(s.recs, id)
	delete(s.blobs, id)
	return nil
}

// BulkPut stores all records under a single lock, so readers see either none
// or all of the batch.
func (s *Storage) BulkPut(_ context.Context, recs []model.Record) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	for _, rec := range recs {
		if rec.ID == "" {
			return nil, backend.ErrInvalidRecord
		}
	}
	out := make([]model.Record, 0, len(recs))
	for _, rec := range recs {
		stored, err := s.putLocked(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// Query returns records matching the prefix, ordered by id.
func (s *Storage) Query(_ context.Context, q model.Query) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	var out []model.Record
	for id, rec := range s.recs {
		if q.Match(id) {
			rec.Data = slices.Clone(rec.Data)
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b model.Record) int { return strings.Compare(a.ID, b.ID) })
	return q.Truncate(out), nil
}

// PutAttachment stores a blob on an existing record.
func (s *Storage) PutAttachment(_ context.Context, recordID, name string, data []byte) error {
	if !s.attachments {
		return backend.ErrUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.recs[recordID]; !ok {
		return backend.ErrNotFound
	}
	if s.blobs[recordID] == nil {
		s.blobs[recordID] = make(map[string][]byte)
	}
	s.blobs[recordID][name] = slices.Clone(data)
	return nil
}

// GetAttachment returns a stored blob.
func (s *Storage) GetAttachment(_ context.Context, recordID, name string) ([]byte, error) {
	if !s.attachments {
		return nil, backend.ErrUnsupported
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	data, ok := s.blobs[recordID][name]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return slices.Clone(data), nil
}

// Close drops all data. Calls after Close fail.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.recs = nil
	s.blobs = nil
	return nil
}
