// Package redis implements a storage engine on Redis.
//
// Key layout, under a configurable namespace:
//   - <ns>:rec:<id>   record JSON
//   - <ns>:ids        sorted set of ids, all score 0, for ordered prefix scans
//   - <ns>:att:<id>   hash of attachment name -> bytes
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/model"
)

// DefaultNamespace prefixes every key when Config.Namespace is empty.
const DefaultNamespace = "stowage"

// maxTxRetries bounds retries of optimistic transactions whose watched keys
// changed underneath them.
const maxTxRetries = 100

// Compile-time interface satisfaction check.
var _ backend.Storage = (*Storage)(nil)

// Config holds Redis connection configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// Storage implements backend.Storage on Redis.
type Storage struct {
	client *redis.Client
	ns     string
	now    func() time.Time
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection to %s failed: %w", cfg.Addr, err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return &Storage{client: client, ns: ns, now: time.Now}, nil
}

// Close closes the client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) recordKey(id string) string     { return s.ns + ":rec:" + id }
func (s *Storage) idsKey() string                 { return s.ns + ":ids" }
func (s *Storage) attachmentsKey(id string) string { return s.ns + ":att:" + id }

// watch runs fn under WATCH on keys, retrying when another client modified
// them before EXEC.
func (s *Storage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for range maxTxRetries {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction: %w", err)
}

// Put inserts or replaces a record.
func (s *Storage) Put(ctx context.Context, rec model.Record) (model.Record, error) {
	out, err := s.BulkPut(ctx, []model.Record{rec})
	if err != nil {
		return model.Record{}, err
	}
	return out[0], nil
}

// BulkPut stores all records in one MULTI/EXEC.
func (s *Storage) BulkPut(ctx context.Context, recs []model.Record) ([]model.Record, error) {
	if len(recs) == 0 {
		return []model.Record{}, nil
	}
	keys := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.ID == "" {
			return nil, fmt.Errorf("%w: empty id", backend.ErrInvalidRecord)
		}
		keys = append(keys, s.recordKey(rec.ID))
	}

	var out []model.Record
	err := s.watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("read revisions: %w", err)
		}

		// Later duplicates in the batch build on earlier ones.
		revs := make(map[string]int64, len(recs))
		for i, rec := range recs {
			if _, seen := revs[rec.ID]; seen {
				continue
			}
			if str, ok := current[i].(string); ok {
				var existing model.Record
				if err := json.Unmarshal([]byte(str), &existing); err != nil {
					return fmt.Errorf("decode record: %w", err)
				}
				revs[rec.ID] = existing.Rev
			} else {
				revs[rec.ID] = 0
			}
		}

		out = make([]model.Record, 0, len(recs))
		now := s.now()
		payloads := make([]any, 0, 2*len(recs))
		for _, rec := range recs {
			stored, err := backend.NextRevision(rec, revs[rec.ID], now)
			if err != nil {
				return err
			}
			revs[rec.ID] = stored.Rev
			buf, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			payloads = append(payloads, s.recordKey(stored.ID), buf)
			out = append(out, stored)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.MSet(ctx, payloads...)
			for _, rec := range out {
				pipe.ZAdd(ctx, s.idsKey(), redis.Z{Member: rec.ID})
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a record by id.
func (s *Storage) Get(ctx context.Context, id string) (model.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Record{}, backend.ErrNotFound
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("get record: %w", err)
	}
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Delete removes a record and its attachments atomically.
func (s *Storage) Delete(ctx context.Context, id string) error {
	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.recordKey(id))
		pipe.ZRem(ctx, s.idsKey(), id)
		pipe.Del(ctx, s.attachmentsKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if deleted.Val() == 0 {
		return backend.ErrNotFound
	}
	return nil
}

// Query scans the id index lexicographically from the prefix.
func (s *Storage) Query(ctx context.Context, q model.Query) ([]model.Record, error) {
	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if q.Prefix != "" {
		// 0xff never occurs in UTF-8, so it bounds every id with the prefix.
		by.Min = "[" + q.Prefix
		by.Max = "[" + q.Prefix + "\xff"
	}
	if q.Limit > 0 {
		by.Count = int64(q.Limit)
	}

	ids, err := s.client.ZRangeByLex(ctx, s.idsKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("scan ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	out := make([]model.Record, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted between the scan and the load.
			continue
		}
		var rec model.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// PutAttachment stores a blob on an existing record.
func (s *Storage) PutAttachment(ctx context.Context, recordID, name string, data []byte) error {
	key := s.recordKey(recordID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("check record: %w", err)
		}
		if n == 0 {
			return backend.ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.attachmentsKey(recordID), name, data)
			return nil
		})
		return err
	}, key)
}

// GetAttachment returns a stored blob.
func (s *Storage) GetAttachment(ctx context.Context, recordID, name string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.attachmentsKey(recordID), name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return data, nil
}
