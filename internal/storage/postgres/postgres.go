// Package postgres implements a storage engine on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/model"
)

// Compile-time interface satisfaction check.
var _ backend.Storage = (*Storage)(nil)

// Config holds pool settings.
type Config struct {
	ConnString string
	MaxConns   int32
	MinConns   int32
}

// Storage implements backend.Storage on a pgx connection pool.
type Storage struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New creates the pool, verifies connectivity and creates the tables.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = 1
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Storage{pool: pool, now: time.Now}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stowage_records (
			id         TEXT PRIMARY KEY,
			rev        BIGINT NOT NULL,
			data       BYTEA,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE TABLE IF NOT EXISTS stowage_attachments (
			record_id TEXT NOT NULL REFERENCES stowage_records (id) ON DELETE CASCADE,
			name      TEXT NOT NULL,
			data      BYTEA NOT NULL,
			PRIMARY KEY (record_id, name)
		)
	`)
	return err
}

// Close closes the pool.
func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

const upsertRecord = `
	INSERT INTO stowage_records (id, rev, data, updated_at) VALUES ($1, 1, $2, $3)
	ON CONFLICT (id) DO UPDATE
	SET rev = stowage_records.rev + 1, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	RETURNING rev`

// Put inserts or replaces a record. The revision is bumped by the upsert
// itself, so concurrent writers serialize on the row.
func (s *Storage) Put(ctx context.Context, rec model.Record) (model.Record, error) {
	stored, err := backend.NextRevision(rec, 0, s.now())
	if err != nil {
		return model.Record{}, err
	}
	if err := s.pool.QueryRow(ctx, upsertRecord, stored.ID, []byte(stored.Data), stored.UpdatedAt).Scan(&stored.Rev); err != nil {
		return model.Record{}, fmt.Errorf("upsert record: %w", err)
	}
	return stored, nil
}

// BulkPut stores all records in one transaction.
func (s *Storage) BulkPut(ctx context.Context, recs []model.Record) ([]model.Record, error) {
	out := make([]model.Record, 0, len(recs))
	now := s.now()
	for _, rec := range recs {
		stored, err := backend.NextRevision(rec, 0, now)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := range out {
			if err := tx.QueryRow(ctx, upsertRecord, out[i].ID, []byte(out[i].Data), out[i].UpdatedAt).Scan(&out[i].Rev); err != nil {
				return fmt.Errorf("upsert record %q: %w", out[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a record by id.
func (s *Storage) Get(ctx context.Context, id string) (model.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, rev, data, updated_at FROM stowage_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, backend.ErrNotFound
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// Delete removes a record; attachments cascade.
func (s *Storage) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stowage_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return backend.ErrNotFound
	}
	return nil
}

// Query returns records whose id starts with the prefix, ordered by id.
func (s *Storage) Query(ctx context.Context, q model.Query) ([]model.Record, error) {
	stmt := `SELECT id, rev, data, updated_at FROM stowage_records
		WHERE left(id, length($1)) = $1 ORDER BY id COLLATE "C"`
	args := []any{q.Prefix}
	if q.Limit > 0 {
		stmt += ` LIMIT $2`
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// PutAttachment stores a blob on an existing record.
func (s *Storage) PutAttachment(ctx context.Context, recordID, name string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stowage_attachments (record_id, name, data)
		SELECT id, $2, $3 FROM stowage_records WHERE id = $1
		ON CONFLICT (record_id, name) DO UPDATE SET data = EXCLUDED.data`,
		recordID, name, data,
	)
	if err != nil {
		return fmt.Errorf("upsert attachment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return backend.ErrNotFound
	}
	return nil
}

// GetAttachment returns a stored blob.
func (s *Storage) GetAttachment(ctx context.Context, recordID, name string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM stowage_attachments WHERE record_id = $1 AND name = $2`, recordID, name,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return data, nil
}

func scanRecord(row pgx.Row) (model.Record, error) {
	var (
		rec  model.Record
		data []byte
	)
	if err := row.Scan(&rec.ID, &rec.Rev, &data, &rec.UpdatedAt); err != nil {
		return model.Record{}, err
	}
	if len(data) > 0 {
		rec.Data = data
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
