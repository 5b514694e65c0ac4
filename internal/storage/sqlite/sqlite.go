// Package sqlite implements a storage engine on SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/model"

	_ "modernc.org/sqlite"
)

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS records (
    id         TEXT PRIMARY KEY,
    rev        INTEGER NOT NULL,
    data       BLOB,
    updated_at INTEGER NOT NULL
)`

const createAttachmentsTable = `
CREATE TABLE IF NOT EXISTS attachments (
    record_id TEXT NOT NULL,
    name      TEXT NOT NULL,
    data      BLOB NOT NULL,
    PRIMARY KEY (record_id, name)
)`

// Compile-time interface satisfaction check.
var _ backend.Storage = (*Storage)(nil)

// Storage implements backend.Storage using SQLite.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the SQLite database at dbPath and runs migrations. Use
// ":memory:" for a private in-memory database.
func Open(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRecordsTable, createAttachmentsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &Storage{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
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

// BulkPut stores all records in one transaction.
func (s *Storage) BulkPut(ctx context.Context, recs []model.Record) ([]model.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	out := make([]model.Record, 0, len(recs))
	for _, rec := range recs {
		var prev int64
		err := tx.QueryRowContext(ctx, `SELECT rev FROM records WHERE id = ?`, rec.ID).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read revision: %w", err)
		}

		stored, err := backend.NextRevision(rec, prev, s.now())
		if err != nil {
			return nil, err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO records (id, rev, data, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET rev = excluded.rev, data = excluded.data, updated_at = excluded.updated_at`,
			stored.ID, stored.Rev, []byte(stored.Data), stored.UpdatedAt.UnixMicro(),
		)
		if err != nil {
			return nil, fmt.Errorf("upsert record: %w", err)
		}
		out = append(out, stored)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// Get retrieves a record by ID.
func (s *Storage) Get(ctx context.Context, id string) (model.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, rev, data, updated_at FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, backend.ErrNotFound
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// Delete removes a record and its attachments.
func (s *Storage) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return backend.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("delete attachments: %w", err)
	}
	return tx.Commit()
}

// Query returns records whose id starts with the prefix, ordered by id.
func (s *Storage) Query(ctx context.Context, q model.Query) ([]model.Record, error) {
	// substr keeps LIKE wildcards in ids from matching.
	stmt := `SELECT id, rev, data, updated_at FROM records
		WHERE substr(id, 1, length(?)) = ? ORDER BY id`
	args := []any{q.Prefix, q.Prefix}
	if q.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, recordID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return backend.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check record: %w", err)
	}

	if data == nil {
		data = []byte{}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO attachments (record_id, name, data) VALUES (?, ?, ?)
		ON CONFLICT(record_id, name) DO UPDATE SET data = excluded.data`,
		recordID, name, data,
	)
	if err != nil {
		return fmt.Errorf("upsert attachment: %w", err)
	}
	return tx.Commit()
}

// GetAttachment returns a stored blob.
func (s *Storage) GetAttachment(ctx context.Context, recordID, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM attachments WHERE record_id = ? AND name = ?`, recordID, name,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return data, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.Record, error) {
	var (
		rec     model.Record
		data    []byte
		updated int64
	)
	if err := row.Scan(&rec.ID, &rec.Rev, &data, &updated); err != nil {
		return model.Record{}, err
	}
	if len(data) > 0 {
		rec.Data = data
	}
	rec.UpdatedAt = time.UnixMicro(updated).UTC()
	return rec, nil
}
