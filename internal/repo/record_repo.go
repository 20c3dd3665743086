package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Qwaper/BigD-Gram/internal/db"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/relay"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

// RecordRepo persists relay records. It implements relay.Backend.
type RecordRepo struct {
	db *db.Conn
}

var _ relay.Backend = (*RecordRepo)(nil)

// NewRecordRepo creates a new RecordRepo instance
func NewRecordRepo(conn *db.Conn) *RecordRepo {
	return &RecordRepo{db: conn}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *RecordRepo) get(ctx context.Context, q queryer, path string, forUpdate bool) (model.Record, bool, error) {
	query := `
		SELECT path, parent, key, data, created_at, updated_at
		FROM records
		WHERE path = $1
	`
	if forUpdate && r.db.Dialect == db.Postgres {
		query += " FOR UPDATE"
	}
	rec, err := scanRecord(q.QueryRowContext(ctx, r.db.Rebind(query), path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Record{}, false, nil
		}
		return model.Record{}, false, fmt.Errorf("get record %s: %w", path, err)
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (model.Record, error) {
	var rec model.Record
	var data []byte
	var createdAt, updatedAt int64
	if err := s.Scan(&rec.Path, &rec.Parent, &rec.Key, &data, &createdAt, &updatedAt); err != nil {
		return model.Record{}, err
	}
	rec.Data = json.RawMessage(data)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

// Get returns the record at path.
func (r *RecordRepo) Get(ctx context.Context, path string) (model.Record, bool, error) {
	return r.get(ctx, r.db, path, false)
}

// Create inserts rec, failing with remote.ErrAlreadyExists if the path is taken.
func (r *RecordRepo) Create(ctx context.Context, rec model.Record) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO records (path, parent, key, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`), rec.Path, rec.Parent, rec.Key, string(rec.Data), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		if db.IsUniqueViolation(err) {
			return remote.ErrAlreadyExists
		}
		return fmt.Errorf("insert record %s: %w", rec.Path, err)
	}
	return nil
}

const upsertRecord = `
	INSERT INTO records (path, parent, key, data, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
`

// Put stores rec, replacing existing data but keeping the original created_at.
func (r *RecordRepo) Put(ctx context.Context, rec model.Record) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(upsertRecord),
		rec.Path, rec.Parent, rec.Key, string(rec.Data), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.Path, err)
	}
	return nil
}

// Merge writes top-level fields into the record at path inside one transaction.
func (r *RecordRepo) Merge(ctx context.Context, path string, fields map[string]json.RawMessage, now time.Time) (model.Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rec, ok, err := r.get(ctx, tx, path, true)
	if err != nil {
		return model.Record{}, err
	}
	merged := map[string]json.RawMessage{}
	if ok {
		if merged, err = remote.DecodeObject(rec.Data); err != nil {
			return model.Record{}, err
		}
	} else {
		parent, key := remote.Split(path)
		rec = model.Record{Path: path, Parent: parent, Key: key, CreatedAt: now}
	}
	for k, v := range fields {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return model.Record{}, fmt.Errorf("encode merged record: %w", err)
	}
	rec.Data = data
	rec.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, r.db.Rebind(upsertRecord),
		rec.Path, rec.Parent, rec.Key, string(rec.Data), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli()); err != nil {
		return model.Record{}, fmt.Errorf("merge record %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// List returns the direct children of parent ordered by key.
func (r *RecordRepo) List(ctx context.Context, parent string) ([]model.Record, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT path, parent, key, data, created_at, updated_at
		FROM records
		WHERE parent = $1
	`), parent)
	if err != nil {
		return nil, fmt.Errorf("list records %s: %w", parent, err)
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
		return nil, fmt.Errorf("list records %s: %w", parent, err)
	}
	// Byte order, independent of the database collation.
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
