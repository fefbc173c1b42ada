package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"computed-field-engine/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PgStore is the Postgres-backed record and field store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPg creates a pooled connection to Postgres.
func NewPg(ctx context.Context, dsn string) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

// Pool exposes the underlying pool so the outbox repository can share it.
func (s *PgStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PgStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in filename order.
func (s *PgStore) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PgStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Records(ctx context.Context, tableID string, recordIDs []string) ([]*models.Record, error) {
	query := `
		SELECT id, cells, created_by, modified_by, created_at, modified_at, auto_number
		FROM records WHERE table_id = $1`
	args := []any{tableID}
	if recordIDs != nil {
		query += ` AND id = ANY($2)`
		args = append(args, recordIDs)
	}
	query += ` ORDER BY id`

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec := &models.Record{TableID: tableID}
		var cellsJSON []byte
		if err := rows.Scan(&rec.ID, &cellsJSON, &rec.CreatedBy, &rec.ModifiedBy, &rec.CreatedAt, &rec.ModifiedAt, &rec.AutoNumber); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal(cellsJSON, &rec.Cells); err != nil {
			return nil, fmt.Errorf("unmarshal cells for %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *pgTx) RecordsLinkedTo(ctx context.Context, tableID, linkFieldID string, targetIDs []string, limit int) ([]string, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT r.id
		FROM records r, jsonb_array_elements(r.cells -> $2) link
		WHERE r.table_id = $1 AND link ->> 'id' = ANY($3)
		ORDER BY r.id
		LIMIT $4
	`, tableID, linkFieldID, targetIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("query linked records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan linked record: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) WriteCells(ctx context.Context, writes []CellWrite) error {
	for _, w := range writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal cell %s/%s: %w", w.RecordID, w.FieldID, err)
		}
		_, err = t.tx.Exec(ctx, `
			UPDATE records
			SET cells = jsonb_set(cells, ARRAY[$3], $4::jsonb, true)
			WHERE table_id = $1 AND id = $2
		`, w.TableID, w.RecordID, w.FieldID, string(valueJSON))
		if err != nil {
			return fmt.Errorf("write cell %s/%s: %w", w.RecordID, w.FieldID, err)
		}
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

type fieldOptions struct {
	Formula *models.FormulaOptions `json:"formula,omitempty"`
	Lookup  *models.LookupOptions  `json:"lookup,omitempty"`
	Rollup  *models.RollupOptions  `json:"rollup,omitempty"`
	Link    *models.LinkOptions    `json:"link,omitempty"`
}

func (s *PgStore) Fields(ctx context.Context, baseID string) ([]*models.Field, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, table_id, name, kind, options, created_at
		FROM fields WHERE base_id = $1 ORDER BY id
	`, baseID)
	if err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}
	defer rows.Close()

	var out []*models.Field
	for rows.Next() {
		f := &models.Field{BaseID: baseID}
		var optsJSON []byte
		if err := rows.Scan(&f.ID, &f.TableID, &f.Name, &f.Kind, &optsJSON, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		var opts fieldOptions
		if err := json.Unmarshal(optsJSON, &opts); err != nil {
			return nil, fmt.Errorf("unmarshal options for %s: %w", f.ID, err)
		}
		f.Formula, f.Lookup, f.Rollup, f.Link = opts.Formula, opts.Lookup, opts.Rollup, opts.Link
		out = append(out, f)
	}
	return out, rows.Err()
}

// AllFields loads every registered field across bases, for the startup
// graph build.
func (s *PgStore) AllFields(ctx context.Context) ([]*models.Field, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, base_id, table_id, name, kind, options, created_at
		FROM fields ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query all fields: %w", err)
	}
	defer rows.Close()

	var out []*models.Field
	for rows.Next() {
		f := &models.Field{}
		var optsJSON []byte
		if err := rows.Scan(&f.ID, &f.BaseID, &f.TableID, &f.Name, &f.Kind, &optsJSON, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		var opts fieldOptions
		if err := json.Unmarshal(optsJSON, &opts); err != nil {
			return nil, fmt.Errorf("unmarshal options for %s: %w", f.ID, err)
		}
		f.Formula, f.Lookup, f.Rollup, f.Link = opts.Formula, opts.Lookup, opts.Rollup, opts.Link
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PgStore) InsertField(ctx context.Context, f *models.Field) error {
	optsJSON, err := json.Marshal(fieldOptions{Formula: f.Formula, Lookup: f.Lookup, Rollup: f.Rollup, Link: f.Link})
	if err != nil {
		return fmt.Errorf("marshal field options: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fields (id, base_id, table_id, name, kind, options, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, f.ID, f.BaseID, f.TableID, f.Name, f.Kind, optsJSON)
	if err != nil {
		return fmt.Errorf("insert field: %w", err)
	}
	return nil
}

func (s *PgStore) UpdateField(ctx context.Context, f *models.Field) error {
	optsJSON, err := json.Marshal(fieldOptions{Formula: f.Formula, Lookup: f.Lookup, Rollup: f.Rollup, Link: f.Link})
	if err != nil {
		return fmt.Errorf("marshal field options: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE fields SET name = $2, kind = $3, options = $4 WHERE id = $1
	`, f.ID, f.Name, f.Kind, optsJSON)
	if err != nil {
		return fmt.Errorf("update field: %w", err)
	}
	return nil
}

func (s *PgStore) DeleteField(ctx context.Context, fieldID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM fields WHERE id = $1`, fieldID)
	if err != nil {
		return fmt.Errorf("delete field: %w", err)
	}
	return nil
}
