package store

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"computed-field-engine/internal/models"
)

// CellWrite replaces one computed cell value. Replace semantics keep step
// re-execution safe after a visibility-timeout requeue.
type CellWrite struct {
	TableID  string
	RecordID string
	FieldID  string
	Value    any
}

// Tx is one storage transaction. Step execution happens entirely inside a
// Tx so a plan's writes commit or roll back together.
type Tx interface {
	// Records loads records of a table; nil recordIDs means all rows.
	// Reads observe writes staged earlier in the same transaction.
	Records(ctx context.Context, tableID string, recordIDs []string) ([]*models.Record, error)
	// RecordsLinkedTo returns IDs of records in tableID whose link cell
	// references any of targetIDs, capped at limit rows.
	RecordsLinkedTo(ctx context.Context, tableID, linkFieldID string, targetIDs []string, limit int) ([]string, error)
	WriteCells(ctx context.Context, writes []CellWrite) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens transactions and serves the field registry.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Fields(ctx context.Context, baseID string) ([]*models.Field, error)
	InsertField(ctx context.Context, f *models.Field) error
	UpdateField(ctx context.Context, f *models.Field) error
	DeleteField(ctx context.Context, fieldID string) error
}

// Postgres error codes that signal a transient conflict worth retrying in
// a fresh transaction.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// IsRetryable classifies a storage error by vendor code: serialization
// failures, deadlocks and lock timeouts retry; everything else is
// terminal. Business errors never match.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
