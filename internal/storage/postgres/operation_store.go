// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/remote-progress-relay/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for operation rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// OperationStore implements store.OperationRepository on Postgres.
type OperationStore struct {
	pool  pool
	table string
}

// NewOperationStore connects to Postgres using cfg.
func NewOperationStore(ctx context.Context, cfg Config) (*OperationStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewOperationStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewOperationStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewOperationStoreWithPool(p pool, table string) (*OperationStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "operations"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &OperationStore{pool: p, table: table}, nil
}

// Close releases the underlying pool.
func (s *OperationStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertOperation records a started operation.
func (s *OperationStore) InsertOperation(ctx context.Context, rec store.OperationRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, kind, remote, started_at, status)
VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, query, rec.ID, string(rec.Kind), rec.Remote, rec.StartedAt, string(rec.Status)); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// CompleteOperation stores the final outcome.
func (s *OperationStore) CompleteOperation(ctx context.Context, rec store.OperationRecord) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, state = $3, percent = $4, relayed = $5, error_message = $6
WHERE id = $7`, s.table)
	tag, err := s.pool.Exec(
		ctx,
		query,
		rec.FinishedAt,
		string(rec.Status),
		rec.State,
		int16(rec.Percent),
		int32(rec.Relayed),
		rec.ErrorMessage,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetOperation loads one record.
func (s *OperationStore) GetOperation(ctx context.Context, id uuid.UUID) (store.OperationRecord, error) {
	query := fmt.Sprintf(`
SELECT id, kind, remote, started_at, finished_at, status, state, percent, relayed, error_message
FROM %s
WHERE id = $1`, s.table)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OperationRecord{}, store.ErrNotFound
		}
		return store.OperationRecord{}, fmt.Errorf("get operation: %w", err)
	}
	return rec, nil
}

// ListOperations returns records newest first.
func (s *OperationStore) ListOperations(
	ctx context.Context,
	status *store.Status,
	limit,
	offset int,
) ([]store.OperationRecord, error) {
	query := fmt.Sprintf(`
SELECT id, kind, remote, started_at, finished_at, status, state, percent, relayed, error_message
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.table)
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	out := []store.OperationRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation rows: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (store.OperationRecord, error) {
	var (
		rec     store.OperationRecord
		kind    string
		status  string
		state   *string
		percent *int16
		relayed *int32
	)
	if err := row.Scan(
		&rec.ID,
		&kind,
		&rec.Remote,
		&rec.StartedAt,
		&rec.FinishedAt,
		&status,
		&state,
		&percent,
		&relayed,
		&rec.ErrorMessage,
	); err != nil {
		return store.OperationRecord{}, err
	}
	rec.Kind = store.Kind(kind)
	rec.Status = store.Status(status)
	if state != nil {
		rec.State = *state
	}
	if percent != nil {
		rec.Percent = uint8(*percent)
	}
	if relayed != nil {
		rec.Relayed = int(*relayed)
	}
	return rec, nil
}
