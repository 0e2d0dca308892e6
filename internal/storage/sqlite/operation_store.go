// Package sqlite keeps operation history in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/remote-progress-relay/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config locates the database file and names the operations table.
type Config struct {
	Path  string
	Table string
}

// OperationStore implements store.OperationRepository on SQLite.
type OperationStore struct {
	db    *sql.DB
	table string
}

// Open opens (or creates) the database file and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*OperationStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("db.sqlite_path is required")
	}
	table := cfg.Table
	if table == "" {
		table = "operations"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	s := &OperationStore{db: db, table: table}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *OperationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *OperationStore) migrations() []string {
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    remote TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    status TEXT NOT NULL,
    state TEXT,
    percent INTEGER,
    relayed INTEGER,
    error_message TEXT
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_started_at_idx ON %[1]s (started_at DESC)`, s.table),
	}
}

func (s *OperationStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT NOT NULL,
    version INTEGER NOT NULL,
    PRIMARY KEY (name, version)
)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE name = ?`, s.table)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range s.migrations() {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (name, version) VALUES (?, ?)`, s.table, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}

// InsertOperation records a started operation.
func (s *OperationStore) InsertOperation(ctx context.Context, rec store.OperationRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, kind, remote, started_at, status)
VALUES (?, ?, ?, ?, ?)`, s.table)
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID.String(), string(rec.Kind), rec.Remote, rec.StartedAt.UnixNano(), string(rec.Status),
	); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// CompleteOperation stores the final outcome.
func (s *OperationStore) CompleteOperation(ctx context.Context, rec store.OperationRecord) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = ?, status = ?, state = ?, percent = ?, relayed = ?, error_message = ?
WHERE id = ?`, s.table)
	var finished *int64
	if rec.FinishedAt != nil {
		ns := rec.FinishedAt.UnixNano()
		finished = &ns
	}
	res, err := s.db.ExecContext(ctx, query,
		finished,
		string(rec.Status),
		rec.State,
		int64(rec.Percent),
		int64(rec.Relayed),
		rec.ErrorMessage,
		rec.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetOperation loads one record.
func (s *OperationStore) GetOperation(ctx context.Context, id uuid.UUID) (store.OperationRecord, error) {
	query := fmt.Sprintf(`
SELECT id, kind, remote, started_at, finished_at, status, state, percent, relayed, error_message
FROM %s
WHERE id = ?`, s.table)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
WHERE (? IS NULL OR status = ?)
ORDER BY started_at DESC
LIMIT ? OFFSET ?`, s.table)
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.db.QueryContext(ctx, query, filter, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (store.OperationRecord, error) {
	var (
		rec      store.OperationRecord
		id       string
		kind     string
		started  int64
		finished sql.NullInt64
		status   string
		state    sql.NullString
		percent  sql.NullInt64
		relayed  sql.NullInt64
		errMsg   sql.NullString
	)
	if err := row.Scan(&id, &kind, &rec.Remote, &started, &finished, &status, &state, &percent, &relayed, &errMsg); err != nil {
		return store.OperationRecord{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.OperationRecord{}, fmt.Errorf("parse operation id: %w", err)
	}
	rec.ID = parsed
	rec.Kind = store.Kind(kind)
	rec.Status = store.Status(status)
	rec.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		rec.FinishedAt = &t
	}
	rec.State = state.String
	if percent.Valid {
		rec.Percent = uint8(percent.Int64)
	}
	if relayed.Valid {
		rec.Relayed = int(relayed.Int64)
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.ErrorMessage = &msg
	}
	return rec, nil
}
