package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cruciblehq/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const createInvocationsTable = `
CREATE TABLE IF NOT EXISTS invocations (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    operation   TEXT NOT NULL,
    options     TEXT NOT NULL,
    args        BLOB,
    engine_id   TEXT,
    reused      INTEGER,
    result      BLOB,
    error       TEXT,
    timeout_s   INTEGER,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createOutputLinesTable = `
CREATE TABLE IF NOT EXISTS output_lines (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    invocation_id TEXT NOT NULL,
    seq           INTEGER NOT NULL,
    line          TEXT NOT NULL,
    created_at    DATETIME NOT NULL
)`

// ErrNotFound is returned when an invocation is not found.
var ErrNotFound = errors.New("invocation not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createInvocationsTable, createOutputLinesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeOptions renders the ordered option list as JSON for the TEXT column.
// Options may contain any characters, so a delimited join is not safe.
func encodeOptions(options []string) (string, error) {
	if options == nil {
		options = []string{}
	}
	data, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	return string(data), nil
}

func decodeOptions(raw string) ([]string, error) {
	var options []string
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	return options, nil
}

// CreateInvocation inserts a new invocation record.
func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *model.Invocation) error {
	options, err := encodeOptions(inv.Options)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invocations (
			id, status, operation, options, args, engine_id, reused,
			result, error, timeout_s, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Status, inv.Operation, options, []byte(inv.Args), inv.EngineID, inv.Reused,
		[]byte(inv.Result), inv.Error, inv.TimeoutS, inv.DurationMS, inv.CreatedAt, inv.StartedAt, inv.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

const invocationColumns = `id, status, operation, options, args, engine_id, reused,
	result, error, timeout_s, duration_ms, created_at, started_at, finished_at`

// scanInvocation reads one invocation row from a row scanner.
func scanInvocation(scan func(dest ...any) error) (*model.Invocation, error) {
	inv := &model.Invocation{}
	var options string
	var args, result []byte
	if err := scan(
		&inv.ID, &inv.Status, &inv.Operation, &options, &args, &inv.EngineID, &inv.Reused,
		&result, &inv.Error, &inv.TimeoutS, &inv.DurationMS, &inv.CreatedAt, &inv.StartedAt, &inv.FinishedAt,
	); err != nil {
		return nil, err
	}

	decoded, err := decodeOptions(options)
	if err != nil {
		return nil, err
	}
	inv.Options = decoded
	inv.Args = args
	inv.Result = result
	return inv, nil
}

// GetInvocation retrieves an invocation by ID.
func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*model.Invocation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+invocationColumns+" FROM invocations WHERE id = ?", id,
	)
	inv, err := scanInvocation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation: %w", err)
	}
	return inv, nil
}

// ListInvocations returns a paginated list of invocations ordered by
// created_at DESC, along with the total count of all invocations.
func (s *SQLiteStore) ListInvocations(ctx context.Context, limit, offset int) ([]*model.Invocation, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM invocations").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invocations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+invocationColumns+" FROM invocations ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var invocations []*model.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan invocation: %w", err)
		}
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate invocations: %w", err)
	}

	return invocations, total, nil
}

// UpdateInvocationStatus updates the status of an invocation, enforcing the
// status machine. For terminal statuses it also sets finished_at.
func (s *SQLiteStore) UpdateInvocationStatus(ctx context.Context, id, status string) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM invocations WHERE id = ?", id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get current status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	var result sql.Result

	if model.Terminal(status) {
		result, err = s.db.ExecContext(ctx,
			"UPDATE invocations SET status = ?, finished_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE invocations SET status = ? WHERE id = ?",
			status, id,
		)
	}

	if err != nil {
		return fmt.Errorf("update invocation status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateInvocation writes the outcome fields of a finished invocation.
func (s *SQLiteStore) UpdateInvocation(ctx context.Context, inv *model.Invocation) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET
			status = ?, engine_id = ?, reused = ?, result = ?, error = ?,
			duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		inv.Status, inv.EngineID, inv.Reused, []byte(inv.Result), inv.Error,
		inv.DurationMS, inv.StartedAt, inv.FinishedAt, inv.ID,
	)
	if err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetInvocationStats aggregates counts and durations across all invocations.
func (s *SQLiteStore) GetInvocationStats(ctx context.Context) (*InvocationStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &InvocationStats{
		CountByStatus:    make(map[string]int),
		CountByOperation: make(map[string]int),
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM invocations").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count invocations: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM invocations GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	opRows, err := tx.QueryContext(ctx, "SELECT operation, COUNT(*) FROM invocations GROUP BY operation")
	if err != nil {
		return nil, fmt.Errorf("count by operation: %w", err)
	}
	defer opRows.Close()
	for opRows.Next() {
		var op string
		var count int
		if err := opRows.Scan(&op, &count); err != nil {
			return nil, fmt.Errorf("scan operation count: %w", err)
		}
		stats.CountByOperation[op] = count
	}
	if err := opRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation counts: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM invocations WHERE reused = 1",
	).Scan(&stats.ReusedCount); err != nil {
		return nil, fmt.Errorf("count reused: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM invocations WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// InsertOutputLine persists one engine output line.
func (s *SQLiteStore) InsertOutputLine(ctx context.Context, invocationID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO output_lines (invocation_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		invocationID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert output line: %w", err)
	}
	return nil
}

// GetOutputLines returns all persisted output lines for an invocation in
// sequence order.
func (s *SQLiteStore) GetOutputLines(ctx context.Context, invocationID string) ([]model.OutputLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, invocation_id, seq, line, created_at
		FROM output_lines WHERE invocation_id = ? ORDER BY seq`,
		invocationID,
	)
	if err != nil {
		return nil, fmt.Errorf("get output lines: %w", err)
	}
	defer rows.Close()

	var lines []model.OutputLine
	for rows.Next() {
		var l model.OutputLine
		if err := rows.Scan(&l.ID, &l.InvocationID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output lines: %w", err)
	}

	return lines, nil
}
