// Package history persists execution records in SQLite and answers the
// history, statistics and suggestion queries.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
)

// MaxStoredOutput caps stdout and stderr per record
const MaxStoredOutput = 64 * 1024

// DefaultQueryLimit applies when Query.Limit is not positive
const DefaultQueryLimit = 100

const selectColumns = `execution_id, session_name, command, status, exit_code, stdout, stderr,
	error_message, retry_attempts, priority, working_directory, created_at, started_at,
	completed_at, truncated, tags`

// Record is one stored execution
type Record struct {
	ExecutionID      string
	SessionName      string
	Command          string
	Status           execution.Status
	ExitCode         *int
	Stdout           string
	Stderr           string
	ErrorMessage     string
	RetryAttempts    int
	Priority         execution.Priority
	WorkingDirectory string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Truncated        bool
	Tags             map[string]string
}

// Duration returns CompletedAt - StartedAt when both are known
func (r *Record) Duration() (time.Duration, bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	return r.CompletedAt.Sub(*r.StartedAt), true
}

// Map flattens the record for JSON payloads
func (r *Record) Map() map[string]any {
	m := map[string]any{
		"execution_id":   r.ExecutionID,
		"session":        r.SessionName,
		"command":        r.Command,
		"status":         string(r.Status),
		"stdout":         r.Stdout,
		"stderr":         r.Stderr,
		"retry_attempts": r.RetryAttempts,
		"priority":       r.Priority.String(),
		"timestamp":      r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.ExitCode != nil {
		m["exit_code"] = *r.ExitCode
	}
	if d, ok := r.Duration(); ok {
		m["execution_time"] = d.Seconds()
	}
	if r.ErrorMessage != "" {
		m["error_message"] = r.ErrorMessage
	}
	if r.WorkingDirectory != "" {
		m["working_directory"] = r.WorkingDirectory
	}
	if r.Truncated {
		m["truncated"] = true
	}
	return m
}

// Query filters QueryExecutions. Zero values match everything.
type Query struct {
	SessionName string
	Since       time.Time
	Until       time.Time
	Status      execution.Status
	Limit       int
}

// Store provides SQLite-backed execution history
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a second connection to :memory: would see an empty database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	for _, m := range columnMigrations {
		exists, err := hasColumn(db, m.table, m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.Exec(m.ddl); err != nil {
			return fmt.Errorf("adding %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveExecution inserts or updates the record for e. Saving the same id
// again replaces the row; a record never appears twice.
func (s *Store) SaveExecution(ctx context.Context, e execution.CommandExecution) error {
	tags := e.Context.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}

	var exitCode sql.NullInt64
	if e.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*e.ExitCode), Valid: true}
	}

	createdAt := e.Context.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, session_name, command, status, exit_code, stdout, stderr,
			error_message, retry_attempts, priority, working_directory, created_at, started_at,
			completed_at, truncated, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			exit_code = excluded.exit_code,
			stdout = excluded.stdout,
			stderr = excluded.stderr,
			error_message = excluded.error_message,
			retry_attempts = excluded.retry_attempts,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			truncated = excluded.truncated,
			tags = excluded.tags
	`,
		e.Context.ExecutionID,
		e.Context.SessionName,
		e.Command,
		string(e.Status),
		exitCode,
		clip(e.Stdout),
		clip(e.Stderr),
		e.ErrorMessage,
		e.RetryAttempts,
		int(e.Options.Priority),
		e.Options.WorkingDirectory,
		createdAt.UnixNano(),
		nullTime(e.StartedAt),
		nullTime(e.CompletedAt),
		e.Truncated,
		string(tagsJSON),
	)
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", e.Context.ExecutionID, err)
	}
	return nil
}

// GetExecution returns the record for id, or nil if there is none
func (s *Store) GetExecution(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM executions WHERE execution_id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// QueryExecutions returns matching records, newest first
func (s *Store) QueryExecutions(ctx context.Context, q Query) ([]*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM executions WHERE 1=1`
	var args []any

	if q.SessionName != "" {
		query += " AND session_name = ?"
		args = append(args, q.SessionName)
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, q.Until.UnixNano())
	}
	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, string(q.Status))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ExecutionStats aggregates every stored record
func (s *Store) ExecutionStats(ctx context.Context) (execution.Stats, error) {
	var stats execution.Stats
	var avg sql.NullFloat64

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' AND exit_code = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('failed', 'timeout')
				OR (status = 'completed' AND (exit_code IS NULL OR exit_code != 0)) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('pending', 'running', 'retrying') THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN started_at IS NOT NULL AND completed_at IS NOT NULL
				THEN completed_at - started_at END)
		FROM executions
	`).Scan(&stats.TotalExecutions, &stats.SuccessfulExecutions, &stats.FailedExecutions, &stats.ActiveExecutions, &avg)
	if err != nil {
		return execution.Stats{}, err
	}

	// cancelled executions count toward neither outcome
	if done := stats.SuccessfulExecutions + stats.FailedExecutions; done > 0 {
		stats.SuccessRate = float64(stats.SuccessfulExecutions) / float64(done)
	}
	if avg.Valid {
		stats.AverageExecutionTime = time.Duration(avg.Float64)
	}
	return stats, nil
}

// CommandSuggestions returns distinct previously run commands starting with
// prefix, most recently used first. An empty sessionName searches all
// sessions.
func (s *Store) CommandSuggestions(ctx context.Context, sessionName, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT command FROM executions WHERE command LIKE ? ESCAPE '\'`
	args := []any{escapeLike(prefix) + "%"}
	if sessionName != "" {
		query += " AND session_name = ?"
		args = append(args, sessionName)
	}
	query += " GROUP BY command ORDER BY MAX(created_at) DESC, MAX(seq) DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// Prune deletes terminal records created before olderThan
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE created_at < ? AND status IN ('completed', 'failed', 'timeout', 'cancelled')
	`, olderThan.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearSession deletes every record of a session
func (s *Store) ClearSession(ctx context.Context, sessionName string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE session_name = ?`, sessionName)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var status string
	var priority int
	var exitCode, startedAt, completedAt sql.NullInt64
	var createdAt int64
	var tagsJSON string

	err := row.Scan(&r.ExecutionID, &r.SessionName, &r.Command, &status, &exitCode, &r.Stdout, &r.Stderr,
		&r.ErrorMessage, &r.RetryAttempts, &priority, &r.WorkingDirectory, &createdAt, &startedAt,
		&completedAt, &r.Truncated, &tagsJSON)
	if err != nil {
		return nil, err
	}

	r.Status = execution.Status(status)
	r.Priority = execution.Priority(priority)
	r.CreatedAt = time.Unix(0, createdAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	r.StartedAt = fromNullTime(startedAt)
	r.CompletedAt = fromNullTime(completedAt)

	if tagsJSON != "" && tagsJSON != "{}" {
		if err := json.Unmarshal([]byte(tagsJSON), &r.Tags); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func clip(s string) string {
	s, _ = execution.Truncate(s, MaxStoredOutput)
	return s
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
