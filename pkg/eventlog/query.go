// Package eventlog provides read-only access to the relay's SQLite event
// log. It lets the CLI and other tools query coordination events without
// going through the relay API or holding a writable handle on the database.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Event is a single row from the relay event log with its timestamp parsed.
type Event struct {
	ID          int64
	Type        string
	WorkspaceID string
	TaskID      string
	WorkerID    string
	Payload     string
	CreatedAt   time.Time
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// WorkspaceID filters events to a single workspace.
	WorkspaceID string

	// TaskID filters events to a single task.
	TaskID string

	// WorkerID filters events to a single worker.
	WorkerID string

	// EventType filters to one event type (e.g., "task:claimed").
	EventType string

	// After filters events created at or after this time.
	After *time.Time

	// Before filters events created at or before this time.
	Before *time.Time

	// AfterID filters events with a log ID greater than this, the cursor
	// form used when tailing.
	AfterID int64

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the relay event log.
type Reader struct {
	db *sql.DB
}

// NewReader opens the relay's SQLite database in read-only mode with WAL.
// Returns an error if the database does not exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	// Read-only with WAL so queries never block the relay's writes.
	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves events matching the given filter criteria, newest first.
// Returns an empty slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string

		if err := rows.Scan(
			&e.ID,
			&e.Type,
			&e.WorkspaceID,
			&e.TaskID,
			&e.WorkerID,
			&e.Payload,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		if createdAt != "" {
			parsed, err := parseEventTime(createdAt)
			if err != nil {
				return nil, fmt.Errorf("parse created_at: %w", err)
			}
			e.CreatedAt = parsed
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// parseEventTime parses a SQLite datetime('now') timestamp, falling back to
// RFC3339 for rows written with an explicit timezone.
func parseEventTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, workspace_id, task_id, worker_id, payload, created_at FROM events WHERE 1=1"

	if opts.WorkspaceID != "" {
		conditions = append(conditions, "workspace_id = ?")
		args = append(args, opts.WorkspaceID)
	}

	if opts.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, opts.TaskID)
	}

	if opts.WorkerID != "" {
		conditions = append(conditions, "worker_id = ?")
		args = append(args, opts.WorkerID)
	}

	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}

	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.Format("2006-01-02 15:04:05"))
	}

	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.Format("2006-01-02 15:04:05"))
	}

	if opts.AfterID > 0 {
		conditions = append(conditions, "id > ?")
		args = append(args, opts.AfterID)
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
