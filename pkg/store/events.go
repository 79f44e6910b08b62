package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

func appendEventTx(ctx context.Context, tx *sql.Tx, ev protocol.Event) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (type, workspace_id, task_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		string(ev.Type), ev.WorkspaceID, ev.TaskID, ev.WorkerID, ev.Payload,
	); err != nil {
		return fmt.Errorf("event append: %w", err)
	}
	return nil
}

// EventFilter narrows an event feed read. Empty ID lists mean no narrowing
// on that column; a zero AfterID reads from the start of the log.
type EventFilter struct {
	AfterID      int64
	WorkspaceIDs []string
	TaskIDs      []string
	WorkerIDs    []string
	Limit        int
}

// EventsAfter returns events with ID greater than AfterID, oldest first.
// The ID doubles as the resume cursor for the SSE feed: a reader that
// reconnects with the last ID it saw misses nothing and repeats nothing.
func (s *Store) EventsAfter(ctx context.Context, f EventFilter) ([]protocol.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}

	conditions := []string{"id > ?"}
	args := []any{f.AfterID}

	var scopeParts []string
	if len(f.WorkspaceIDs) > 0 {
		scopeParts = append(scopeParts, "workspace_id IN ("+placeholders(len(f.WorkspaceIDs))+")")
		for _, id := range f.WorkspaceIDs {
			args = append(args, id)
		}
	}
	if len(f.TaskIDs) > 0 {
		scopeParts = append(scopeParts, "task_id IN ("+placeholders(len(f.TaskIDs))+")")
		for _, id := range f.TaskIDs {
			args = append(args, id)
		}
	}
	if len(f.WorkerIDs) > 0 {
		scopeParts = append(scopeParts, "worker_id IN ("+placeholders(len(f.WorkerIDs))+")")
		for _, id := range f.WorkerIDs {
			args = append(args, id)
		}
	}
	if len(scopeParts) > 0 {
		conditions = append(conditions, "("+strings.Join(scopeParts, " OR ")+")")
	}

	q := fmt.Sprintf(`
		SELECT id, type, workspace_id, task_id, worker_id, payload, created_at
		FROM events
		WHERE %s
		ORDER BY id ASC
		LIMIT ?
	`, strings.Join(conditions, " AND "))

	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("event query: %w", err)
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var ev protocol.Event
		var evType string
		if err := rows.Scan(&ev.ID, &evType, &ev.WorkspaceID, &ev.TaskID, &ev.WorkerID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("event scan: %w", err)
		}
		ev.Type = protocol.EventType(evType)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}

	return events, nil
}

// LastEventID returns the feed's current tail, the natural starting cursor
// for a subscriber that only wants new events.
func (s *Store) LastEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("event tail: %w", err)
	}
	return id.Int64, nil
}
