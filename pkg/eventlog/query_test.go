package eventlog_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/eventlog"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"

	_ "modernc.org/sqlite"
)

// setupTestDB creates a test database seeded with sample coordination events.
func setupTestDB(t *testing.T) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "buildd.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	events := []struct {
		evType      string
		workspaceID string
		taskID      string
		workerID    string
		payload     string
	}{
		{"task:created", "ws-1", "task-a", "", `{"task":{"id":"task-a"}}`},
		{"task:claimed", "ws-1", "task-a", "worker-1", `{"task_id":"task-a","worker_id":"worker-1"}`},
		{"worker:progress", "ws-1", "task-a", "worker-1", `{"status":"running"}`},
		{"task:created", "ws-2", "task-b", "", `{"task":{"id":"task-b"}}`},
		{"worker:completed", "ws-1", "task-a", "worker-1", `{"status":"completed"}`},
		{"task:reassigned", "ws-2", "task-b", "", `{"task_id":"task-b","status":"pending"}`},
	}

	for _, e := range events {
		_, err := db.Exec(
			`INSERT INTO events (type, workspace_id, task_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
			e.evType, e.workspaceID, e.taskID, e.workerID, e.payload,
		)
		if err != nil {
			t.Fatalf("failed to insert test event: %v", err)
		}
	}

	return dbPath
}

func openReader(t *testing.T, dbPath string) *eventlog.Reader {
	t.Helper()
	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })
	return reader
}

func TestNewReaderMissingDB(t *testing.T) {
	t.Parallel()

	_, err := eventlog.NewReader(filepath.Join(t.TempDir(), "nope.db"))
	if err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestQueryAllEvents(t *testing.T) {
	t.Parallel()
	reader := openReader(t, setupTestDB(t))

	events, err := reader.Query(context.Background(), eventlog.QueryOpts{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("got %d events, want 6", len(events))
	}

	// Newest first: the reassign landed last.
	if events[0].Type != "task:reassigned" {
		t.Errorf("first event = %s, want task:reassigned", events[0].Type)
	}
	if events[0].CreatedAt.IsZero() {
		t.Error("created_at did not parse")
	}
}

func TestQueryByWorkspace(t *testing.T) {
	t.Parallel()
	reader := openReader(t, setupTestDB(t))

	events, err := reader.Query(context.Background(), eventlog.QueryOpts{WorkspaceID: "ws-2"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events for ws-2, want 2", len(events))
	}
	for _, e := range events {
		if e.WorkspaceID != "ws-2" {
			t.Errorf("event %d leaked from workspace %s", e.ID, e.WorkspaceID)
		}
	}
}

func TestQueryByWorker(t *testing.T) {
	t.Parallel()
	reader := openReader(t, setupTestDB(t))

	events, err := reader.Query(context.Background(), eventlog.QueryOpts{WorkerID: "worker-1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events for worker-1, want 3", len(events))
	}
}

func TestQueryByTaskAndType(t *testing.T) {
	t.Parallel()
	reader := openReader(t, setupTestDB(t))

	events, err := reader.Query(context.Background(), eventlog.QueryOpts{
		TaskID:    "task-a",
		EventType: "worker:progress",
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Payload != `{"status":"running"}` {
		t.Errorf("payload = %q", events[0].Payload)
	}
}

func TestQueryLimit(t *testing.T) {
	t.Parallel()
	reader := openReader(t, setupTestDB(t))

	events, err := reader.Query(context.Background(), eventlog.QueryOpts{Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestQueryAfterID(t *testing.T) {
	t.Parallel()
	reader := openReader(t, setupTestDB(t))

	all, err := reader.Query(context.Background(), eventlog.QueryOpts{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	cursor := all[len(all)-1].ID // oldest event

	events, err := reader.Query(context.Background(), eventlog.QueryOpts{AfterID: cursor})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != len(all)-1 {
		t.Fatalf("cursor query returned %d events, want %d", len(events), len(all)-1)
	}
	for _, e := range events {
		if e.ID <= cursor {
			t.Errorf("event %d at or before cursor %d", e.ID, cursor)
		}
	}
}

func TestQueryTimeWindow(t *testing.T) {
	t.Parallel()
	reader := openReader(t, setupTestDB(t))

	// All rows were written just now; a window ending an hour ago is empty,
	// a window starting an hour ago holds everything.
	past := time.Now().UTC().Add(-time.Hour)

	events, err := reader.Query(context.Background(), eventlog.QueryOpts{Before: &past})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("window before seeding returned %d events", len(events))
	}

	events, err = reader.Query(context.Background(), eventlog.QueryOpts{After: &past})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("open window returned %d events, want 6", len(events))
	}
}

func TestQueryNoMatches(t *testing.T) {
	t.Parallel()
	reader := openReader(t, setupTestDB(t))

	events, err := reader.Query(context.Background(), eventlog.QueryOpts{WorkerID: "ghost"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events for unknown worker, want 0", len(events))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	reader := openReader(t, setupTestDB(t))

	if err := reader.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
