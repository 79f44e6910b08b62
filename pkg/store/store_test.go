package store //nolint:testpackage // white-box tests need nowFunc and direct db access

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "buildd.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func mustCreate(t *testing.T, s *Store, req protocol.CreateTaskRequest) protocol.Task {
	t.Helper()
	if req.WorkspaceID == "" {
		req.WorkspaceID = "ws-1"
	}
	task, err := s.CreateTask(context.Background(), req)
	if err != nil {
		t.Fatalf("create task %q: %v", req.Title, err)
	}
	return task
}

func mustClaim(t *testing.T, s *Store, workerID, endpoint string) protocol.Task {
	t.Helper()
	resp, err := s.ClaimTask(context.Background(), protocol.ClaimRequest{
		Endpoint:     endpoint,
		WorkerID:     workerID,
		WorkspaceIDs: []string{"ws-1"},
	})
	if err != nil {
		t.Fatalf("claim for %s: %v", workerID, err)
	}
	if !resp.Claimed || resp.Task == nil {
		t.Fatalf("expected a claim for %s, got %+v", workerID, resp)
	}
	return *resp.Task
}

func mustReport(t *testing.T, s *Store, workerID string, report protocol.StatusReport) StatusResult {
	t.Helper()
	result, err := s.ReportStatus(context.Background(), workerID, report)
	if err != nil {
		t.Fatalf("report %s for %s: %v", report.Status, workerID, err)
	}
	return result
}

func eventTypesSince(t *testing.T, s *Store, afterID int64) []protocol.EventType {
	t.Helper()
	events, err := s.EventsAfter(context.Background(), EventFilter{AfterID: afterID})
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	types := make([]protocol.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}
