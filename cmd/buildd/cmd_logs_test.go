package main

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/eventlog"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

func TestLogsTailAndFilters(t *testing.T) {
	stack := startRelay(t)
	ctx := context.Background()

	out, err := runCmd(ctx, "task", "create", "prime the cache", "-w", "ws-log-a")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	idA := createdTaskID(t, out)
	out, err = runCmd(ctx, "task", "create", "rotate the keys", "-w", "ws-log-b")
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	idB := createdTaskID(t, out)

	resp, err := stack.Client.ClaimTask(ctx, protocol.ClaimRequest{
		WorkerID:     "worker-log",
		WorkspaceIDs: []string{"ws-log-b"},
	})
	if err != nil || !resp.Claimed {
		t.Fatalf("claim: %v claimed=%v", err, resp.Claimed)
	}

	out, err = runCmd(ctx, "logs")
	if err != nil {
		t.Fatalf("logs: %v\n%s", err, out)
	}
	first, second := strings.Index(out, idA), strings.Index(out, idB)
	if first < 0 || second < 0 {
		t.Fatalf("both tasks should appear:\n%s", out)
	}
	if first > second {
		t.Errorf("events should print oldest first:\n%s", out)
	}

	out, err = runCmd(ctx, "logs", "-w", "ws-log-a")
	if err != nil {
		t.Fatalf("logs -w: %v", err)
	}
	if !strings.Contains(out, idA) || strings.Contains(out, idB) {
		t.Errorf("workspace filter leaked rows:\n%s", out)
	}

	out, err = runCmd(ctx, "logs", "--type", "task:claimed")
	if err != nil {
		t.Fatalf("logs --type: %v", err)
	}
	if !strings.Contains(out, idB) || strings.Contains(out, "task:created") {
		t.Errorf("type filter leaked rows:\n%s", out)
	}

	out, err = runCmd(ctx, "logs", "--tail", "1")
	if err != nil {
		t.Fatalf("logs --tail: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "task:assigned") {
		t.Errorf("tail 1 should print only the newest event:\n%s", out)
	}

	out, err = runCmd(ctx, "logs", "--task", idB, "--type", "task:created")
	if err != nil {
		t.Fatalf("logs --task: %v", err)
	}
	if !strings.Contains(out, idB) || strings.Contains(out, idA) {
		t.Errorf("task filter leaked rows:\n%s", out)
	}
}

func TestLogsEmpty(t *testing.T) {
	startRelay(t)

	out, err := runCmd(context.Background(), "logs")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out, "no events found") {
		t.Errorf("empty log should say so: %q", out)
	}
}

func TestLogsFollowStreamsNewEvents(t *testing.T) {
	stack := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task1, err := stack.Client.CreateTask(ctx, protocol.CreateTaskRequest{WorkspaceID: "ws-follow", Title: "first"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}

	reader, err := eventlog.NewReader(os.Getenv("BUILDD_DB_PATH"))
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer func() { _ = reader.Close() }()

	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- followLogs(ctx, reader, &out, logsConfig{tail: 20})
	}()

	waitFor(t, "tail to print", func() bool {
		return strings.Contains(out.String(), task1.ID)
	})

	task2, err := stack.Client.CreateTask(ctx, protocol.CreateTaskRequest{WorkspaceID: "ws-follow", Title: "second"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	waitFor(t, "follow to pick up the new event", func() bool {
		return strings.Contains(out.String(), task2.ID)
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("follow: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not stop on cancel")
	}
}
