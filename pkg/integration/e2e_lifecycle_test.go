package integration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/instruct"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
	"github.com/buildd-ai/buildd-sub001/pkg/store"
)

// TestE2E_TaskLifecycle exercises the complete relay+agent lifecycle in a
// single test:
//
//  1. Relay serves the API over a real store
//  2. Agent registers via heartbeat and shows up in the endpoint registry
//  3. Task A enters the pool; task B starts blocked on A
//  4. Agent claims A and the run goes starting→running
//  5. An instruction queued on the relay reaches the runner inbox
//  6. A direct send through the delivery chain reaches the same inbox
//  7. Run completes; task A flips completed and B unblocks to pending
//  8. Agent claims and completes B
//  9. The event log carries the lifecycle in order
//  10. Agent shutdown retires the endpoint to zero capacity
func TestE2E_TaskLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}

	ctx := context.Background()
	stack := startStack(t)

	// --- Phase 1+2: relay up, agent registered ---
	h := startAgent(t, stack, []string{"ws-e2e"})

	infos, err := stack.Client.ListEndpoints(ctx, "ws-e2e")
	if err != nil {
		t.Fatalf("list endpoints: %v", err)
	}
	if len(infos) != 1 || infos[0].Endpoint != h.Endpoint {
		t.Fatalf("endpoints = %+v, want one entry for %s", infos, h.Endpoint)
	}

	// --- Phase 3: task A open, task B blocked on A ---
	taskA, err := stack.Client.CreateTask(ctx, protocol.CreateTaskRequest{
		WorkspaceID: "ws-e2e",
		Title:       "index the corpus",
	})
	if err != nil {
		t.Fatalf("create task A: %v", err)
	}
	taskB, err := stack.Client.CreateTask(ctx, protocol.CreateTaskRequest{
		WorkspaceID: "ws-e2e",
		Title:       "serve queries",
		BlockedBy:   []string{taskA.ID},
	})
	if err != nil {
		t.Fatalf("create task B: %v", err)
	}
	if taskB.Status != protocol.TaskBlocked {
		t.Fatalf("task B status = %q, want blocked", taskB.Status)
	}

	// --- Phase 4: agent claims A ---
	waitFor(t, 3*time.Second, "run started for task A", func() bool {
		started := h.Runner.Started()
		return len(started) > 0 && started[0] == taskA.ID
	})

	var workerID string
	waitFor(t, 2*time.Second, "worker row for task A", func() bool {
		workers, err := stack.Client.ListWorkers(ctx, relay.ListWorkersOpts{TaskID: taskA.ID})
		if err != nil || len(workers) == 0 {
			return false
		}
		workerID = workers[0].ID
		return true
	})

	waitFor(t, 2*time.Second, "task A running", func() bool {
		task, err := stack.Client.GetTask(ctx, taskA.ID)
		return err == nil && task.Status == protocol.TaskRunning && task.WorkerID == workerID
	})

	// --- Phase 5: relay-queued instruction reaches the runner ---
	queued, err := stack.Client.Instruct(ctx, workerID, protocol.InstructRequest{Message: "focus on the parser first"})
	if err != nil {
		t.Fatalf("instruct: %v", err)
	}
	if !queued.Queued || queued.InstructionID == 0 {
		t.Fatalf("instruct response = %+v, want queued with id", queued)
	}
	waitFor(t, 2*time.Second, "queued instruction delivered", func() bool {
		return containsMessage(h.Runner.Messages(taskA.ID), "focus on the parser first")
	})
	// The next status report acknowledges consumption, clearing the pending
	// instruction on the worker row.
	waitFor(t, 2*time.Second, "instruction consumed", func() bool {
		w, err := stack.Client.GetWorker(ctx, workerID)
		return err == nil && w.PendingInstruction == ""
	})

	// --- Phase 6: direct send lands on the same inbox ---
	deliverer := instruct.New(stack.Client, stack.Client, instruct.Config{})
	receipt, err := deliverer.Deliver(ctx, workerID, protocol.InstructRequest{Message: "skip the flaky suite"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if receipt.Via != instruct.ViaDirect {
		t.Fatalf("delivery via = %q, want direct", receipt.Via)
	}
	waitFor(t, 2*time.Second, "direct message delivered", func() bool {
		return containsMessage(h.Runner.Messages(taskA.ID), "skip the flaky suite")
	})

	// --- Phase 7: completion unblocks B ---
	h.Runner.Release(t, nil)
	waitFor(t, 2*time.Second, "task A completed", func() bool {
		task, err := stack.Client.GetTask(ctx, taskA.ID)
		return err == nil && task.Status == protocol.TaskCompleted
	})
	waitFor(t, 2*time.Second, "worker completed", func() bool {
		w, err := stack.Client.GetWorker(ctx, workerID)
		return err == nil && w.Status == protocol.WorkerCompleted
	})

	// --- Phase 8: agent claims and completes B ---
	waitFor(t, 3*time.Second, "run started for task B", func() bool {
		started := h.Runner.Started()
		return len(started) == 2 && started[1] == taskB.ID
	})
	h.Runner.Release(t, nil)
	waitFor(t, 2*time.Second, "task B completed", func() bool {
		task, err := stack.Client.GetTask(ctx, taskB.ID)
		return err == nil && task.Status == protocol.TaskCompleted
	})

	// --- Phase 9: the event log tells the story in order ---
	eventsA, err := stack.Store.EventsAfter(ctx, store.EventFilter{TaskIDs: []string{taskA.ID}})
	if err != nil {
		t.Fatalf("events for task A: %v", err)
	}
	assertEventOrder(t, eventsA,
		protocol.EventTaskCreated,
		protocol.EventTaskClaimed,
		protocol.EventTaskAssigned,
		protocol.EventWorkerDone,
	)
	eventsB, err := stack.Store.EventsAfter(ctx, store.EventFilter{TaskIDs: []string{taskB.ID}})
	if err != nil {
		t.Fatalf("events for task B: %v", err)
	}
	assertEventOrder(t, eventsB,
		protocol.EventTaskCreated,
		protocol.EventTaskUnblocked,
		protocol.EventTaskClaimed,
		protocol.EventWorkerDone,
	)

	// --- Phase 10: shutdown retires the endpoint ---
	h.Stop(t)
	info, ok := stack.Registry.Lookup(h.Endpoint)
	if !ok {
		t.Fatal("endpoint missing from registry after retire")
	}
	if info.Capacity() != 0 {
		t.Errorf("retired capacity = %d, want 0", info.Capacity())
	}
}

// TestE2E_FailedRunMarksTaskFailed verifies that a runner error surfaces as
// worker:failed and flips the task to failed, and that a forced reassign is
// the one way back out of that terminal state.
func TestE2E_FailedRunMarksTaskFailed(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}

	ctx := context.Background()
	stack := startStack(t)
	h := startAgent(t, stack, []string{"ws-fail"})

	task, err := stack.Client.CreateTask(ctx, protocol.CreateTaskRequest{
		WorkspaceID: "ws-fail",
		Title:       "migrate the schema",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	waitFor(t, 3*time.Second, "run started", func() bool {
		return len(h.Runner.Started()) == 1
	})
	h.Runner.Release(t, errors.New("migration halted on step 3"))

	waitFor(t, 2*time.Second, "task failed", func() bool {
		got, err := stack.Client.GetTask(ctx, task.ID)
		return err == nil && got.Status == protocol.TaskFailed
	})

	events, err := stack.Store.EventsAfter(ctx, store.EventFilter{TaskIDs: []string{task.ID}})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if countType(events, protocol.EventWorkerFailed) != 1 {
		t.Errorf("worker:failed count = %d, want 1", countType(events, protocol.EventWorkerFailed))
	}

	// Terminal states only reopen under force.
	unforced, err := stack.Client.ReassignTask(ctx, task.ID, false)
	if err != nil {
		t.Fatalf("unforced reassign: %v", err)
	}
	if unforced.Status != protocol.TaskFailed {
		t.Errorf("unforced reassign status = %q, want failed", unforced.Status)
	}
	forced, err := stack.Client.ReassignTask(ctx, task.ID, true)
	if err != nil {
		t.Fatalf("forced reassign: %v", err)
	}
	if forced.Status != protocol.TaskPending || forced.WorkerID != "" {
		t.Errorf("forced reassign = %+v, want pending with no worker", forced)
	}

	// The reopened task goes right back to the claim loop.
	waitFor(t, 3*time.Second, "task reclaimed after force", func() bool {
		return len(h.Runner.Started()) == 2
	})
	h.Runner.Release(t, nil)
	waitFor(t, 2*time.Second, "task completed on retry", func() bool {
		got, err := stack.Client.GetTask(ctx, task.ID)
		return err == nil && got.Status == protocol.TaskCompleted
	})
}

func containsMessage(msgs []string, want string) bool {
	for _, m := range msgs {
		if m == want {
			return true
		}
	}
	return false
}
