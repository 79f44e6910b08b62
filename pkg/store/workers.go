package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

const workerColumns = `w.id, w.task_id, w.workspace_id, w.endpoint, w.status, w.waiting_for,
	w.created_at, w.updated_at,
	COALESCE((SELECT message FROM instructions WHERE worker_id = w.id AND status = 'pending'
	          ORDER BY id DESC LIMIT 1), '') AS pending_instruction`

func waitingForJSON(w *protocol.WaitingFor) string {
	if w == nil {
		return ""
	}
	b, err := json.Marshal(w)
	if err != nil {
		return ""
	}
	return string(b)
}

func waitingForFromJSON(s string) *protocol.WaitingFor {
	if s == "" {
		return nil
	}
	var w protocol.WaitingFor
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil
	}
	return &w
}

func scanWorker(row rowScanner) (protocol.Worker, error) {
	var w protocol.Worker
	var status, waitingFor string
	if err := row.Scan(
		&w.ID, &w.TaskID, &w.WorkspaceID, &w.Endpoint, &status, &waitingFor,
		&w.CreatedAt, &w.UpdatedAt, &w.PendingInstruction,
	); err != nil {
		return protocol.Worker{}, err
	}
	w.Status = protocol.WorkerStatus(status)
	w.WaitingFor = waitingForFromJSON(waitingFor)
	return w, nil
}

func getWorker(ctx context.Context, q querier, id string) (protocol.Worker, error) {
	row := q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers w WHERE w.id = ?`, id)
	worker, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Worker{}, &protocol.WorkerNotFoundError{WorkerID: id}
	}
	if err != nil {
		return protocol.Worker{}, fmt.Errorf("worker get: %w", err)
	}
	return worker, nil
}

// GetWorker returns the worker by ID, or WorkerNotFoundError. The returned
// record carries the newest pending instruction message, if any.
func (s *Store) GetWorker(ctx context.Context, id string) (protocol.Worker, error) {
	return getWorker(ctx, s.db, id)
}

// ListWorkersOpts configures a worker list query.
type ListWorkersOpts struct {
	WorkspaceID string
	TaskID      string
	Limit       int
}

// ListWorkers returns worker runs matching the optional filters, newest
// first.
func (s *Store) ListWorkers(ctx context.Context, opts ListWorkersOpts) ([]protocol.Worker, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []any

	if opts.WorkspaceID != "" {
		conditions = append(conditions, "w.workspace_id = ?")
		args = append(args, opts.WorkspaceID)
	}
	if opts.TaskID != "" {
		conditions = append(conditions, "w.task_id = ?")
		args = append(args, opts.TaskID)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM workers w
		%s
		ORDER BY w.created_at DESC, w.rowid DESC
		LIMIT ?
	`, workerColumns, whereClause)

	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("worker list: %w", err)
	}
	defer rows.Close()

	var workers []protocol.Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("worker list scan: %w", err)
		}
		workers = append(workers, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker list rows: %w", err)
	}

	return workers, nil
}

// StatusResult is what a status report settles into: the refreshed worker
// and task rows, the pending instruction the worker should act on next, and
// any tasks unblocked because this report finished their last blocker.
type StatusResult struct {
	Worker      protocol.Worker
	Task        protocol.Task
	Instruction *protocol.Instruction
	Unblocked   []protocol.Task
}

// ReportStatus applies a worker's self-reported progress. Terminal workers
// are immutable, so a repeated final report returns the current rows and
// changes nothing. The bound task follows the fixed worker-to-task status
// mapping, but only while the task is non-terminal and still bound to this
// worker; a report from a worker whose task was reassigned elsewhere
// touches the worker row alone.
func (s *Store) ReportStatus(ctx context.Context, workerID string, report protocol.StatusReport) (StatusResult, error) {
	if !report.Status.Valid() {
		return StatusResult{}, fmt.Errorf("status report: unknown worker status %q", report.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("status report begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	worker, err := getWorker(ctx, tx, workerID)
	if err != nil {
		return StatusResult{}, err
	}

	if worker.Status.Terminal() {
		task, err := getTask(ctx, tx, worker.TaskID)
		if err != nil {
			return StatusResult{}, err
		}
		return StatusResult{Worker: worker, Task: task}, nil
	}

	waitingFor := report.WaitingFor
	if report.Status != protocol.WorkerWaitingInput && report.Status != protocol.WorkerAwaitingPlanApproval {
		waitingFor = nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workers SET status = ?, waiting_for = ?, updated_at = datetime('now') WHERE id = ?`,
		string(report.Status), waitingForJSON(waitingFor), workerID,
	); err != nil {
		return StatusResult{}, fmt.Errorf("status report worker update: %w", err)
	}

	if report.ConsumedInstructionID > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE instructions SET status = 'consumed', resolved_at = datetime('now')
			 WHERE id = ? AND worker_id = ? AND status = 'pending'`,
			report.ConsumedInstructionID, workerID,
		); err != nil {
			return StatusResult{}, fmt.Errorf("status report consume instruction: %w", err)
		}
	}

	task, err := getTask(ctx, tx, worker.TaskID)
	if err != nil {
		return StatusResult{}, err
	}

	taskFinished := false
	mapped := protocol.TaskStatusFor(report.Status)
	if !protocol.IsTerminal(task.Status) && task.WorkerID == workerID {
		if task.Status != mapped {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, updated_at = datetime('now') WHERE id = ?`,
				string(mapped), task.ID,
			); err != nil {
				return StatusResult{}, fmt.Errorf("status report task update: %w", err)
			}
			task.Status = mapped
		}
		taskFinished = protocol.IsTerminal(mapped)
	}

	evType := protocol.EventWorkerProgress
	switch report.Status {
	case protocol.WorkerCompleted:
		evType = protocol.EventWorkerDone
	case protocol.WorkerFailed:
		evType = protocol.EventWorkerFailed
	}
	if err := appendEventTx(ctx, tx, protocol.Event{
		Type:        evType,
		WorkspaceID: worker.WorkspaceID,
		TaskID:      worker.TaskID,
		WorkerID:    workerID,
		Payload: payloadJSON(protocol.ProgressPayload{
			WorkerID:   workerID,
			TaskID:     worker.TaskID,
			Status:     report.Status,
			WaitingFor: waitingFor,
			Detail:     report.Detail,
		}),
	}); err != nil {
		return StatusResult{}, err
	}

	var unblocked []protocol.Task
	if taskFinished {
		unblocked, err = drainBlocked(ctx, tx, task.ID, s.nowFunc)
		if err != nil {
			return StatusResult{}, err
		}
	}

	worker, err = getWorker(ctx, tx, workerID)
	if err != nil {
		return StatusResult{}, err
	}

	var instruction *protocol.Instruction
	if !report.Status.Terminal() {
		if in, ok, err := pendingInstruction(ctx, tx, workerID); err != nil {
			return StatusResult{}, err
		} else if ok {
			instruction = &in
		}
	}

	if err := tx.Commit(); err != nil {
		return StatusResult{}, fmt.Errorf("status report commit: %w", err)
	}
	return StatusResult{Worker: worker, Task: task, Instruction: instruction, Unblocked: unblocked}, nil
}

// drainBlocked removes doneID from every blocked task's blocking set. Tasks
// whose set drains completely flip to pending and get a task:unblocked
// event; a still-open target re-arms its acceptance offer at that moment.
func drainBlocked(ctx context.Context, tx *sql.Tx, doneID string, now func() time.Time) ([]protocol.Task, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'blocked' AND blocked_by LIKE ?`,
		fmt.Sprintf(`%%"%s"%%`, doneID),
	)
	if err != nil {
		return nil, fmt.Errorf("unblock query: %w", err)
	}

	var blocked []protocol.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("unblock scan: %w", err)
		}
		blocked = append(blocked, task)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("unblock rows: %w", err)
	}
	_ = rows.Close()

	var unblocked []protocol.Task
	for _, task := range blocked {
		remaining := make([]string, 0, len(task.BlockedBy))
		for _, id := range task.BlockedBy {
			if id != doneID {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == len(task.BlockedBy) {
			// LIKE matched a substring of an unrelated ID.
			continue
		}

		if len(remaining) > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET blocked_by = ?, updated_at = datetime('now') WHERE id = ?`,
				listToJSON(remaining), task.ID,
			); err != nil {
				return nil, fmt.Errorf("unblock shrink: %w", err)
			}
			continue
		}

		var offerExpiresAt int64
		if task.TargetEndpoint != "" {
			offerExpiresAt = now().Add(protocol.AcceptanceWindow).UnixMilli()
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'pending', blocked_by = '[]', offer_expires_at = ?, updated_at = datetime('now') WHERE id = ?`,
			offerExpiresAt, task.ID,
		); err != nil {
			return nil, fmt.Errorf("unblock release: %w", err)
		}

		task.Status = protocol.TaskPending
		task.BlockedBy = nil
		task.OfferExpiresAt = offerExpiresAt
		if err := appendEventTx(ctx, tx, protocol.Event{
			Type:        protocol.EventTaskUnblocked,
			WorkspaceID: task.WorkspaceID,
			TaskID:      task.ID,
			Payload:     payloadJSON(protocol.UnblockedPayload{TaskID: task.ID, Status: protocol.TaskPending}),
		}); err != nil {
			return nil, err
		}
		unblocked = append(unblocked, task)
	}

	return unblocked, nil
}
