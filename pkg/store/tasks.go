package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

const taskColumns = `id, workspace_id, title, COALESCE(description, '') AS description,
	priority, status, blocked_by, target_endpoint, offer_expires_at, worker_id,
	created_at, updated_at`

func scanTask(row rowScanner) (protocol.Task, error) {
	var t protocol.Task
	var status, blockedBy string
	if err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.Title, &t.Description,
		&t.Priority, &status, &blockedBy, &t.TargetEndpoint, &t.OfferExpiresAt, &t.WorkerID,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return protocol.Task{}, err
	}
	t.Status = protocol.TaskStatus(status)
	t.BlockedBy = listFromJSON(blockedBy)
	return t, nil
}

func getTask(ctx context.Context, q querier, id string) (protocol.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Task{}, &protocol.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return protocol.Task{}, fmt.Errorf("task get: %w", err)
	}
	return task, nil
}

// CreateTask inserts a new task and appends its task:created event. Tasks
// whose blocked_by set still has unfinished members start out blocked;
// blockers that already finished are dropped from the stored set. A task
// created with a target endpoint opens an acceptance offer that the sweep
// expires server-side.
func (s *Store) CreateTask(ctx context.Context, req protocol.CreateTaskRequest) (protocol.Task, error) {
	if req.WorkspaceID == "" {
		return protocol.Task{}, fmt.Errorf("task create: workspace id is required")
	}
	if req.Title == "" {
		return protocol.Task{}, fmt.Errorf("task create: title is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Task{}, fmt.Errorf("task create begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var unmet []string
	for _, blocker := range req.BlockedBy {
		var blockerStatus string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, blocker).Scan(&blockerStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.Task{}, &protocol.TaskNotFoundError{TaskID: blocker}
		}
		if err != nil {
			return protocol.Task{}, fmt.Errorf("task create blocker lookup: %w", err)
		}
		if !protocol.IsTerminal(protocol.TaskStatus(blockerStatus)) {
			unmet = append(unmet, blocker)
		}
	}

	status := protocol.TaskPending
	if len(unmet) > 0 {
		status = protocol.TaskBlocked
	}

	var offerExpiresAt int64
	if req.TargetEndpoint != "" && status == protocol.TaskPending {
		offerExpiresAt = s.nowFunc().Add(protocol.AcceptanceWindow).UnixMilli()
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (id, workspace_id, title, description, priority, status, blocked_by, target_endpoint, offer_expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.WorkspaceID, req.Title, req.Description, req.Priority,
		string(status), listToJSON(unmet), req.TargetEndpoint, offerExpiresAt,
	); err != nil {
		return protocol.Task{}, fmt.Errorf("task create insert: %w", err)
	}

	task, err := getTask(ctx, tx, id)
	if err != nil {
		return protocol.Task{}, err
	}

	if err := appendEventTx(ctx, tx, protocol.Event{
		Type:        protocol.EventTaskCreated,
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		Payload:     payloadJSON(protocol.CreatedPayload{Task: task}),
	}); err != nil {
		return protocol.Task{}, err
	}

	if err := tx.Commit(); err != nil {
		return protocol.Task{}, fmt.Errorf("task create commit: %w", err)
	}
	return task, nil
}

// GetTask returns the task by ID, or TaskNotFoundError.
func (s *Store) GetTask(ctx context.Context, id string) (protocol.Task, error) {
	return getTask(ctx, s.db, id)
}

// ListTasksOpts configures a task list query.
type ListTasksOpts struct {
	WorkspaceID string
	Status      protocol.TaskStatus
	Limit       int
	Offset      int
}

// ListTasks returns tasks matching the optional filters, newest first.
func (s *Store) ListTasks(ctx context.Context, opts ListTasksOpts) ([]protocol.Task, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []any

	if opts.WorkspaceID != "" {
		conditions = append(conditions, "workspace_id = ?")
		args = append(args, opts.WorkspaceID)
	}
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(opts.Status))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM tasks
		%s
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, taskColumns, whereClause)

	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("task list: %w", err)
	}
	defer rows.Close()

	var tasks []protocol.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("task list scan: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task list rows: %w", err)
	}

	return tasks, nil
}

// ReassignTask returns a task to the claimable pool. Without force only an
// unresolved offer is cleared: the task must still be pending, so a claim
// that raced the caller's timeout always wins. With force the task is reset
// from any status, including terminal ones, which is the single sanctioned
// exit from completed or failed.
func (s *Store) ReassignTask(ctx context.Context, id string, force bool) (protocol.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Task{}, fmt.Errorf("task reassign begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := getTask(ctx, tx, id)
	if err != nil {
		return protocol.Task{}, err
	}

	if !force {
		if task.Status != protocol.TaskPending || (task.TargetEndpoint == "" && task.WorkerID == "") {
			// Nothing to clear. Either a worker holds the task, it already
			// finished, or a previous reset got here first.
			return task, nil
		}
	}

	task, err = resetTask(ctx, tx, task, force)
	if err != nil {
		return protocol.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return protocol.Task{}, fmt.Errorf("task reassign commit: %w", err)
	}
	return task, nil
}

// resetTask clears the task's offer and worker binding and appends the
// task:reassigned event. Non-forced resets are compare-and-swap guarded on
// the pending status; a concurrent claim leaves the task untouched.
func resetTask(ctx context.Context, tx *sql.Tx, task protocol.Task, forced bool) (protocol.Task, error) {
	status := protocol.TaskPending
	if len(task.BlockedBy) > 0 {
		status = protocol.TaskBlocked
	}

	var res sql.Result
	var err error
	if forced {
		res, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, target_endpoint = '', offer_expires_at = 0, worker_id = '', updated_at = datetime('now')
			 WHERE id = ?`,
			string(status), task.ID,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, target_endpoint = '', offer_expires_at = 0, worker_id = '', updated_at = datetime('now')
			 WHERE id = ? AND status = 'pending'`,
			string(status), task.ID,
		)
	}
	if err != nil {
		return protocol.Task{}, fmt.Errorf("task reset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return protocol.Task{}, fmt.Errorf("task reset rows affected: %w", err)
	}
	if affected == 0 {
		return getTask(ctx, tx, task.ID)
	}

	task, err = getTask(ctx, tx, task.ID)
	if err != nil {
		return protocol.Task{}, err
	}

	if err := appendEventTx(ctx, tx, protocol.Event{
		Type:        protocol.EventTaskReassigned,
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		Payload:     payloadJSON(protocol.ReassignedPayload{TaskID: task.ID, Status: task.Status, Forced: forced}),
	}); err != nil {
		return protocol.Task{}, err
	}
	return task, nil
}

// ClaimTask atomically hands the best eligible pending task to the claiming
// worker. Tasks targeted at the claimer's endpoint are preferred; tasks
// targeted elsewhere are invisible until their offer expires. Claimed false
// with no error means nothing was eligible.
func (s *Store) ClaimTask(ctx context.Context, req protocol.ClaimRequest) (protocol.ClaimResponse, error) {
	if req.WorkerID == "" {
		return protocol.ClaimResponse{}, fmt.Errorf("task claim: worker id is required")
	}
	if len(req.WorkspaceIDs) == 0 {
		return protocol.ClaimResponse{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.ClaimResponse{}, fmt.Errorf("task claim begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, ok, err := nextClaimable(ctx, tx, req)
	if err != nil {
		return protocol.ClaimResponse{}, err
	}
	if !ok {
		return protocol.ClaimResponse{}, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'assigned', worker_id = ?, offer_expires_at = 0, updated_at = datetime('now')
		 WHERE id = ? AND status = 'pending'`,
		req.WorkerID, task.ID,
	)
	if err != nil {
		return protocol.ClaimResponse{}, fmt.Errorf("task claim update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return protocol.ClaimResponse{}, fmt.Errorf("task claim rows affected: %w", err)
	}
	if affected == 0 {
		return protocol.ClaimResponse{}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workers (id, task_id, workspace_id, endpoint, status)
		 VALUES (?, ?, ?, ?, 'starting')
		 ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			workspace_id = excluded.workspace_id,
			endpoint = excluded.endpoint,
			status = 'starting',
			waiting_for = '',
			updated_at = datetime('now')`,
		req.WorkerID, task.ID, task.WorkspaceID, req.Endpoint,
	); err != nil {
		return protocol.ClaimResponse{}, fmt.Errorf("task claim worker upsert: %w", err)
	}

	task, err = getTask(ctx, tx, task.ID)
	if err != nil {
		return protocol.ClaimResponse{}, err
	}

	claimed := protocol.ClaimedPayload{TaskID: task.ID, WorkerID: req.WorkerID, Endpoint: req.Endpoint}
	if err := appendEventTx(ctx, tx, protocol.Event{
		Type:        protocol.EventTaskClaimed,
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		WorkerID:    req.WorkerID,
		Payload:     payloadJSON(claimed),
	}); err != nil {
		return protocol.ClaimResponse{}, err
	}
	if err := appendEventTx(ctx, tx, protocol.Event{
		Type:        protocol.EventTaskAssigned,
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		WorkerID:    req.WorkerID,
		Payload:     payloadJSON(protocol.AssignedPayload(claimed)),
	}); err != nil {
		return protocol.ClaimResponse{}, err
	}

	if err := tx.Commit(); err != nil {
		return protocol.ClaimResponse{}, fmt.Errorf("task claim commit: %w", err)
	}
	return protocol.ClaimResponse{Claimed: true, Task: &task}, nil
}

// nextClaimable picks the claim candidate: highest priority first, oldest
// first within a priority, targeted offers for this endpoint before the
// open pool.
func nextClaimable(ctx context.Context, tx *sql.Tx, req protocol.ClaimRequest) (protocol.Task, bool, error) {
	ph := placeholders(len(req.WorkspaceIDs))
	wsArgs := make([]any, 0, len(req.WorkspaceIDs))
	for _, id := range req.WorkspaceIDs {
		wsArgs = append(wsArgs, id)
	}

	if req.Endpoint != "" {
		q := `SELECT ` + taskColumns + ` FROM tasks
			WHERE status = 'pending' AND target_endpoint = ? AND workspace_id IN (` + ph + `)
			ORDER BY priority DESC, created_at ASC, rowid ASC
			LIMIT 1`
		row := tx.QueryRowContext(ctx, q, append([]any{req.Endpoint}, wsArgs...)...)
		task, err := scanTask(row)
		if err == nil {
			return task, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return protocol.Task{}, false, fmt.Errorf("task claim targeted query: %w", err)
		}
	}

	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'pending' AND target_endpoint = '' AND workspace_id IN (` + ph + `)
		ORDER BY priority DESC, created_at ASC, rowid ASC
		LIMIT 1`
	row := tx.QueryRowContext(ctx, q, wsArgs...)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Task{}, false, nil
	}
	if err != nil {
		return protocol.Task{}, false, fmt.Errorf("task claim pool query: %w", err)
	}
	return task, true, nil
}

// SweepExpiredOffers clears targeted offers whose acceptance window lapsed
// and returns the tasks it reset. The update is compare-and-swap guarded on
// both status and the observed expiry, so concurrent sweeps and racing
// claims each settle a task exactly once.
func (s *Store) SweepExpiredOffers(ctx context.Context) ([]protocol.Task, error) {
	now := s.nowFunc().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("offer sweep begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'pending' AND target_endpoint != '' AND offer_expires_at > 0 AND offer_expires_at <= ?`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("offer sweep query: %w", err)
	}

	var expired []protocol.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("offer sweep scan: %w", err)
		}
		expired = append(expired, task)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("offer sweep rows: %w", err)
	}
	_ = rows.Close()

	var swept []protocol.Task
	for _, task := range expired {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET target_endpoint = '', offer_expires_at = 0, updated_at = datetime('now')
			 WHERE id = ? AND status = 'pending' AND offer_expires_at = ?`,
			task.ID, task.OfferExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("offer sweep update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("offer sweep rows affected: %w", err)
		}
		if affected == 0 {
			continue
		}

		task.TargetEndpoint = ""
		task.OfferExpiresAt = 0
		if err := appendEventTx(ctx, tx, protocol.Event{
			Type:        protocol.EventTaskReassigned,
			WorkspaceID: task.WorkspaceID,
			TaskID:      task.ID,
			Payload:     payloadJSON(protocol.ReassignedPayload{TaskID: task.ID, Status: task.Status, Forced: false}),
		}); err != nil {
			return nil, err
		}
		swept = append(swept, task)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("offer sweep commit: %w", err)
	}
	return swept, nil
}
