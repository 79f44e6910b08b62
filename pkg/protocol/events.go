package protocol

// EventType names a status-change event fanned out to observer sessions.
type EventType string

// Event type constants. Workspace scopes receive all of them; task and
// worker scopes receive the subset carrying the matching ID.
const (
	EventTaskCreated    EventType = "task:created"
	EventTaskClaimed    EventType = "task:claimed"
	EventTaskAssigned   EventType = "task:assigned"
	EventTaskUnblocked  EventType = "task:unblocked"
	EventTaskReassigned EventType = "task:reassigned"
	EventWorkerProgress EventType = "worker:progress"
	EventWorkerDone     EventType = "worker:completed"
	EventWorkerFailed   EventType = "worker:failed"
)

// Scope helpers. Subscriptions are keyed by these strings.
func WorkspaceScope(id string) string { return "workspace-" + id }
func TaskScope(id string) string      { return "task-" + id }
func WorkerScope(id string) string    { return "worker-" + id }

// Event represents a row in the events SQLite table and the unit of fan-out
// on the event bus. Payload holds event-specific JSON (see the *Payload
// types below).
type Event struct {
	ID          int64     `json:"id"`
	Type        EventType `json:"type"`
	WorkspaceID string    `json:"workspace_id"`
	TaskID      string    `json:"task_id,omitempty"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Payload     string    `json:"payload,omitempty"`
	CreatedAt   string    `json:"created_at"`
}

// Scopes returns every scope this event is delivered to.
func (e Event) Scopes() []string {
	scopes := []string{WorkspaceScope(e.WorkspaceID)}
	if e.TaskID != "" {
		scopes = append(scopes, TaskScope(e.TaskID))
	}
	if e.WorkerID != "" {
		scopes = append(scopes, WorkerScope(e.WorkerID))
	}
	return scopes
}

// CreatedPayload is the payload of task:created: the task as stored.
type CreatedPayload struct {
	Task Task `json:"task"`
}

// ClaimedPayload is the payload of task:claimed. Endpoint is the claiming
// worker's direct-connect address, surfaced so the assignment flow can hand
// the caller a usable peer.
type ClaimedPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Endpoint string `json:"endpoint,omitempty"`
}

// AssignedPayload is the payload of task:assigned, emitted once the worker
// record for a claim exists.
type AssignedPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Endpoint string `json:"endpoint,omitempty"`
}

// UnblockedPayload is the payload of task:unblocked. Status is the
// server-decided status after the blocking set drained (normally pending).
type UnblockedPayload struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}

// ReassignedPayload is the payload of task:reassigned. Forced marks an
// explicit operator reset, the only transition allowed out of a terminal
// status.
type ReassignedPayload struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Forced bool       `json:"forced,omitempty"`
}

// ProgressPayload is the payload of worker:progress, worker:completed and
// worker:failed.
type ProgressPayload struct {
	WorkerID   string       `json:"worker_id"`
	TaskID     string       `json:"task_id"`
	Status     WorkerStatus `json:"status"`
	WaitingFor *WaitingFor  `json:"waiting_for,omitempty"`
	Detail     string       `json:"detail,omitempty"`
}
