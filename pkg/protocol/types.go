package protocol

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task status constants.
const (
	TaskPending              TaskStatus = "pending"
	TaskBlocked              TaskStatus = "blocked"
	TaskAssigned             TaskStatus = "assigned"
	TaskRunning              TaskStatus = "running"
	TaskWaitingInput         TaskStatus = "waiting_input"
	TaskAwaitingPlanApproval TaskStatus = "awaiting_plan_approval"
	TaskCompleted            TaskStatus = "completed"
	TaskFailed               TaskStatus = "failed"
)

// Valid reports whether s is one of the known task status values.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskBlocked, TaskAssigned, TaskRunning,
		TaskWaitingInput, TaskAwaitingPlanApproval, TaskCompleted, TaskFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is absorbing: once a task reaches completed or
// failed it never leaves except through a forced reassignment.
func IsTerminal(s TaskStatus) bool {
	return s == TaskCompleted || s == TaskFailed
}

// IsActive reports whether a worker currently holds the task.
func IsActive(s TaskStatus) bool {
	switch s {
	case TaskAssigned, TaskRunning, TaskWaitingInput, TaskAwaitingPlanApproval:
		return true
	default:
		return false
	}
}

// IsWaiting reports whether the task is parked on operator input.
func IsWaiting(s TaskStatus) bool {
	return s == TaskWaitingInput || s == TaskAwaitingPlanApproval
}

// WorkerStatus represents the state a worker self-reports while running a task.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStarting             WorkerStatus = "starting" // claimed, run not yet begun
	WorkerRunning              WorkerStatus = "running"
	WorkerWaitingInput         WorkerStatus = "waiting_input"
	WorkerAwaitingPlanApproval WorkerStatus = "awaiting_plan_approval"
	WorkerCompleted            WorkerStatus = "completed"
	WorkerFailed               WorkerStatus = "failed"
)

// Valid reports whether s is one of the known worker status values.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStarting, WorkerRunning, WorkerWaitingInput,
		WorkerAwaitingPlanApproval, WorkerCompleted, WorkerFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a final worker state. Terminal workers are
// immutable; later reports for them are dropped.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerCompleted || s == WorkerFailed
}

// TaskStatusFor maps a worker-reported status to the task-level status.
// Fixed table: completed and failed carry over, waiting_input and running
// carry over, everything else means the worker holds the task but has not
// reported a more specific state yet.
func TaskStatusFor(s WorkerStatus) TaskStatus {
	switch s {
	case WorkerCompleted:
		return TaskCompleted
	case WorkerFailed:
		return TaskFailed
	case WorkerWaitingInput:
		return TaskWaitingInput
	case WorkerRunning:
		return TaskRunning
	default:
		return TaskAssigned
	}
}

// Task represents a unit of work handed off to a worker.
type Task struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspace_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Priority       int        `json:"priority"`
	Status         TaskStatus `json:"status"`
	BlockedBy      []string   `json:"blocked_by,omitempty"`      // task IDs that must finish first
	TargetEndpoint string     `json:"target_endpoint,omitempty"` // non-empty while an offer is open
	OfferExpiresAt int64      `json:"offer_expires_at,omitempty"` // unix millis; 0 = no open offer
	WorkerID       string     `json:"worker_id,omitempty"`       // claiming worker, set on claim
	CreatedAt      string     `json:"created_at"`
	UpdatedAt      string     `json:"updated_at"`
}

// WaitingFor describes the operator input a worker is parked on.
type WaitingFor struct {
	Type    string   `json:"type"` // input | plan_approval
	Prompt  string   `json:"prompt,omitempty"`
	Options []string `json:"options,omitempty"`
}

// Worker represents a worker run bound to a claimed task. Immutable once
// Status reaches a terminal value.
type Worker struct {
	ID                 string       `json:"id"`
	TaskID             string       `json:"task_id"`
	WorkspaceID        string       `json:"workspace_id"`
	Endpoint           string       `json:"endpoint,omitempty"`
	Status             WorkerStatus `json:"status"`
	WaitingFor         *WaitingFor  `json:"waiting_for,omitempty"`
	PendingInstruction string       `json:"pending_instruction,omitempty"` // newest unconsumed instruction
	CreatedAt          string       `json:"created_at"`
	UpdatedAt          string       `json:"updated_at"`
}

// WorkerEndpointInfo is a worker endpoint's self-reported capacity snapshot,
// refreshed by each heartbeat.
type WorkerEndpointInfo struct {
	Endpoint      string   `json:"endpoint"`
	AccountID     string   `json:"account_id"`
	AccountName   string   `json:"account_name,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
	ActiveWorkers int      `json:"active_workers"`
	WorkspaceIDs  []string `json:"workspace_ids"`
	ViewerToken   string   `json:"viewer_token,omitempty"`
	LastSeenAt    string   `json:"last_seen_at"`
}

// Capacity returns free run slots, clamped so it is never negative.
func (w WorkerEndpointInfo) Capacity() int {
	c := w.MaxConcurrent - w.ActiveWorkers
	if c < 0 {
		return 0
	}
	return c
}

// ServesWorkspace reports whether the endpoint accepts work for workspaceID.
func (w WorkerEndpointInfo) ServesWorkspace(workspaceID string) bool {
	for _, id := range w.WorkspaceIDs {
		if id == workspaceID {
			return true
		}
	}
	return false
}
