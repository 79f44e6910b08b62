package protocol

// Wire types for the relay HTTP API and the worker endpoint surface.
// All bodies are JSON.

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	WorkspaceID    string   `json:"workspace_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	BlockedBy      []string `json:"blocked_by,omitempty"`
	TargetEndpoint string   `json:"target_endpoint,omitempty"`
}

// HeartbeatReport is the body of POST /api/heartbeats, sent periodically by
// worker agents.
type HeartbeatReport struct {
	Endpoint      string   `json:"endpoint"`
	AccountID     string   `json:"account_id"`
	AccountName   string   `json:"account_name,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
	ActiveWorkers int      `json:"active_workers"`
	WorkspaceIDs  []string `json:"workspace_ids"`
	ViewerToken   string   `json:"viewer_token,omitempty"`
}

// ClaimRequest is the body of POST /api/claims. The relay picks the best
// eligible pending task for the claiming endpoint, or none.
type ClaimRequest struct {
	Endpoint     string   `json:"endpoint"`
	WorkerID     string   `json:"worker_id"`
	WorkspaceIDs []string `json:"workspace_ids"`
}

// ClaimResponse reports the claim outcome. Claimed false with a nil Task
// means nothing was eligible; that is not an error.
type ClaimResponse struct {
	Claimed bool  `json:"claimed"`
	Task    *Task `json:"task,omitempty"`
}

// InstructRequest is the body of POST /api/workers/{id}/instruct (relay
// path) and the queued form of an operator message.
type InstructRequest struct {
	Message  string `json:"message"`
	Type     string `json:"type,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// InstructResponse acknowledges a queued instruction. Queued acknowledges
// acceptance for eventual delivery, not end-to-end delivery.
type InstructResponse struct {
	Queued        bool  `json:"queued"`
	InstructionID int64 `json:"instruction_id"`
}

// StatusReport is the body of POST /api/workers/{id}/status: a worker's
// self-reported progress. ConsumedInstructionID, when set, marks that
// instruction processed so its pending flag clears.
type StatusReport struct {
	TaskID                string       `json:"task_id"`
	Status                WorkerStatus `json:"status"`
	WaitingFor            *WaitingFor  `json:"waiting_for,omitempty"`
	Detail                string       `json:"detail,omitempty"`
	ConsumedInstructionID int64        `json:"consumed_instruction_id,omitempty"`
}

// StatusAck is the response of POST /api/workers/{id}/status. A non-nil
// Instruction is the worker's current pending instruction; the worker acts
// on it and acknowledges with ConsumedInstructionID on its next report.
type StatusAck struct {
	Worker      Worker       `json:"worker"`
	Task        Task         `json:"task"`
	Instruction *Instruction `json:"instruction,omitempty"`
}

// HealthStatus is the response of GET {endpoint}/health on a worker
// endpoint, and what a successful probe yields.
type HealthStatus struct {
	Alive         bool `json:"alive"`
	MaxConcurrent int  `json:"max_concurrent"`
	ActiveWorkers int  `json:"active_workers"`
	Capacity      int  `json:"capacity"`
}

// SendRequest is the body of POST {endpoint}/workers/{id}/send, the
// direct-connect delivery path. A 2xx response means accepted.
type SendRequest struct {
	Message string `json:"message"`
}

// ReassignRequest is the body of POST /api/tasks/{id}/reassign. Force also
// resets non-pending (including terminal) tasks; without it only an open
// targeted offer is cleared.
type ReassignRequest struct {
	Force bool `json:"force,omitempty"`
}
