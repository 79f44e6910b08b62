package protocol

// Instruction represents a row in the instructions SQLite table.
// Persistent relay queue: the newest pending row per worker is the worker's
// pendingInstruction; older pending rows are superseded on enqueue
// (last-write-wins).
type Instruction struct {
	ID         int64  `json:"id"`
	WorkerID   string `json:"worker_id"`
	Message    string `json:"message"`
	Type       string `json:"type,omitempty"`
	Priority   int    `json:"priority"`
	Status     string `json:"status"` // pending, consumed, superseded
	CreatedAt  string `json:"created_at"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

// Instruction status constants.
const (
	InstructionPending    = "pending"
	InstructionConsumed   = "consumed"
	InstructionSuperseded = "superseded"
)
