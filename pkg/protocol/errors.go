package protocol

import "fmt"

// UnreachableError represents a probe or direct-send network failure.
// Never fatal: callers fall back to the relay path or report the endpoint
// unavailable, they do not abort the session.
type UnreachableError struct {
	Endpoint string
	Op       string // "probe", "send"
	Reason   string // human-readable cause (e.g., "connection timeout")
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("endpoint %s unreachable during %s: %s", e.Endpoint, e.Op, e.Reason)
}

// RequestRejectedError represents a non-2xx response to a mutating call
// (reassign, instruct, claim). Surfaced to the initiating observer as-is;
// callers must not retry automatically.
type RequestRejectedError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RequestRejectedError) Error() string {
	return fmt.Sprintf("%s rejected with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// MalformedResponseError represents an unexpected payload shape from a
// collaborator. Treated as Unreachable for fallback purposes so sessions
// degrade instead of crashing.
type MalformedResponseError struct {
	Op     string
	Detail string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %s", e.Op, e.Detail)
}

// TaskNotFoundError represents a task lookup failure.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// WorkerNotFoundError represents a worker lookup failure.
type WorkerNotFoundError struct {
	WorkerID string
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker %s not found", e.WorkerID)
}
