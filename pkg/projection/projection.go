// Package projection reduces incoming events into an observer's view of
// tasks and workers. The reducer is pure: Apply never mutates its input
// state, so a session can replay or discard safely.
package projection

import (
	"encoding/json"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// TaskView is the observer-side record of one task.
type TaskView struct {
	ID             string
	WorkspaceID    string
	Title          string
	Priority       int
	Status         protocol.TaskStatus
	BlockedBy      []string
	TargetEndpoint string
	OfferExpiresAt int64 // unix millis; 0 = no open offer
	WorkerID       string
	UpdatedAt      string
}

// WorkerView is the observer-side record of one worker run. Immutable once
// Status is terminal.
type WorkerView struct {
	ID         string
	TaskID     string
	Endpoint   string
	Status     protocol.WorkerStatus
	WaitingFor *protocol.WaitingFor
	UpdatedAt  string
}

// State is the projected view. Values, not pointers: Apply returns a new
// State and leaves the old one intact.
type State struct {
	Tasks   map[string]TaskView
	Workers map[string]WorkerView
}

// NewState returns an empty projection.
func NewState() State {
	return State{
		Tasks:   make(map[string]TaskView),
		Workers: make(map[string]WorkerView),
	}
}

func (s State) clone() State {
	out := State{
		Tasks:   make(map[string]TaskView, len(s.Tasks)),
		Workers: make(map[string]WorkerView, len(s.Workers)),
	}
	for k, v := range s.Tasks {
		out.Tasks[k] = v
	}
	for k, v := range s.Workers {
		out.Workers[k] = v
	}
	return out
}

// Change reports what applying one event did, so callers fire downstream
// side effects exactly once. A duplicate event yields a zero Change even
// though bookkeeping fields (UpdatedAt) still refresh.
type Change struct {
	TaskTransitioned   bool
	WorkerTransitioned bool
	Malformed          bool // payload did not decode; event dropped, caller should log
	TaskID             string
	WorkerID           string
}

// Apply reduces one event into the state. Rules, in priority order:
// terminal statuses never regress (events that would are dropped), duplicate
// events update bookkeeping without reporting a transition, worker statuses
// map to task statuses through protocol.TaskStatusFor, and task:unblocked
// only applies to tasks currently blocked.
func Apply(s State, ev protocol.Event) (State, Change) {
	switch ev.Type {
	case protocol.EventTaskCreated:
		var p protocol.CreatedPayload
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return s, Change{Malformed: true}
		}
		return applyTaskSnapshot(s, p.Task, ev.CreatedAt)

	case protocol.EventTaskClaimed, protocol.EventTaskAssigned:
		var p protocol.ClaimedPayload
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return s, Change{Malformed: true}
		}
		return applyClaim(s, p, ev.CreatedAt)

	case protocol.EventTaskUnblocked:
		var p protocol.UnblockedPayload
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return s, Change{Malformed: true}
		}
		return applyUnblock(s, p, ev.CreatedAt)

	case protocol.EventTaskReassigned:
		var p protocol.ReassignedPayload
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return s, Change{Malformed: true}
		}
		return applyReassign(s, p, ev.CreatedAt)

	case protocol.EventWorkerProgress, protocol.EventWorkerDone, protocol.EventWorkerFailed:
		var p protocol.ProgressPayload
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return s, Change{Malformed: true}
		}
		return applyProgress(s, p, ev.CreatedAt)

	default:
		return s, Change{}
	}
}

// ApplyTaskSnapshot merges a polled task snapshot under the same rules as
// events, so the poll fallback can never undo what a push applied.
func ApplyTaskSnapshot(s State, task protocol.Task) (State, Change) {
	return applyTaskSnapshot(s, task, task.UpdatedAt)
}

// ApplyWorkerSnapshot merges a polled worker snapshot. Terminal worker
// records stay immutable, same as the event path.
func ApplyWorkerSnapshot(s State, worker protocol.Worker) (State, Change) {
	cur, known := s.Workers[worker.ID]
	if known && cur.Status.Terminal() {
		return s, Change{}
	}

	next := WorkerView{
		ID:         worker.ID,
		TaskID:     worker.TaskID,
		Endpoint:   worker.Endpoint,
		Status:     worker.Status,
		WaitingFor: worker.WaitingFor,
		UpdatedAt:  worker.UpdatedAt,
	}

	out := s.clone()
	out.Workers[worker.ID] = next
	if known && sameWorker(cur, next) {
		return out, Change{}
	}
	return out, Change{WorkerTransitioned: true, WorkerID: worker.ID}
}

func applyTaskSnapshot(s State, task protocol.Task, at string) (State, Change) {
	cur, known := s.Tasks[task.ID]
	next := TaskView{
		ID:             task.ID,
		WorkspaceID:    task.WorkspaceID,
		Title:          task.Title,
		Priority:       task.Priority,
		Status:         task.Status,
		BlockedBy:      task.BlockedBy,
		TargetEndpoint: task.TargetEndpoint,
		OfferExpiresAt: task.OfferExpiresAt,
		WorkerID:       task.WorkerID,
		UpdatedAt:      at,
	}

	if known && protocol.IsTerminal(cur.Status) && !protocol.IsTerminal(task.Status) {
		return s, Change{}
	}

	out := s.clone()
	out.Tasks[task.ID] = next
	if known && sameTask(cur, next) {
		return out, Change{}
	}
	return out, Change{TaskTransitioned: true, TaskID: task.ID}
}

func applyClaim(s State, p protocol.ClaimedPayload, at string) (State, Change) {
	cur, known := s.Tasks[p.TaskID]
	if !known {
		// Claim can arrive before the created event on a fresh
		// subscription; start a skeleton record.
		cur = TaskView{ID: p.TaskID}
	}
	if protocol.IsTerminal(cur.Status) {
		return s, Change{}
	}

	next := cur
	next.Status = protocol.TaskAssigned
	next.WorkerID = p.WorkerID
	next.OfferExpiresAt = 0
	next.UpdatedAt = at

	out := s.clone()
	out.Tasks[p.TaskID] = next

	// The claim is also where the observer learns the worker's identity and
	// direct endpoint.
	if p.WorkerID != "" {
		if w, ok := out.Workers[p.WorkerID]; ok {
			w.TaskID = p.TaskID
			if p.Endpoint != "" {
				w.Endpoint = p.Endpoint
			}
			out.Workers[p.WorkerID] = w
		} else {
			out.Workers[p.WorkerID] = WorkerView{
				ID:        p.WorkerID,
				TaskID:    p.TaskID,
				Endpoint:  p.Endpoint,
				Status:    protocol.WorkerStarting,
				UpdatedAt: at,
			}
		}
	}

	if known && sameTask(cur, next) {
		return out, Change{}
	}
	return out, Change{TaskTransitioned: true, TaskID: p.TaskID, WorkerID: p.WorkerID}
}

func applyUnblock(s State, p protocol.UnblockedPayload, at string) (State, Change) {
	cur, known := s.Tasks[p.TaskID]
	if !known || cur.Status != protocol.TaskBlocked {
		return s, Change{}
	}

	next := cur
	next.Status = p.Status
	next.UpdatedAt = at

	out := s.clone()
	out.Tasks[p.TaskID] = next
	return out, Change{TaskTransitioned: true, TaskID: p.TaskID}
}

func applyReassign(s State, p protocol.ReassignedPayload, at string) (State, Change) {
	cur, known := s.Tasks[p.TaskID]
	if !known {
		return s, Change{}
	}
	// Only an explicit forced reset may pull a task out of a terminal status.
	if protocol.IsTerminal(cur.Status) && !p.Forced {
		return s, Change{}
	}

	next := cur
	next.Status = p.Status
	next.WorkerID = ""
	next.TargetEndpoint = ""
	next.OfferExpiresAt = 0
	next.UpdatedAt = at

	out := s.clone()
	out.Tasks[p.TaskID] = next
	if sameTask(cur, next) {
		return out, Change{}
	}
	return out, Change{TaskTransitioned: true, TaskID: p.TaskID}
}

func applyProgress(s State, p protocol.ProgressPayload, at string) (State, Change) {
	out := s.clone()
	change := Change{TaskID: p.TaskID, WorkerID: p.WorkerID}

	// Worker record: immutable once terminal.
	curW, knownW := s.Workers[p.WorkerID]
	if !knownW {
		curW = WorkerView{ID: p.WorkerID, TaskID: p.TaskID}
	}
	workerTerminal := knownW && curW.Status.Terminal()
	if !workerTerminal {
		nextW := curW
		nextW.Status = p.Status
		nextW.TaskID = p.TaskID
		// waitingFor lives only while the worker is parked on input.
		if p.Status == protocol.WorkerWaitingInput || p.Status == protocol.WorkerAwaitingPlanApproval {
			nextW.WaitingFor = p.WaitingFor
		} else {
			nextW.WaitingFor = nil
		}
		nextW.UpdatedAt = at
		out.Workers[p.WorkerID] = nextW
		if !knownW || !sameWorker(curW, nextW) {
			change.WorkerTransitioned = true
		}
	}

	// Task record: fixed mapping, only while not already terminal and not
	// bound to some other worker. A worker yanked off its task keeps its
	// reports on the worker record alone once the task is claimed again.
	if p.TaskID != "" {
		curT, knownT := out.Tasks[p.TaskID]
		if !knownT {
			curT = TaskView{ID: p.TaskID}
		}
		boundElsewhere := curT.WorkerID != "" && curT.WorkerID != p.WorkerID
		if !protocol.IsTerminal(curT.Status) && !boundElsewhere {
			nextT := curT
			nextT.Status = protocol.TaskStatusFor(p.Status)
			nextT.WorkerID = p.WorkerID
			nextT.UpdatedAt = at
			out.Tasks[p.TaskID] = nextT
			if !knownT || !sameTask(curT, nextT) {
				change.TaskTransitioned = true
			}
		}
	}

	return out, change
}

// sameTask compares everything that counts as a transition. UpdatedAt is
// bookkeeping, not a transition.
func sameTask(a, b TaskView) bool {
	return a.Status == b.Status &&
		a.WorkerID == b.WorkerID &&
		a.TargetEndpoint == b.TargetEndpoint &&
		a.Title == b.Title &&
		a.Priority == b.Priority
}

func sameWorker(a, b WorkerView) bool {
	if a.Status != b.Status || a.TaskID != b.TaskID || a.Endpoint != b.Endpoint {
		return false
	}
	aw, bw := a.WaitingFor, b.WaitingFor
	if (aw == nil) != (bw == nil) {
		return false
	}
	if aw == nil {
		return true
	}
	return aw.Type == bw.Type && aw.Prompt == bw.Prompt
}
