package assign

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/eventbus"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// Outcome is the final result of an assignment attempt.
type Outcome string

// Attempt outcomes. Pending means unresolved.
const (
	OutcomePending            Outcome = "pending"
	OutcomeClaimed            Outcome = "claimed"
	OutcomeTimedOutReassigned Outcome = "timed_out_reassigned"
	OutcomeCancelled          Outcome = "cancelled"
)

// attemptState is the explicit state machine every signal feeds into:
// idle -> waiting -> resolved. First signal wins; everything after is a
// no-op, enforced in resolve and nowhere else.
type attemptState int

const (
	stateIdle attemptState = iota
	stateWaiting
	stateResolved
)

// attemptSignal is one input to the state machine. Both the push callback
// and the poll tick produce these.
type attemptSignal struct {
	claimed  bool
	workerID string
	endpoint string
	cancel   bool
}

// Resolution is the settled result of an attempt. Err carries a rejected
// reassignment call; it is surfaced once, never retried.
type Resolution struct {
	Outcome  Outcome
	WorkerID string
	Endpoint string
	Err      error
}

// Attempt is one bounded acceptance window for one targeted task. At most
// one live attempt exists per task.
type Attempt struct {
	TaskID         string
	WorkspaceID    string
	TargetEndpoint string
	StartedAt      time.Time
	Deadline       time.Time

	coordinator *Coordinator
	signals     chan attemptSignal
	done        chan struct{}

	mu         sync.Mutex
	state      attemptState
	resolution Resolution
	handle     *eventbus.Handle
}

// start subscribes the push signal and launches the state machine loop.
func (a *Attempt) start(ctx context.Context) {
	a.mu.Lock()
	if a.state != stateIdle {
		a.mu.Unlock()
		return
	}
	a.state = stateWaiting

	handle := a.coordinator.bus.Subscribe(protocol.WorkspaceScope(a.WorkspaceID))
	handle.On(protocol.EventTaskClaimed, func(ev protocol.Event) {
		var p protocol.ClaimedPayload
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return
		}
		if p.TaskID != a.TaskID {
			return
		}
		a.feed(attemptSignal{claimed: true, workerID: p.WorkerID, endpoint: p.Endpoint})
	})
	a.handle = handle
	a.mu.Unlock()

	go a.run(ctx)
}

// feed offers a signal to the loop. Dropping on a full or settled channel is
// fine: any buffered signal already resolves the attempt.
func (a *Attempt) feed(sig attemptSignal) {
	select {
	case a.signals <- sig:
	default:
	}
}

// run owns the attempt lifecycle: the deadline timer, the poll ticker, and
// the signal channel all land here, so "first signal wins" lives in exactly
// one place.
func (a *Attempt) run(ctx context.Context) {
	remaining := time.Until(a.Deadline)
	if remaining < 0 {
		remaining = 0
	}
	deadline := time.NewTimer(remaining)
	defer deadline.Stop()
	poll := time.NewTicker(a.coordinator.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			a.resolve(Resolution{Outcome: OutcomeCancelled})
			return

		case sig := <-a.signals:
			if sig.cancel {
				a.resolve(Resolution{Outcome: OutcomeCancelled})
				return
			}
			a.resolve(Resolution{Outcome: OutcomeClaimed, WorkerID: sig.workerID, Endpoint: sig.endpoint})
			return

		case <-poll.C:
			task, err := a.coordinator.store.GetTask(ctx, a.TaskID)
			if err != nil {
				// Poll failures are tolerated: the push signal and the
				// deadline still resolve the attempt.
				continue
			}
			if protocol.IsActive(task.Status) || protocol.IsTerminal(task.Status) {
				a.resolve(Resolution{Outcome: OutcomeClaimed, WorkerID: task.WorkerID})
				return
			}

		case <-deadline.C:
			res := Resolution{Outcome: OutcomeTimedOutReassigned}
			if _, err := a.coordinator.store.ReassignTask(ctx, a.TaskID, false); err != nil {
				res.Err = err
			}
			a.resolve(res)
			return
		}
	}
}

// resolve settles the attempt exactly once and releases the subscription.
func (a *Attempt) resolve(res Resolution) {
	a.mu.Lock()
	if a.state == stateResolved {
		a.mu.Unlock()
		return
	}
	a.state = stateResolved
	a.resolution = res
	handle := a.handle
	a.handle = nil
	a.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	close(a.done)
}

// Cancel stops the attempt without reassignment. Allowed only while the
// outcome is still pending; reports whether the attempt ended cancelled.
func (a *Attempt) Cancel() bool {
	a.mu.Lock()
	if a.state == stateResolved {
		a.mu.Unlock()
		return false
	}
	a.mu.Unlock()
	a.feed(attemptSignal{cancel: true})
	<-a.done

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolution.Outcome == OutcomeCancelled
}

// Done is closed once the attempt settles.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Outcome returns the current outcome, OutcomePending until settled.
func (a *Attempt) Outcome() Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != stateResolved {
		return OutcomePending
	}
	return a.resolution.Outcome
}

// Resolution returns the settled result. Valid after Done is closed.
func (a *Attempt) Resolution() Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolution
}

// Wait blocks until the attempt settles or ctx ends.
func (a *Attempt) Wait(ctx context.Context) (Resolution, error) {
	select {
	case <-a.done:
		return a.Resolution(), nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}
