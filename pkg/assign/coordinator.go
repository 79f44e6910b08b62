// Package assign coordinates handing a task to a specific worker endpoint:
// it opens a bounded acceptance window, races the push claim signal against
// a status poll, and reassigns the task to the open pool exactly once when
// the window lapses.
package assign

import (
	"context"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/eventbus"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// TaskStore is the storage collaborator the coordinator drives. The relay
// client implements it; tests use fakes.
type TaskStore interface {
	CreateTask(ctx context.Context, req protocol.CreateTaskRequest) (protocol.Task, error)
	GetTask(ctx context.Context, id string) (protocol.Task, error)
	ReassignTask(ctx context.Context, id string, force bool) (protocol.Task, error)
}

// Config holds Coordinator configuration.
type Config struct {
	Window       time.Duration // acceptance window (default protocol.AcceptanceWindow)
	PollInterval time.Duration // claim poll cadence (default protocol.ClaimPollInterval)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Window == 0 {
		out.Window = protocol.AcceptanceWindow
	}
	if out.PollInterval == 0 {
		out.PollInterval = protocol.ClaimPollInterval
	}
	return out
}

// Coordinator submits tasks and runs assignment attempts. One per observer
// session, wired to that session's bus.
type Coordinator struct {
	cfg   Config
	store TaskStore
	bus   *eventbus.Bus

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Coordinator. The bus must be the session's own instance.
func New(store TaskStore, bus *eventbus.Bus, cfg Config) *Coordinator {
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		store:   store,
		bus:     bus,
		nowFunc: time.Now,
	}
}

// Submit creates the task. Without a target endpoint the task simply enters
// the pending pool and the returned Attempt is nil. With a target, an
// assignment attempt starts immediately and runs until claim, timeout,
// cancel, or ctx end.
func (c *Coordinator) Submit(ctx context.Context, req protocol.CreateTaskRequest) (protocol.Task, *Attempt, error) {
	task, err := c.store.CreateTask(ctx, req)
	if err != nil {
		return protocol.Task{}, nil, err
	}
	if req.TargetEndpoint == "" {
		return task, nil, nil
	}

	a := c.newAttempt(task)
	if task.Status != protocol.TaskPending {
		// Claimed before we even subscribed.
		a.resolve(Resolution{Outcome: OutcomeClaimed, WorkerID: task.WorkerID})
		return task, a, nil
	}
	a.start(ctx)
	return task, a, nil
}

// Watch opens an attempt for an already-created targeted task, used when the
// submitting flow and the watching flow are different sessions.
func (c *Coordinator) Watch(ctx context.Context, task protocol.Task) *Attempt {
	a := c.newAttempt(task)
	if task.Status != protocol.TaskPending {
		a.resolve(Resolution{Outcome: OutcomeClaimed, WorkerID: task.WorkerID})
		return a
	}
	a.start(ctx)
	return a
}

func (c *Coordinator) newAttempt(task protocol.Task) *Attempt {
	startedAt := c.nowFunc()
	return &Attempt{
		TaskID:         task.ID,
		WorkspaceID:    task.WorkspaceID,
		TargetEndpoint: task.TargetEndpoint,
		StartedAt:      startedAt,
		Deadline:       startedAt.Add(c.cfg.Window),

		coordinator: c,
		state:       stateIdle,
		signals:     make(chan attemptSignal, 8),
		done:        make(chan struct{}),
	}
}
