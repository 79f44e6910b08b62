// Package agent is the reference worker process. It claims tasks from the
// relay, runs them through a pluggable Runner, reports progress, sends
// periodic heartbeats, consumes relay-queued instructions, and serves the
// direct-connect surface observers probe and send to.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
)

// inboxSize is the per-run instruction buffer. Overflow drops the oldest
// queued message; operators care about the newest instruction.
const inboxSize = 16

// Config holds Agent configuration.
type Config struct {
	// Client is the relay client. Required.
	Client *relay.Client
	// Runner executes claimed tasks. Required.
	Runner Runner
	// ListenAddr is the direct-connect listen address (default ":9801").
	ListenAddr string
	// Endpoint is the address advertised in heartbeats, where observers
	// reach the direct-connect surface (default derived from ListenAddr).
	Endpoint string
	// AccountID identifies this agent in heartbeats (default a fresh UUID).
	AccountID string
	// AccountName is the human label for this agent.
	AccountName string
	// MaxConcurrent caps simultaneous task runs (default 1).
	MaxConcurrent int
	// Workspaces lists the workspace IDs this agent claims from. Required
	// for claiming; an agent with none heartbeats but never claims.
	Workspaces []string
	// ViewerToken, when non-empty, gates the direct-connect surface: probes
	// and sends must present it as ?token=.
	ViewerToken string
	// HeartbeatInterval is the heartbeat cadence (default 10s).
	HeartbeatInterval time.Duration
	// ClaimInterval is the claim poll cadence (default protocol.ClaimPollInterval).
	ClaimInterval time.Duration
	// ReportInterval is the cadence of periodic status reports while a run
	// is live; reports double as the pending-instruction poll (default 2s).
	ReportInterval time.Duration
	// Logger receives agent diagnostics (default slog.Default()).
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ListenAddr == "" {
		out.ListenAddr = ":9801"
	}
	if out.Endpoint == "" {
		out.Endpoint = endpointForAddr(out.ListenAddr)
	}
	if out.AccountID == "" {
		out.AccountID = uuid.NewString()
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 1
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = 10 * time.Second
	}
	if out.ClaimInterval == 0 {
		out.ClaimInterval = protocol.ClaimPollInterval
	}
	if out.ReportInterval == 0 {
		out.ReportInterval = 2 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// endpointForAddr turns a listen address into an advertised URL. A bare
// ":port" binds every interface but is advertised on loopback; agents
// reachable from elsewhere set Endpoint explicitly.
func endpointForAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

// Agent coordinates the claim loop, run slots, heartbeats, and the
// direct-connect surface.
type Agent struct {
	cfg    Config
	client *relay.Client
	logger *slog.Logger
	slots  *semaphore.Weighted

	mu   sync.Mutex
	runs map[string]*run
}

// New creates an Agent.
func New(cfg Config) (*Agent, error) {
	cfg = cfg.withDefaults()
	if cfg.Client == nil {
		return nil, fmt.Errorf("agent: relay client is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("agent: runner is required")
	}
	return &Agent{
		cfg:    cfg,
		client: cfg.Client,
		logger: cfg.Logger,
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		runs:   make(map[string]*run),
	}, nil
}

// Run drives the agent until ctx ends: heartbeats, the claim loop, and the
// direct-connect listener. It sends a final zero-capacity heartbeat on the
// way out so the registry stops routing work here.
func (a *Agent) Run(ctx context.Context) error {
	httpServer := &http.Server{Addr: a.cfg.ListenAddr, Handler: a.Handler()}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("agent direct surface listening", "addr", a.cfg.ListenAddr, "endpoint", a.cfg.Endpoint)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("agent serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.heartbeatLoop(gCtx)
		return nil
	})
	g.Go(func() error {
		a.claimLoop(gCtx)
		return nil
	})
	err := g.Wait()
	a.retire()
	return err
}

// retire tells the registry this endpoint has no capacity left. Best-effort:
// a missed retirement just means the snapshot goes stale instead.
func (a *Agent) retire() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report := protocol.HeartbeatReport{
		Endpoint:     a.cfg.Endpoint,
		AccountID:    a.cfg.AccountID,
		AccountName:  a.cfg.AccountName,
		WorkspaceIDs: a.cfg.Workspaces,
		ViewerToken:  a.cfg.ViewerToken,
	}
	if err := a.client.Heartbeat(ctx, report); err != nil {
		a.logger.Warn("retire heartbeat failed", "error", err)
	}
}

// heartbeatLoop reports endpoint capacity on a fixed cadence, starting
// immediately so the registry learns about this agent before the first tick.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	a.sendHeartbeat(ctx)
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	report := protocol.HeartbeatReport{
		Endpoint:      a.cfg.Endpoint,
		AccountID:     a.cfg.AccountID,
		AccountName:   a.cfg.AccountName,
		MaxConcurrent: a.cfg.MaxConcurrent,
		ActiveWorkers: a.activeRuns(),
		WorkspaceIDs:  a.cfg.Workspaces,
		ViewerToken:   a.cfg.ViewerToken,
	}
	if err := a.client.Heartbeat(ctx, report); err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", "error", err)
		}
	}
}

// claimLoop polls the relay for eligible tasks whenever a run slot is free.
// Claims are atomic server-side; losing a race just means claiming nothing.
func (a *Agent) claimLoop(ctx context.Context) {
	if len(a.cfg.Workspaces) == 0 {
		a.logger.Warn("no workspaces configured, agent will not claim tasks")
		return
	}
	a.tryClaim(ctx)
	ticker := time.NewTicker(a.cfg.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tryClaim(ctx)
		}
	}
}

// tryClaim claims at most one task and launches its run. The run slot is
// held from before the claim until the run finishes, so capacity never
// overshoots MaxConcurrent.
func (a *Agent) tryClaim(ctx context.Context) {
	if !a.slots.TryAcquire(1) {
		return
	}

	workerID := uuid.NewString()
	resp, err := a.client.ClaimTask(ctx, protocol.ClaimRequest{
		Endpoint:     a.cfg.Endpoint,
		WorkerID:     workerID,
		WorkspaceIDs: a.cfg.Workspaces,
	})
	if err != nil {
		a.slots.Release(1)
		if ctx.Err() == nil {
			a.logger.Warn("claim failed", "error", err)
		}
		return
	}
	if !resp.Claimed || resp.Task == nil {
		a.slots.Release(1)
		return
	}

	task := *resp.Task
	a.logger.Info("task claimed", "task", task.ID, "worker", workerID, "workspace", task.WorkspaceID)
	go a.runTask(ctx, task, workerID)
}

// runTask owns one claimed task from starting to its terminal report.
func (a *Agent) runTask(ctx context.Context, task protocol.Task, workerID string) {
	defer a.slots.Release(1)

	r := newRun(workerID, task.ID)
	a.addRun(r)
	defer a.removeRun(r)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.report(runCtx, r)
	r.setStatus(protocol.WorkerRunning)
	a.report(runCtx, r)

	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		ticker := time.NewTicker(a.cfg.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				a.report(runCtx, r)
			}
		}
	}()

	err := a.cfg.Runner.Run(runCtx, task, r.inbox)
	cancel()
	<-reportDone

	final := protocol.WorkerCompleted
	detail := ""
	if err != nil {
		final = protocol.WorkerFailed
		detail = err.Error()
		a.logger.Warn("task run failed", "task", task.ID, "worker", workerID, "error", err)
	} else {
		a.logger.Info("task run completed", "task", task.ID, "worker", workerID)
	}
	r.setStatus(final)
	r.setDetail(detail)
	a.report(ctx, r)
}

// report sends the run's current status. The ack carries the worker's
// pending instruction, if any; delivering it here is what makes periodic
// reports double as the instruction poll. A failed report restores the
// unacknowledged consumption so it retries next time.
func (a *Agent) report(ctx context.Context, r *run) {
	rep := protocol.StatusReport{
		TaskID:                r.taskID,
		Status:                r.Status(),
		Detail:                r.Detail(),
		ConsumedInstructionID: r.takeConsume(),
	}
	ack, err := a.client.ReportStatus(ctx, r.workerID, rep)
	if err != nil {
		r.restoreConsume(rep.ConsumedInstructionID)
		if ctx.Err() == nil {
			a.logger.Warn("status report failed", "worker", r.workerID, "status", rep.Status, "error", err)
		}
		return
	}
	if ack.Instruction != nil {
		if r.deliver(*ack.Instruction) {
			a.logger.Info("instruction delivered via relay queue", "worker", r.workerID, "instruction", ack.Instruction.ID)
		}
	}
}

func (a *Agent) addRun(r *run) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs[r.workerID] = r
}

func (a *Agent) removeRun(r *run) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.runs, r.workerID)
}

func (a *Agent) lookupRun(workerID string) (*run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[workerID]
	return r, ok
}

func (a *Agent) activeRuns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}

// run is the live state of one claimed task.
type run struct {
	workerID string
	taskID   string
	inbox    chan string

	mu            sync.Mutex
	status        protocol.WorkerStatus
	detail        string
	toConsume     int64 // instruction ID to acknowledge on the next report
	lastDelivered int64 // newest instruction ID already pushed to the inbox
}

func newRun(workerID, taskID string) *run {
	return &run{
		workerID: workerID,
		taskID:   taskID,
		inbox:    make(chan string, inboxSize),
		status:   protocol.WorkerStarting,
	}
}

func (r *run) Status() protocol.WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *run) setStatus(s protocol.WorkerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

func (r *run) Detail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detail
}

func (r *run) setDetail(d string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detail = d
}

// deliver pushes a relay-queued instruction into the inbox once, keyed by
// instruction ID, and marks it for consumption on the next report.
func (r *run) deliver(in protocol.Instruction) bool {
	r.mu.Lock()
	if in.ID <= r.lastDelivered {
		r.mu.Unlock()
		return false
	}
	r.lastDelivered = in.ID
	r.toConsume = in.ID
	r.mu.Unlock()

	r.push(in.Message)
	return true
}

// push queues a message for the runner, dropping the oldest queued message
// when the inbox is full.
func (r *run) push(message string) {
	select {
	case r.inbox <- message:
		return
	default:
	}
	select {
	case <-r.inbox:
	default:
	}
	select {
	case r.inbox <- message:
	default:
	}
}

func (r *run) takeConsume() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.toConsume
	r.toConsume = 0
	return id
}

func (r *run) restoreConsume(id int64) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.toConsume == 0 {
		r.toConsume = id
	}
}
