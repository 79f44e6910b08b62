package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// Client is the typed HTTP client for the relay API. It is the task store
// behind pkg/assign, the queue and worker source behind pkg/instruct, the
// registry snapshot source for observer sessions, and the claim/report
// surface for worker agents.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientConfig holds Client configuration.
type ClientConfig struct {
	// HTTPClient overrides the transport, used by tests.
	HTTPClient *http.Client
}

// NewClient creates a Client for the relay at baseURL.
func NewClient(baseURL string, cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// BaseURL returns the relay address this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// CreateTask submits a new task. A non-empty TargetEndpoint opens a
// server-side acceptance offer at the same moment.
func (c *Client) CreateTask(ctx context.Context, req protocol.CreateTaskRequest) (protocol.Task, error) {
	var task protocol.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", req, &task)
	return task, err
}

// GetTask returns the current task snapshot, the poll half of the
// assignment race.
func (c *Client) GetTask(ctx context.Context, id string) (protocol.Task, error) {
	var task protocol.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &task)
	if isNotFound(err) {
		return protocol.Task{}, &protocol.TaskNotFoundError{TaskID: id}
	}
	return task, err
}

// ListTasksOpts filters a task listing.
type ListTasksOpts struct {
	WorkspaceID string
	Status      protocol.TaskStatus
	Limit       int
}

// ListTasks returns tasks matching opts, newest first.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOpts) ([]protocol.Task, error) {
	q := url.Values{}
	if opts.WorkspaceID != "" {
		q.Set("workspace", opts.WorkspaceID)
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var list taskList
	if err := c.do(ctx, http.MethodGet, withQuery("/api/tasks", q), nil, &list); err != nil {
		return nil, err
	}
	return list.Tasks, nil
}

// ReassignTask returns the task to the claimable pool. See the store for
// force semantics.
func (c *Client) ReassignTask(ctx context.Context, id string, force bool) (protocol.Task, error) {
	var task protocol.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/reassign", protocol.ReassignRequest{Force: force}, &task)
	if isNotFound(err) {
		return protocol.Task{}, &protocol.TaskNotFoundError{TaskID: id}
	}
	return task, err
}

// ClaimTask asks the relay for the best eligible pending task. Claimed
// false with a nil error means nothing was eligible.
func (c *Client) ClaimTask(ctx context.Context, req protocol.ClaimRequest) (protocol.ClaimResponse, error) {
	var resp protocol.ClaimResponse
	err := c.do(ctx, http.MethodPost, "/api/claims", req, &resp)
	return resp, err
}

// Heartbeat reports a worker endpoint's capacity snapshot.
func (c *Client) Heartbeat(ctx context.Context, report protocol.HeartbeatReport) error {
	return c.do(ctx, http.MethodPost, "/api/heartbeats", report, nil)
}

// ListEndpoints returns the registry snapshot, optionally filtered to one
// workspace, highest free capacity first.
func (c *Client) ListEndpoints(ctx context.Context, workspaceID string) ([]protocol.WorkerEndpointInfo, error) {
	q := url.Values{}
	if workspaceID != "" {
		q.Set("workspace", workspaceID)
	}
	var list endpointList
	if err := c.do(ctx, http.MethodGet, withQuery("/api/heartbeats", q), nil, &list); err != nil {
		return nil, err
	}
	return list.Endpoints, nil
}

// GetWorker returns the worker run by ID, including its current pending
// instruction.
func (c *Client) GetWorker(ctx context.Context, id string) (protocol.Worker, error) {
	var worker protocol.Worker
	err := c.do(ctx, http.MethodGet, "/api/workers/"+url.PathEscape(id), nil, &worker)
	if isNotFound(err) {
		return protocol.Worker{}, &protocol.WorkerNotFoundError{WorkerID: id}
	}
	return worker, err
}

// ListWorkersOpts filters a worker listing.
type ListWorkersOpts struct {
	WorkspaceID string
	TaskID      string
	Limit       int
}

// ListWorkers returns worker runs matching opts, newest first.
func (c *Client) ListWorkers(ctx context.Context, opts ListWorkersOpts) ([]protocol.Worker, error) {
	q := url.Values{}
	if opts.WorkspaceID != "" {
		q.Set("workspace", opts.WorkspaceID)
	}
	if opts.TaskID != "" {
		q.Set("task", opts.TaskID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var list workerList
	if err := c.do(ctx, http.MethodGet, withQuery("/api/workers", q), nil, &list); err != nil {
		return nil, err
	}
	return list.Workers, nil
}

// Instruct queues a message for the worker on the relay path. The response
// acknowledges acceptance for eventual delivery, not end-to-end delivery.
func (c *Client) Instruct(ctx context.Context, workerID string, req protocol.InstructRequest) (protocol.InstructResponse, error) {
	var resp protocol.InstructResponse
	err := c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(workerID)+"/instruct", req, &resp)
	if isNotFound(err) {
		return protocol.InstructResponse{}, &protocol.WorkerNotFoundError{WorkerID: workerID}
	}
	return resp, err
}

// ReportStatus submits a worker's progress report and returns the refreshed
// rows plus the worker's current pending instruction, if any.
func (c *Client) ReportStatus(ctx context.Context, workerID string, report protocol.StatusReport) (protocol.StatusAck, error) {
	var ack protocol.StatusAck
	err := c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(workerID)+"/status", report, &ack)
	if isNotFound(err) {
		return protocol.StatusAck{}, &protocol.WorkerNotFoundError{WorkerID: workerID}
	}
	return ack, err
}

// Health checks that the relay answers at all.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// do runs one request against the relay and decodes the response into out.
// Non-2xx responses become RequestRejectedError carrying the server's error
// body; undecodable bodies become MalformedResponseError so callers degrade
// instead of crashing.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &protocol.RequestRejectedError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       errorMessage(resp.Body),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &protocol.MalformedResponseError{Op: op, Detail: err.Error()}
	}
	return nil
}

// errorMessage extracts the error string from a relay error body, falling
// back to the raw text.
func errorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}

func isNotFound(err error) bool {
	var rejected *protocol.RequestRejectedError
	return errors.As(err, &rejected) && rejected.StatusCode == http.StatusNotFound
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// FromTail subscribes from the feed's current position, skipping history.
const FromTail int64 = -1

// StreamOpts configures an event feed subscription.
type StreamOpts struct {
	// Scopes narrows the feed (workspace-{id}, task-{id}, worker-{id});
	// empty means every event.
	Scopes []string
	// AfterID is the resume cursor: events with larger IDs are delivered.
	// Zero replays the feed from the start; FromTail skips history.
	AfterID int64
	// RetryInterval is the reconnect delay for Follow (default
	// protocol.ClaimPollInterval).
	RetryInterval time.Duration
}

// Subscribe opens the SSE feed once and invokes publish for each event, in
// feed order, until ctx ends or the stream drops. It returns the last event
// ID delivered, which is the resume cursor for the next call.
func (c *Client) Subscribe(ctx context.Context, opts StreamOpts, publish func(protocol.Event)) (int64, error) {
	q := url.Values{}
	if len(opts.Scopes) > 0 {
		q.Set("scopes", strings.Join(opts.Scopes, ","))
	}
	if opts.AfterID >= 0 {
		q.Set("after", strconv.FormatInt(opts.AfterID, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+withQuery("/api/events", q), nil)
	if err != nil {
		return opts.AfterID, fmt.Errorf("build event feed request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return opts.AfterID, fmt.Errorf("relay event feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return opts.AfterID, &protocol.RequestRejectedError{
			Op:         "GET /api/events",
			StatusCode: resp.StatusCode,
			Body:       errorMessage(resp.Body),
		}
	}

	cursor := opts.AfterID
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Frame boundary: decode and deliver what accumulated.
			if data.Len() > 0 {
				var ev protocol.Event
				if err := json.Unmarshal([]byte(data.String()), &ev); err == nil {
					publish(ev)
					cursor = ev.ID
				}
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// id:, event: and comment lines carry nothing the data frame
			// does not already hold.
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return cursor, fmt.Errorf("relay event feed read: %w", err)
	}
	return cursor, nil
}

// Follow keeps the event feed alive until ctx ends, reconnecting after
// drops and resuming from the last delivered event so observers miss
// nothing and repeat nothing.
func (c *Client) Follow(ctx context.Context, opts StreamOpts, publish func(protocol.Event)) error {
	retry := opts.RetryInterval
	if retry == 0 {
		retry = protocol.ClaimPollInterval
	}

	cursor := opts.AfterID
	for {
		last, err := c.Subscribe(ctx, StreamOpts{Scopes: opts.Scopes, AfterID: cursor}, publish)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if last > cursor {
			cursor = last
		}
		_ = err // drops and read failures both mean "reconnect"

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}
