// Package directconn decides, per worker endpoint, whether a low-latency
// direct connection is usable and exposes a send operation over it. One
// Channel per (observer session, endpoint) pair.
package directconn

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/probe"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// Status is the channel's connection state.
type Status string

// Channel states. A channel starts checking and resolves exactly once.
const (
	StatusChecking    Status = "checking"
	StatusConnected   Status = "connected"
	StatusUnavailable Status = "unavailable"
)

// TokenSource supplies viewer tokens from heartbeat snapshots. Best-effort:
// an unknown endpoint yields "".
type TokenSource interface {
	ViewerToken(endpoint string) string
}

// Config holds Channel configuration.
type Config struct {
	// Endpoint is the worker's direct address. Empty resolves the channel
	// unavailable without any I/O.
	Endpoint string
	// Tokens resolves the endpoint's viewer token before connecting.
	// Optional; nil means no token.
	Tokens TokenSource
	// Prober performs the connect check. It owns the transport-security
	// guard, so a disallowed endpoint resolves unavailable with zero
	// network calls.
	Prober *probe.Prober
	// SendTimeout bounds one direct send (default protocol.DirectSendTimeout).
	SendTimeout time.Duration
	// Client overrides the HTTP client used for sends.
	Client *http.Client
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SendTimeout == 0 {
		out.SendTimeout = protocol.DirectSendTimeout
	}
	if out.Client == nil {
		out.Client = &http.Client{}
	}
	if out.Prober == nil {
		out.Prober = probe.New(probe.Config{})
	}
	return out
}

// Channel is the direct-connect state machine for one worker endpoint.
type Channel struct {
	cfg Config

	mu     sync.Mutex
	status Status
	token  string
}

// New creates the channel. A missing endpoint resolves it unavailable
// immediately; otherwise it stays checking until Connect runs.
func New(cfg Config) *Channel {
	ch := &Channel{cfg: cfg.withDefaults(), status: StatusChecking}
	if cfg.Endpoint == "" {
		ch.status = StatusUnavailable
	}
	return ch
}

// Connect resolves the channel: fetch the viewer token (best-effort), then
// probe the endpoint. Success means connected, anything else unavailable.
// Idempotent; once resolved it returns the settled status.
func (c *Channel) Connect(ctx context.Context) Status {
	c.mu.Lock()
	if c.status != StatusChecking {
		defer c.mu.Unlock()
		return c.status
	}
	endpoint := c.cfg.Endpoint
	if c.cfg.Tokens != nil {
		c.token = c.cfg.Tokens.ViewerToken(endpoint)
	}
	token := c.token
	c.mu.Unlock()

	status := StatusUnavailable
	if _, err := c.cfg.Prober.Probe(ctx, endpoint, token); err == nil {
		status = StatusConnected
	}

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	return status
}

// Status returns the current channel state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Send posts message to the worker's own send endpoint. Returns whether the
// worker accepted it. Any failure, including not being connected, returns
// false: callers treat false as "use the relay path", never as a hard error.
func (c *Channel) Send(ctx context.Context, workerID, message string) bool {
	c.mu.Lock()
	status, token := c.status, c.token
	c.mu.Unlock()
	if status != StatusConnected {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	body, err := json.Marshal(protocol.SendRequest{Message: message})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL(workerID, token), bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func (c *Channel) sendURL(workerID, token string) string {
	u := strings.TrimRight(c.cfg.Endpoint, "/") + "/workers/" + url.PathEscape(workerID) + "/send"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}
