// Package probe actively pings worker endpoints for live capacity, falling
// back to the heartbeat snapshot when a ping fails or is disallowed.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// Config holds Prober configuration.
type Config struct {
	// SecureOrigin marks the observer's own origin as encrypted. Probing a
	// plaintext endpoint from a secure origin is skipped outright.
	SecureOrigin bool
	// Timeout bounds a single probe (default protocol.ProbeTimeout).
	Timeout time.Duration
	// Client overrides the HTTP client, used by tests to count fetches.
	Client *http.Client
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timeout == 0 {
		out.Timeout = protocol.ProbeTimeout
	}
	if out.Client == nil {
		out.Client = &http.Client{}
	}
	return out
}

// Prober pings worker endpoints. Safe for concurrent use.
type Prober struct {
	cfg Config
}

// New creates a Prober.
func New(cfg Config) *Prober {
	return &Prober{cfg: cfg.withDefaults()}
}

// Report is a probe result merged with the registry snapshot. A successful
// probe's numbers override the heartbeat's (freshness wins); a failed or
// skipped probe keeps the snapshot verbatim. Online is a UI tag; both online
// and unreachable reports are usable for capacity decisions.
type Report struct {
	Info   protocol.WorkerEndpointInfo
	Online bool
}

// Probe pings one endpoint. Returns the live health snapshot, or an error
// from the protocol taxonomy: UnreachableError for network failures and the
// transport-security skip, MalformedResponseError for undecodable bodies.
// Callers treat every error as "unavailable", never as fatal.
func (p *Prober) Probe(ctx context.Context, endpoint, viewerToken string) (protocol.HealthStatus, error) {
	if p.skipInsecure(endpoint) {
		return protocol.HealthStatus{}, &protocol.UnreachableError{
			Endpoint: endpoint,
			Op:       "probe",
			Reason:   "transport security mismatch, probe skipped",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(endpoint, viewerToken), nil)
	if err != nil {
		return protocol.HealthStatus{}, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return protocol.HealthStatus{}, &protocol.UnreachableError{
			Endpoint: endpoint,
			Op:       "probe",
			Reason:   err.Error(),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return protocol.HealthStatus{}, &protocol.UnreachableError{
			Endpoint: endpoint,
			Op:       "probe",
			Reason:   fmt.Sprintf("health returned status %d", resp.StatusCode),
		}
	}

	var health protocol.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return protocol.HealthStatus{}, &protocol.MalformedResponseError{
			Op:     "probe " + endpoint,
			Detail: err.Error(),
		}
	}
	if !health.Alive {
		return protocol.HealthStatus{}, &protocol.UnreachableError{
			Endpoint: endpoint,
			Op:       "probe",
			Reason:   "endpoint reports not alive",
		}
	}
	if health.Capacity < 0 {
		health.Capacity = 0
	}
	return health, nil
}

// ProbeAll probes every snapshot concurrently and merges results. Failures
// are independent: one dead endpoint never blocks or fails the others.
func (p *Prober) ProbeAll(ctx context.Context, infos []protocol.WorkerEndpointInfo) []Report {
	reports := make([]Report, len(infos))
	var wg sync.WaitGroup
	for i, info := range infos {
		wg.Add(1)
		go func() {
			defer wg.Done()
			health, err := p.Probe(ctx, info.Endpoint, info.ViewerToken)
			if err != nil {
				reports[i] = Report{Info: info, Online: false}
				return
			}
			reports[i] = Report{Info: Merge(info, health), Online: true}
		}()
	}
	wg.Wait()
	return reports
}

// Merge applies a successful probe's numbers over the heartbeat snapshot.
func Merge(snapshot protocol.WorkerEndpointInfo, health protocol.HealthStatus) protocol.WorkerEndpointInfo {
	out := snapshot
	out.MaxConcurrent = health.MaxConcurrent
	out.ActiveWorkers = health.ActiveWorkers
	return out
}

// skipInsecure implements the mixed-transport guard: a secure observer
// origin never issues plaintext probes.
func (p *Prober) skipInsecure(endpoint string) bool {
	return p.cfg.SecureOrigin && !strings.HasPrefix(endpoint, "https://")
}

func healthURL(endpoint, viewerToken string) string {
	u := strings.TrimRight(endpoint, "/") + "/health"
	if viewerToken != "" {
		u += "?token=" + url.QueryEscape(viewerToken)
	}
	return u
}
