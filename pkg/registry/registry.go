// Package registry tracks known worker endpoints and their last-reported
// capacity. Heartbeats write, every other component reads. Stale entries are
// not evicted here; probes decide reachability regardless of age.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// Registry is a read-mostly map endpoint -> WorkerEndpointInfo.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]protocol.WorkerEndpointInfo

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		endpoints: make(map[string]protocol.WorkerEndpointInfo),
		nowFunc:   time.Now,
	}
}

// Record stores or refreshes an endpoint snapshot from a heartbeat report.
func (r *Registry) Record(report protocol.HeartbeatReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[report.Endpoint] = protocol.WorkerEndpointInfo{
		Endpoint:      report.Endpoint,
		AccountID:     report.AccountID,
		AccountName:   report.AccountName,
		MaxConcurrent: report.MaxConcurrent,
		ActiveWorkers: report.ActiveWorkers,
		WorkspaceIDs:  append([]string(nil), report.WorkspaceIDs...),
		ViewerToken:   report.ViewerToken,
		LastSeenAt:    r.nowFunc().UTC().Format(time.RFC3339),
	}
}

// Lookup returns the snapshot for endpoint, if known.
func (r *Registry) Lookup(endpoint string) (protocol.WorkerEndpointInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.endpoints[endpoint]
	return info, ok
}

// ViewerToken returns the endpoint's viewer token, or "" when the endpoint is
// unknown or reported none. Best-effort: callers treat "" as no token.
func (r *Registry) ViewerToken(endpoint string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoints[endpoint].ViewerToken
}

// ListForWorkspace returns every endpoint serving workspaceID, highest free
// capacity first so "pick the worker with capacity" is a prefix scan.
func (r *Registry) ListForWorkspace(workspaceID string) []protocol.WorkerEndpointInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.WorkerEndpointInfo
	for _, info := range r.endpoints {
		if info.ServesWorkspace(workspaceID) {
			out = append(out, info)
		}
	}
	sortByCapacity(out)
	return out
}

// List returns all known endpoints, highest free capacity first.
func (r *Registry) List() []protocol.WorkerEndpointInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.WorkerEndpointInfo, 0, len(r.endpoints))
	for _, info := range r.endpoints {
		out = append(out, info)
	}
	sortByCapacity(out)
	return out
}

func sortByCapacity(infos []protocol.WorkerEndpointInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Capacity() != infos[j].Capacity() {
			return infos[i].Capacity() > infos[j].Capacity()
		}
		return infos[i].Endpoint < infos[j].Endpoint
	})
}
