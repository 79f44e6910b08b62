package agent

import (
	"encoding/json"
	"net/http"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// Handler returns the direct-connect surface: the health endpoint probes
// hit and the send endpoint observers deliver instructions through.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("POST /workers/{id}/send", a.handleSend)
	return mux
}

// authorized enforces the viewer-token check: a configured token must match
// the ?token= query parameter exactly. No token configured means open.
func (a *Agent) authorized(r *http.Request) bool {
	if a.cfg.ViewerToken == "" {
		return true
	}
	return r.URL.Query().Get("token") == a.cfg.ViewerToken
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeAgentError(w, http.StatusUnauthorized, "invalid viewer token")
		return
	}
	active := a.activeRuns()
	capacity := a.cfg.MaxConcurrent - active
	if capacity < 0 {
		capacity = 0
	}
	writeAgentJSON(w, http.StatusOK, protocol.HealthStatus{
		Alive:         true,
		MaxConcurrent: a.cfg.MaxConcurrent,
		ActiveWorkers: active,
		Capacity:      capacity,
	})
}

func (a *Agent) handleSend(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeAgentError(w, http.StatusUnauthorized, "invalid viewer token")
		return
	}

	workerID := r.PathValue("id")
	run, ok := a.lookupRun(workerID)
	if !ok {
		writeAgentError(w, http.StatusNotFound, "no such worker here")
		return
	}

	var req protocol.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAgentError(w, http.StatusBadRequest, "invalid send body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeAgentError(w, http.StatusBadRequest, "message is required")
		return
	}

	run.push(req.Message)
	a.logger.Info("instruction delivered via direct connection", "worker", workerID)
	writeAgentJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func writeAgentJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAgentError(w http.ResponseWriter, status int, msg string) {
	writeAgentJSON(w, status, map[string]string{"error": msg})
}
