package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/store"
)

// feedBatchLimit caps one event log read. A stream with a deep backlog
// drains in consecutive reads instead of waiting out the poll tick.
const feedBatchLimit = 200

// handleEvents streams the event log as SSE. Scopes use the bus naming
// (workspace-{id}, task-{id}, worker-{id}); no scopes means everything.
// The after parameter (or a Last-Event-ID header on reconnect) resumes from
// that event ID; without it the stream starts at the current tail.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	filter, err := feedFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cursor := r.URL.Query().Get("after")
	if cursor == "" {
		cursor = r.Header.Get("Last-Event-ID")
	}
	if cursor != "" {
		after, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || after < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		filter.AfterID = after
	} else {
		tail, err := s.store.LastEventID(r.Context())
		if err != nil {
			s.storeError(w, "event feed", err)
			return
		}
		filter.AfterID = tail
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	poll := time.NewTicker(s.cfg.FeedPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(s.cfg.FeedPingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		events, err := s.store.EventsAfter(ctx, filter)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("event feed read failed", "error", err)
			}
			return
		}
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("event feed encode failed", "event", ev.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			filter.AfterID = ev.ID
		}
		if len(events) > 0 {
			flusher.Flush()
			if len(events) == filter.Limit {
				// Backlog still pending; skip the tick and keep draining.
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-poll.C:
		}
	}
}

// feedFilter translates the scopes query parameter into an event log filter.
func feedFilter(r *http.Request) (store.EventFilter, error) {
	f := store.EventFilter{Limit: feedBatchLimit}
	raw := r.URL.Query().Get("scopes")
	if raw == "" {
		return f, nil
	}
	for _, scope := range strings.Split(raw, ",") {
		scope = strings.TrimSpace(scope)
		switch {
		case scope == "":
		case strings.HasPrefix(scope, "workspace-"):
			f.WorkspaceIDs = append(f.WorkspaceIDs, strings.TrimPrefix(scope, "workspace-"))
		case strings.HasPrefix(scope, "task-"):
			f.TaskIDs = append(f.TaskIDs, strings.TrimPrefix(scope, "task-"))
		case strings.HasPrefix(scope, "worker-"):
			f.WorkerIDs = append(f.WorkerIDs, strings.TrimPrefix(scope, "worker-"))
		default:
			return store.EventFilter{}, fmt.Errorf("unknown scope %q", scope)
		}
	}
	return f, nil
}
