// Package relay implements the coordination server and its typed HTTP
// client. The server owns the task board: it ingests heartbeats, answers
// claims atomically, queues relay-path instructions, streams the event log
// to observer sessions over SSE, and sweeps expired acceptance offers so
// assignment deadlines hold even when no observer is attached.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
	"github.com/buildd-ai/buildd-sub001/pkg/registry"
	"github.com/buildd-ai/buildd-sub001/pkg/store"
)

// Config holds Server configuration.
type Config struct {
	// Addr is the listen address (default ":9700").
	Addr string
	// SweepInterval is the cadence of the expired-offer sweep (default
	// protocol.ClaimPollInterval).
	SweepInterval time.Duration
	// FeedPollInterval is how often an SSE stream polls the event log for
	// new rows (default 250ms).
	FeedPollInterval time.Duration
	// FeedPingInterval is how often an idle SSE stream writes a keep-alive
	// comment (default 15s).
	FeedPingInterval time.Duration
	// AllowedOrigins configures CORS for browser observers (default any).
	AllowedOrigins []string
	// Logger receives request and sweep diagnostics (default slog.Default()).
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Addr == "" {
		out.Addr = ":9700"
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = protocol.ClaimPollInterval
	}
	if out.FeedPollInterval == 0 {
		out.FeedPollInterval = 250 * time.Millisecond
	}
	if out.FeedPingInterval == 0 {
		out.FeedPingInterval = 15 * time.Second
	}
	if len(out.AllowedOrigins) == 0 {
		out.AllowedOrigins = []string{"*"}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Server is the relay HTTP server over the store and the heartbeat registry.
type Server struct {
	cfg      Config
	store    *store.Store
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a Server. The store is the source of truth; the registry holds
// the in-memory heartbeat snapshots.
func New(st *store.Store, reg *registry.Registry, cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		logger:   cfg.Logger,
	}
}

// Handler returns the relay API as an http.Handler, CORS-wrapped so browser
// dashboards can subscribe directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/reassign", s.handleReassignTask)
	mux.HandleFunc("POST /api/claims", s.handleClaim)
	mux.HandleFunc("POST /api/heartbeats", s.handleHeartbeat)
	mux.HandleFunc("GET /api/heartbeats", s.handleListEndpoints)
	mux.HandleFunc("GET /api/workers", s.handleListWorkers)
	mux.HandleFunc("GET /api/workers/{id}", s.handleGetWorker)
	mux.HandleFunc("POST /api/workers/{id}/instruct", s.handleInstruct)
	mux.HandleFunc("POST /api/workers/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// Run serves the API and the offer sweep until ctx ends, then shuts the
// listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("relay listening", "addr", s.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay serve: %w", err)
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
		s.sweepLoop(gCtx)
		return nil
	})
	return g.Wait()
}

// sweepLoop enforces acceptance windows server-side: targeted offers that
// lapsed flip back to the open pool whether or not the submitting session
// is still around to notice.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reset, err := s.store.SweepExpiredOffers(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("offer sweep failed", "error", err)
				}
				continue
			}
			for _, task := range reset {
				s.logger.Info("acceptance window lapsed, task returned to pool",
					"task", task.ID, "workspace", task.WorkspaceID)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// storeError maps store failures onto HTTP statuses: lookups that missed
// are 404, everything else is a logged 500.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	var taskNotFound *protocol.TaskNotFoundError
	var workerNotFound *protocol.WorkerNotFoundError
	switch {
	case errors.As(err, &taskNotFound), errors.As(err, &workerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
