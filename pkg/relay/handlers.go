package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
	"github.com/buildd-ai/buildd-sub001/pkg/store"
)

// List envelopes, shared by the server handlers and the typed client.
type taskList struct {
	Tasks []protocol.Task `json:"tasks"`
	Count int             `json:"count"`
}

type workerList struct {
	Workers []protocol.Worker `json:"workers"`
	Count   int               `json:"count"`
}

type endpointList struct {
	Endpoints []protocol.WorkerEndpointInfo `json:"endpoints"`
	Count     int                           `json:"count"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WorkspaceID == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "workspace_id and title are required")
		return
	}
	task, err := s.store.CreateTask(r.Context(), req)
	if err != nil {
		s.storeError(w, "task create", err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "task fetch", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := store.ListTasksOpts{WorkspaceID: r.URL.Query().Get("workspace")}
	if v := r.URL.Query().Get("status"); v != "" {
		status := protocol.TaskStatus(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
		opts.Status = status
	}
	var err error
	if opts.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Offset, err = intParam(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), opts)
	if err != nil {
		s.storeError(w, "task list", err)
		return
	}
	if tasks == nil {
		tasks = []protocol.Task{}
	}
	writeJSON(w, http.StatusOK, taskList{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleReassignTask(w http.ResponseWriter, r *http.Request) {
	// An empty body is a plain non-forced reassign.
	var req protocol.ReassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	task, err := s.store.ReassignTask(r.Context(), r.PathValue("id"), req.Force)
	if err != nil {
		s.storeError(w, "task reassign", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req protocol.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	resp, err := s.store.ClaimTask(r.Context(), req)
	if err != nil {
		s.storeError(w, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var report protocol.HeartbeatReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if report.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	s.registry.Record(report)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	var infos []protocol.WorkerEndpointInfo
	if workspace := r.URL.Query().Get("workspace"); workspace != "" {
		infos = s.registry.ListForWorkspace(workspace)
	} else {
		infos = s.registry.List()
	}
	if infos == nil {
		infos = []protocol.WorkerEndpointInfo{}
	}
	writeJSON(w, http.StatusOK, endpointList{Endpoints: infos, Count: len(infos)})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.store.GetWorker(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "worker fetch", err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	opts := store.ListWorkersOpts{
		WorkspaceID: r.URL.Query().Get("workspace"),
		TaskID:      r.URL.Query().Get("task"),
	}
	var err error
	if opts.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	workers, err := s.store.ListWorkers(r.Context(), opts)
	if err != nil {
		s.storeError(w, "worker list", err)
		return
	}
	if workers == nil {
		workers = []protocol.Worker{}
	}
	writeJSON(w, http.StatusOK, workerList{Workers: workers, Count: len(workers)})
}

func (s *Server) handleInstruct(w http.ResponseWriter, r *http.Request) {
	var req protocol.InstructRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	in, err := s.store.EnqueueInstruction(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.storeError(w, "instruct", err)
		return
	}
	writeJSON(w, http.StatusAccepted, protocol.InstructResponse{Queued: true, InstructionID: in.ID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var report protocol.StatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !report.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(report.Status)))
		return
	}
	result, err := s.store.ReportStatus(r.Context(), r.PathValue("id"), report)
	if err != nil {
		s.storeError(w, "status report", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.StatusAck{
		Worker:      result.Worker,
		Task:        result.Task,
		Instruction: result.Instruction,
	})
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
