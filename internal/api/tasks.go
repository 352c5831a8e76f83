package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	Type         string          `json:"type"`
	Owner        string          `json:"owner"`
	TotalBatches int             `json:"total_batches"`
	Params       json.RawMessage `json:"params"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// cancelBatchRequest is the JSON body for POST /v1/tasks/cancel.
type cancelBatchRequest struct {
	IDs []string `json:"ids"`
}

// cancelBatchResponse reports the outcome per requested id.
type cancelBatchResponse struct {
	Cancelled []string          `json:"cancelled"`
	Failed    map[string]string `json:"failed"`
}

type cleanupResponse struct {
	Removed int64 `json:"removed"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	task, err := s.engine.Submit(req.Type, req.Owner, req.TotalBatches, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrQueueFull):
			s.writeError(w, http.StatusTooManyRequests, "task queue is full")
		case errors.Is(err, engine.ErrShuttingDown):
			s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		default:
			// Unknown type or params the type's builder rejected.
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.engine.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	filter := store.TaskFilter{
		Status: r.URL.Query().Get("status"),
		Type:   r.URL.Query().Get("type"),
		Owner:  r.URL.Query().Get("owner"),
		Limit:  limit,
		Offset: offset,
	}

	tasks, total, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, store.ErrInvalidTransition):
			s.writeError(w, http.StatusBadRequest, "task already finished")
		default:
			s.logger.Error("cancel task", "task_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel task")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	var req cancelBatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	resp := cancelBatchResponse{
		Cancelled: []string{},
		Failed:    map[string]string{},
	}
	for _, id := range req.IDs {
		if _, err := s.engine.Cancel(r.Context(), id); err != nil {
			resp.Failed[id] = err.Error()
			continue
		}
		resp.Cancelled = append(resp.Cancelled, id)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.engine.CleanupTerminal(r.Context())
	if err != nil {
		s.logger.Error("cleanup terminal tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to clean up tasks")
		return
	}

	s.writeJSON(w, http.StatusOK, cleanupResponse{Removed: removed})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
