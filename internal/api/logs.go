package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

func (s *Server) handleStreamTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.engine.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for log stream", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already in a terminal state, return empty stream immediately.
	if model.IsTerminal(task.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe to the log stream. This is safe even if the task finished
	// between the status check above and this call — Subscribe on a closed
	// topic returns a closed channel, causing the loop below to exit
	// immediately.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				// Task finished; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, entry); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// taskLogsResponse is the JSON response for GET /v1/tasks/{id}/logs.
type taskLogsResponse struct {
	TaskID string          `json:"task_id"`
	Logs   []model.TaskLog `json:"logs"`
}

func (s *Server) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := parseIntQuery(r, "limit", defaultLogLimit)
	if limit <= 0 || limit > maxLogLimit {
		limit = defaultLogLimit
	}

	if _, err := s.engine.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get task for log history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	logs, err := s.store.ListLogs(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("list task logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}

	if logs == nil {
		logs = []model.TaskLog{}
	}

	s.writeJSON(w, http.StatusOK, taskLogsResponse{TaskID: id, Logs: logs})
}

// writeSSEData writes a log entry as an SSE data event. Multi-line strings
// are split so that each segment gets its own "data:" prefix, per the SSE
// spec.
func writeSSEData(w http.ResponseWriter, entry string) error {
	for _, seg := range strings.Split(entry, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
