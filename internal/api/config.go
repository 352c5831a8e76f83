package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// configResponse is the JSON shape for GET and PUT /v1/config.
type configResponse struct {
	MaxConcurrent  int    `json:"max_concurrent"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	RetryCount     int    `json:"retry_count"`
	QueueCapacity  int    `json:"queue_capacity"`
	LogLevel       string `json:"log_level"`
	Running        int    `json:"running"`
	Pending        int    `json:"pending"`
}

// updateConfigRequest is the JSON body for PUT /v1/config. Absent fields
// keep their current value.
type updateConfigRequest struct {
	MaxConcurrent  *int    `json:"max_concurrent"`
	TimeoutSeconds *int    `json:"timeout_seconds"`
	RetryCount     *int    `json:"retry_count"`
	QueueCapacity  *int    `json:"queue_capacity"`
	LogLevel       *string `json:"log_level"`
}

func (s *Server) configSnapshot() configResponse {
	settings := s.engine.Settings()
	running, pending := s.engine.Counts()
	return configResponse{
		MaxConcurrent:  settings.MaxConcurrent,
		TimeoutSeconds: int(settings.TaskTimeout / time.Second),
		RetryCount:     settings.RetryCount,
		QueueCapacity:  settings.QueueCapacity,
		LogLevel:       settings.LogLevel,
		Running:        running,
		Pending:        pending,
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.configSnapshot())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	settings := s.engine.Settings()

	if req.MaxConcurrent != nil {
		if *req.MaxConcurrent <= 0 {
			s.writeError(w, http.StatusBadRequest, "max_concurrent must be positive")
			return
		}
		settings.MaxConcurrent = *req.MaxConcurrent
	}
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout_seconds must be positive")
			return
		}
		settings.TaskTimeout = time.Duration(*req.TimeoutSeconds) * time.Second
	}
	if req.RetryCount != nil {
		if *req.RetryCount <= 0 {
			s.writeError(w, http.StatusBadRequest, "retry_count must be positive")
			return
		}
		settings.RetryCount = *req.RetryCount
	}
	if req.QueueCapacity != nil {
		if *req.QueueCapacity <= 0 {
			s.writeError(w, http.StatusBadRequest, "queue_capacity must be positive")
			return
		}
		settings.QueueCapacity = *req.QueueCapacity
	}
	if req.LogLevel != nil {
		switch *req.LogLevel {
		case model.LevelDebug, model.LevelInfo, model.LevelWarning, model.LevelError:
			settings.LogLevel = *req.LogLevel
		default:
			s.writeError(w, http.StatusBadRequest, "unknown log_level")
			return
		}
	}

	s.engine.Reload(settings)

	s.writeJSON(w, http.StatusOK, s.configSnapshot())
}
