package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	Running       int            `json:"running"`
	Pending       int            `json:"pending"`
	ByStatus      map[string]int `json:"by_status"`
	ByType        map[string]int `json:"by_type"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	running, pending := s.engine.Counts()

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		Running:       running,
		Pending:       pending,
		ByStatus:      stats.ByStatus,
		ByType:        stats.ByType,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
