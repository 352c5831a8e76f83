package api

import "net/http"

type healthResponse struct {
	Status  string `json:"status"`
	Running int    `json:"running_tasks"`
	Pending int    `json:"pending_tasks"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	running, pending := s.engine.Counts()
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Running: running,
		Pending: pending,
	})
}
