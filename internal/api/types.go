package api

import "net/http"

func (s *Server) handleListTypes(w http.ResponseWriter, _ *http.Request) {
	types := s.registry.Types()
	s.writeJSON(w, http.StatusOK, types)
}
