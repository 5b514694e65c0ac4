package api

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	name := s.desc.Name
	if s.storage == nil {
		name = ""
	}
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Backend: name})
}
