package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/stowage/internal/backend"
)

// listBackendsResponse is the JSON response for GET /v1/backends.
type listBackendsResponse struct {
	Names    []string             `json:"names"`
	Backends []backend.Descriptor `json:"backends"`
	Active   string               `json:"active,omitempty"`
}

// setActiveRequest is the JSON body for PUT /v1/backends/active.
type setActiveRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	resp := listBackendsResponse{
		Names:    s.registry.ListNames(),
		Backends: s.registry.List(),
	}
	if e, err := s.selection.Current(); err == nil {
		resp.Active = e.Descriptor.Name
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetActive(w http.ResponseWriter, _ *http.Request) {
	e, err := s.selection.Current()
	if err != nil {
		s.writeStorageError(w, "get active backend", err)
		return
	}
	s.writeJSON(w, http.StatusOK, e.Descriptor)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	d, err := s.Activate(r.Context(), req.Name)
	if errors.Is(err, backend.ErrUnknownBackend) {
		s.writeError(w, http.StatusNotFound, "backend not found")
		return
	}
	if err != nil {
		s.writeStorageError(w, "switch backend", err)
		return
	}

	s.logger.Info("active backend switched", "backend", d.Name, "mode", d.Mode)
	s.writeJSON(w, http.StatusOK, d)
}
