package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/bridge"
	"github.com/seantiz/stowage/internal/selection"
)

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

// writeStorageError maps a storage, bridge or selection error to a status
// code. Unexpected errors are logged with action and reported as 500.
func (s *Server) writeStorageError(w http.ResponseWriter, action string, err error) {
	status, message := storageStatus(err)
	storageErrorsTotal.WithLabelValues(s.activeName(), strconv.Itoa(status)).Inc()
	if status == http.StatusInternalServerError {
		s.logger.Error(action, "error", err)
		message = "failed to " + action
	} else if status >= http.StatusBadGateway {
		s.logger.Warn(action, "error", err)
	}
	s.writeError(w, status, message)
}

func storageStatus(err error) (int, string) {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, backend.ErrInvalidRecord):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, bridge.ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge, "payload exceeds the storage worker's message limit"
	case errors.Is(err, backend.ErrUnsupported):
		return http.StatusNotImplemented, "not supported by the active backend"
	case errors.Is(err, backend.ErrUnknownBackend):
		return http.StatusNotFound, "backend not found"
	case errors.Is(err, selection.ErrNotInitialized):
		return http.StatusConflict, "no active backend"
	case errors.Is(err, bridge.ErrWorkerTimeout):
		return http.StatusGatewayTimeout, "storage worker timed out"
	case errors.Is(err, bridge.ErrWorkerBootstrap):
		return http.StatusBadGateway, "storage worker failed to start"
	case errors.Is(err, bridge.ErrWorkerDisconnected), errors.Is(err, bridge.ErrClosed):
		return http.StatusBadGateway, "storage worker unavailable"
	default:
		return http.StatusInternalServerError, ""
	}
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
