// Package server exposes release history over a read-only HTTP API.
package server

import (
	"net/http"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"service": "releaser",
	}
	if s.version != "" {
		response["version"] = s.version
	}

	if s.db != nil {
		if err := s.db.QuickCheck(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("History database unreachable")
			response["status"] = "degraded"
			response["database"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, response, s.log)
			return
		}
	}

	writeJSON(w, http.StatusOK, response, s.log)
}
