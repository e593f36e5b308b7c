package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/rebalancer/internal/clients/ibkr"
)

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Session  string `json:"session,omitempty"`
}

// handleHealth reports liveness. The database must answer, the brokerage
// session state is informational only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Database: "ok"}
	status := http.StatusOK

	if s.db != nil {
		if err := s.db.HealthCheck(r.Context()); err != nil {
			s.log.Error().Err(err).Msg("Database health check failed")
			resp.Status = "unhealthy"
			resp.Database = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.session != nil {
		resp.Session = string(s.session.Snapshot().State)
	}

	s.writeJSON(w, status, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no brokerage session"})
		return
	}

	snapshot := s.session.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": snapshot,
		"metadata": map[string]interface{}{
			"timestamp":     time.Now().Format(time.RFC3339),
			"authenticated": snapshot.State == ibkr.StateAuthenticated,
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
