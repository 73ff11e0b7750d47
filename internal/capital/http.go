package capital

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Routes exposes the read-only operational API. All mutations enter through
// the service API wired to the orchestrator; HTTP is for dashboards and
// operators.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/capital", s.handleCapital)
	r.Get("/capital/history", s.handleCapitalHistory)
	r.Get("/agents/{agentID}", s.handleAgent)
	r.Get("/decommissions", s.handleDecommissions)
	r.Get("/operations", s.handleOperations)
	return r
}

func (s *Service) handleCapital(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.CapitalAllocationView())
}

func (s *Service) handleCapitalHistory(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "hours must be a non-negative integer")
			return
		}
		hours = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":  hours,
		"points": s.CapitalHistory(hours),
	})
}

func (s *Service) handleAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	wallet, ok := s.AgentWallet(agentID)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Service) handleDecommissions(w http.ResponseWriter, r *http.Request) {
	history, err := s.DecommissionHistory(r.Context())
	if err != nil {
		slog.Error("decommission history read failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read decommission history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Service) handleOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breaker_open": s.engine.Open(),
		"pending":      s.PendingOperations(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
