package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"kibitz/internal/pool"
)

// StatsSource is the slice of the pool the metrics surface reads.
type StatsSource interface {
	Stats() pool.Snapshot
	Healthy() bool
}

func (s *Server) metricsRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return router
}

// handleHealthz is the liveness probe: healthy means at least one
// engine can take work.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.stats.Healthy() {
		http.Error(w, "no live engines", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.stats.Stats()); err != nil {
		s.logger.Error("encoding stats failed", zap.Error(err))
	}
}
