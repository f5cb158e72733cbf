package api

import (
	"net/http"

	"github.com/ionforge/meridian/internal/models"
)

func (s *Server) handleStartMigration(w http.ResponseWriter, r *http.Request) {
	var cfg models.MigrationConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, err)
		return
	}

	stats, err := s.migrations.Start(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("migration_started", stats)
	writeJSON(w, http.StatusAccepted, stats)
}

func (s *Server) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.migrations.List())
}

func (s *Server) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.migrations.Status(r.PathValue("vmId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCancelMigration(w http.ResponseWriter, r *http.Request) {
	vmID := r.PathValue("vmId")
	if err := s.migrations.Cancel(r.Context(), vmID); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("migration_cancelled", map[string]string{"vm_id": vmID})
	w.WriteHeader(http.StatusNoContent)
}
