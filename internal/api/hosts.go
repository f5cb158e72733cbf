package api

import (
	"net/http"

	"github.com/ionforge/meridian/internal/models"
)

// redactHost strips the write-only SSH password before a Host is ever
// rendered back to a client — it round-trips through persistence for the
// driver's benefit, never through the API.
func redactHost(h models.Host) models.Host {
	h.Password = ""
	return h
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts := s.fleet.List()
	out := make([]models.Host, len(hosts))
	for i, h := range hosts {
		out[i] = redactHost(h)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddHost(w http.ResponseWriter, r *http.Request) {
	var h models.Host
	if err := decodeJSON(r, &h); err != nil {
		writeError(w, err)
		return
	}
	added, err := s.fleet.Add(r.Context(), h)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("host_added", redactHost(added))
	writeJSON(w, http.StatusCreated, redactHost(added))
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	h, err := s.fleet.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactHost(h))
}

func (s *Server) handleRemoveHost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.fleet.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("host_removed", map[string]string{"host_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProbeHost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.fleet.Probe(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h, err := s.fleet.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactHost(h))
}
