package api

import "net/http"

func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.ClusterHealth(r.Context()))
}

func (s *Server) handleHostHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.HostHistory())
}

func (s *Server) handleVMHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.VMHistory())
}

func (s *Server) handleNetworkHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.NetworkHistory())
}

func (s *Server) handleStorageHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.StorageHistory())
}
