package api

import "net/http"

func (s *Server) handleListElasticIPs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.network.ListElasticIPs())
}

func (s *Server) handleAllocateElasticIP(w http.ResponseWriter, r *http.Request) {
	ip, err := s.network.AllocateElasticIP()
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("elastic_ip_allocated", map[string]string{"ip": ip})
	writeJSON(w, http.StatusCreated, map[string]string{"ip": ip})
}

type attachElasticIPRequest struct {
	VMID string `json:"vm_id"`
}

func (s *Server) handleAttachElasticIP(w http.ResponseWriter, r *http.Request) {
	var req attachElasticIPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ip := r.PathValue("ip")
	if err := s.network.AttachElasticIP(r.Context(), ip, req.VMID); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("elastic_ip_attached", map[string]string{"ip": ip, "vm_id": req.VMID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDetachElasticIP(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if err := s.network.DetachElasticIP(r.Context(), ip); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("elastic_ip_detached", map[string]string{"ip": ip})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOverlays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.network.ListOverlayNetworks())
}

type createOverlayRequest struct {
	Name string `json:"name"`
	CIDR string `json:"cidr"`
}

func (s *Server) handleCreateOverlay(w http.ResponseWriter, r *http.Request) {
	var req createOverlayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	overlay, err := s.network.CreateOverlayNetwork(r.Context(), req.Name, req.CIDR)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("overlay_created", overlay)
	writeJSON(w, http.StatusCreated, overlay)
}

func (s *Server) handleGetOverlay(w http.ResponseWriter, r *http.Request) {
	overlay, err := s.network.GetOverlayNetwork(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overlay)
}

func (s *Server) handleDeleteOverlay(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.network.DeleteOverlayNetwork(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("overlay_deleted", map[string]string{"name": name})
	w.WriteHeader(http.StatusNoContent)
}
