package api

import "net/http"

type createVolumeRequest struct {
	Name       string `json:"name"`
	SizeGB     int64  `json:"size_gb"`
	Replicated bool   `json:"replicated"`
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.storage.ListVolumes())
}

func (s *Server) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	var req createVolumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	vol, err := s.storage.CreateVolume(r.Context(), req.Name, req.SizeGB, req.Replicated)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("volume_created", vol)
	writeJSON(w, http.StatusCreated, vol)
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	vol, err := s.storage.GetVolume(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vol)
}

func (s *Server) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.storage.DeleteVolume(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("volume_deleted", map[string]string{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

type attachVolumeRequest struct {
	VMID     string `json:"vm_id"`
	VMHostID string `json:"vm_host_id"`
}

func (s *Server) handleAttachVolume(w http.ResponseWriter, r *http.Request) {
	var req attachVolumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.storage.AttachVolume(r.Context(), id, req.VMID, req.VMHostID); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("volume_attached", map[string]string{"id": id, "vm_id": req.VMID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDetachVolume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.storage.DetachVolume(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("volume_detached", map[string]string{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

type resizeVolumeRequest struct {
	NewSizeGB int64 `json:"new_size_gb"`
}

func (s *Server) handleResizeVolume(w http.ResponseWriter, r *http.Request) {
	var req resizeVolumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.storage.ResizeVolume(r.Context(), id, req.NewSizeGB); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("volume_resized", map[string]any{"id": id, "new_size_gb": req.NewSizeGB})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.storage.ListBackups(r.PathValue("id")))
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	job, err := s.storage.CreateBackup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("backup_created", job)
	writeJSON(w, http.StatusCreated, job)
}

type restoreBackupRequest struct {
	TargetVolumeID string `json:"target_volume_id"`
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req restoreBackupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.storage.RestoreBackup(r.Context(), id, req.TargetVolumeID); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("backup_restored", map[string]string{"backup_id": id, "target_volume_id": req.TargetVolumeID})
	w.WriteHeader(http.StatusNoContent)
}
