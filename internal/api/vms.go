package api

import (
	"net/http"

	"github.com/ionforge/meridian/internal/models"
)

type createVMRequest struct {
	Name   string          `json:"name"`
	Config models.VMConfig `json:"config"`
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	vms, err := s.vms.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vms)
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	vm, err := s.vms.Create(r.Context(), req.Name, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordVMOp("create", "ok")
	s.hub.Broadcast("vm_created", vm)
	writeJSON(w, http.StatusCreated, vm)
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	vm, err := s.vms.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.vms.Delete(r.Context(), id); err != nil {
		s.metrics.RecordVMOp("delete", "error")
		writeError(w, err)
		return
	}
	s.metrics.RecordVMOp("delete", "ok")
	s.hub.Broadcast("vm_deleted", map[string]string{"vm_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVMStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.vms.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.VMState{"state": state})
}

func (s *Server) handleVMAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := s.vms.PrimaryAddress(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr})
}

type attachDiskRequest struct {
	DevicePath string `json:"device_path"`
	Target     string `json:"target"`
}

func (s *Server) handleAttachDisk(w http.ResponseWriter, r *http.Request) {
	var req attachDiskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.vms.AttachDisk(r.Context(), id, req.DevicePath, req.Target); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("vm_disk_attached", map[string]string{"vm_id": id, "target": req.Target})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDetachDisk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	target := r.PathValue("target")
	if err := s.vms.DetachDisk(r.Context(), id, target); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("vm_disk_detached", map[string]string{"vm_id": id, "target": target})
	w.WriteHeader(http.StatusNoContent)
}
