// Package api exposes the control plane's coordinators over HTTP: one
// handler per fleet/VM/network/storage/alert/migration/monitoring
// operation, a Prometheus /metrics mount, and a /ws/events feed for state
// changes. Routing follows the teacher's thin net/http.ServeMux style (see
// cmd/pulse/metrics_server.go) rather than pulling in a router dependency
// the rest of the corpus never uses.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ionforge/meridian/internal/alerts"
	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/metrics"
	"github.com/ionforge/meridian/internal/migration"
	"github.com/ionforge/meridian/internal/monitoring"
	"github.com/ionforge/meridian/internal/network"
	"github.com/ionforge/meridian/internal/storage"
	"github.com/ionforge/meridian/internal/vmrouter"
)

// Server wires every coordinator to its HTTP surface. All fields are
// already-constructed collaborators; Server owns none of their lifecycles
// except the HTTP listener itself.
type Server struct {
	fleet      *fleet.Registry
	vms        *vmrouter.Router
	migrations *migration.Coordinator
	network    *network.Coordinator
	storage    *storage.Coordinator
	alerts     *alerts.Manager
	monitor    *monitoring.Monitor
	metrics    *metrics.Metrics
	hub        *Hub

	mux *http.ServeMux
	srv *http.Server
}

// New builds a Server and registers every route. m may be nil (metrics
// disabled); Handler() falls back to a 404 in that case. hub may be nil, in
// which case New allocates one — pass an explicit Hub when the composition
// root needs to wire its FleetHooks/AlertHooks into fleet.New/alerts.New
// before the Server exists.
func New(
	fleetRegistry *fleet.Registry,
	vmRouter *vmrouter.Router,
	migrations *migration.Coordinator,
	networkCoord *network.Coordinator,
	storageCoord *storage.Coordinator,
	alertMgr *alerts.Manager,
	monitor *monitoring.Monitor,
	m *metrics.Metrics,
	hub *Hub,
) *Server {
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		fleet:      fleetRegistry,
		vms:        vmRouter,
		migrations: migrations,
		network:    networkCoord,
		storage:    storageCoord,
		alerts:     alertMgr,
		monitor:    monitor,
		metrics:    m,
		hub:        hub,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

// Hub exposes the event feed so the composition root can register it (and
// metrics) as fleet/alert Hooks.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() {
	mux := s.mux

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws/events", s.hub.ServeWS)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("GET /hosts", s.handleListHosts)
	mux.HandleFunc("POST /hosts", s.handleAddHost)
	mux.HandleFunc("GET /hosts/{id}", s.handleGetHost)
	mux.HandleFunc("DELETE /hosts/{id}", s.handleRemoveHost)
	mux.HandleFunc("POST /hosts/{id}/probe", s.handleProbeHost)

	mux.HandleFunc("GET /vms", s.handleListVMs)
	mux.HandleFunc("POST /vms", s.handleCreateVM)
	mux.HandleFunc("GET /vms/{id}", s.handleGetVM)
	mux.HandleFunc("DELETE /vms/{id}", s.handleDeleteVM)
	mux.HandleFunc("GET /vms/{id}/status", s.handleVMStatus)
	mux.HandleFunc("GET /vms/{id}/address", s.handleVMAddress)
	mux.HandleFunc("POST /vms/{id}/disks", s.handleAttachDisk)
	mux.HandleFunc("DELETE /vms/{id}/disks/{target}", s.handleDetachDisk)

	mux.HandleFunc("POST /migrations", s.handleStartMigration)
	mux.HandleFunc("GET /migrations", s.handleListMigrations)
	mux.HandleFunc("GET /migrations/{vmId}", s.handleMigrationStatus)
	mux.HandleFunc("POST /migrations/{vmId}/cancel", s.handleCancelMigration)

	mux.HandleFunc("GET /network/elastic-ips", s.handleListElasticIPs)
	mux.HandleFunc("POST /network/elastic-ips", s.handleAllocateElasticIP)
	mux.HandleFunc("POST /network/elastic-ips/{ip}/attach", s.handleAttachElasticIP)
	mux.HandleFunc("POST /network/elastic-ips/{ip}/detach", s.handleDetachElasticIP)
	mux.HandleFunc("GET /network/overlays", s.handleListOverlays)
	mux.HandleFunc("POST /network/overlays", s.handleCreateOverlay)
	mux.HandleFunc("GET /network/overlays/{name}", s.handleGetOverlay)
	mux.HandleFunc("DELETE /network/overlays/{name}", s.handleDeleteOverlay)

	mux.HandleFunc("GET /storage/volumes", s.handleListVolumes)
	mux.HandleFunc("POST /storage/volumes", s.handleCreateVolume)
	mux.HandleFunc("GET /storage/volumes/{id}", s.handleGetVolume)
	mux.HandleFunc("DELETE /storage/volumes/{id}", s.handleDeleteVolume)
	mux.HandleFunc("POST /storage/volumes/{id}/attach", s.handleAttachVolume)
	mux.HandleFunc("POST /storage/volumes/{id}/detach", s.handleDetachVolume)
	mux.HandleFunc("POST /storage/volumes/{id}/resize", s.handleResizeVolume)
	mux.HandleFunc("GET /storage/volumes/{id}/backups", s.handleListBackups)
	mux.HandleFunc("POST /storage/volumes/{id}/backups", s.handleCreateBackup)
	mux.HandleFunc("POST /storage/backups/{id}/restore", s.handleRestoreBackup)

	mux.HandleFunc("GET /alerts", s.handleListAlerts)
	mux.HandleFunc("GET /alerts/history", s.handleAlertHistory)
	mux.HandleFunc("POST /alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
	mux.HandleFunc("POST /alerts/{id}/resolve", s.handleResolveAlert)

	mux.HandleFunc("GET /monitoring/health", s.handleClusterHealth)
	mux.HandleFunc("GET /monitoring/hosts", s.handleHostHistory)
	mux.HandleFunc("GET /monitoring/vms", s.handleVMHistory)
	mux.HandleFunc("GET /monitoring/network", s.handleNetworkHistory)
	mux.HandleFunc("GET /monitoring/storage", s.handleStorageHistory)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"feed_clients": s.hub.ClientCount(),
	})
}

// Handler returns the root http.Handler for embedding or testing.
func (s *Server) Handler() http.Handler { return s.mux }

// Start runs the API server on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	log.Info().Str("addr", addr).Msg("api server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
