// Package migration drives one VM at a time through the live-migration
// state machine: preparing -> in_progress -> {completed|failed|cancelled}.
// It is grounded on the source's MigrationManager (start_migration,
// cancel_migration, get_migration_status) and the graceful-shutdown
// fallback cluster_vm_manager.migrate_vm uses for non-live moves.
package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/hypervisor"
	"github.com/ionforge/meridian/internal/merr"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/vmrouter"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	shutdownPollInterval   = time.Second
	pollInterval           = time.Second
)

// job tracks one in-flight or finished migration.
type job struct {
	stats  models.MigrationStats
	cancel context.CancelFunc
}

// Coordinator sequences migrations against the fleet registry (capacity,
// vm_count bookkeeping) and the vm router (authoritative host_id).
type Coordinator struct {
	mu     sync.Mutex
	fleet  *fleet.Registry
	router *vmrouter.Router
	jobs   map[string]*job // keyed by vm_id
}

// New constructs a Coordinator. Migration state is process-lifetime only:
// an in-progress migration does not survive a restart, matching the
// source's in-memory job tracking.
func New(fleetRegistry *fleet.Registry, router *vmrouter.Router) *Coordinator {
	return &Coordinator{
		fleet:  fleetRegistry,
		router: router,
		jobs:   map[string]*job{},
	}
}

// Start validates cfg and launches the migration in the background,
// returning immediately with the initial "preparing" status. Callers poll
// Status for progress.
func (c *Coordinator) Start(ctx context.Context, cfg models.MigrationConfig) (models.MigrationStats, error) {
	if cfg.VMID == "" {
		return models.MigrationStats{}, merr.InputInvalid("vm_id is required")
	}
	if cfg.DestHostID == "" {
		return models.MigrationStats{}, merr.InputInvalid("dest_host_id is required")
	}

	vm, err := c.router.Get(cfg.VMID)
	if err != nil {
		return models.MigrationStats{}, err
	}
	if vm.HostID == cfg.DestHostID {
		return models.MigrationStats{}, merr.InputInvalid("vm %s is already on host %s", cfg.VMID, cfg.DestHostID)
	}

	c.mu.Lock()
	if existing, ok := c.jobs[cfg.VMID]; ok && existing.stats.Status == models.MigrationInProgress {
		c.mu.Unlock()
		return models.MigrationStats{}, merr.Conflict("vm %s already has a migration in progress", cfg.VMID)
	}
	c.mu.Unlock()

	if err := c.fleet.CapacityCheck(cfg.DestHostID, vm.Config.CPUCores, vm.Config.MemoryMB, vm.Config.DiskSizeGB); err != nil {
		return models.MigrationStats{}, err
	}

	destHost, err := c.fleet.Get(cfg.DestHostID)
	if err != nil {
		return models.MigrationStats{}, err
	}

	stats := models.MigrationStats{VMID: cfg.VMID, Status: models.MigrationPreparing}
	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.jobs[cfg.VMID] = &job{stats: stats, cancel: cancel}
	c.mu.Unlock()

	go c.run(runCtx, cfg, vm, destHost)

	return stats, nil
}

func (c *Coordinator) setStatus(vmID string, mutate func(*models.MigrationStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[vmID]
	if !ok {
		return
	}
	mutate(&j.stats)
}

func (c *Coordinator) run(ctx context.Context, cfg models.MigrationConfig, vm models.VM, destHost models.Host) {
	logger := log.With().Str("vm_id", vm.ID).Str("dest_host_id", destHost.ID).Logger()

	srcSession, err := c.fleet.HypervisorSession(vm.HostID)
	if err != nil {
		c.fail(vm.ID, err)
		return
	}
	destSession, err := c.fleet.HypervisorSession(destHost.ID)
	if err != nil {
		c.fail(vm.ID, err)
		return
	}

	active, err := srcSession.DomainIsActive(ctx, vm.Name)
	if err != nil {
		c.fail(vm.ID, err)
		return
	}

	live := cfg.Live && active && cfg.Type != models.MigrationOffline
	if active && !live {
		if err := c.gracefulStop(ctx, srcSession, vm, cfg); err != nil {
			c.fail(vm.ID, err)
			return
		}
	}

	c.setStatus(vm.ID, func(s *models.MigrationStats) { s.Status = models.MigrationInProgress })

	if cfg.MaxDowntimeMs > 0 {
		if err := srcSession.SetMaxDowntime(ctx, vm.Name, cfg.MaxDowntimeMs); err != nil {
			logger.Warn().Err(err).Msg("set max downtime failed, continuing with libvirt default")
		}
	}
	if cfg.CompressionCacheBytes > 0 {
		if err := srcSession.SetCompressionCache(ctx, vm.Name, cfg.CompressionCacheBytes); err != nil {
			logger.Warn().Err(err).Msg("set compression cache failed, continuing without it")
		}
	}

	destURI := fmt.Sprintf("qemu+ssh://%s/system", destHost.Hostname)

	flags := hypervisor.MigrateFlags{
		Live:             live,
		PersistDest:      cfg.Persistent,
		UndefineSource:   cfg.UndefineSource,
		Compressed:       cfg.Compressed,
		AutoConverge:     cfg.AutoConverge,
		PeerToPeer:       cfg.Type == models.MigrationPeerToPeer,
		Tunnelled:        cfg.Type == models.MigrationTunneled,
		ChangeProtection: true,
	}

	if live {
		done := make(chan struct{})
		go c.pollProgress(ctx, srcSession, vm.ID, vm.Name, done)
		err = srcSession.Migrate(ctx, vm.Name, destURI, flags, cfg.BandwidthMiBs)
		close(done)
	} else {
		err = srcSession.Migrate(ctx, vm.Name, destURI, flags, cfg.BandwidthMiBs)
	}

	if err != nil {
		if merr.Is(err, merr.KindTimeout) && ctx.Err() == context.Canceled {
			c.setStatus(vm.ID, func(s *models.MigrationStats) { s.Status = models.MigrationCancelled })
			return
		}
		c.fail(vm.ID, err)
		return
	}

	if cfg.UndefineSource {
		// virsh migrate --undefinesource undefines the source domain as
		// part of the same call, but the source config this is grounded
		// on treats that step as fallible independently of the migration
		// itself. Confirm it explicitly and log-but-continue on failure:
		// the migration itself already succeeded.
		if err := srcSession.Undefine(ctx, vm.Name); err != nil {
			logger.Warn().Err(err).Msg("post-migration source undefine failed")
		}
	}

	if err := c.router.FlipHost(vm.ID, destHost.ID); err != nil {
		c.fail(vm.ID, err)
		return
	}
	if err := c.fleet.AdjustVMCount(vm.HostID, -1); err != nil {
		logger.Warn().Err(err).Msg("source vm_count decrement failed")
	}
	if err := c.fleet.AdjustVMCount(destHost.ID, 1); err != nil {
		logger.Warn().Err(err).Msg("dest vm_count increment failed")
	}

	_ = destSession // bound for symmetry; destination-side verification is a future enhancement

	c.setStatus(vm.ID, func(s *models.MigrationStats) {
		s.Status = models.MigrationCompleted
		s.Progress = 100
	})
}

// gracefulStop requests ACPI shutdown and polls until the domain goes
// inactive or the timeout elapses, then forces it off. Mirrors the
// 30x1s-poll-then-destroy fallback this is grounded on.
func (c *Coordinator) gracefulStop(ctx context.Context, session *hypervisor.Session, vm models.VM, cfg models.MigrationConfig) error {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	if err := session.Shutdown(ctx, vm.Name); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		active, err := session.DomainIsActive(ctx, vm.Name)
		if err != nil {
			return err
		}
		if !active {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(shutdownPollInterval):
		}
	}
	return session.Destroy(ctx, vm.Name)
}

func (c *Coordinator) pollProgress(ctx context.Context, session *hypervisor.Session, vmID, name string, done <-chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := session.JobStatus(ctx, name)
			if err != nil {
				continue
			}
			c.setStatus(vmID, func(s *models.MigrationStats) {
				s.DataTotal = info.DataTotal
				s.DataProcessed = info.DataProcessed
				s.DataRemaining = info.DataRemaining
				s.Downtime = info.Downtime
				s.Speed = info.Speed
				if info.DataTotal > 0 {
					s.Progress = float64(info.DataProcessed) / float64(info.DataTotal) * 100
				}
			})
		}
	}
}

func (c *Coordinator) fail(vmID string, err error) {
	log.Error().Err(err).Str("vm_id", vmID).Msg("migration failed")
	c.setStatus(vmID, func(s *models.MigrationStats) {
		s.Status = models.MigrationFailed
		s.FailureReason = err.Error()
	})
}

// Status returns the last known progress snapshot for vmID.
func (c *Coordinator) Status(vmID string) (models.MigrationStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[vmID]
	if !ok {
		return models.MigrationStats{}, merr.NotFound("no migration recorded for vm %s", vmID)
	}
	return j.stats, nil
}

// List returns every migration this coordinator has tracked since startup.
func (c *Coordinator) List() []models.MigrationStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.MigrationStats, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j.stats)
	}
	return out
}

// Cancel aborts an in-progress migration both at the libvirt job level and
// by cancelling the context bound to the blocking virsh migrate exec.
func (c *Coordinator) Cancel(ctx context.Context, vmID string) error {
	c.mu.Lock()
	j, ok := c.jobs[vmID]
	c.mu.Unlock()
	if !ok {
		return merr.NotFound("no migration recorded for vm %s", vmID)
	}
	if j.stats.Status != models.MigrationInProgress && j.stats.Status != models.MigrationPreparing {
		return merr.Conflict("migration for vm %s is not cancellable in state %s", vmID, j.stats.Status)
	}

	hostID, err := c.router.HostID(vmID)
	if err != nil {
		return err
	}
	session, err := c.fleet.HypervisorSession(hostID)
	if err != nil {
		return err
	}
	vm, err := c.router.Get(vmID)
	if err != nil {
		return err
	}
	if err := session.AbortJob(ctx, vm.Name); err != nil {
		log.Warn().Err(err).Str("vm_id", vmID).Msg("domjobabort failed, relying on exec cancellation")
	}
	j.cancel()
	return nil
}
