// Package storage owns volumes and backup jobs. It is grounded on
// ClusterStorageManager: select-by-available-disk placement, a
// rollback-on-error state machine around attach/detach/resize, and
// synchronous (not job-queued) backup/restore.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/idgen"
	"github.com/ionforge/meridian/internal/merr"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/store"
)

// maxVolumeSizeGB mirrors internal/vmrouter's maxDiskGB: volumes share the
// same [1,2048] size bound as VM disks.
const maxVolumeSizeGB = 2048

// Coordinator manages volumes and backup jobs across the fleet.
type Coordinator struct {
	mu sync.Mutex

	volumesPath string
	backupsPath string

	volumes map[string]*models.Volume
	backups map[string]*models.BackupJob

	fleet *fleet.Registry
}

// New constructs a Coordinator backed by dataDir/volumes.json and
// dataDir/backup_jobs.json.
func New(dataDir string, fleetRegistry *fleet.Registry) (*Coordinator, error) {
	c := &Coordinator{
		volumesPath: filepath.Join(dataDir, "volumes.json"),
		backupsPath: filepath.Join(dataDir, "backup_jobs.json"),
		volumes:     map[string]*models.Volume{},
		backups:     map[string]*models.BackupJob{},
		fleet:       fleetRegistry,
	}
	var volumes map[string]*models.Volume
	if err := store.LoadJSON(c.volumesPath, &volumes); err != nil {
		return nil, err
	}
	if volumes != nil {
		c.volumes = volumes
	}
	var backups map[string]*models.BackupJob
	if err := store.LoadJSON(c.backupsPath, &backups); err != nil {
		return nil, err
	}
	if backups != nil {
		c.backups = backups
	}
	return c, nil
}

func (c *Coordinator) persistVolumesLocked() error {
	return store.SaveJSON(c.volumesPath, c.volumes)
}

func (c *Coordinator) persistBackupsLocked() error {
	return store.SaveJSON(c.backupsPath, c.backups)
}

// selectHostForVolume picks the online host with the most available disk
// headroom that still fits sizeGB.
func (c *Coordinator) selectHostForVolume(sizeGB int64) (models.Host, error) {
	type candidate struct {
		host      models.Host
		available float64
	}
	var candidates []candidate
	for _, h := range c.fleet.List() {
		if h.Status != models.HostOnline || len(h.Metrics) == 0 {
			continue
		}
		latest := h.Metrics[len(h.Metrics)-1]
		available := float64(h.DiskGB) - float64(latest.DiskUsedGB)
		if available < 0 {
			available = 0
		}
		if available >= float64(sizeGB) {
			candidates = append(candidates, candidate{host: h, available: available})
		}
	}
	if len(candidates) == 0 {
		return models.Host{}, merr.NoCapacity("no host has %dGB of available disk", sizeGB)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].available > candidates[j].available })
	return candidates[0].host, nil
}

// CreateVolume places a new volume on the host with the most available
// disk headroom, optionally provisioning a best-effort replica elsewhere.
func (c *Coordinator) CreateVolume(ctx context.Context, name string, sizeGB int64, replicated bool) (models.Volume, error) {
	if sizeGB <= 0 {
		return models.Volume{}, merr.InputInvalid("size_gb must be positive")
	}
	if sizeGB > maxVolumeSizeGB {
		return models.Volume{}, merr.InputInvalid("size_gb %d exceeds the %dGB maximum", sizeGB, maxVolumeSizeGB)
	}

	host, err := c.selectHostForVolume(sizeGB)
	if err != nil {
		return models.Volume{}, err
	}

	driver, err := c.fleet.Driver(host.ID)
	if err != nil {
		return models.Volume{}, err
	}
	if _, err := driver.Exec(ctx, fmt.Sprintf("echo 'creating volume %s size %dGB'", name, sizeGB), 0); err != nil {
		return models.Volume{}, err
	}

	vol := models.Volume{
		ID: idgen.Short(), Name: name, SizeGB: sizeGB,
		HostID: host.ID, Replicated: replicated, State: models.VolumeAvailable,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}

	if replicated {
		if replicaHostID, ok := c.pickReplicaHost(host.ID); ok {
			if replicaDriver, err := c.fleet.Driver(replicaHostID); err == nil {
				if _, err := replicaDriver.Exec(ctx, fmt.Sprintf("echo 'replicating volume %s from host %s'", name, host.ID), 0); err != nil {
					log.Error().Err(err).Str("volume", vol.ID).Msg("replica setup failed, continuing unreplicated")
					vol.Replicated = false
				} else {
					vol.ReplicaHostID = replicaHostID
				}
			} else {
				vol.Replicated = false
			}
		} else {
			log.Warn().Str("volume", vol.ID).Msg("no other online host available for replication")
			vol.Replicated = false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.volumes[vol.ID] = &vol
	if err := c.persistVolumesLocked(); err != nil {
		delete(c.volumes, vol.ID)
		return models.Volume{}, err
	}
	return vol, nil
}

func (c *Coordinator) pickReplicaHost(exclude string) (string, bool) {
	for _, h := range c.fleet.List() {
		if h.ID != exclude && h.Status == models.HostOnline {
			return h.ID, true
		}
	}
	return "", false
}

// DeleteVolume removes a volume, best-effort cleaning up its replica.
func (c *Coordinator) DeleteVolume(ctx context.Context, volumeID string) error {
	c.mu.Lock()
	vol, ok := c.volumes[volumeID]
	if !ok {
		c.mu.Unlock()
		return merr.NotFound("volume %s not found", volumeID)
	}
	if vol.AttachedToVM != "" {
		c.mu.Unlock()
		return merr.Conflict("volume %s is attached to vm %s", volumeID, vol.AttachedToVM)
	}
	hostID, replicaHostID, replicated, name := vol.HostID, vol.ReplicaHostID, vol.Replicated, vol.Name
	c.mu.Unlock()

	if hostID != "" {
		driver, err := c.fleet.Driver(hostID)
		if err != nil {
			return err
		}
		if _, err := driver.Exec(ctx, fmt.Sprintf("echo 'deleting volume %s'", name), 0); err != nil {
			return err
		}
		if replicated && replicaHostID != "" {
			if replicaDriver, err := c.fleet.Driver(replicaHostID); err == nil {
				if _, err := replicaDriver.Exec(ctx, fmt.Sprintf("echo 'cleaning up replica of volume %s'", name), 0); err != nil {
					log.Error().Err(err).Str("volume", volumeID).Msg("replica cleanup failed")
				}
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.volumes, volumeID)
	return c.persistVolumesLocked()
}

// AttachVolume transitions a volume through attaching -> attached, rolling
// back to available on failure.
func (c *Coordinator) AttachVolume(ctx context.Context, volumeID, vmID, vmHostID string) error {
	c.mu.Lock()
	vol, ok := c.volumes[volumeID]
	if !ok {
		c.mu.Unlock()
		return merr.NotFound("volume %s not found", volumeID)
	}
	if vol.AttachedToVM != "" {
		c.mu.Unlock()
		return merr.Conflict("volume %s is already attached to vm %s", volumeID, vol.AttachedToVM)
	}
	if vol.HostID == "" {
		c.mu.Unlock()
		return merr.InputInvalid("volume %s has no host assigned", volumeID)
	}
	vol.State = models.VolumeAttaching
	vol.UpdatedAt = time.Now()
	if err := c.persistVolumesLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	hostID, replicated, name := vol.HostID, vol.Replicated, vol.Name
	c.mu.Unlock()

	var target string
	var label string
	switch {
	case hostID == vmHostID:
		target, label = hostID, fmt.Sprintf("echo 'attaching volume %s to vm %s locally'", name, vmID)
	case replicated:
		target, label = vmHostID, fmt.Sprintf("echo 'attaching replicated volume %s to vm %s on host %s'", name, vmID, vmHostID)
	default:
		target, label = vmHostID, fmt.Sprintf("echo 'setting up remote access for volume %s from host %s to vm %s on host %s'", name, hostID, vmID, vmHostID)
	}

	driver, err := c.fleet.Driver(target)
	if err != nil {
		c.rollbackVolumeState(volumeID, models.VolumeAvailable)
		return err
	}
	if _, err := driver.Exec(ctx, label, 0); err != nil {
		c.rollbackVolumeState(volumeID, models.VolumeAvailable)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	vol.AttachedToVM = vmID
	vol.State = models.VolumeAttached
	vol.UpdatedAt = time.Now()
	return c.persistVolumesLocked()
}

func (c *Coordinator) rollbackVolumeState(volumeID string, state models.VolumeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vol, ok := c.volumes[volumeID]; ok {
		vol.State = state
		vol.UpdatedAt = time.Now()
		_ = c.persistVolumesLocked()
	}
}

// DetachVolume transitions attached -> available. A no-op, not an error,
// if the volume isn't attached.
func (c *Coordinator) DetachVolume(ctx context.Context, volumeID string) error {
	c.mu.Lock()
	vol, ok := c.volumes[volumeID]
	if !ok {
		c.mu.Unlock()
		return merr.NotFound("volume %s not found", volumeID)
	}
	if vol.AttachedToVM == "" {
		c.mu.Unlock()
		return nil
	}
	if vol.HostID == "" {
		c.mu.Unlock()
		return merr.InputInvalid("volume %s has no host assigned", volumeID)
	}
	vol.State = models.VolumeDetaching
	vol.UpdatedAt = time.Now()
	if err := c.persistVolumesLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	hostID, name := vol.HostID, vol.Name
	c.mu.Unlock()

	driver, err := c.fleet.Driver(hostID)
	if err != nil {
		c.rollbackVolumeState(volumeID, models.VolumeAttached)
		return err
	}
	if _, err := driver.Exec(ctx, fmt.Sprintf("echo 'detaching volume %s'", name), 0); err != nil {
		c.rollbackVolumeState(volumeID, models.VolumeAttached)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	vol.AttachedToVM = ""
	vol.State = models.VolumeAvailable
	vol.UpdatedAt = time.Now()
	return c.persistVolumesLocked()
}

// ResizeVolume grows a detached volume, best-effort resizing its replica.
func (c *Coordinator) ResizeVolume(ctx context.Context, volumeID string, newSizeGB int64) error {
	c.mu.Lock()
	vol, ok := c.volumes[volumeID]
	if !ok {
		c.mu.Unlock()
		return merr.NotFound("volume %s not found", volumeID)
	}
	if vol.AttachedToVM != "" {
		c.mu.Unlock()
		return merr.Conflict("volume %s is attached to vm %s, detach first", volumeID, vol.AttachedToVM)
	}
	if vol.HostID == "" {
		c.mu.Unlock()
		return merr.InputInvalid("volume %s has no host assigned", volumeID)
	}
	if newSizeGB <= vol.SizeGB {
		c.mu.Unlock()
		return merr.InputInvalid("new size %dGB must exceed current size %dGB", newSizeGB, vol.SizeGB)
	}
	if newSizeGB > maxVolumeSizeGB {
		c.mu.Unlock()
		return merr.InputInvalid("new size %dGB exceeds the %dGB maximum", newSizeGB, maxVolumeSizeGB)
	}
	hostID, replicaHostID, replicated, name, oldSize := vol.HostID, vol.ReplicaHostID, vol.Replicated, vol.Name, vol.SizeGB
	c.mu.Unlock()

	driver, err := c.fleet.Driver(hostID)
	if err != nil {
		return err
	}
	if _, err := driver.Exec(ctx, fmt.Sprintf("echo 'resizing volume %s from %dGB to %dGB'", name, oldSize, newSizeGB), 0); err != nil {
		return err
	}
	if replicated && replicaHostID != "" {
		if replicaDriver, err := c.fleet.Driver(replicaHostID); err == nil {
			if _, err := replicaDriver.Exec(ctx, fmt.Sprintf("echo 'resizing replica of volume %s'", name), 0); err != nil {
				log.Error().Err(err).Str("volume", volumeID).Msg("replica resize failed")
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	vol.SizeGB = newSizeGB
	vol.UpdatedAt = time.Now()
	return c.persistVolumesLocked()
}

// CreateBackup is a synchronous point-in-time copy of a volume.
func (c *Coordinator) CreateBackup(ctx context.Context, volumeID string) (models.BackupJob, error) {
	c.mu.Lock()
	vol, ok := c.volumes[volumeID]
	if !ok {
		c.mu.Unlock()
		return models.BackupJob{}, merr.NotFound("volume %s not found", volumeID)
	}
	if vol.HostID == "" {
		c.mu.Unlock()
		return models.BackupJob{}, merr.InputInvalid("volume %s has no host assigned", volumeID)
	}
	hostID, name, sizeGB := vol.HostID, vol.Name, vol.SizeGB
	c.mu.Unlock()

	driver, err := c.fleet.Driver(hostID)
	if err != nil {
		return models.BackupJob{}, err
	}

	job := models.BackupJob{ID: idgen.Short(), VolumeID: volumeID, SizeGB: sizeGB, CreatedAt: time.Now()}
	if _, err := driver.Exec(ctx, fmt.Sprintf("echo 'creating backup of volume %s'", name), 0); err != nil {
		job.Status = models.BackupFailed
		job.CompletedAt = time.Now()
		c.mu.Lock()
		c.backups[job.ID] = &job
		_ = c.persistBackupsLocked()
		c.mu.Unlock()
		return models.BackupJob{}, err
	}
	job.Status = models.BackupCompleted
	job.CompletedAt = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.backups[job.ID] = &job
	if err := c.persistBackupsLocked(); err != nil {
		delete(c.backups, job.ID)
		return models.BackupJob{}, err
	}
	return job, nil
}

// RestoreBackup restores backupID onto targetVolumeID, defaulting to the
// backup's original volume when no target is given.
func (c *Coordinator) RestoreBackup(ctx context.Context, backupID, targetVolumeID string) error {
	c.mu.Lock()
	backup, ok := c.backups[backupID]
	if !ok {
		c.mu.Unlock()
		return merr.NotFound("backup %s not found", backupID)
	}
	if targetVolumeID == "" {
		targetVolumeID = backup.VolumeID
	}
	target, ok := c.volumes[targetVolumeID]
	if !ok {
		c.mu.Unlock()
		return merr.NotFound("target volume %s not found", targetVolumeID)
	}
	if target.AttachedToVM != "" {
		c.mu.Unlock()
		return merr.Conflict("target volume %s is attached to vm %s, detach first", targetVolumeID, target.AttachedToVM)
	}
	if target.HostID == "" {
		c.mu.Unlock()
		return merr.InputInvalid("target volume %s has no host assigned", targetVolumeID)
	}
	hostID, name := target.HostID, target.Name
	c.mu.Unlock()

	driver, err := c.fleet.Driver(hostID)
	if err != nil {
		return err
	}
	_, err = driver.Exec(ctx, fmt.Sprintf("echo 'restoring backup %s to volume %s'", backupID, name), 0)
	return err
}

// ListVolumes returns every volume, sorted by ID.
func (c *Coordinator) ListVolumes() []models.Volume {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Volume, 0, len(c.volumes))
	for _, v := range c.volumes {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetVolume returns a single volume by ID.
func (c *Coordinator) GetVolume(volumeID string) (models.Volume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.volumes[volumeID]
	if !ok {
		return models.Volume{}, merr.NotFound("volume %s not found", volumeID)
	}
	return *v, nil
}

// ListBackups returns every backup job, optionally filtered to one volume.
func (c *Coordinator) ListBackups(volumeID string) []models.BackupJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.BackupJob, 0, len(c.backups))
	for _, b := range c.backups {
		if volumeID != "" && b.VolumeID != volumeID {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
