package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/merr"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	fleetReg, err := fleet.New(dir, nil, fleet.Hooks{})
	require.NoError(t, err)
	c, err := New(dir, fleetReg)
	require.NoError(t, err)
	return c
}

func TestCreateVolumeFailsWithNoCapacity(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.CreateVolume(context.Background(), "vol1", 100, false)
	assert.True(t, merr.Is(err, merr.KindNoCapacity))
}

func TestCreateVolumeRejectsNonPositiveSize(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.CreateVolume(context.Background(), "vol1", 0, false)
	assert.True(t, merr.Is(err, merr.KindInputInvalid))
}

func TestCreateVolumeRejectsOversized(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.CreateVolume(context.Background(), "vol1", 2049, false)
	assert.True(t, merr.Is(err, merr.KindInputInvalid))
}

func TestSelectHostForVolumePicksMostHeadroom(t *testing.T) {
	c := newTestCoordinator(t)
	c.fleet = seededFleet(t, map[string]*models.Host{
		"h1": {ID: "h1", Status: models.HostOnline, DiskGB: 200, Metrics: []models.HostMetrics{{DiskUsedGB: 150}}},
		"h2": {ID: "h2", Status: models.HostOnline, DiskGB: 200, Metrics: []models.HostMetrics{{DiskUsedGB: 50}}},
	})

	host, err := c.selectHostForVolume(100)
	require.NoError(t, err)
	assert.Equal(t, "h2", host.ID)
}

func TestDeleteVolumeUnknownNotFound(t *testing.T) {
	c := newTestCoordinator(t)
	err := c.DeleteVolume(context.Background(), "ghost")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestDeleteVolumeAttachedConflict(t *testing.T) {
	c := newTestCoordinator(t)
	c.volumes["v1"] = &models.Volume{ID: "v1", AttachedToVM: "vm1"}

	err := c.DeleteVolume(context.Background(), "v1")
	assert.True(t, merr.Is(err, merr.KindConflict))
}

func TestAttachVolumeAlreadyAttachedConflict(t *testing.T) {
	c := newTestCoordinator(t)
	c.volumes["v1"] = &models.Volume{ID: "v1", HostID: "h1", AttachedToVM: "vm9"}

	err := c.AttachVolume(context.Background(), "v1", "vm1", "h1")
	assert.True(t, merr.Is(err, merr.KindConflict))
}

func TestDetachVolumeUnattachedIsNoop(t *testing.T) {
	c := newTestCoordinator(t)
	c.volumes["v1"] = &models.Volume{ID: "v1", HostID: "h1"}

	err := c.DetachVolume(context.Background(), "v1")
	assert.NoError(t, err)
}

func TestResizeVolumeRejectsSmallerSize(t *testing.T) {
	c := newTestCoordinator(t)
	c.volumes["v1"] = &models.Volume{ID: "v1", HostID: "h1", SizeGB: 100}

	err := c.ResizeVolume(context.Background(), "v1", 50)
	assert.True(t, merr.Is(err, merr.KindInputInvalid))
}

func TestResizeVolumeRejectsOversized(t *testing.T) {
	c := newTestCoordinator(t)
	c.volumes["v1"] = &models.Volume{ID: "v1", HostID: "h1", SizeGB: 100}

	err := c.ResizeVolume(context.Background(), "v1", 2049)
	assert.True(t, merr.Is(err, merr.KindInputInvalid))
}

func TestResizeVolumeRejectsAttached(t *testing.T) {
	c := newTestCoordinator(t)
	c.volumes["v1"] = &models.Volume{ID: "v1", HostID: "h1", SizeGB: 100, AttachedToVM: "vm1"}

	err := c.ResizeVolume(context.Background(), "v1", 200)
	assert.True(t, merr.Is(err, merr.KindConflict))
}

func TestCreateBackupUnknownVolumeNotFound(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.CreateBackup(context.Background(), "ghost")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestRestoreBackupUnknownNotFound(t *testing.T) {
	c := newTestCoordinator(t)
	err := c.RestoreBackup(context.Background(), "ghost", "")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestRestoreBackupDefaultsToOriginalVolume(t *testing.T) {
	c := newTestCoordinator(t)
	c.backups["b1"] = &models.BackupJob{ID: "b1", VolumeID: "ghost-volume"}

	err := c.RestoreBackup(context.Background(), "b1", "")
	assert.True(t, merr.Is(err, merr.KindNotFound), "should report the defaulted target volume as not found")
}

func TestListVolumesSortedByID(t *testing.T) {
	c := newTestCoordinator(t)
	c.volumes["v2"] = &models.Volume{ID: "v2"}
	c.volumes["v1"] = &models.Volume{ID: "v1"}

	list := c.ListVolumes()
	require.Len(t, list, 2)
	assert.Equal(t, "v1", list[0].ID)
}

func TestListBackupsFiltersByVolume(t *testing.T) {
	c := newTestCoordinator(t)
	c.backups["b1"] = &models.BackupJob{ID: "b1", VolumeID: "v1"}
	c.backups["b2"] = &models.BackupJob{ID: "b2", VolumeID: "v2"}

	list := c.ListBackups("v1")
	require.Len(t, list, 1)
	assert.Equal(t, "b1", list[0].ID)
}

func seededFleet(t *testing.T, hosts map[string]*models.Host) *fleet.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, writeHosts(filepath.Join(dir, "hosts.json"), hosts))
	r, err := fleet.New(dir, nil, fleet.Hooks{})
	require.NoError(t, err)
	return r
}

func writeHosts(path string, hosts map[string]*models.Host) error {
	for _, h := range hosts {
		for i := range h.Metrics {
			h.Metrics[i].Timestamp = time.Now()
		}
	}
	return store.SaveJSON(path, hosts)
}
