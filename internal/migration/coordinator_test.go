package migration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/merr"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/store"
	"github.com/ionforge/meridian/internal/vmrouter"
)

func newTestCoordinator(t *testing.T, hosts map[string]*models.Host, vms map[string]*models.VM) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, store.SaveJSON(filepath.Join(dir, "hosts.json"), hosts))
	require.NoError(t, store.SaveJSON(filepath.Join(dir, "vms.json"), vms))

	fleetReg, err := fleet.New(dir, nil, fleet.Hooks{})
	require.NoError(t, err)
	router, err := vmrouter.New(dir, fleetReg)
	require.NoError(t, err)

	return New(fleetReg, router)
}

func TestStartRejectsMissingVMID(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	_, err := c.Start(context.Background(), models.MigrationConfig{DestHostID: "h2"})
	assert.True(t, merr.Is(err, merr.KindInputInvalid))
}

func TestStartRejectsMissingDestHostID(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	_, err := c.Start(context.Background(), models.MigrationConfig{VMID: "v1"})
	assert.True(t, merr.Is(err, merr.KindInputInvalid))
}

func TestStartRejectsSameHost(t *testing.T) {
	vms := map[string]*models.VM{
		"v1": {ID: "v1", Name: "v1", HostID: "h1", Config: models.VMConfig{CPUCores: 1, MemoryMB: 1024, DiskSizeGB: 10}},
	}
	c := newTestCoordinator(t, nil, vms)
	_, err := c.Start(context.Background(), models.MigrationConfig{VMID: "v1", DestHostID: "h1"})
	assert.True(t, merr.Is(err, merr.KindInputInvalid))
}

func TestStartFailsWhenVMUnknown(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	_, err := c.Start(context.Background(), models.MigrationConfig{VMID: "ghost", DestHostID: "h2"})
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestStartFailsWhenDestHostUnknown(t *testing.T) {
	vms := map[string]*models.VM{
		"v1": {ID: "v1", Name: "v1", HostID: "h1", Config: models.VMConfig{CPUCores: 1, MemoryMB: 1024, DiskSizeGB: 10}},
	}
	c := newTestCoordinator(t, nil, vms)
	_, err := c.Start(context.Background(), models.MigrationConfig{VMID: "v1", DestHostID: "h2"})
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestStartFailsWhenDestLacksCapacity(t *testing.T) {
	hosts := map[string]*models.Host{
		"h2": {ID: "h2", Status: models.HostOffline, CPUCores: 8, MemoryMB: 16384, DiskGB: 200, VMCapacity: 10},
	}
	vms := map[string]*models.VM{
		"v1": {ID: "v1", Name: "v1", HostID: "h1", Config: models.VMConfig{CPUCores: 2, MemoryMB: 2048, DiskSizeGB: 20}},
	}
	c := newTestCoordinator(t, hosts, vms)
	_, err := c.Start(context.Background(), models.MigrationConfig{VMID: "v1", DestHostID: "h2"})
	assert.True(t, merr.Is(err, merr.KindNoCapacity), "offline dest host should fail capacity check")
}

func TestStatusUnknownVMNotFound(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	_, err := c.Status("ghost")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestCancelUnknownVMNotFound(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	err := c.Cancel(context.Background(), "ghost")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestCancelConflictWhenAlreadyFinished(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	c.jobs["v1"] = &job{stats: models.MigrationStats{VMID: "v1", Status: models.MigrationCompleted}, cancel: func() {}}

	err := c.Cancel(context.Background(), "v1")
	assert.True(t, merr.Is(err, merr.KindConflict))
}

func TestListReturnsAllTrackedJobs(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	c.jobs["v1"] = &job{stats: models.MigrationStats{VMID: "v1", Status: models.MigrationCompleted}, cancel: func() {}}
	c.jobs["v2"] = &job{stats: models.MigrationStats{VMID: "v2", Status: models.MigrationFailed}, cancel: func() {}}

	list := c.List()
	assert.Len(t, list, 2)
}

func TestStartRejectsConcurrentMigrationForSameVM(t *testing.T) {
	vms := map[string]*models.VM{
		"v1": {ID: "v1", Name: "v1", HostID: "h1", Config: models.VMConfig{CPUCores: 1, MemoryMB: 1024, DiskSizeGB: 10}},
	}
	c := newTestCoordinator(t, nil, vms)
	c.jobs["v1"] = &job{stats: models.MigrationStats{VMID: "v1", Status: models.MigrationInProgress}, cancel: func() {}}

	_, err := c.Start(context.Background(), models.MigrationConfig{VMID: "v1", DestHostID: "h2"})
	assert.True(t, merr.Is(err, merr.KindConflict))
}
