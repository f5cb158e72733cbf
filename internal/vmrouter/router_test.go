package vmrouter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionforge/meridian/internal/merr"
	"github.com/ionforge/meridian/internal/models"
)

func TestValidateConfigRejectsOutOfRangeValues(t *testing.T) {
	cases := []models.VMConfig{
		{CPUCores: 0, MemoryMB: 1024, DiskSizeGB: 10, ImageID: "img"},
		{CPUCores: 33, MemoryMB: 1024, DiskSizeGB: 10, ImageID: "img"},
		{CPUCores: 2, MemoryMB: 256, DiskSizeGB: 10, ImageID: "img"},
		{CPUCores: 2, MemoryMB: 1024, DiskSizeGB: 0, ImageID: "img"},
		{CPUCores: 2, MemoryMB: 1024, DiskSizeGB: 10, Arch: "sparc", ImageID: "img"},
		{CPUCores: 2, MemoryMB: 1024, DiskSizeGB: 10},
	}
	for _, cfg := range cases {
		err := validateConfig(cfg)
		assert.True(t, merr.Is(err, merr.KindInputInvalid), "expected InputInvalid for %+v", cfg)
	}
}

func TestValidateConfigAcceptsValidValues(t *testing.T) {
	err := validateConfig(models.VMConfig{CPUCores: 2, MemoryMB: 4096, DiskSizeGB: 20, Arch: "x86_64", ImageID: "img"})
	assert.NoError(t, err)
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return &Router{
		path: t.TempDir() + "/vms.json",
		vms:  map[string]*models.VM{},
	}
}

func TestGetUnknownVMNotFound(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Get("ghost")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestHostIDAndFlipHost(t *testing.T) {
	r := newTestRouter(t)
	r.vms["v1"] = &models.VM{ID: "v1", Name: "v1", HostID: "h1"}

	hostID, err := r.HostID("v1")
	require.NoError(t, err)
	assert.Equal(t, "h1", hostID)

	require.NoError(t, r.FlipHost("v1", "h2"))
	hostID, err = r.HostID("v1")
	require.NoError(t, err)
	assert.Equal(t, "h2", hostID)
}

func TestFlipHostUnknownVMNotFound(t *testing.T) {
	r := newTestRouter(t)
	err := r.FlipHost("ghost", "h2")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestDeleteIdempotentOnMissingVM(t *testing.T) {
	r := newTestRouter(t)
	err := r.Delete(context.Background(), "ghost")
	assert.NoError(t, err)
}
