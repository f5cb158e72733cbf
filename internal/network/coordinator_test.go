package network

import (
	"context"
	"net"
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

func newTestCoordinator(t *testing.T) (*Coordinator, *fleet.Registry) {
	t.Helper()
	dir := t.TempDir()
	fleetReg, err := fleet.New(dir, nil, fleet.Hooks{})
	require.NoError(t, err)
	router, err := vmrouter.New(dir, fleetReg)
	require.NoError(t, err)
	c, err := New(dir, fleetReg, router)
	require.NoError(t, err)
	return c, fleetReg
}

func TestAllocateElasticIPReusesUnattached(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.ips["10.100.1.1"] = &models.ElasticIP{IP: "10.100.1.1"}

	ip, err := c.AllocateElasticIP()
	require.NoError(t, err)
	assert.Equal(t, "10.100.1.1", ip)
}

func TestAllocateElasticIPMintsNewAddress(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ip, err := c.AllocateElasticIP()
	require.NoError(t, err)
	assert.Equal(t, "10.100.1.1", ip)
	c.ips[ip].AttachedToVM = "v1" // attached, so the next call cannot reuse it

	ip2, err := c.AllocateElasticIP()
	require.NoError(t, err)
	assert.Equal(t, "10.100.1.2", ip2)
}

func TestAttachElasticIPUnknownIPNotFound(t *testing.T) {
	c, _ := newTestCoordinator(t)
	err := c.AttachElasticIP(context.Background(), "10.100.1.1", "v1")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestAttachElasticIPAlreadyAttachedConflict(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.ips["10.100.1.1"] = &models.ElasticIP{IP: "10.100.1.1", AttachedToVM: "v9"}

	err := c.AttachElasticIP(context.Background(), "10.100.1.1", "v1")
	assert.True(t, merr.Is(err, merr.KindConflict))
}

func TestDetachElasticIPUnattachedIsNoop(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.ips["10.100.1.1"] = &models.ElasticIP{IP: "10.100.1.1"}

	err := c.DetachElasticIP(context.Background(), "10.100.1.1")
	assert.NoError(t, err)
}

func TestDetachElasticIPUnknownNotFound(t *testing.T) {
	c, _ := newTestCoordinator(t)
	err := c.DetachElasticIP(context.Background(), "10.100.1.1")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestListElasticIPsSorted(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.ips["10.100.1.2"] = &models.ElasticIP{IP: "10.100.1.2"}
	c.ips["10.100.1.1"] = &models.ElasticIP{IP: "10.100.1.1"}

	list := c.ListElasticIPs()
	require.Len(t, list, 2)
	assert.Equal(t, "10.100.1.1", list[0].IP)
}

func TestCreateOverlayNetworkRejectsDuplicateName(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.overlays["prod"] = &models.Overlay{Name: "prod", CIDR: "10.200.0.0/16"}

	_, err := c.CreateOverlayNetwork(context.Background(), "prod", "10.201.0.0/16")
	assert.True(t, merr.Is(err, merr.KindConflict))
}

func TestCreateOverlayNetworkRejectsInvalidCIDR(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.CreateOverlayNetwork(context.Background(), "prod", "not-a-cidr")
	assert.True(t, merr.Is(err, merr.KindInputInvalid))
}

func TestCreateOverlayNetworkRequiresOnlineHosts(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.CreateOverlayNetwork(context.Background(), "prod", "10.201.0.0/16")
	assert.True(t, merr.Is(err, merr.KindNoCapacity))
}

func TestCreateOverlayNetworkRejectsPublicCIDR(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.CreateOverlayNetwork(context.Background(), "prod", "8.8.8.0/24")
	assert.True(t, merr.Is(err, merr.KindInputInvalid))
}

func TestCreateOverlayNetworkRejectsOutOfRangePrefix(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.CreateOverlayNetwork(context.Background(), "prod", "10.0.0.0/8")
	assert.True(t, merr.Is(err, merr.KindInputInvalid))
}

func TestGenerateOverlayCIDRIsDeterministic(t *testing.T) {
	first := generateOverlayCIDR("prod")
	second := generateOverlayCIDR("prod")
	assert.Equal(t, first, second)

	_, ipNet, err := net.ParseCIDR(first)
	require.NoError(t, err)
	ones, _ := ipNet.Mask.Size()
	assert.True(t, ipNet.IP.IsPrivate())
	assert.GreaterOrEqual(t, ones, 16)
	assert.LessOrEqual(t, ones, 28)
}

func TestCreateOverlayNetworkGeneratesCIDRWhenOmitted(t *testing.T) {
	dir := t.TempDir()
	hosts := map[string]*models.Host{"h1": {ID: "h1", Status: models.HostOnline}}
	require.NoError(t, store.SaveJSON(filepath.Join(dir, "hosts.json"), hosts))

	fleetReg, err := fleet.New(dir, nil, fleet.Hooks{})
	require.NoError(t, err)
	router, err := vmrouter.New(dir, fleetReg)
	require.NoError(t, err)
	c, err := New(dir, fleetReg, router)
	require.NoError(t, err)

	overlay, err := c.CreateOverlayNetwork(context.Background(), "prod", "")
	require.NoError(t, err)
	assert.NotEmpty(t, overlay.CIDR)
	assert.NoError(t, validateCIDR(overlay.CIDR))
}

func TestGetOverlayNetworkUnknownNotFound(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.GetOverlayNetwork("ghost")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestDeleteOverlayNetworkUnknownNotFound(t *testing.T) {
	c, _ := newTestCoordinator(t)
	err := c.DeleteOverlayNetwork(context.Background(), "ghost")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestListOverlayNetworksSorted(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.overlays["b"] = &models.Overlay{Name: "b"}
	c.overlays["a"] = &models.Overlay{Name: "a"}

	list := c.ListOverlayNetworks()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fleetReg, err := fleet.New(dir, nil, fleet.Hooks{})
	require.NoError(t, err)
	router, err := vmrouter.New(dir, fleetReg)
	require.NoError(t, err)
	c, err := New(dir, fleetReg, router)
	require.NoError(t, err)

	c.ips["10.100.1.1"] = &models.ElasticIP{IP: "10.100.1.1"}
	require.NoError(t, c.persistIPsLocked())

	c2, err := New(dir, fleetReg, router)
	require.NoError(t, err)
	_, ok := c2.ips["10.100.1.1"]
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "elastic_ips.json"), c2.ipPath)
}
