package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionforge/meridian/internal/alerts"
	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/network"
	"github.com/ionforge/meridian/internal/storage"
	"github.com/ionforge/meridian/internal/store"
	"github.com/ionforge/meridian/internal/vmrouter"
)

func newTestMonitor(t *testing.T, hosts map[string]*models.Host) *Monitor {
	t.Helper()
	dir := t.TempDir()
	if hosts != nil {
		for _, h := range hosts {
			for i := range h.Metrics {
				h.Metrics[i].Timestamp = time.Now()
			}
		}
		require.NoError(t, store.SaveJSON(filepath.Join(dir, "hosts.json"), hosts))
	}

	fleetReg, err := fleet.New(dir, nil, fleet.Hooks{})
	require.NoError(t, err)
	router, err := vmrouter.New(dir, fleetReg)
	require.NoError(t, err)
	storageCoord, err := storage.New(dir, fleetReg)
	require.NoError(t, err)
	networkCoord, err := network.New(dir, fleetReg, router)
	require.NoError(t, err)
	alertMgr, err := alerts.New(dir, alerts.Hooks{})
	require.NoError(t, err)

	m, err := New(dir, fleetReg, router, storageCoord, networkCoord, alertMgr, models.MonitoringConfig{})
	require.NoError(t, err)
	return m
}

func TestWithDefaultsFillsZeroValue(t *testing.T) {
	cfg := withDefaults(models.MonitoringConfig{})
	assert.Equal(t, 60, cfg.CollectionIntervalSeconds)
	assert.Equal(t, 7, cfg.MetricsRetentionDays)
	assert.Equal(t, 90.0, cfg.Thresholds.HostCPU)
}

func TestWithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := withDefaults(models.MonitoringConfig{CollectionIntervalSeconds: 30, MetricsRetentionDays: 3})
	assert.Equal(t, 30, cfg.CollectionIntervalSeconds)
	assert.Equal(t, 3, cfg.MetricsRetentionDays)
}

func TestCollectHostMetricsAggregatesOnlineHosts(t *testing.T) {
	m := newTestMonitor(t, map[string]*models.Host{
		"h1": {ID: "h1", Hostname: "h1", Status: models.HostOnline, CPUCores: 8, MemoryMB: 16000, DiskGB: 200,
			Metrics: []models.HostMetrics{{CPUUsagePercent: 50, MemUsedMB: 8000, DiskUsedGB: 100}}},
		"h2": {ID: "h2", Hostname: "h2", Status: models.HostOffline},
	})

	s := m.collectHostMetrics(context.Background(), time.Now())
	assert.Equal(t, 2, s.TotalHosts)
	assert.Equal(t, 1, s.OnlineHosts)
	assert.Equal(t, 1, s.OfflineHosts)
	assert.Equal(t, 8, s.TotalCPUCores)
	assert.Equal(t, int64(8000), s.UsedMemMB)
}

func TestCheckHostAlertsRaisesOnBreach(t *testing.T) {
	m := newTestMonitor(t, map[string]*models.Host{
		"h1": {ID: "h1", Hostname: "h1", Status: models.HostOnline, CPUCores: 8, MemoryMB: 16000, DiskGB: 200,
			Metrics: []models.HostMetrics{{CPUUsagePercent: 97, MemUsedMB: 1000, DiskUsedGB: 10}}},
	})

	m.checkHostAlerts()

	active := m.alerts.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "host", active[0].ResourceType)
	assert.Equal(t, models.SeverityError, active[0].Severity)
}

func TestCheckHostAlertsResolvesOnRecovery(t *testing.T) {
	m := newTestMonitor(t, map[string]*models.Host{
		"h1": {ID: "h1", Hostname: "h1", Status: models.HostOnline, CPUCores: 8, MemoryMB: 16000, DiskGB: 200,
			Metrics: []models.HostMetrics{{CPUUsagePercent: 97, MemUsedMB: 1000, DiskUsedGB: 10}}},
	})
	m.checkHostAlerts()
	require.Len(t, m.alerts.ActiveAlerts(), 1)

	// A below-threshold reading for the same (resource, title) resolves it.
	m.evaluate("host", "h1", "High CPU usage on host h1", 10, 90)

	assert.Empty(t, m.alerts.ActiveAlerts())
}

func TestCollectVMMetricsCountsByState(t *testing.T) {
	m := newTestMonitor(t, nil)
	s := m.collectVMMetrics(context.Background(), time.Now())
	assert.Equal(t, 0, s.Total)
}

func TestClusterHealthHealthyWithNoAlertsOrOfflineHosts(t *testing.T) {
	m := newTestMonitor(t, map[string]*models.Host{
		"h1": {ID: "h1", Hostname: "h1", Status: models.HostOnline, CPUCores: 4, MemoryMB: 8000, DiskGB: 100},
	})
	health := m.ClusterHealth(context.Background())
	assert.Equal(t, models.ClusterHealthy, health.Status)
}

func TestClusterHealthDegradedWithOfflineHost(t *testing.T) {
	m := newTestMonitor(t, map[string]*models.Host{
		"h1": {ID: "h1", Hostname: "h1", Status: models.HostOffline},
	})
	health := m.ClusterHealth(context.Background())
	assert.Equal(t, models.ClusterDegraded, health.Status)
}

func TestClusterHealthCriticalWithCriticalAlert(t *testing.T) {
	m := newTestMonitor(t, map[string]*models.Host{
		"h1": {ID: "h1", Hostname: "h1", Status: models.HostOnline},
	})
	m.alerts.Raise("host", "h1", "disk failure", "", models.SeverityCritical, 100, 90)

	health := m.ClusterHealth(context.Background())
	assert.Equal(t, models.ClusterCritical, health.Status)
}

func TestCleanupOldMetricsDropsStaleSamples(t *testing.T) {
	m := newTestMonitor(t, nil)
	old := time.Now().Add(-240 * time.Hour)
	recent := time.Now()
	m.hist.Hosts = []HostSample{{Timestamp: old}, {Timestamp: recent}}

	m.cleanupOldMetrics(7)

	hosts := m.HostHistory()
	require.Len(t, hosts, 1)
	assert.True(t, hosts[0].Timestamp.After(old))
}

func TestStartStopIsIdempotentAndClean(t *testing.T) {
	m := newTestMonitor(t, nil)
	m.UpdateConfig(models.MonitoringConfig{CollectionIntervalSeconds: 1})

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	m.Start(ctx) // second call must be a no-op, not a double-start

	m.Stop()
	cancel()
}
