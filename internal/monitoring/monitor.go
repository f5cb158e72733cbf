// Package monitoring runs the cluster-wide collection loop: it re-probes
// the fleet, aggregates host/VM/storage/network metrics, evaluates them
// against configured thresholds to raise or resolve alerts, and serves the
// cluster health rollup. It is grounded on ClusterMonitoring's
// _monitoring_loop/_collect_all_metrics/_check_*_alerts/get_cluster_health,
// translated from a daemon thread to a goroutine driven by a timer and a
// stop channel.
package monitoring

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ionforge/meridian/internal/alerts"
	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/network"
	"github.com/ionforge/meridian/internal/storage"
	"github.com/ionforge/meridian/internal/store"
	"github.com/ionforge/meridian/internal/vmrouter"
)

const errorBackoff = 10 * time.Second

// HostSample is one point-in-time aggregate across the fleet.
type HostSample struct {
	Timestamp     time.Time `json:"ts"`
	TotalHosts    int       `json:"total_hosts"`
	OnlineHosts   int       `json:"online_hosts"`
	OfflineHosts  int       `json:"offline_hosts"`
	TotalCPUCores int       `json:"total_cpu_cores"`
	TotalMemMB    int64     `json:"total_memory_mb"`
	TotalDiskGB   int64     `json:"total_disk_gb"`
	UsedCPUCores  float64   `json:"used_cpu_cores"`
	UsedMemMB     int64     `json:"used_memory_mb"`
	UsedDiskGB    int64     `json:"used_disk_gb"`
}

// VMSample counts VMs by state across the fleet.
type VMSample struct {
	Timestamp time.Time `json:"ts"`
	Total     int       `json:"total_vms"`
	Running   int       `json:"running_vms"`
	Stopped   int       `json:"stopped_vms"`
	Error     int       `json:"error_vms"`
}

// NetworkSample counts network objects. The driver layer exposes no
// per-interface bandwidth counters, so this tracks inventory only — the
// teacher's network-bandwidth threshold is evaluated as always-unbreached
// (see checkNetworkAlerts).
type NetworkSample struct {
	Timestamp       time.Time `json:"ts"`
	ElasticIPs      int       `json:"elastic_ips"`
	AttachedIPs     int       `json:"attached_ips"`
	OverlayNetworks int       `json:"overlay_networks"`
}

// StorageSample aggregates volume inventory and fleet disk usage.
type StorageSample struct {
	Timestamp      time.Time `json:"ts"`
	TotalVolumes   int       `json:"total_volumes"`
	ReplicatedVols int       `json:"replicated_volumes"`
	TotalDiskGB    int64     `json:"total_disk_gb"`
	UsedDiskGB     int64     `json:"used_disk_gb"`
}

type history struct {
	Hosts    []HostSample    `json:"hosts"`
	VMs      []VMSample      `json:"vms"`
	Networks []NetworkSample `json:"networks"`
	Storage  []StorageSample `json:"storage"`
}

// Monitor owns the collection loop and the bounded metrics history it
// produces. Configuration is supplied by the caller (internal/config) and
// can be swapped live via UpdateConfig without restarting the loop.
type Monitor struct {
	mu   sync.Mutex
	path string
	hist history

	cfg models.MonitoringConfig

	fleet   *fleet.Registry
	router  *vmrouter.Router
	storage *storage.Coordinator
	network *network.Coordinator
	alerts  *alerts.Manager

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Monitor backed by dataDir/monitoring_metrics.json and
// loads any retained history. cfg is the initial configuration; see
// UpdateConfig for hot reload.
func New(dataDir string, fleetRegistry *fleet.Registry, router *vmrouter.Router, storageCoord *storage.Coordinator, networkCoord *network.Coordinator, alertMgr *alerts.Manager, cfg models.MonitoringConfig) (*Monitor, error) {
	m := &Monitor{
		path:    filepath.Join(dataDir, "monitoring_metrics.json"),
		cfg:     withDefaults(cfg),
		fleet:   fleetRegistry,
		router:  router,
		storage: storageCoord,
		network: networkCoord,
		alerts:  alertMgr,
	}
	if err := store.LoadJSON(m.path, &m.hist); err != nil {
		return nil, err
	}
	return m, nil
}

func withDefaults(cfg models.MonitoringConfig) models.MonitoringConfig {
	if cfg.CollectionIntervalSeconds <= 0 {
		cfg.CollectionIntervalSeconds = 60
	}
	if cfg.MetricsRetentionDays <= 0 {
		cfg.MetricsRetentionDays = 7
	}
	zero := models.MonitoringThresholds{}
	if cfg.Thresholds == zero {
		cfg.Thresholds = models.MonitoringThresholds{
			HostCPU: 90, HostMem: 90, HostDisk: 90,
			VMCPU: 90, VMMem: 90, VMDisk: 90,
			NetworkBandwidth: 90, StorageUsage: 90,
		}
	}
	return cfg
}

// UpdateConfig swaps the active configuration. Safe to call while the loop
// is running; the next tick picks up the new interval and thresholds.
func (m *Monitor) UpdateConfig(cfg models.MonitoringConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = withDefaults(cfg)
}

func (m *Monitor) config() models.MonitoringConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Start launches the collection loop in a background goroutine. Stop must
// be called to release it; ctx cancellation also ends the loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
	log.Info().Msg("started cluster monitoring")
}

// Stop ends the collection loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stopCh := m.stopCh
	m.stopCh = nil
	m.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	m.wg.Wait()
	log.Info().Msg("stopped cluster monitoring")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		interval := time.Duration(m.config().CollectionIntervalSeconds) * time.Second
		if err := m.CollectOnce(ctx); err != nil {
			log.Error().Err(err).Msg("monitoring loop iteration failed")
			interval = errorBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-m.stopChSnapshot():
			return
		case <-time.After(interval):
		}
	}
}

func (m *Monitor) stopChSnapshot() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCh
}

// CollectOnce runs a single collection + threshold-check + retention pass.
// Exported so callers (and tests) can drive it directly without the loop.
func (m *Monitor) CollectOnce(ctx context.Context) error {
	cfg := m.config()
	now := time.Now()

	if cfg.EnabledMonitors.Host {
		sample := m.collectHostMetrics(ctx, now)
		m.appendHost(sample)
		m.checkHostAlerts()
	}
	if cfg.EnabledMonitors.VM {
		sample := m.collectVMMetrics(ctx, now)
		m.appendVM(sample)
	}
	if cfg.EnabledMonitors.Network {
		sample := m.collectNetworkMetrics(now)
		m.appendNetwork(sample)
		m.checkNetworkAlerts()
	}
	if cfg.EnabledMonitors.Storage {
		sample := m.collectStorageMetrics(now)
		m.appendStorage(sample)
		m.checkStorageAlerts()
	}

	m.cleanupOldMetrics(cfg.MetricsRetentionDays)
	return m.persist()
}

func (m *Monitor) persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return store.SaveJSON(m.path, m.hist)
}

func (m *Monitor) appendHost(s HostSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hist.Hosts = append(m.hist.Hosts, s)
}

func (m *Monitor) appendVM(s VMSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hist.VMs = append(m.hist.VMs, s)
}

func (m *Monitor) appendNetwork(s NetworkSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hist.Networks = append(m.hist.Networks, s)
}

func (m *Monitor) appendStorage(s StorageSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hist.Storage = append(m.hist.Storage, s)
}

// collectHostMetrics re-probes every known host, then aggregates the
// latest metric sample of each online one.
func (m *Monitor) collectHostMetrics(ctx context.Context, ts time.Time) HostSample {
	s := HostSample{Timestamp: ts}
	for _, h := range m.fleet.List() {
		if err := m.fleet.Probe(ctx, h.ID); err != nil {
			log.Error().Err(err).Str("host_id", h.ID).Msg("probe failed during metrics collection")
		}
	}

	for _, h := range m.fleet.List() {
		s.TotalHosts++
		if h.Status != models.HostOnline {
			s.OfflineHosts++
			continue
		}
		s.OnlineHosts++
		s.TotalCPUCores += h.CPUCores
		s.TotalMemMB += h.MemoryMB
		s.TotalDiskGB += h.DiskGB

		if len(h.Metrics) == 0 {
			continue
		}
		latest := h.Metrics[len(h.Metrics)-1]
		s.UsedCPUCores += float64(h.CPUCores) * (latest.CPUUsagePercent / 100)
		s.UsedMemMB += latest.MemUsedMB
		s.UsedDiskGB += latest.DiskUsedGB
	}
	return s
}

// collectVMMetrics counts VMs by state. Per-VM CPU/memory/disk usage is not
// collected: the hypervisor session exposes domain lifecycle and migration
// job stats but no domstats-equivalent sampling, so there is nothing to
// threshold per VM beyond its running/stopped/error state.
func (m *Monitor) collectVMMetrics(ctx context.Context, ts time.Time) VMSample {
	s := VMSample{Timestamp: ts}
	vms, err := m.router.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list VMs during metrics collection failed")
		return s
	}
	s.Total = len(vms)
	for _, vm := range vms {
		switch vm.State {
		case models.VMRunning:
			s.Running++
		case models.VMStopped:
			s.Stopped++
		default:
			s.Error++
		}
	}
	return s
}

func (m *Monitor) collectNetworkMetrics(ts time.Time) NetworkSample {
	s := NetworkSample{Timestamp: ts}
	ips := m.network.ListElasticIPs()
	s.ElasticIPs = len(ips)
	for _, ip := range ips {
		if ip.AttachedToVM != "" {
			s.AttachedIPs++
		}
	}
	s.OverlayNetworks = len(m.network.ListOverlayNetworks())
	return s
}

func (m *Monitor) collectStorageMetrics(ts time.Time) StorageSample {
	s := StorageSample{Timestamp: ts}
	for _, v := range m.storage.ListVolumes() {
		s.TotalVolumes++
		s.TotalDiskGB += v.SizeGB
		if v.Replicated {
			s.ReplicatedVols++
		}
	}
	for _, h := range m.fleet.List() {
		if h.Status != models.HostOnline || len(h.Metrics) == 0 {
			continue
		}
		s.UsedDiskGB += h.Metrics[len(h.Metrics)-1].DiskUsedGB
	}
	return s
}

// checkHostAlerts raises/resolves per-host CPU/memory/disk alerts against
// the configured thresholds, mirroring _check_server_alerts.
func (m *Monitor) checkHostAlerts() {
	cfg := m.config()
	t := cfg.Thresholds

	for _, h := range m.fleet.List() {
		if h.Status != models.HostOnline || len(h.Metrics) == 0 {
			continue
		}
		latest := h.Metrics[len(h.Metrics)-1]

		m.evaluate("host", h.ID, "High CPU usage on host "+h.Hostname,
			latest.CPUUsagePercent, t.HostCPU)

		memPct := percent(latest.MemUsedMB, h.MemoryMB)
		m.evaluate("host", h.ID, "High memory usage on host "+h.Hostname, memPct, t.HostMem)

		diskPct := percent(latest.DiskUsedGB, h.DiskGB)
		m.evaluate("host", h.ID, "High disk usage on host "+h.Hostname, diskPct, t.HostDisk)
	}
}

// checkNetworkAlerts is a deliberate no-op: the spec's network-bandwidth
// threshold has no backing metric in this driver layer (see NetworkSample),
// mirroring _check_network_alerts's placeholder in the source.
func (m *Monitor) checkNetworkAlerts() {}

func (m *Monitor) checkStorageAlerts() {
	cfg := m.config()
	for _, h := range m.fleet.List() {
		if h.Status != models.HostOnline || len(h.Metrics) == 0 {
			continue
		}
		latest := h.Metrics[len(h.Metrics)-1]
		pct := percent(latest.DiskUsedGB, h.DiskGB)
		m.evaluate("storage", h.ID, "High storage usage on host "+h.Hostname, pct, cfg.Thresholds.StorageUsage)
	}
}

// evaluate raises an alert when value breaches threshold, or resolves any
// existing unresolved one for the same (resource, title) when it no longer
// does — the monitor owns recovery, Raise/Resolve only own storage.
func (m *Monitor) evaluate(resourceType, resourceID, title string, value, threshold float64) {
	if value >= threshold {
		m.alerts.Raise(resourceType, resourceID, title, "", alerts.SeverityFor(value), value, threshold)
		return
	}
	for _, a := range m.alerts.ActiveAlerts() {
		if a.ResourceType == resourceType && a.ResourceID == resourceID && a.Title == title {
			if err := m.alerts.Resolve(a.ID); err != nil {
				log.Error().Err(err).Str("alert_id", a.ID).Msg("auto-resolve failed")
			}
		}
	}
}

func percent(used, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}

// cleanupOldMetrics drops retained samples beyond the configured window.
func (m *Monitor) cleanupOldMetrics(retentionDays int) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hist.Hosts = trimHosts(m.hist.Hosts, cutoff)
	m.hist.VMs = trimVMs(m.hist.VMs, cutoff)
	m.hist.Networks = trimNetworks(m.hist.Networks, cutoff)
	m.hist.Storage = trimStorage(m.hist.Storage, cutoff)
}

func trimHosts(in []HostSample, cutoff time.Time) []HostSample {
	out := in[:0]
	for _, s := range in {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func trimVMs(in []VMSample, cutoff time.Time) []VMSample {
	out := in[:0]
	for _, s := range in {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func trimNetworks(in []NetworkSample, cutoff time.Time) []NetworkSample {
	out := in[:0]
	for _, s := range in {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func trimStorage(in []StorageSample, cutoff time.Time) []StorageSample {
	out := in[:0]
	for _, s := range in {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// HostHistory, VMHistory, NetworkHistory, and StorageHistory return a copy
// of the retained samples for the named axis, oldest first.
func (m *Monitor) HostHistory() []HostSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HostSample, len(m.hist.Hosts))
	copy(out, m.hist.Hosts)
	return out
}

func (m *Monitor) VMHistory() []VMSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VMSample, len(m.hist.VMs))
	copy(out, m.hist.VMs)
	return out
}

func (m *Monitor) NetworkHistory() []NetworkSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NetworkSample, len(m.hist.Networks))
	copy(out, m.hist.Networks)
	return out
}

func (m *Monitor) StorageHistory() []StorageSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StorageSample, len(m.hist.Storage))
	copy(out, m.hist.Storage)
	return out
}

// ClusterHealth computes the aggregate rollup: critical if any unresolved
// critical alert exists; else degraded if any error alert or any offline
// host exists; else healthy.
func (m *Monitor) ClusterHealth(ctx context.Context) models.ClusterHealth {
	health := models.ClusterHealth{
		Status:           models.ClusterHealthy,
		AlertsBySeverity: map[models.AlertSeverity]int{},
		GeneratedAt:      time.Now(),
	}

	for _, h := range m.fleet.List() {
		health.Hosts.Total++
		if h.Status == models.HostOnline {
			health.Hosts.Online++
		} else {
			health.Hosts.Offline++
		}
	}

	if vms, err := m.router.List(ctx); err == nil {
		health.VMs.Total = len(vms)
		for _, vm := range vms {
			switch vm.State {
			case models.VMRunning:
				health.VMs.Running++
			case models.VMStopped:
				health.VMs.Stopped++
			default:
				health.VMs.Error++
			}
		}
	}

	volumes := m.storage.ListVolumes()
	health.Storage.Volumes = len(volumes)
	var totalDisk, usedDisk int64
	for _, h := range m.fleet.List() {
		if h.Status != models.HostOnline || len(h.Metrics) == 0 {
			continue
		}
		totalDisk += h.DiskGB
		usedDisk += h.Metrics[len(h.Metrics)-1].DiskUsedGB
	}
	health.Storage.UsagePercent = percent(usedDisk, totalDisk)

	health.Networks.Overlays = len(m.network.ListOverlayNetworks())

	for _, a := range m.alerts.ActiveAlerts() {
		health.AlertsBySeverity[a.Severity]++
	}

	switch {
	case health.AlertsBySeverity[models.SeverityCritical] > 0:
		health.Status = models.ClusterCritical
	case health.AlertsBySeverity[models.SeverityError] > 0 || health.Hosts.Offline > 0:
		health.Status = models.ClusterDegraded
	}

	return health
}
