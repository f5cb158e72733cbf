// Package fleet implements the Fleet Registry: host inventory, periodic
// liveness/metrics probing, and resource-aware placement queries.
package fleet

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ionforge/meridian/internal/hypervisor"
	"github.com/ionforge/meridian/internal/idgen"
	"github.com/ionforge/meridian/internal/merr"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/sshdriver"
	"github.com/ionforge/meridian/internal/sshdriver/knownhosts"
	"github.com/ionforge/meridian/internal/store"
)

const metricsRetention = 24 * time.Hour

// Hooks lets other components observe registry events without the registry
// importing them directly — the same decoupling internal/metrics and
// internal/alerts use for their own callback registration.
type Hooks struct {
	OnProbe func(hostID string, online bool, latency time.Duration)
}

// Registry holds host_id -> Host and persists to a single JSON document,
// rewritten atomically.
type Registry struct {
	mu    sync.Mutex
	path  string
	hosts map[string]*models.Host

	knownHosts *knownhosts.Manager
	hooks      Hooks

	// probedOK tracks which hosts have had at least one successful probe
	// in this process's lifetime — select_for only ever returns hosts in
	// this set, per the registry's placement invariant.
	probedOK map[string]bool
}

// New constructs a Registry persisting to dataDir/hosts.json and loads any
// existing state.
func New(dataDir string, knownHosts *knownhosts.Manager, hooks Hooks) (*Registry, error) {
	r := &Registry{
		path:       filepath.Join(dataDir, "hosts.json"),
		hosts:      map[string]*models.Host{},
		knownHosts: knownHosts,
		hooks:      hooks,
		probedOK:   map[string]bool{},
	}
	var loaded map[string]*models.Host
	if err := store.LoadJSON(r.path, &loaded); err != nil {
		return nil, err
	}
	if loaded != nil {
		r.hosts = loaded
	}
	return r, nil
}

func (r *Registry) persistLocked() error {
	return store.SaveJSON(r.path, r.hosts)
}

func (r *Registry) driverFor(h *models.Host) *sshdriver.Driver {
	return sshdriver.New(sshdriver.Config{
		Hostname: h.Hostname,
		Port:     h.Port,
		User:     h.User,
		KeyPath:  h.KeyPath,
		Password: h.Password,
	}, r.knownHosts)
}

// Add registers a new host: probes it, collects specs if reachable, and
// persists regardless of reachability (an unreachable host is recorded
// offline, not rejected).
func (r *Registry) Add(ctx context.Context, h models.Host) (models.Host, error) {
	if h.Hostname == "" {
		return models.Host{}, merr.InputInvalid("hostname is required")
	}
	if h.Port == 0 {
		h.Port = 22
	}
	if h.Port < 1 || h.Port > 65535 {
		return models.Host{}, merr.InputInvalid("port %d out of range [1,65535]", h.Port)
	}
	if h.VMCapacity == 0 {
		h.VMCapacity = 10
	}
	if h.VMCapacity < 1 || h.VMCapacity > 1000 {
		return models.Host{}, merr.InputInvalid("vm_capacity %d out of range [1,1000]", h.VMCapacity)
	}
	if h.ID == "" {
		h.ID = idgen.Short()
	}

	r.mu.Lock()
	if _, exists := r.hosts[h.ID]; exists {
		r.mu.Unlock()
		return models.Host{}, merr.Conflict("host %s already exists", h.ID)
	}
	driver := r.driverFor(&h)
	r.mu.Unlock()

	specs, online, probeErr := probeSpecs(ctx, driver)
	h.UpdatedAt = time.Now()
	if online {
		h.Status = models.HostOnline
		h.CPUCores = specs.cpuCores
		h.MemoryMB = specs.memoryMB
		h.DiskGB = specs.diskGB
		h.VMCount = specs.vmCount
	} else {
		h.Status = models.HostOffline
		log.Warn().Str("host", h.ID).Err(probeErr).Msg("could not connect to host on add")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[h.ID] = &h
	if online {
		r.probedOK[h.ID] = true
	}
	if err := r.persistLocked(); err != nil {
		delete(r.hosts, h.ID)
		return models.Host{}, err
	}
	return h, nil
}

// Remove drops a host record. It does not cascade to VMs or volumes — they
// become orphaned and error at access time.
func (r *Registry) Remove(hostID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[hostID]; !ok {
		return merr.NotFound("host %s not found", hostID)
	}
	delete(r.hosts, hostID)
	delete(r.probedOK, hostID)
	return r.persistLocked()
}

// Get returns a copy of one host's record.
func (r *Registry) Get(hostID string) (models.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[hostID]
	if !ok {
		return models.Host{}, merr.NotFound("host %s not found", hostID)
	}
	return *h, nil
}

// List returns a snapshot of every registered host, sorted by ID.
func (r *Registry) List() []models.Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Driver returns a driver bound to hostID's current connection parameters,
// for coordinators that need direct exec/file transfer access.
func (r *Registry) Driver(hostID string) (*sshdriver.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[hostID]
	if !ok {
		return nil, merr.NotFound("host %s not found", hostID)
	}
	return r.driverFor(h), nil
}

// HypervisorSession returns a hypervisor session bound to hostID.
func (r *Registry) HypervisorSession(hostID string) (*hypervisor.Session, error) {
	d, err := r.Driver(hostID)
	if err != nil {
		return nil, err
	}
	return d.HypervisorSession(), nil
}

type specs struct {
	cpuCores int
	memoryMB int64
	diskGB   int64
	vmCount  int
}

const probeTimeout = 10 * time.Second

// probeSpecs runs the portable shell probe commands and parses them,
// mirroring server_manager.py's _collect_server_specs.
func probeSpecs(ctx context.Context, d *sshdriver.Driver) (specs, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var s specs
	res, err := d.Exec(ctx, "grep -c processor /proc/cpuinfo", probeTimeout)
	if err != nil {
		return s, false, err
	}
	s.cpuCores = parseIntField(res.Stdout)

	res, err = d.Exec(ctx, "grep MemTotal /proc/meminfo | awk '{print $2}'", probeTimeout)
	if err != nil {
		return s, false, err
	}
	s.memoryMB = int64(parseIntField(res.Stdout)) / 1024

	res, err = d.Exec(ctx, "df -B1G / | awk '{print $2}' | tail -n 1", probeTimeout)
	if err != nil {
		return s, false, err
	}
	s.diskGB = int64(parseIntField(res.Stdout))

	res, err = d.Exec(ctx, "command -v virsh > /dev/null && virsh list --all | grep -v 'Id' | grep -v '^--' | wc -l || echo 0", probeTimeout)
	if err != nil {
		return s, false, err
	}
	s.vmCount = parseIntField(res.Stdout)

	return s, true, nil
}

func parseIntField(s string) int {
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

// Probe refreshes status, specs, and appends a metrics sample for hostID,
// trimming samples older than the retention window.
func (r *Registry) Probe(ctx context.Context, hostID string) error {
	r.mu.Lock()
	h, ok := r.hosts[hostID]
	if !ok {
		r.mu.Unlock()
		return merr.NotFound("host %s not found", hostID)
	}
	hostCopy := *h
	driver := r.driverFor(&hostCopy)
	r.mu.Unlock()

	start := time.Now()
	s, online, err := probeSpecs(ctx, driver)
	latency := time.Since(start)

	var sample models.HostMetrics
	if online {
		sample, err = collectMetricSample(ctx, driver)
		online = err == nil
	}

	if r.hooks.OnProbe != nil {
		r.hooks.OnProbe(hostID, online, latency)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok = r.hosts[hostID]
	if !ok {
		return merr.NotFound("host %s not found", hostID)
	}
	h.UpdatedAt = time.Now()
	if online {
		h.Status = models.HostOnline
		h.CPUCores = s.cpuCores
		h.MemoryMB = s.memoryMB
		h.DiskGB = s.diskGB
		h.VMCount = s.vmCount
		h.Metrics = append(h.Metrics, sample)
		cutoff := time.Now().Add(-metricsRetention)
		trimmed := h.Metrics[:0]
		for _, m := range h.Metrics {
			if m.Timestamp.After(cutoff) {
				trimmed = append(trimmed, m)
			}
		}
		h.Metrics = trimmed
		r.probedOK[hostID] = true
	} else {
		h.Status = models.HostOffline
	}
	return r.persistLocked()
}

// collectMetricSample runs the portable metrics collectors of §6, parsing
// outputs to integers; any unparseable/missing field skips the sample
// entirely rather than persisting a partial one.
func collectMetricSample(ctx context.Context, d *sshdriver.Driver) (models.HostMetrics, error) {
	const cmdTimeout = 2 * time.Second
	var m models.HostMetrics
	m.Timestamp = time.Now()

	res, err := d.Exec(ctx, `top -bn1 | grep 'Cpu(s)' | awk '{print $2 + $4}'`, cmdTimeout)
	if err != nil {
		return m, err
	}
	if _, err := fmt.Sscanf(res.Stdout, "%f", &m.CPUUsagePercent); err != nil {
		return m, merr.Internal(fmt.Errorf("parse cpu usage: %w", err))
	}

	res, err = d.Exec(ctx, `free -m | awk '/Mem:/ {print $2 " " $3}'`, cmdTimeout)
	if err != nil {
		return m, err
	}
	if _, err := fmt.Sscanf(res.Stdout, "%d %d", &m.MemTotalMB, &m.MemUsedMB); err != nil {
		return m, merr.Internal(fmt.Errorf("parse memory: %w", err))
	}

	res, err = d.Exec(ctx, `df -B1G / | tail -1 | awk '{print $2 " " $3}'`, cmdTimeout)
	if err != nil {
		return m, err
	}
	if _, err := fmt.Sscanf(res.Stdout, "%d %d", &m.DiskTotalGB, &m.DiskUsedGB); err != nil {
		return m, merr.Internal(fmt.Errorf("parse disk: %w", err))
	}

	res, err = d.Exec(ctx, `cat /proc/net/dev | grep -E 'eth0|ens|eno|enp' | head -1 | awk '{print $2 " " $10}'`, cmdTimeout)
	if err != nil {
		return m, err
	}
	if _, err := fmt.Sscanf(res.Stdout, "%d %d", &m.NetRxBytes, &m.NetTxBytes); err != nil {
		return m, merr.Internal(fmt.Errorf("parse network counters: %w", err))
	}

	return m, nil
}

// CapacityCheck verifies hostID is online and has enough available
// resources for cpu/memMB/diskGB, per the same scoring rule SelectFor uses.
// Used by the Migration Coordinator to validate an explicitly chosen
// destination rather than letting placement pick one.
func (r *Registry) CapacityCheck(hostID string, cpu int, memMB, diskGB int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[hostID]
	if !ok {
		return merr.NotFound("host %s not found", hostID)
	}
	if h.Status != models.HostOnline {
		return merr.NoCapacity("host %s is not online", hostID)
	}
	if !r.probedOK[hostID] || len(h.Metrics) == 0 {
		return merr.NoCapacity("host %s has no successful probe this run", hostID)
	}
	latest := h.Metrics[len(h.Metrics)-1]
	availCores := float64(h.CPUCores) * (1 - latest.CPUUsagePercent/100)
	availMemMB := float64(h.MemoryMB - latest.MemUsedMB)
	availDiskGB := float64(h.DiskGB - latest.DiskUsedGB)
	if availCores < float64(cpu) || availMemMB < float64(memMB) || availDiskGB < float64(diskGB) {
		return merr.NoCapacity("host %s lacks capacity for cpu=%d mem=%dMB disk=%dGB", hostID, cpu, memMB, diskGB)
	}
	if h.VMCount >= h.VMCapacity {
		return merr.NoCapacity("host %s is at vm_capacity", hostID)
	}
	return nil
}

// SelectFor returns the best-fit online host for a workload needing cpu
// cores, memMB memory and diskGB disk, or nil if none fits. Only hosts
// probed successfully at least once this process lifetime are considered.
func (r *Registry) SelectFor(cpu int, memMB, diskGB int64) *models.Host {
	r.mu.Lock()
	defer r.mu.Unlock()

	type candidate struct {
		host  *models.Host
		score float64
	}
	var candidates []candidate

	for id, h := range r.hosts {
		if h.Status != models.HostOnline || !r.probedOK[id] || len(h.Metrics) == 0 {
			continue
		}
		latest := h.Metrics[len(h.Metrics)-1]
		availCores := float64(h.CPUCores) * (1 - latest.CPUUsagePercent/100)
		if availCores < 0 {
			availCores = 0
		}
		availMemMB := float64(h.MemoryMB - latest.MemUsedMB)
		if availMemMB < 0 {
			availMemMB = 0
		}
		availDiskGB := float64(h.DiskGB - latest.DiskUsedGB)
		if availDiskGB < 0 {
			availDiskGB = 0
		}

		if availCores < float64(cpu) || availMemMB < float64(memMB) || availDiskGB < float64(diskGB) {
			continue
		}
		if h.VMCount >= h.VMCapacity {
			continue
		}

		score := availCores + availMemMB/1024 + availDiskGB
		candidates = append(candidates, candidate{host: h, score: score})
	}

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].host.ID < candidates[j].host.ID
	})

	best := *candidates[0].host
	return &best
}

// AdjustVMCount atomically bumps hostID's vm_count by delta (positive or
// negative) and persists. Used by the VM router when creating or deleting
// VMs and by the migration coordinator after a migration. The bump is
// persisted separately from the VM map, so a crash between the two writes
// leaves the count stale until the host's next probe recounts it.
func (r *Registry) AdjustVMCount(hostID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[hostID]
	if !ok {
		return merr.NotFound("host %s not found", hostID)
	}
	h.VMCount += delta
	if h.VMCount < 0 {
		h.VMCount = 0
	}
	return r.persistLocked()
}

// WithLock runs fn holding the registry mutex, for callers that must
// atomically read a host and mutate a sibling document in one
// persisted step. fn must not call back into Registry methods that also
// take the lock.
func (r *Registry) WithLock(fn func(hosts map[string]*models.Host) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := fn(r.hosts); err != nil {
		return err
	}
	return r.persistLocked()
}
