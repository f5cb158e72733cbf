// Package vmrouter owns the authoritative vm_id -> host_id mapping and
// delegates every VM lifecycle operation to the owning host's driver.
package vmrouter

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/hypervisor"
	"github.com/ionforge/meridian/internal/idgen"
	"github.com/ionforge/meridian/internal/merr"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/store"
)

const (
	minCPUCores  = 1
	maxCPUCores  = 32
	minMemoryMB  = 512
	maxMemoryMB  = 262144
	minDiskGB    = 1
	maxDiskGB    = 2048
)

var validArches = map[string]bool{"x86_64": true, "aarch64": true, "": true}

// Router keeps vm_id -> VM (which embeds the authoritative host_id) in its
// own JSON file.
type Router struct {
	mu   sync.Mutex
	path string
	vms  map[string]*models.VM

	fleet *fleet.Registry
}

// New constructs a Router backed by dataDir/vms.json.
func New(dataDir string, fleetRegistry *fleet.Registry) (*Router, error) {
	r := &Router{
		path:  filepath.Join(dataDir, "vms.json"),
		vms:   map[string]*models.VM{},
		fleet: fleetRegistry,
	}
	var loaded map[string]*models.VM
	if err := store.LoadJSON(r.path, &loaded); err != nil {
		return nil, err
	}
	if loaded != nil {
		r.vms = loaded
	}
	return r, nil
}

func (r *Router) persistLocked() error {
	return store.SaveJSON(r.path, r.vms)
}

func validateConfig(cfg models.VMConfig) error {
	if cfg.CPUCores < minCPUCores || cfg.CPUCores > maxCPUCores {
		return merr.InputInvalid("cpu_cores %d out of range [%d,%d]", cfg.CPUCores, minCPUCores, maxCPUCores)
	}
	if cfg.MemoryMB < minMemoryMB || cfg.MemoryMB > maxMemoryMB {
		return merr.InputInvalid("memory_mb %d out of range [%d,%d]", cfg.MemoryMB, minMemoryMB, maxMemoryMB)
	}
	if cfg.DiskSizeGB < minDiskGB || cfg.DiskSizeGB > maxDiskGB {
		return merr.InputInvalid("disk_size_gb %d out of range [%d,%d]", cfg.DiskSizeGB, minDiskGB, maxDiskGB)
	}
	if !validArches[cfg.Arch] {
		return merr.InputInvalid("arch %q must be x86_64 or aarch64", cfg.Arch)
	}
	if cfg.ImageID == "" {
		return merr.InputInvalid("image_id is required")
	}
	return nil
}

// Create places a new VM on the best-fit host and instructs its hypervisor
// to define and boot it. On any failure after the hypervisor call, the
// router leaves no VM-map entry behind and best-effort destroys any partial
// domain it created.
func (r *Router) Create(ctx context.Context, name string, cfg models.VMConfig) (models.VM, error) {
	if err := validateConfig(cfg); err != nil {
		return models.VM{}, err
	}

	host := r.fleet.SelectFor(cfg.CPUCores, cfg.MemoryMB, cfg.DiskSizeGB)
	if host == nil {
		return models.VM{}, merr.NoCapacity("no host has capacity for cpu=%d mem=%dMB disk=%dGB", cfg.CPUCores, cfg.MemoryMB, cfg.DiskSizeGB)
	}

	session, err := r.fleet.HypervisorSession(host.ID)
	if err != nil {
		return models.VM{}, err
	}

	vm := models.VM{
		ID:     idgen.Short(),
		Name:   name,
		Config: cfg,
		State:  models.VMCreating,
		HostID: host.ID,
	}

	if err := session.CreateDomain(ctx, vm.Name, hypervisor.DomainConfig{
		CPUCores: cfg.CPUCores, MemoryMB: cfg.MemoryMB, DiskSizeGB: cfg.DiskSizeGB,
		ImageID: cfg.ImageID, NetworkName: cfg.NetworkName, Arch: cfg.Arch, CloudInitISO: cfg.CloudInit,
	}); err != nil {
		return models.VM{}, err
	}

	if err := session.Start(ctx, vm.Name); err != nil {
		_ = session.Destroy(ctx, vm.Name)
		_ = session.Undefine(ctx, vm.Name)
		return models.VM{}, err
	}
	vm.State = models.VMRunning

	r.mu.Lock()
	r.vms[vm.ID] = &vm
	err = r.persistLocked()
	if err == nil {
		err = r.fleet.AdjustVMCount(host.ID, 1)
	}
	if err != nil {
		delete(r.vms, vm.ID)
		_ = r.persistLocked()
		r.mu.Unlock()
		_ = session.Destroy(ctx, vm.Name)
		_ = session.Undefine(ctx, vm.Name)
		return models.VM{}, err
	}
	r.mu.Unlock()
	return vm, nil
}

// Get returns the router's last-known record for vmID without contacting
// the host.
func (r *Router) Get(vmID string) (models.VM, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[vmID]
	if !ok {
		return models.VM{}, merr.NotFound("vm %s not found", vmID)
	}
	return *vm, nil
}

// Status reads the VM's live state through its host's hypervisor session.
func (r *Router) Status(ctx context.Context, vmID string) (models.VMState, error) {
	r.mu.Lock()
	vm, ok := r.vms[vmID]
	if !ok {
		r.mu.Unlock()
		return "", merr.NotFound("vm %s not found", vmID)
	}
	hostID, name := vm.HostID, vm.Name
	r.mu.Unlock()

	session, err := r.fleet.HypervisorSession(hostID)
	if err != nil {
		return "", err
	}
	exists, err := session.DomainExists(ctx, name)
	if err != nil {
		return "", err
	}
	if !exists {
		return models.VMNotFound, nil
	}
	active, err := session.DomainIsActive(ctx, name)
	if err != nil {
		return "", err
	}
	if active {
		return models.VMRunning, nil
	}
	return models.VMStopped, nil
}

// List enumerates every online host's domains in parallel, folds them into
// one result set, and repairs the map when a host reports a domain this
// router doesn't yet know about.
func (r *Router) List(ctx context.Context) ([]models.VM, error) {
	hosts := r.fleet.List()

	type hostDomains struct {
		hostID string
		names  []string
	}
	results := make([]hostDomains, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	for i, h := range hosts {
		if h.Status != models.HostOnline {
			continue
		}
		i, h := i, h
		g.Go(func() error {
			session, err := r.fleet.HypervisorSession(h.ID)
			if err != nil {
				return nil // unreachable host: skip, don't fail the whole list
			}
			names, err := session.ListDomains(gctx)
			if err != nil {
				return nil
			}
			results[i] = hostDomains{hostID: h.ID, names: names}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, merr.Internal(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName := map[string]*models.VM{}
	for _, vm := range r.vms {
		byName[vm.Name] = vm
	}

	changed := false
	for _, hd := range results {
		for _, name := range hd.names {
			vm, known := byName[name]
			if !known {
				repaired := &models.VM{ID: idgen.Short(), Name: name, HostID: hd.hostID, State: models.VMRunning}
				r.vms[repaired.ID] = repaired
				byName[name] = repaired
				changed = true
				continue
			}
			if vm.HostID != hd.hostID {
				vm.HostID = hd.hostID
				changed = true
			}
		}
	}
	if changed {
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
	}

	out := make([]models.VM, 0, len(r.vms))
	for _, vm := range r.vms {
		out = append(out, *vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete destroys the VM host-side then removes it from the map. Idempotent:
// once the record is gone, repeated calls succeed.
func (r *Router) Delete(ctx context.Context, vmID string) error {
	r.mu.Lock()
	vm, ok := r.vms[vmID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	hostID, name := vm.HostID, vm.Name
	r.mu.Unlock()

	session, err := r.fleet.HypervisorSession(hostID)
	if err != nil {
		return err
	}
	if active, _ := session.DomainIsActive(ctx, name); active {
		if err := session.Destroy(ctx, name); err != nil {
			return err
		}
	}
	if err := session.Undefine(ctx, name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vms[vmID]; !ok {
		return nil
	}
	delete(r.vms, vmID)
	if err := r.persistLocked(); err != nil {
		return err
	}
	return r.fleet.AdjustVMCount(hostID, -1)
}

// HostID returns vmID's current authoritative host, for the migration
// coordinator.
func (r *Router) HostID(vmID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[vmID]
	if !ok {
		return "", merr.NotFound("vm %s not found", vmID)
	}
	return vm.HostID, nil
}

// FlipHost atomically updates vmID's authoritative host after a successful
// migration and persists the map. The caller is responsible for adjusting
// both hosts' vm_count (via fleet.AdjustVMCount) as a separate step; a
// crash between the two leaves the counts stale until the fleet's next
// probe of each host recounts its domains.
func (r *Router) FlipHost(vmID, newHostID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[vmID]
	if !ok {
		return merr.NotFound("vm %s not found", vmID)
	}
	vm.HostID = newHostID
	return r.persistLocked()
}

// AttachDisk attaches a block device on vmID's current host.
func (r *Router) AttachDisk(ctx context.Context, vmID, devicePath, target string) error {
	vm, err := r.Get(vmID)
	if err != nil {
		return err
	}
	session, err := r.fleet.HypervisorSession(vm.HostID)
	if err != nil {
		return err
	}
	return session.AttachDisk(ctx, vm.Name, devicePath, target)
}

// DetachDisk detaches a block device on vmID's current host.
func (r *Router) DetachDisk(ctx context.Context, vmID, target string) error {
	vm, err := r.Get(vmID)
	if err != nil {
		return err
	}
	session, err := r.fleet.HypervisorSession(vm.HostID)
	if err != nil {
		return err
	}
	return session.DetachDisk(ctx, vm.Name, target)
}

// PrimaryAddress returns vmID's primary address, resolved from its guest
// agent / DHCP lease via the host driver. Used by the Network Coordinator
// to substitute the real VM IP into DNAT rules instead of a placeholder.
func (r *Router) PrimaryAddress(ctx context.Context, vmID string) (string, error) {
	vm, err := r.Get(vmID)
	if err != nil {
		return "", err
	}
	driver, err := r.fleet.Driver(vm.HostID)
	if err != nil {
		return "", err
	}
	res, err := driver.Exec(ctx, fmt.Sprintf("virsh domifaddr %s | awk '/ipv4/ {print $4}' | cut -d/ -f1 | head -n1", shq(vm.Name)), 2*time.Second)
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(res.Stdout)
	if addr == "" {
		return "", merr.NotFound("no address reported for vm %s", vmID)
	}
	return addr, nil
}

func shq(s string) string { return "'" + s + "'" }
