// Package network owns elastic IPs and overlay networks, the two
// cluster-wide networking constructs that span every host. It is grounded
// on ClusterNetworkManager: a linear scan over 10.100.0.0/16 for elastic
// IP allocation, rollback-on-failure attach/detach, and per-host
// best-effort overlay provisioning.
package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/merr"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/store"
	"github.com/ionforge/meridian/internal/vmrouter"
)

const elasticIPBase = "10.100"

// Coordinator manages elastic IPs and overlay networks across the fleet.
type Coordinator struct {
	mu sync.Mutex

	ipPath      string
	overlayPath string

	ips      map[string]*models.ElasticIP
	overlays map[string]*models.Overlay

	fleet  *fleet.Registry
	router *vmrouter.Router
}

// New constructs a Coordinator backed by dataDir/elastic_ips.json and
// dataDir/overlay_networks.json.
func New(dataDir string, fleetRegistry *fleet.Registry, router *vmrouter.Router) (*Coordinator, error) {
	c := &Coordinator{
		ipPath:      filepath.Join(dataDir, "elastic_ips.json"),
		overlayPath: filepath.Join(dataDir, "overlay_networks.json"),
		ips:         map[string]*models.ElasticIP{},
		overlays:    map[string]*models.Overlay{},
		fleet:       fleetRegistry,
		router:      router,
	}
	var ips map[string]*models.ElasticIP
	if err := store.LoadJSON(c.ipPath, &ips); err != nil {
		return nil, err
	}
	if ips != nil {
		c.ips = ips
	}
	var overlays map[string]*models.Overlay
	if err := store.LoadJSON(c.overlayPath, &overlays); err != nil {
		return nil, err
	}
	if overlays != nil {
		c.overlays = overlays
	}
	return c, nil
}

func (c *Coordinator) persistIPsLocked() error {
	return store.SaveJSON(c.ipPath, c.ips)
}

func (c *Coordinator) persistOverlaysLocked() error {
	return store.SaveJSON(c.overlayPath, c.overlays)
}

// AllocateElasticIP returns an existing unattached address if one exists,
// otherwise mints the next free address in 10.100.0.0/16.
func (c *Coordinator) AllocateElasticIP() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ip, eip := range c.ips {
		if !eip.Attached() {
			return ip, nil
		}
	}

	for third := 1; third < 255; third++ {
		for fourth := 1; fourth < 255; fourth++ {
			candidate := fmt.Sprintf("%s.%d.%d", elasticIPBase, third, fourth)
			if _, exists := c.ips[candidate]; exists {
				continue
			}
			now := models.ElasticIP{IP: candidate}
			c.ips[candidate] = &now
			if err := c.persistIPsLocked(); err != nil {
				delete(c.ips, candidate)
				return "", err
			}
			return candidate, nil
		}
	}
	return "", merr.NoCapacity("no elastic ips available in %s.0.0/16", elasticIPBase)
}

// AttachElasticIP binds ip to vmID on hostID's NAT table. The binding is
// recorded before the remote command runs and rolled back if it fails.
func (c *Coordinator) AttachElasticIP(ctx context.Context, ip, vmID string) error {
	c.mu.Lock()
	eip, ok := c.ips[ip]
	if !ok {
		c.mu.Unlock()
		return merr.NotFound("elastic ip %s not found", ip)
	}
	if eip.Attached() {
		c.mu.Unlock()
		return merr.Conflict("elastic ip %s is already attached to vm %s", ip, eip.AttachedToVM)
	}
	c.mu.Unlock()

	vm, err := c.router.Get(vmID)
	if err != nil {
		return err
	}
	driver, err := c.fleet.Driver(vm.HostID)
	if err != nil {
		return err
	}
	vmIP, err := c.router.PrimaryAddress(ctx, vmID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if eip.Attached() {
		c.mu.Unlock()
		return merr.Conflict("elastic ip %s is already attached to vm %s", ip, eip.AttachedToVM)
	}
	eip.AttachedToVM = vmID
	eip.HostID = vm.HostID
	if err := c.persistIPsLocked(); err != nil {
		eip.AttachedToVM = ""
		eip.HostID = ""
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	cmd := fmt.Sprintf("sudo iptables -t nat -A PREROUTING -d %s -j DNAT --to-destination %s", ip, vmIP)
	res, err := driver.Exec(ctx, cmd, 0)
	if err == nil && res.ExitCode != 0 {
		err = merr.RemoteCommandFailed(cmd, res.ExitCode, res.Stderr)
	}
	if err != nil {
		c.mu.Lock()
		eip.AttachedToVM = ""
		eip.HostID = ""
		_ = c.persistIPsLocked()
		c.mu.Unlock()
		log.Error().Err(err).Str("ip", ip).Str("vm_id", vmID).Msg("attach elastic ip failed, rolled back")
		return err
	}
	return nil
}

// DetachElasticIP removes ip's NAT rule and clears its attachment. A
// no-op, not an error, if the IP is already unattached.
func (c *Coordinator) DetachElasticIP(ctx context.Context, ip string) error {
	c.mu.Lock()
	eip, ok := c.ips[ip]
	if !ok {
		c.mu.Unlock()
		return merr.NotFound("elastic ip %s not found", ip)
	}
	if !eip.Attached() {
		c.mu.Unlock()
		return nil
	}
	vmID, hostID := eip.AttachedToVM, eip.HostID
	c.mu.Unlock()

	driver, err := c.fleet.Driver(hostID)
	if err != nil {
		return err
	}
	vmIP, err := c.router.PrimaryAddress(ctx, vmID)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("sudo iptables -t nat -D PREROUTING -d %s -j DNAT --to-destination %s", ip, vmIP)
	if _, err := driver.Exec(ctx, cmd, 0); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	eip.AttachedToVM = ""
	eip.HostID = ""
	return c.persistIPsLocked()
}

// ListElasticIPs returns every allocated elastic IP, sorted.
func (c *Coordinator) ListElasticIPs() []models.ElasticIP {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ElasticIP, 0, len(c.ips))
	for _, eip := range c.ips {
		out = append(out, *eip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// CreateOverlayNetwork registers a cluster-wide overlay and provisions it
// best-effort on every currently online host.
func (c *Coordinator) CreateOverlayNetwork(ctx context.Context, name, cidr string) (models.Overlay, error) {
	c.mu.Lock()
	if _, exists := c.overlays[name]; exists {
		c.mu.Unlock()
		return models.Overlay{}, merr.Conflict("overlay network %s already exists", name)
	}
	c.mu.Unlock()

	if cidr == "" {
		cidr = generateOverlayCIDR(name)
	} else if err := validateCIDR(cidr); err != nil {
		return models.Overlay{}, err
	}

	online := onlineHosts(c.fleet)
	if len(online) == 0 {
		return models.Overlay{}, merr.NoCapacity("no online hosts available to create overlay network")
	}

	overlay := &models.Overlay{Name: name, CIDR: cidr}
	for _, h := range online {
		overlay.Hosts = append(overlay.Hosts, models.OverlayHost{HostID: h.ID, Status: models.OverlayPending})
	}

	c.mu.Lock()
	c.overlays[name] = overlay
	if err := c.persistOverlaysLocked(); err != nil {
		delete(c.overlays, name)
		c.mu.Unlock()
		return models.Overlay{}, err
	}
	c.mu.Unlock()

	for i := range overlay.Hosts {
		driver, err := c.fleet.Driver(overlay.Hosts[i].HostID)
		status := models.OverlayConfigured
		if err != nil {
			status = models.OverlayFailed
		} else if _, err := driver.Exec(ctx, fmt.Sprintf("echo 'configuring overlay %s cidr %s'", name, cidr), 0); err != nil {
			log.Error().Err(err).Str("host_id", overlay.Hosts[i].HostID).Str("overlay", name).Msg("overlay provisioning failed")
			status = models.OverlayFailed
		}
		overlay.Hosts[i].Status = status
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.persistOverlaysLocked(); err != nil {
		return models.Overlay{}, err
	}
	return *overlay, nil
}

// DeleteOverlayNetwork best-effort tears down every host's configuration
// before removing the record regardless of per-host outcome.
func (c *Coordinator) DeleteOverlayNetwork(ctx context.Context, name string) error {
	c.mu.Lock()
	overlay, ok := c.overlays[name]
	c.mu.Unlock()
	if !ok {
		return merr.NotFound("overlay network %s not found", name)
	}

	for _, h := range overlay.Hosts {
		driver, err := c.fleet.Driver(h.HostID)
		if err != nil {
			continue
		}
		if _, err := driver.Exec(ctx, fmt.Sprintf("echo 'cleaning up overlay %s'", name), 0); err != nil {
			log.Error().Err(err).Str("host_id", h.HostID).Str("overlay", name).Msg("overlay cleanup failed")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overlays, name)
	return c.persistOverlaysLocked()
}

// GetOverlayNetwork returns a single overlay by name.
func (c *Coordinator) GetOverlayNetwork(name string) (models.Overlay, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	overlay, ok := c.overlays[name]
	if !ok {
		return models.Overlay{}, merr.NotFound("overlay network %s not found", name)
	}
	return *overlay, nil
}

// ListOverlayNetworks returns every overlay, sorted by name.
func (c *Coordinator) ListOverlayNetworks() []models.Overlay {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Overlay, 0, len(c.overlays))
	for _, o := range c.overlays {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetupCrossHostNetworking provisions reachability between every pair of
// currently online hosts, best-effort, skipping a pair on either side's
// failure rather than aborting the whole sweep.
func (c *Coordinator) SetupCrossHostNetworking(ctx context.Context) {
	online := onlineHosts(c.fleet)
	if len(online) < 2 {
		log.Info().Msg("fewer than two online hosts, skipping cross-host networking setup")
		return
	}
	for i := 0; i < len(online); i++ {
		for j := i + 1; j < len(online); j++ {
			h1, h2 := online[i], online[j]
			d1, err1 := c.fleet.Driver(h1.ID)
			d2, err2 := c.fleet.Driver(h2.ID)
			if err1 != nil || err2 != nil {
				continue
			}
			cmd := fmt.Sprintf("echo 'linking %s and %s'", h1.ID, h2.ID)
			if _, err := d1.Exec(ctx, cmd, 0); err != nil {
				log.Error().Err(err).Str("host_id", h1.ID).Msg("cross-host networking setup failed")
				continue
			}
			if _, err := d2.Exec(ctx, cmd, 0); err != nil {
				log.Error().Err(err).Str("host_id", h2.ID).Msg("cross-host networking setup failed")
			}
		}
	}
}

// ConfigureNAT enables MASQUERADE outbound NAT and ip_forward on hostID.
func (c *Coordinator) ConfigureNAT(ctx context.Context, hostID string) error {
	driver, err := c.fleet.Driver(hostID)
	if err != nil {
		return err
	}
	cmds := []string{
		"sudo iptables -t nat -A POSTROUTING -s 10.0.0.0/8 -o eth0 -j MASQUERADE",
		"sudo sysctl -w net.ipv4.ip_forward=1",
		"echo 'net.ipv4.ip_forward=1' | sudo tee -a /etc/sysctl.conf",
	}
	for _, cmd := range cmds {
		if _, err := driver.Exec(ctx, cmd, 0); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureNATForAllHosts runs ConfigureNAT against every currently online
// host, logging and continuing on a per-host failure.
func (c *Coordinator) ConfigureNATForAllHosts(ctx context.Context) {
	for _, h := range onlineHosts(c.fleet) {
		if err := c.ConfigureNAT(ctx, h.ID); err != nil {
			log.Error().Err(err).Str("host_id", h.ID).Msg("configure nat failed")
		}
	}
}

func onlineHosts(r *fleet.Registry) []models.Host {
	var out []models.Host
	for _, h := range r.List() {
		if h.Status == models.HostOnline {
			out = append(out, h)
		}
	}
	return out
}

// validateCIDR enforces the same bounds as is_private_cidr(): the network
// must fall within a private range and carry a prefix length between /16
// and /28.
func validateCIDR(cidr string) error {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return merr.InputInvalid("invalid cidr %q: %v", cidr, err)
	}
	ones, _ := ipNet.Mask.Size()
	if !ipNet.IP.IsPrivate() || ones < 16 || ones > 28 {
		return merr.InputInvalid("cidr %q must be a private network range with prefix length between /16 and /28", cidr)
	}
	return nil
}

// overlayPrivateRanges mirrors generate_random_cidr()'s three candidate
// blocks, each wide enough to carve a /16-/28 subnet from.
var overlayPrivateRanges = []struct {
	base string
	bits int
}{
	{"10.0.0.0", 8},
	{"172.16.0.0", 12},
	{"192.168.0.0", 16},
}

// generateOverlayCIDR picks a private subnet for an overlay created without
// an explicit CIDR. Unlike generate_random_cidr()'s random.choice, selection
// is deterministic: the overlay name is hashed to choose a base range, a
// prefix length in [16,28], and a subnet index within that range, so the
// same name always yields the same CIDR.
func generateOverlayCIDR(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	sum := h.Sum32()

	numRanges := uint32(len(overlayPrivateRanges))
	r := overlayPrivateRanges[sum%numRanges]
	rest := sum / numRanges

	const prefixSpan = 28 - 16 + 1
	prefix := 16 + int(rest%prefixSpan)
	rest /= prefixSpan

	baseAddr := binary.BigEndian.Uint32(net.ParseIP(r.base).To4())
	numSubnets := uint32(1) << uint(prefix-r.bits)
	subnetIdx := rest % numSubnets
	subnetSize := uint32(1) << uint(32-prefix)
	addr := baseAddr + subnetIdx*subnetSize

	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, addr)
	return fmt.Sprintf("%s/%d", ip.String(), prefix)
}
