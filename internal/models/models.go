// Package models holds the plain, JSON-tagged data shapes persisted by each
// coordinator. Models are inert: invariants are enforced by the owning
// coordinator, never here.
package models

import "time"

// HostStatus is the liveness state of a Host.
type HostStatus string

const (
	HostOnline  HostStatus = "online"
	HostOffline HostStatus = "offline"
	HostUnknown HostStatus = "unknown"
)

// HostMetrics is one sample in a Host's bounded metrics ring.
type HostMetrics struct {
	CPUUsagePercent float64   `json:"cpu_usage_percent"`
	MemTotalMB      int64     `json:"mem_total_mb"`
	MemUsedMB       int64     `json:"mem_used_mb"`
	DiskTotalGB     int64     `json:"disk_total_gb"`
	DiskUsedGB      int64     `json:"disk_used_gb"`
	NetRxBytes      int64     `json:"net_rx_bytes"`
	NetTxBytes      int64     `json:"net_tx_bytes"`
	Timestamp       time.Time `json:"ts"`
}

// DiskUsagePercent reports disk utilization as a percentage. Absolute GB
// values are kept alongside but never compared against a percent threshold
// directly (see monitoring thresholds).
func (m HostMetrics) DiskUsagePercent() float64 {
	if m.DiskTotalGB <= 0 {
		return 0
	}
	return float64(m.DiskUsedGB) / float64(m.DiskTotalGB) * 100
}

// MemUsagePercent reports memory utilization as a percentage.
func (m HostMetrics) MemUsagePercent() float64 {
	if m.MemTotalMB <= 0 {
		return 0
	}
	return float64(m.MemUsedMB) / float64(m.MemTotalMB) * 100
}

// Host is one bare-metal hypervisor machine in the fleet.
type Host struct {
	ID       string `json:"host_id"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	User     string `json:"user"`

	// Exactly one of KeyPath / Password is set. Password is write-only:
	// it round-trips through persistence (the driver needs it to
	// reconnect) but handlers must never echo it back in API responses.
	KeyPath  string `json:"key_path,omitempty"`
	Password string `json:"password,omitempty"`

	VMCapacity int `json:"vm_capacity"`

	CPUCores  int   `json:"cpu_cores"`
	MemoryMB  int64 `json:"memory_mb"`
	DiskGB    int64 `json:"disk_gb"`

	Status    HostStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`

	Metrics []HostMetrics `json:"metrics,omitempty"`

	VMCount int `json:"vm_count"`
}

// VMState is the observed lifecycle state of a VM.
type VMState string

const (
	VMCreating VMState = "creating"
	VMRunning  VMState = "running"
	VMStopped  VMState = "stopped"
	VMError    VMState = "error"
	VMNotFound VMState = "not_found"
)

// VMConfig is the declared shape of a VM, supplied at create time.
type VMConfig struct {
	CPUCores    int    `json:"cpu_cores"`
	MemoryMB    int64  `json:"memory_mb"`
	DiskSizeGB  int64  `json:"disk_size_gb"`
	ImageID     string `json:"image_id"`
	NetworkName string `json:"network_name"`
	Arch        string `json:"arch,omitempty"`
	CloudInit   string `json:"cloud_init,omitempty"`
}

// VM is a managed domain, identified cluster-wide by ID.
type VM struct {
	ID     string   `json:"vm_id"`
	Name   string   `json:"name"`
	Config VMConfig `json:"config"`

	State        VMState `json:"state"`
	ErrorMessage string  `json:"error_message,omitempty"`

	HostID string `json:"host_id"`
}

// ElasticIP is a cluster-managed address mappable to a VM via host-side NAT.
type ElasticIP struct {
	IP            string    `json:"ip"`
	AttachedToVM  string    `json:"attached_to_vm,omitempty"`
	HostID        string    `json:"host_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (e ElasticIP) Attached() bool {
	return e.AttachedToVM != ""
}

// OverlayHostStatus is the per-host provisioning state of an Overlay.
type OverlayHostStatus string

const (
	OverlayPending    OverlayHostStatus = "pending"
	OverlayConfigured OverlayHostStatus = "configured"
	OverlayFailed     OverlayHostStatus = "failed"
)

// OverlayHost is one host's provisioning record within an Overlay.
type OverlayHost struct {
	HostID string            `json:"host_id"`
	Status OverlayHostStatus `json:"status"`
}

// Overlay is a cluster-wide L3 network, keyed by Name.
type Overlay struct {
	Name      string        `json:"name"`
	CIDR      string        `json:"cidr"`
	Hosts     []OverlayHost `json:"servers"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// VolumeState is the lifecycle state of a Volume.
type VolumeState string

const (
	VolumeAvailable VolumeState = "available"
	VolumeAttaching VolumeState = "attaching"
	VolumeAttached  VolumeState = "attached"
	VolumeDetaching VolumeState = "detaching"
)

// Volume is a host-resident block device with an optional replica.
type Volume struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	SizeGB       int64       `json:"size_gb"`
	HostID       string      `json:"host_id,omitempty"`
	ReplicaHostID string     `json:"replica_host_id,omitempty"`
	AttachedToVM string      `json:"attached_to_vm,omitempty"`
	Replicated   bool        `json:"replicated"`
	State        VolumeState `json:"state"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// BackupStatus is the lifecycle of a BackupJob. Backups in this system are
// synchronous, so in practice only Completed/Failed are ever persisted, but
// the field is typed for forward compatibility.
type BackupStatus string

const (
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
)

// BackupJob is a point-in-time copy of a Volume.
type BackupJob struct {
	ID          string       `json:"id"`
	VolumeID    string       `json:"volume_id"`
	SizeGB      int64        `json:"size_gb"`
	Status      BackupStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// AlertSeverity ranks an Alert's urgency.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is an observation of a threshold breach. Equivalence for dedup is
// (ResourceType, ResourceID, Title, Resolved=false).
type Alert struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Message      string        `json:"message"`
	Severity     AlertSeverity `json:"severity"`
	ResourceType string        `json:"resource_type"`
	ResourceID   string        `json:"resource_id"`
	Value        float64       `json:"value,omitempty"`
	Threshold    float64       `json:"threshold,omitempty"`
	Timestamp    time.Time     `json:"ts"`
	Acknowledged bool          `json:"acknowledged"`
	Resolved     bool          `json:"resolved"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

func (a *Alert) dedupKey() [3]string {
	return [3]string{a.ResourceType, a.ResourceID, a.Title}
}

// DedupKey exposes the (resource_type, resource_id, title) tuple used to
// deduplicate unresolved alerts.
func (a *Alert) DedupKey() [3]string { return a.dedupKey() }

// Clone returns a deep copy, so callers holding a manager's lock can hand out
// a snapshot safely.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cp := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// ClusterStatus is the top-level health rollup.
type ClusterStatus string

const (
	ClusterHealthy  ClusterStatus = "healthy"
	ClusterDegraded ClusterStatus = "degraded"
	ClusterCritical ClusterStatus = "critical"
)

// ClusterHealth is the aggregate snapshot exposed by the monitor.
type ClusterHealth struct {
	Status ClusterStatus `json:"status"`

	Hosts struct {
		Total   int `json:"total"`
		Online  int `json:"online"`
		Offline int `json:"offline"`
	} `json:"hosts"`

	VMs struct {
		Total   int `json:"total"`
		Running int `json:"running"`
		Stopped int `json:"stopped"`
		Error   int `json:"error"`
	} `json:"vms"`

	Storage struct {
		Volumes      int     `json:"volumes"`
		UsagePercent float64 `json:"usage_percent"`
	} `json:"storage"`

	Networks struct {
		Overlays int `json:"overlays"`
	} `json:"networks"`

	AlertsBySeverity map[AlertSeverity]int `json:"alerts_by_severity"`

	GeneratedAt time.Time `json:"generated_at"`
}

// MonitoringThresholds holds per-axis alert thresholds, all percentages.
type MonitoringThresholds struct {
	HostCPU            float64 `json:"host_cpu" yaml:"host_cpu"`
	HostMem            float64 `json:"host_mem" yaml:"host_mem"`
	HostDisk           float64 `json:"host_disk" yaml:"host_disk"`
	VMCPU              float64 `json:"vm_cpu" yaml:"vm_cpu"`
	VMMem              float64 `json:"vm_mem" yaml:"vm_mem"`
	VMDisk             float64 `json:"vm_disk" yaml:"vm_disk"`
	NetworkBandwidth   float64 `json:"network_bandwidth_usage" yaml:"network_bandwidth_usage"`
	StorageUsage       float64 `json:"storage_usage" yaml:"storage_usage"`
}

// MonitoringConfig drives the collection loop and threshold evaluation.
type MonitoringConfig struct {
	CollectionIntervalSeconds int                  `json:"collection_interval_seconds" yaml:"collection_interval_seconds"`
	MetricsRetentionDays      int                  `json:"metrics_retention_days" yaml:"metrics_retention_days"`
	Thresholds                MonitoringThresholds `json:"alert_thresholds" yaml:"alert_thresholds"`
	EnabledMonitors           EnabledMonitors      `json:"enabled_monitors" yaml:"enabled_monitors"`
}

// EnabledMonitors toggles each collector independently, so one axis's
// failure never blocks the others.
type EnabledMonitors struct {
	Host    bool `json:"host" yaml:"host"`
	VM      bool `json:"vm" yaml:"vm"`
	Network bool `json:"network" yaml:"network"`
	Storage bool `json:"storage" yaml:"storage"`
}

// MigrationType selects the libvirt migration transport.
type MigrationType string

const (
	MigrationDirect    MigrationType = "direct"
	MigrationPeerToPeer MigrationType = "p2p"
	MigrationTunneled  MigrationType = "tunneled"
	MigrationOffline   MigrationType = "offline"
)

// MigrationStatus is the coordinator's state-machine state.
type MigrationStatus string

const (
	MigrationPreparing  MigrationStatus = "preparing"
	MigrationInProgress MigrationStatus = "in_progress"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
	MigrationCancelled  MigrationStatus = "cancelled"
)

// MigrationConfig is the knob set for one migration request.
type MigrationConfig struct {
	VMID          string        `json:"vm_id"`
	DestHostID    string        `json:"dest_host_id"`
	Live          bool          `json:"live"`
	Type          MigrationType `json:"migration_type"`
	BandwidthMiBs int           `json:"bandwidth_mibs,omitempty"`
	MaxDowntimeMs int           `json:"max_downtime_ms,omitempty"`
	CompressionCacheBytes int64 `json:"compression_cache_bytes,omitempty"`
	Compressed    bool          `json:"compressed"`
	AutoConverge  bool          `json:"auto_converge"`
	Persistent    bool          `json:"persistent"`
	// UndefineSource opts into undefining the domain on the source host
	// after a successful migration. Default false: the source config
	// this system descends from passed this flag unconditionally, which
	// is surprising enough to warrant an explicit opt-in here.
	UndefineSource    bool          `json:"undefine_source"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout,omitempty"`
}

// MigrationStats is the polled progress of an in-flight migration.
type MigrationStats struct {
	VMID          string          `json:"vm_id"`
	Status        MigrationStatus `json:"status"`
	Progress      float64         `json:"progress"`
	DataTotal     int64           `json:"data_total"`
	DataProcessed int64           `json:"data_processed"`
	DataRemaining int64           `json:"data_remaining"`
	Downtime      int64           `json:"downtime"`
	Speed         int64           `json:"speed"`
	FailureReason string          `json:"failure_reason,omitempty"`
}
