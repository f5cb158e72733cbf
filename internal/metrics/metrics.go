// Package metrics exposes meridiand's self-observability as Prometheus
// metrics, registered against a private registry and served over
// /metrics. Grounded on the teacher's pulse-sensor-proxy metrics server:
// a struct of pre-declared collectors, nil-receiver-safe record methods,
// and a small dedicated HTTP server with its own listener.
package metrics

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ionforge/meridian/internal/alerts"
	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/models"
)

const defaultAddr = "127.0.0.1:9090"

// Metrics holds every Prometheus collector meridiand registers. A nil
// *Metrics is safe to call every Record/Observe method on — components
// that don't wire metrics in (tests, the CLI's one-shot subcommands) can
// pass one around without a nil check at every call site.
type Metrics struct {
	registry *prometheus.Registry
	server   *http.Server

	hostProbes       *prometheus.CounterVec
	hostProbeLatency prometheus.Histogram
	hostsOnline      prometheus.Gauge

	migrations         *prometheus.CounterVec
	migrationDuration  *prometheus.HistogramVec

	alertsFired    *prometheus.CounterVec
	alertsResolved prometheus.Counter
	alertsActive   prometheus.Gauge

	vmOps *prometheus.CounterVec

	buildInfo *prometheus.GaugeVec
}

// New constructs and registers every collector. version is rendered as a
// label on the build-info gauge so /metrics identifies its build.
func New(version string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		hostProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_host_probes_total",
			Help: "Fleet Registry liveness probes by result.",
		}, []string{"result"}),
		hostProbeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meridian_host_probe_latency_seconds",
			Help:    "Host probe round-trip latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		hostsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_hosts_online",
			Help: "Hosts currently reporting online.",
		}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_migrations_total",
			Help: "Completed VM migrations by terminal status.",
		}, []string{"status"}),
		migrationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meridian_migration_duration_seconds",
			Help:    "Migration wall-clock duration by terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_alerts_fired_total",
			Help: "Alerts raised by severity.",
		}, []string{"severity"}),
		alertsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_alerts_resolved_total",
			Help: "Alerts resolved.",
		}),
		alertsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_alerts_active",
			Help: "Currently unresolved alerts.",
		}),
		vmOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_vm_operations_total",
			Help: "VM router operations by operation and result.",
		}, []string{"operation", "result"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meridian_build_info",
			Help: "Build metadata.",
		}, []string{"version"}),
	}

	reg.MustRegister(
		m.hostProbes, m.hostProbeLatency, m.hostsOnline,
		m.migrations, m.migrationDuration,
		m.alertsFired, m.alertsResolved, m.alertsActive,
		m.vmOps, m.buildInfo,
	)
	m.buildInfo.WithLabelValues(version).Set(1)
	return m
}

// Handler returns the /metrics HTTP handler for mounting on an existing
// mux (the API server's, typically).
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Start runs a dedicated metrics listener, independent of the main API
// server, the same split the teacher's proxy uses so metrics stay
// reachable even if the API mux wedges. addr == "" or "disabled" skips it;
// "default" uses defaultAddr.
func (m *Metrics) Start(addr string) error {
	if m == nil || addr == "" || strings.EqualFold(addr, "disabled") {
		log.Info().Msg("metrics server disabled")
		return nil
	}
	if addr == "default" {
		addr = defaultAddr
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := m.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped unexpectedly")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics server started")
	return nil
}

// Shutdown gracefully stops the dedicated metrics listener, if started.
func (m *Metrics) Shutdown(ctx context.Context) {
	if m == nil || m.server == nil {
		return
	}
	_ = m.server.Shutdown(ctx)
}

// FleetHooks returns the fleet.Hooks wiring probe outcomes into metrics.
func (m *Metrics) FleetHooks() fleet.Hooks {
	return fleet.Hooks{OnProbe: m.recordProbe}
}

// AlertHooks returns the alerts.Hooks wiring fire/resolve into metrics;
// acknowledgements are not recorded.
func (m *Metrics) AlertHooks() alerts.Hooks {
	return alerts.Hooks{
		OnFired:    m.recordAlertFired,
		OnResolved: m.recordAlertResolved,
	}
}

func (m *Metrics) recordProbe(hostID string, online bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !online {
		result = "failure"
	}
	m.hostProbes.WithLabelValues(result).Inc()
	m.hostProbeLatency.Observe(latency.Seconds())
}

// SetHostsOnline records a fresh online-host count supplied by the caller.
// The monitor does not call it.
func (m *Metrics) SetHostsOnline(n int) {
	if m == nil {
		return
	}
	m.hostsOnline.Set(float64(n))
}

// RecordMigration records a migration's terminal status and duration.
func (m *Metrics) RecordMigration(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(status).Inc()
	m.migrationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) recordAlertFired(a *models.Alert) {
	if m == nil {
		return
	}
	m.alertsFired.WithLabelValues(string(a.Severity)).Inc()
	m.alertsActive.Inc()
}

func (m *Metrics) recordAlertResolved(*models.Alert) {
	if m == nil {
		return
	}
	m.alertsResolved.Inc()
	m.alertsActive.Dec()
}

// RecordVMOp records a VM router operation outcome ("create", "delete",
// "migrate", ...) by result ("ok", "error").
func (m *Metrics) RecordVMOp(operation, result string) {
	if m == nil {
		return
	}
	m.vmOps.WithLabelValues(operation, result).Inc()
}
