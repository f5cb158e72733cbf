package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionforge/meridian/internal/models"
)

func TestNewRegistersBuildInfo(t *testing.T) {
	m := New("test-version")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `meridian_build_info{version="test-version"} 1`)
}

func TestRecordProbeIncrementsCounterAndHistogram(t *testing.T) {
	m := New("v")
	m.recordProbe("h1", true, 50*time.Millisecond)
	m.recordProbe("h1", false, 10*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `meridian_host_probes_total{result="success"} 1`)
	assert.Contains(t, body, `meridian_host_probes_total{result="failure"} 1`)
}

func TestRecordMigrationObservesDuration(t *testing.T) {
	m := New("v")
	m.RecordMigration("completed", 30*time.Second)

	body := scrape(t, m)
	assert.Contains(t, body, `meridian_migrations_total{status="completed"} 1`)
}

func TestAlertHooksTrackActiveGauge(t *testing.T) {
	m := New("v")
	hooks := m.AlertHooks()
	a := &models.Alert{ID: "a1", Severity: models.SeverityWarning}

	hooks.OnFired(a)
	body := scrape(t, m)
	assert.Contains(t, body, "meridian_alerts_active 1")

	hooks.OnResolved(a)
	body = scrape(t, m)
	assert.Contains(t, body, "meridian_alerts_active 0")
}

func TestNilMetricsMethodsAreNoops(t *testing.T) {
	var m *Metrics
	m.SetHostsOnline(3)
	m.RecordMigration("failed", time.Second)
	m.RecordVMOp("create", "ok")
	require.NotPanics(t, func() {
		m.FleetHooks().OnProbe("h1", true, time.Second)
	})
}

func TestStartDisabledIsNoop(t *testing.T) {
	m := New("v")
	require.NoError(t, m.Start(""))
	require.NoError(t, m.Start("disabled"))
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return strings.ReplaceAll(rec.Body.String(), "\n\n", "\n")
}
