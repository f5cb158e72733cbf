package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionforge/meridian/internal/models"
)

func TestClusterHealthReportProducesValidPDF(t *testing.T) {
	g := New()
	health := models.ClusterHealth{
		Status:      models.ClusterDegraded,
		GeneratedAt: time.Now(),
	}
	health.Hosts.Total, health.Hosts.Online, health.Hosts.Offline = 3, 2, 1
	health.VMs.Total, health.VMs.Running = 5, 4
	health.Storage.Volumes = 2
	health.Storage.UsagePercent = 42.5
	health.Networks.Overlays = 1

	alerts := []models.Alert{
		{ID: "a1", Title: "High CPU", Message: "cpu at 95%", Severity: models.SeverityCritical, ResourceID: "h1", Timestamp: time.Now()},
		{ID: "a2", Title: "Disk usage", Message: "disk at 80%", Severity: models.SeverityWarning, ResourceID: "h2", Timestamp: time.Now()},
	}

	data, err := g.ClusterHealthReport(health, alerts)
	require.NoError(t, err)
	assert.True(t, len(data) > 4)
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestClusterHealthReportWithNoAlerts(t *testing.T) {
	g := New()
	health := models.ClusterHealth{Status: models.ClusterHealthy, GeneratedAt: time.Now()}

	data, err := g.ClusterHealthReport(health, nil)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data[:4]))
}
