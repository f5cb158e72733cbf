package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHostMetricsUsagePercentages(t *testing.T) {
	m := HostMetrics{
		MemTotalMB:  16384,
		MemUsedMB:   8192,
		DiskTotalGB: 200,
		DiskUsedGB:  190,
	}
	assert.InDelta(t, 50.0, m.MemUsagePercent(), 0.001)
	assert.InDelta(t, 95.0, m.DiskUsagePercent(), 0.001)
}

func TestHostMetricsUsagePercentageZeroTotal(t *testing.T) {
	m := HostMetrics{}
	assert.Equal(t, float64(0), m.MemUsagePercent())
	assert.Equal(t, float64(0), m.DiskUsagePercent())
}

func TestElasticIPAttached(t *testing.T) {
	ip := ElasticIP{IP: "10.100.0.1"}
	assert.False(t, ip.Attached())

	ip.AttachedToVM = "vm-1"
	assert.True(t, ip.Attached())
}

func TestAlertDedupKey(t *testing.T) {
	a := &Alert{ResourceType: "host", ResourceID: "h1", Title: "High CPU usage on host h1"}
	b := &Alert{ResourceType: "host", ResourceID: "h1", Title: "High CPU usage on host h1"}
	c := &Alert{ResourceType: "host", ResourceID: "h2", Title: "High CPU usage on host h1"}

	assert.Equal(t, a.DedupKey(), b.DedupKey())
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}

func TestAlertCloneIsIndependent(t *testing.T) {
	resolvedAt := time.Now()
	a := &Alert{ID: "1", Title: "t", ResolvedAt: &resolvedAt}

	cp := a.Clone()
	cp.Title = "changed"
	*cp.ResolvedAt = resolvedAt.Add(time.Hour)

	assert.Equal(t, "t", a.Title)
	assert.Equal(t, resolvedAt, *a.ResolvedAt)
}

func TestAlertCloneNil(t *testing.T) {
	var a *Alert
	assert.Nil(t, a.Clone())
}
