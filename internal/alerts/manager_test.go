package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionforge/meridian/internal/merr"
	"github.com/ionforge/meridian/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), Hooks{})
	require.NoError(t, err)
	return m
}

func TestSeverityForThreshold(t *testing.T) {
	assert.Equal(t, models.SeverityWarning, SeverityFor(94.9))
	assert.Equal(t, models.SeverityError, SeverityFor(95))
	assert.Equal(t, models.SeverityError, SeverityFor(99))
}

func TestRaiseDedupsByResourceAndTitle(t *testing.T) {
	m := newTestManager(t)
	a1 := m.Raise("host", "h1", "High CPU usage on host h1", "cpu at 97%", models.SeverityError, 97, 90)
	a2 := m.Raise("host", "h1", "High CPU usage on host h1", "cpu at 98%", models.SeverityError, 98, 90)

	assert.Equal(t, a1.ID, a2.ID)
	assert.Len(t, m.ActiveAlerts(), 1)
	assert.Equal(t, 98.0, m.ActiveAlerts()[0].Value)
}

func TestRaiseAfterResolveCreatesNewAlert(t *testing.T) {
	m := newTestManager(t)
	a1 := m.Raise("host", "h1", "High CPU usage on host h1", "cpu at 97%", models.SeverityError, 97, 90)
	require.NoError(t, m.Resolve(a1.ID))

	a2 := m.Raise("host", "h1", "High CPU usage on host h1", "cpu at 97%", models.SeverityError, 97, 90)
	assert.NotEqual(t, a1.ID, a2.ID)
	assert.Len(t, m.ActiveAlerts(), 1)
}

func TestResolveUnknownAlertIsNoop(t *testing.T) {
	m := newTestManager(t)
	assert.NoError(t, m.Resolve("ghost"))
}

func TestResolveMovesAlertToHistory(t *testing.T) {
	m := newTestManager(t)
	a := m.Raise("host", "h1", "title", "msg", models.SeverityWarning, 80, 70)
	require.NoError(t, m.Resolve(a.ID))

	assert.Empty(t, m.ActiveAlerts())
	hist := m.History(0)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Resolved)
}

func TestAcknowledgeUnknownNotFound(t *testing.T) {
	m := newTestManager(t)
	err := m.Acknowledge("ghost")
	assert.True(t, merr.Is(err, merr.KindNotFound))
}

func TestAcknowledgeSetsFlag(t *testing.T) {
	m := newTestManager(t)
	a := m.Raise("host", "h1", "title", "msg", models.SeverityWarning, 80, 70)
	require.NoError(t, m.Acknowledge(a.ID))

	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Acknowledged)
}

func TestCleanupDropsOldResolvedHistory(t *testing.T) {
	m := newTestManager(t)
	old := time.Now().Add(-48 * time.Hour)
	m.history = append(m.history, models.Alert{ID: "old", Resolved: true, ResolvedAt: &old})
	recent := time.Now()
	m.history = append(m.history, models.Alert{ID: "recent", Resolved: true, ResolvedAt: &recent})

	require.NoError(t, m.Cleanup(24*time.Hour))

	hist := m.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, "recent", hist[0].ID)
}

func TestRaiseSuppressedByWildcardRule(t *testing.T) {
	m := newTestManager(t)
	m.SetSuppressionRules([]string{"vm-test-*"})

	got := m.Raise("vm", "vm-test-1", "title", "msg", models.SeverityWarning, 80, 70)
	assert.Nil(t, got)
	assert.Empty(t, m.ActiveAlerts())
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, Hooks{})
	require.NoError(t, err)
	m.Raise("host", "h1", "title", "msg", models.SeverityWarning, 80, 70)

	m2, err := New(dir, Hooks{})
	require.NoError(t, err)
	assert.Len(t, m2.ActiveAlerts(), 1)
}
