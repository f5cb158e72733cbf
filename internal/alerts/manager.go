// Package alerts tracks threshold-breach observations raised by the
// monitoring loop, deduplicating by (resource_type, resource_id, title)
// and driving acknowledge/resolve/retention over the same lock-then-copy
// pattern and atomic-JSON persistence the teacher's alert Manager uses.
package alerts

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/ionforge/meridian/internal/idgen"
	"github.com/ionforge/meridian/internal/merr"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/store"
)

// Hooks are optional callbacks fired as alerts change state. Any may be nil.
type Hooks struct {
	OnFired        func(*models.Alert)
	OnResolved     func(*models.Alert)
	OnAcknowledged func(*models.Alert)
}

// Manager holds the set of unresolved alerts plus a bounded history of
// resolved ones, persisted to one JSON file.
type Manager struct {
	mu sync.Mutex

	path string

	active  map[string]*models.Alert // by ID
	history []models.Alert           // resolved, newest last

	hooks Hooks

	// suppress holds resource_id glob patterns ("vm-test-*") that Raise
	// silently drops instead of creating an alert for.
	suppress []string
}

const maxHistory = 500

// New constructs a Manager backed by dataDir/alerts.json.
func New(dataDir string, hooks Hooks) (*Manager, error) {
	m := &Manager{
		path:   filepath.Join(dataDir, "alerts.json"),
		active: map[string]*models.Alert{},
		hooks:  hooks,
	}
	var doc struct {
		Active  map[string]*models.Alert `json:"active"`
		History []models.Alert           `json:"history"`
	}
	if err := store.LoadJSON(m.path, &doc); err != nil {
		return nil, err
	}
	if doc.Active != nil {
		m.active = doc.Active
	}
	m.history = doc.History
	return m, nil
}

func (m *Manager) persistLocked() error {
	doc := struct {
		Active  map[string]*models.Alert `json:"active"`
		History []models.Alert           `json:"history"`
	}{Active: m.active, History: m.history}
	return store.SaveJSON(m.path, doc)
}

// findUnresolvedLocked returns the unresolved alert matching key, if any.
func (m *Manager) findUnresolvedLocked(key [3]string) *models.Alert {
	for _, a := range m.active {
		if !a.Resolved && a.DedupKey() == key {
			return a
		}
	}
	return nil
}

// SetSuppressionRules replaces the set of resource_id glob patterns
// ("vm-test-*", "host-staging-??") that Raise silently drops instead of
// creating an alert for.
func (m *Manager) SetSuppressionRules(patterns []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppress = patterns
}

func (m *Manager) isSuppressedLocked(resourceID string) bool {
	for _, pattern := range m.suppress {
		if wildcard.Match(pattern, resourceID) {
			return true
		}
	}
	return false
}

// Raise records a threshold breach. An existing unresolved alert with the
// same dedup key is updated in place (value/threshold refreshed, no new
// ID, no duplicate notification) rather than creating a second entry. A
// resource_id matching a configured suppression glob never raises.
func (m *Manager) Raise(resourceType, resourceID, title, message string, severity models.AlertSeverity, value, threshold float64) *models.Alert {
	m.mu.Lock()

	if m.isSuppressedLocked(resourceID) {
		m.mu.Unlock()
		return nil
	}

	key := [3]string{resourceType, resourceID, title}
	if existing := m.findUnresolvedLocked(key); existing != nil {
		existing.Value = value
		existing.Threshold = threshold
		existing.Message = message
		existing.Severity = severity
		alertCopy := existing.Clone()
		m.mu.Unlock()
		return alertCopy
	}

	alert := &models.Alert{
		ID:           idgen.Alert(),
		Title:        title,
		Message:      message,
		Severity:     severity,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Value:        value,
		Threshold:    threshold,
		Timestamp:    time.Now(),
	}
	m.active[alert.ID] = alert
	if err := m.persistLocked(); err != nil {
		log.Error().Err(err).Msg("persist alerts after raise failed")
	}
	alertCopy := alert.Clone()
	m.mu.Unlock()

	log.Warn().Str("resource_id", resourceID).Str("title", title).Str("severity", string(severity)).Msg("alert raised")
	if m.hooks.OnFired != nil {
		m.hooks.OnFired(alertCopy)
	}
	return alertCopy
}

// Resolve marks alertID resolved, moving it into history. A no-op, not an
// error, if the alert is already resolved or unknown — resolution races
// with a threshold recovering on the next poll are expected.
func (m *Manager) Resolve(alertID string) error {
	m.mu.Lock()
	alert, ok := m.active[alertID]
	if !ok || alert.Resolved {
		m.mu.Unlock()
		return nil
	}

	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	resolvedCopy := alert.Clone()

	delete(m.active, alertID)
	m.history = append(m.history, *resolvedCopy)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	if err := m.persistLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	log.Info().Str("alert_id", alertID).Msg("alert resolved")
	if m.hooks.OnResolved != nil {
		m.hooks.OnResolved(resolvedCopy)
	}
	return nil
}

// Acknowledge marks alertID acknowledged without resolving it.
func (m *Manager) Acknowledge(alertID string) error {
	m.mu.Lock()
	alert, ok := m.active[alertID]
	if !ok {
		m.mu.Unlock()
		return merr.NotFound("alert %s not found", alertID)
	}
	alert.Acknowledged = true
	if err := m.persistLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	alertCopy := alert.Clone()
	m.mu.Unlock()

	if m.hooks.OnAcknowledged != nil {
		m.hooks.OnAcknowledged(alertCopy)
	}
	return nil
}

// ActiveAlerts returns every unresolved alert, sorted newest-first.
func (m *Manager) ActiveAlerts() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// History returns up to limit of the most recently resolved alerts,
// newest first. limit<=0 returns everything retained.
func (m *Manager) History(limit int) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Alert, n)
	for i := 0; i < n; i++ {
		out[i] = m.history[len(m.history)-1-i]
	}
	return out
}

// Cleanup drops resolved history entries older than maxAge. Active alerts
// are never subject to retention-based removal — only explicit Resolve
// retires them.
func (m *Manager) Cleanup(maxAge time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	kept := m.history[:0]
	for _, a := range m.history {
		if a.ResolvedAt == nil || a.ResolvedAt.After(cutoff) {
			kept = append(kept, a)
		}
	}
	m.history = kept
	return m.persistLocked()
}

// SeverityFor implements the default value-based severity rule: warning
// below 95, error at or above it. Critical is never derived here — only
// assigned by an explicit rule at the call site.
func SeverityFor(value float64) models.AlertSeverity {
	if value >= 95 {
		return models.SeverityError
	}
	return models.SeverityWarning
}
