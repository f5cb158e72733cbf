// Package report renders point-in-time cluster snapshots as PDF documents,
// the same "hand someone a document" ambient concern the teacher's go.mod
// carries via go-pdf/fpdf, applied here to cluster health and alert data
// instead of backup-job reports.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/ionforge/meridian/internal/models"
)

// Generator builds PDF reports. It holds no state: every call is a pure
// function of its arguments.
type Generator struct{}

// New constructs a Generator.
func New() *Generator { return &Generator{} }

const (
	marginMM   = 15.0
	lineHeight = 7.0
)

// ClusterHealthReport renders a one-page-or-more summary: the health
// rollup, per-axis counts, and the currently active alerts sorted
// severity-first. Returns the PDF's raw bytes, ready to write to disk or an
// HTTP response.
func (g *Generator) ClusterHealthReport(health models.ClusterHealth, active []models.Alert) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(marginMM, marginMM, marginMM)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 10, "Meridian Cluster Health Report", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated %s", health.GeneratedAt.UTC().Format(time.RFC3339)), "", 1, "L", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 13)
	pdf.CellFormat(0, lineHeight, fmt.Sprintf("Status: %s", strings.ToUpper(string(health.Status))), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	writeSection(pdf, "Hosts", [][2]string{
		{"Total", fmt.Sprint(health.Hosts.Total)},
		{"Online", fmt.Sprint(health.Hosts.Online)},
		{"Offline", fmt.Sprint(health.Hosts.Offline)},
	})
	writeSection(pdf, "VMs", [][2]string{
		{"Total", fmt.Sprint(health.VMs.Total)},
		{"Running", fmt.Sprint(health.VMs.Running)},
		{"Stopped", fmt.Sprint(health.VMs.Stopped)},
		{"Error", fmt.Sprint(health.VMs.Error)},
	})
	writeSection(pdf, "Storage", [][2]string{
		{"Volumes", fmt.Sprint(health.Storage.Volumes)},
		{"Usage", fmt.Sprintf("%.1f%%", health.Storage.UsagePercent)},
	})
	writeSection(pdf, "Networks", [][2]string{
		{"Overlays", fmt.Sprint(health.Networks.Overlays)},
	})

	writeAlertsSection(pdf, active)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSection(pdf *fpdf.Fpdf, title string, rows [][2]string) {
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, lineHeight, title, "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 11)
	for _, row := range rows {
		pdf.CellFormat(50, lineHeight, row[0], "", 0, "L", false, 0, "")
		pdf.CellFormat(0, lineHeight, row[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(3)
}

// severityRank orders alert severities worst-first for report display.
var severityRank = map[models.AlertSeverity]int{
	models.SeverityCritical: 0,
	models.SeverityError:    1,
	models.SeverityWarning:  2,
	models.SeverityInfo:     3,
}

func writeAlertsSection(pdf *fpdf.Fpdf, active []models.Alert) {
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, lineHeight, fmt.Sprintf("Active Alerts (%d)", len(active)), "", 1, "L", false, 0, "")
	pdf.Ln(1)

	if len(active) == 0 {
		pdf.SetFont("Arial", "I", 11)
		pdf.CellFormat(0, lineHeight, "No active alerts.", "", 1, "L", false, 0, "")
		return
	}

	sorted := make([]models.Alert, len(active))
	copy(sorted, active)
	sort.Slice(sorted, func(i, j int) bool {
		ri, rj := severityRank[sorted[i].Severity], severityRank[sorted[j].Severity]
		if ri != rj {
			return ri < rj
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	pdf.SetFont("Arial", "", 10)
	for _, a := range sorted {
		line := fmt.Sprintf("[%s] %s — %s (%s)", strings.ToUpper(string(a.Severity)), a.Title, a.Message, a.ResourceID)
		pdf.MultiCell(0, 5.5, line, "", "L", false)
	}
}
