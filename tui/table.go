package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Column is a fixed-width table column.
type Column struct {
	Title string
	Width int
}

// RenderSimple renders headers and rows with columns as wide as their
// widest cell. Nil styles use DefaultStyles.
func RenderSimple(headers []string, rows [][]string, styles *Styles) string {
	if styles == nil {
		styles = DefaultStyles()
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], len(cell))
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(styles.TableHeader.Width(widths[i] + 2).Render(h))
	}
	b.WriteString("\n")
	for _, row := range rows {
		for i := range widths {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			b.WriteString(styles.TableRow.Width(widths[i] + 2).Render(cell))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// renderRows writes a titled table with a status icon column. Cells longer
// than their column are cut with "..".
func renderRows(styles *Styles, title string, columns []Column, rows [][]string, statuses []string, empty, noun string) string {
	var b strings.Builder
	b.WriteString(styles.Title.Render(title) + "\n\n")
	if len(rows) == 0 {
		b.WriteString(styles.Muted.Render("  "+empty) + "\n")
		return b.String()
	}

	var header string
	for _, col := range columns {
		header += styles.TableHeader.Width(col.Width).Render(col.Title) + " "
	}
	b.WriteString(header + "\n")
	for _, col := range columns {
		b.WriteString(styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	for r, row := range rows {
		cells := append([]string{styles.StatusIcon(statuses[r])}, row...)
		for i, col := range columns {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			if i > 0 && len(cell) > col.Width {
				cell = cell[:col.Width-2] + ".."
			}
			b.WriteString(lipgloss.NewStyle().Width(col.Width).Render(cell) + " ")
		}
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("\n%s %d %s\n", styles.Muted.Render("Total:"), len(rows), noun))
	return b.String()
}

// HistoryRow is one build for table display.
type HistoryRow struct {
	RunID     string
	Status    string
	Label     string
	DataMode  string
	BootOnly  bool
	Size      int64
	StartedAt string
	Duration  string
	Error     string
}

// RenderHistoryTable renders the build history.
func RenderHistoryTable(builds []HistoryRow) string {
	columns := []Column{
		{Title: "STATUS", Width: 8},
		{Title: "RUN ID", Width: 30},
		{Title: "LABEL", Width: 16},
		{Title: "MODE", Width: 10},
		{Title: "SIZE", Width: 10},
		{Title: "STARTED", Width: 20},
		{Title: "TIME", Width: 8},
		{Title: "ERROR", Width: 30},
	}
	rows := make([][]string, 0, len(builds))
	statuses := make([]string, 0, len(builds))
	for _, b := range builds {
		mode := b.DataMode
		if b.BootOnly {
			mode = "boot-only"
		}
		size := "-"
		if b.Size > 0 {
			size = FormatBytes(b.Size)
		}
		rows = append(rows, []string{b.RunID, b.Label, mode, size, b.StartedAt, b.Duration, b.Error})
		statuses = append(statuses, b.Status)
	}
	return renderRows(DefaultStyles(), "Build History", columns, rows, statuses, "No builds recorded", "builds")
}

// PartitionRow is one partition for table display.
type PartitionRow struct {
	Device     string
	Label      string
	Filesystem string
	Size       int64
	// UsedSpace is -1 when it could not be measured.
	UsedSpace int64
	Role      string
	Mounted   string
}

// RenderPartitionsTable renders the partition inventory.
func RenderPartitionsTable(parts []PartitionRow) string {
	columns := []Column{
		{Title: "", Width: 2},
		{Title: "DEVICE", Width: 10},
		{Title: "LABEL", Width: 14},
		{Title: "FS", Width: 8},
		{Title: "SIZE", Width: 10},
		{Title: "USED", Width: 10},
		{Title: "ROLE", Width: 20},
		{Title: "MOUNTED AT", Width: 30},
	}
	rows := make([][]string, 0, len(parts))
	statuses := make([]string, 0, len(parts))
	for _, p := range parts {
		used := "?"
		if p.UsedSpace >= 0 {
			used = FormatBytes(p.UsedSpace)
		}
		rows = append(rows, []string{p.Device, p.Label, p.Filesystem, FormatBytes(p.Size), used, p.Role, p.Mounted})
		status := "pending"
		if p.Mounted != "" {
			status = "active"
		}
		statuses = append(statuses, status)
	}
	return renderRows(DefaultStyles(), "Partitions", columns, rows, statuses, "No partitions found", "partitions")
}
