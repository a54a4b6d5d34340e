// Package tui shows the progress of ISO rebuilds and renders the tables of
// the dlcopy-iso commands.
//
// Two progress front ends implement Reporter: ProgressModel, a Bubble Tea
// view driven through TeaReporter, and CLIProgress, which prints lines.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	ColorPrimary    = lipgloss.Color("#2E7D32")
	ColorSecondary  = lipgloss.Color("#6C757D")
	ColorSuccess    = lipgloss.Color("#28A745")
	ColorWarning    = lipgloss.Color("#FFC107")
	ColorError      = lipgloss.Color("#DC3545")
	ColorInfo       = lipgloss.Color("#17A2B8")
	ColorMuted      = lipgloss.Color("#6C757D")
	ColorForeground = lipgloss.Color("#CDD6F4")
)

// Status symbols
const (
	SymbolSuccess    = "✓"
	SymbolError      = "✗"
	SymbolWarning    = "⚠"
	SymbolInProgress = "⟳"
	SymbolPending    = "○"
	SymbolBullet     = "•"
)

// Styles groups the lipgloss styles of all views.
type Styles struct {
	Title lipgloss.Style

	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style

	TableHeader lipgloss.Style
	TableRow    lipgloss.Style

	Help lipgloss.Style
}

// DefaultStyles returns the colored styles.
func DefaultStyles() *Styles {
	return &Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			MarginBottom(1),
		Success: lipgloss.NewStyle().Foreground(ColorSuccess),
		Error:   lipgloss.NewStyle().Foreground(ColorError),
		Warning: lipgloss.NewStyle().Foreground(ColorWarning),
		Info:    lipgloss.NewStyle().Foreground(ColorInfo),
		Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
		TableHeader: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(ColorSecondary),
		TableRow: lipgloss.NewStyle().Foreground(ColorForeground),
		Help:     lipgloss.NewStyle().Foreground(ColorMuted),
	}
}

// StatusIcon returns the styled icon of a build or resource status.
func (s *Styles) StatusIcon(status string) string {
	switch status {
	case "succeeded", "done", "active", "released":
		return s.Success.Render(SymbolSuccess)
	case "failed", "error":
		return s.Error.Render(SymbolError)
	case "abandoned", "warning":
		return s.Warning.Render(SymbolWarning)
	case "running":
		return s.Info.Render(SymbolInProgress)
	case "pending":
		return s.Muted.Render(SymbolPending)
	default:
		return s.Muted.Render(SymbolBullet)
	}
}

// FormatBytes formats bytes with binary units.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats d for humans.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
