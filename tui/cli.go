package tui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/lernstick/dlcopy"
)

// CLIProgress prints progress as plain lines, for terminals without a full
// screen UI and for logs.
type CLIProgress struct {
	mu sync.Mutex
	w  io.Writer

	quiet bool
	// inline redraws percentage lines with \r instead of printing new ones.
	inline bool

	styles      *Styles
	lastMessage string
	lastPercent int
	startTime   time.Time
}

// NewCLIProgress creates a line printer writing to stdout. Quiet printers
// only report the result.
func NewCLIProgress(quiet, noColor bool) *CLIProgress {
	p := &CLIProgress{
		w:           os.Stdout,
		quiet:       quiet,
		inline:      !noColor,
		styles:      DefaultStyles(),
		lastPercent: -1,
		startTime:   time.Now(),
	}
	if noColor {
		p.styles = &Styles{
			Title:   lipgloss.NewStyle(),
			Success: lipgloss.NewStyle(),
			Error:   lipgloss.NewStyle(),
			Warning: lipgloss.NewStyle(),
			Info:    lipgloss.NewStyle(),
			Muted:   lipgloss.NewStyle(),
		}
	}
	return p
}

// SetWriter sets the output writer.
func (p *CLIProgress) SetWriter(w io.Writer) {
	p.w = w
}

// ShowProgressMessage implements Reporter.
func (p *CLIProgress) ShowProgressMessage(stage dlcopy.Stage, text string) {
	if p.quiet || text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endInline()
	if text == p.lastMessage {
		return
	}
	p.lastMessage = text
	p.lastPercent = -1
	fmt.Fprintf(p.w, "%s %s...\n", p.styles.Info.Render(SymbolInProgress), text)
}

// ShowProgress implements Reporter.
func (p *CLIProgress) ShowProgress(stage dlcopy.Stage, text string, percent int) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent == p.lastPercent && text == p.lastMessage {
		return
	}
	p.lastPercent = percent
	p.lastMessage = text
	line := fmt.Sprintf("  %s %3d%% %s", progressBar(percent, 30), percent, text)
	if p.inline {
		fmt.Fprintf(p.w, "\r\033[K%s", line)
		return
	}
	fmt.Fprintln(p.w, line)
}

// endInline finishes a redrawn percentage line.
func (p *CLIProgress) endInline() {
	if p.inline && p.lastPercent >= 0 {
		fmt.Fprintln(p.w)
		p.lastPercent = -1
	}
}

// PipelineFinished implements Reporter. It prints even in quiet mode.
func (p *CLIProgress) PipelineFinished(result *dlcopy.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endInline()
	if result == nil {
		return
	}
	if !result.Success {
		fmt.Fprintf(p.w, "%s ISO creation failed in %s: %s\n",
			p.styles.Error.Render(SymbolError), result.Stage, result.Error())
		return
	}
	fmt.Fprintf(p.w, "%s ISO created: %s (%s)\n",
		p.styles.Success.Render(SymbolSuccess), result.ISOPath, FormatDuration(result.Duration))
	if result.UploadKey != "" {
		fmt.Fprintf(p.w, "  %s %s\n", p.styles.Muted.Render("Uploaded as"), result.UploadKey)
	}
}

func progressBar(percent, width int) string {
	filled := percent * width / 100
	if filled > width {
		filled = width
	}
	bar := "[" + strings.Repeat("=", filled)
	empty := width - filled
	if filled < width {
		bar += ">"
		empty--
	}
	return bar + strings.Repeat(" ", empty) + "]"
}
