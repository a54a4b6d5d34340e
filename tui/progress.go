package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/lernstick/dlcopy"
)

// ProgressMsg carries one pipeline event into the Bubble Tea loop.
type ProgressMsg dlcopy.ProgressEvent

// FinishedMsg ends the progress view.
type FinishedMsg struct {
	Result *dlcopy.Result
}

// stageNames are the rows of the progress view.
var stageNames = map[dlcopy.Stage]string{
	dlcopy.StageCopyBoot:           "Copy boot files",
	dlcopy.StageMountLayers:        "Mount partitions",
	dlcopy.StageCompressFilesystem: "Compress system",
	dlcopy.StageChecksums:          "Checksums",
	dlcopy.StageCreateImage:        "Create image",
	dlcopy.StageUpload:             "Upload",
}

// rowStage maps a pipeline stage to the row that shows it. Stages without
// their own row are shown on the row before them.
func rowStage(s dlcopy.Stage) dlcopy.Stage {
	switch s {
	case dlcopy.StagePrepare:
		return dlcopy.StageCopyBoot
	case dlcopy.StageDataPartitionMode, dlcopy.StageRelocateBootloader:
		return dlcopy.StageCompressFilesystem
	}
	return s
}

// Rows returns the stages shown for a run.
func Rows(bootOnly, upload bool) []dlcopy.Stage {
	rows := []dlcopy.Stage{dlcopy.StageCopyBoot}
	if !bootOnly {
		rows = append(rows, dlcopy.StageMountLayers, dlcopy.StageCompressFilesystem)
	}
	rows = append(rows, dlcopy.StageChecksums, dlcopy.StageCreateImage)
	if upload {
		rows = append(rows, dlcopy.StageUpload)
	}
	return rows
}

// stageState tracks one row.
type stageState struct {
	Message     string
	Percent     int
	HasPercent  bool
	Started     bool
	Completed   bool
	Failed      bool
	StartedAt   time.Time
	CompletedAt time.Time
}

// ProgressModel is the Bubble Tea model of a running rebuild.
type ProgressModel struct {
	Label string

	rows    []dlcopy.Stage
	states  map[dlcopy.Stage]*stageState
	current int

	bar     progress.Model
	spinner spinner.Model
	styles  *Styles

	startTime time.Time
	width     int
	done      bool
	result    *dlcopy.Result
}

// NewProgressModel creates a model showing rows.
func NewProgressModel(label string, rows []dlcopy.Stage) *ProgressModel {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(ColorInfo)

	states := make(map[dlcopy.Stage]*stageState, len(rows))
	for _, s := range rows {
		states[s] = &stageState{Message: "Pending"}
	}
	return &ProgressModel{
		Label:     label,
		rows:      rows,
		states:    states,
		current:   -1,
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:   spin,
		styles:    DefaultStyles(),
		startTime: time.Now(),
		width:     80,
	}
}

// Init starts the spinner.
func (m *ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages.
func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// A rebuild cannot be interrupted mid-stage; q only leaves the view.
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, msg.Width-40)

	case ProgressMsg:
		m.apply(dlcopy.ProgressEvent(msg))

	case FinishedMsg:
		m.finish(msg.Result)
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *ProgressModel) index(s dlcopy.Stage) int {
	for i, r := range m.rows {
		if r == s {
			return i
		}
	}
	return -1
}

func (m *ProgressModel) apply(ev dlcopy.ProgressEvent) {
	idx := m.index(rowStage(ev.Stage))
	if idx < 0 {
		return
	}
	now := time.Now()
	for i := 0; i < idx; i++ {
		m.complete(m.rows[i], now)
	}
	m.current = idx
	st := m.states[m.rows[idx]]
	if !st.Started {
		st.Started = true
		st.StartedAt = now
	}
	if ev.Message != "" {
		st.Message = ev.Message
	}
	if ev.HasPercent() {
		st.Percent = ev.Percent
		st.HasPercent = true
	}
}

func (m *ProgressModel) complete(s dlcopy.Stage, at time.Time) {
	st := m.states[s]
	if st.Completed {
		return
	}
	if !st.Started {
		st.StartedAt = at
	}
	st.Started = true
	st.Completed = true
	st.CompletedAt = at
}

func (m *ProgressModel) finish(result *dlcopy.Result) {
	m.done = true
	m.result = result
	now := time.Now()
	if result != nil && result.Success {
		for _, s := range m.rows {
			m.complete(s, now)
		}
		return
	}
	failed := m.current
	if result != nil {
		if idx := m.index(rowStage(result.Stage)); idx >= 0 {
			failed = idx
		}
	}
	if failed < 0 {
		return
	}
	for i := 0; i < failed; i++ {
		m.complete(m.rows[i], now)
	}
	st := m.states[m.rows[failed]]
	st.Started = true
	st.Failed = true
	st.Completed = true
	st.CompletedAt = now
}

// View renders the model.
func (m *ProgressModel) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Lernstick ISO") + "\n\n")
	if m.Label != "" {
		b.WriteString(fmt.Sprintf("  %s %s\n\n", m.styles.Muted.Render("Label:"), m.Label))
	}
	for i, s := range m.rows {
		b.WriteString(m.renderRow(i, s))
	}
	b.WriteString(fmt.Sprintf("\n  %s %s\n", m.styles.Muted.Render("Elapsed:"), FormatDuration(time.Since(m.startTime))))

	if m.done && m.result != nil {
		b.WriteString("\n")
		if m.result.Success {
			b.WriteString(m.styles.Success.Render(fmt.Sprintf("  %s Image created", SymbolSuccess)) + "\n")
			b.WriteString(fmt.Sprintf("    Image:      %s\n", m.result.ISOPath))
			if m.result.UploadKey != "" {
				b.WriteString(fmt.Sprintf("    Uploaded:   %s\n", m.result.UploadKey))
			}
			b.WriteString(fmt.Sprintf("    Total Time: %s\n", FormatDuration(m.result.Duration)))
		} else {
			b.WriteString(m.styles.Error.Render(fmt.Sprintf("  %s Error: %s", SymbolError, m.result.Error())) + "\n")
		}
	} else {
		b.WriteString(fmt.Sprintf("\n  %s\n", m.styles.Help.Render("Press q to leave the view")))
	}
	return b.String()
}

func (m *ProgressModel) renderRow(i int, s dlcopy.Stage) string {
	st := m.states[s]
	var icon string
	switch {
	case st.Failed:
		icon = m.styles.Error.Render(SymbolError)
	case st.Completed:
		icon = m.styles.Success.Render(SymbolSuccess)
	case st.Started:
		icon = m.spinner.View()
	default:
		icon = m.styles.Muted.Render(SymbolPending)
	}

	name := fmt.Sprintf("%-18s", stageNames[s])
	switch {
	case st.Failed:
		name = m.styles.Error.Render(name)
	case st.Completed:
		name = m.styles.Success.Render(name)
	case i == m.current:
		name = m.styles.Info.Render(name)
	default:
		name = m.styles.Muted.Render(name)
	}

	line := fmt.Sprintf("  %s %s ", icon, name)
	switch {
	case st.Completed:
		line += m.styles.Muted.Render(fmt.Sprintf("(%s)", FormatDuration(st.CompletedAt.Sub(st.StartedAt))))
	case st.Started && st.HasPercent:
		line += m.bar.ViewAs(float64(st.Percent)/100) + m.styles.Muted.Render(" "+st.Message)
	case st.Started:
		line += m.styles.Muted.Render(st.Message)
	}
	return line + "\n"
}

// Done reports whether the run has finished.
func (m *ProgressModel) Done() bool {
	return m.done
}

// Result returns the terminal result, or nil while running.
func (m *ProgressModel) Result() *dlcopy.Result {
	return m.result
}

// TeaReporter sends pipeline progress into a Bubble Tea program.
type TeaReporter struct {
	Program *tea.Program
}

func (r TeaReporter) ShowProgressMessage(stage dlcopy.Stage, text string) {
	r.Program.Send(ProgressMsg(dlcopy.Message(stage, text)))
}

func (r TeaReporter) ShowProgress(stage dlcopy.Stage, text string, percent int) {
	r.Program.Send(ProgressMsg(dlcopy.Percent(stage, text, percent)))
}

func (r TeaReporter) PipelineFinished(result *dlcopy.Result) {
	r.Program.Send(FinishedMsg{Result: result})
}
