// Package tui renders live progress of a download batch in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mohaanymo/m3u8dl"
)

// Messages
type (
	tickMsg time.Time
	// DoneMsg tells the model every task is finished.
	DoneMsg struct{ Err error }
)

// Model is the batch progress view.
type Model struct {
	batch *m3u8dl.Batch
	title string

	width        int
	height       int
	frame        int
	cursor       int
	scrollOffset int
	startTime    time.Time

	done        bool
	interrupted bool
	err         error
}

// NewModel creates a view over batch.
func NewModel(batch *m3u8dl.Batch, title string) *Model {
	return &Model{
		batch:     batch,
		title:     title,
		width:     80,
		height:    24,
		startTime: time.Now(),
	}
}

// Interrupted reports whether the user quit before every task finished.
func (m *Model) Interrupted() bool { return m.interrupted }

func (m *Model) Init() tea.Cmd {
	return tick()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.interrupted = !m.done
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
				m.adjustScroll()
			}
		case "down", "j":
			if m.cursor < len(m.batch.Tasks())-1 {
				m.cursor++
				m.adjustScroll()
			}
		case "c":
			if tasks := m.batch.Tasks(); m.cursor < len(tasks) {
				_ = m.batch.Cancel(tasks[m.cursor].ID())
			}
		case "r":
			if tasks := m.batch.Tasks(); m.cursor < len(tasks) {
				_ = m.batch.Remove(tasks[m.cursor].ID())
				if m.cursor >= len(m.batch.Tasks()) && m.cursor > 0 {
					m.cursor--
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.frame++
		return m, tick()

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) visibleRows() int {
	return max(m.height-15, 5)
}

func (m *Model) adjustScroll() {
	rows := m.visibleRows()
	if m.cursor < m.scrollOffset {
		m.scrollOffset = m.cursor
	}
	if m.cursor >= m.scrollOffset+rows {
		m.scrollOffset = m.cursor - rows + 1
	}
}

func (m *Model) View() string {
	w := clamp(m.width-4, 60, 100)

	var b strings.Builder
	b.WriteString(m.viewHeader(w))
	b.WriteString("\n\n")
	b.WriteString(m.viewTasks(w))

	return b.String()
}

func (m *Model) viewHeader(w int) string {
	title := titleStyle.Render("⚡ m3u8dl")
	subtitle := dimStyle.Render(" - " + m.title)

	stats := m.batch.Stats()

	var downloaded int64
	for _, t := range m.batch.Tasks() {
		downloaded += t.Info().Progress.DownloadedBytes
	}

	elapsed := time.Since(m.startTime)
	speed := 0.0
	if elapsed > 0 {
		speed = float64(downloaded) / elapsed.Seconds()
	}

	line1 := title + subtitle
	line2 := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		statLabelStyle.Render("active:"),
		statValueStyle.Render(fmt.Sprintf("%d", stats.Active)),
		statLabelStyle.Render("pending:"),
		normalStyle.Render(fmt.Sprintf("%d", stats.Pending)),
		statLabelStyle.Render("done:"),
		successStyle.Render(fmt.Sprintf("%d", stats.Completed)),
		statLabelStyle.Render("failed:"),
		errorStyle.Render(fmt.Sprintf("%d", stats.Failed+stats.Canceled)),
	)
	line3 := fmt.Sprintf("%s %s  %s %s  %s %s",
		labelStyle.Render("downloaded:"),
		valueStyle.Render(formatBytes(downloaded)),
		labelStyle.Render("speed:"),
		valueStyle.Render(formatBytes(int64(speed))+"/s"),
		labelStyle.Render("elapsed:"),
		valueStyle.Render(formatDuration(elapsed)),
	)

	return headerStyle.Width(w).Render(line1 + "\n" + line2 + "\n" + line3)
}

func (m *Model) viewTasks(w int) string {
	var b strings.Builder

	b.WriteString(subtitleStyle.Render("Downloads"))
	b.WriteString("\n\n")

	tasks := m.batch.Tasks()
	rows := m.visibleRows()

	if len(tasks) == 0 {
		b.WriteString(dimStyle.Render("  No downloads queued"))
		b.WriteString("\n")
	} else {
		for i := m.scrollOffset; i < len(tasks) && i < m.scrollOffset+rows; i++ {
			b.WriteString(m.renderTask(tasks[i], i == m.cursor))
			b.WriteString("\n")
		}
		if len(tasks) > rows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("\n  %d/%d tasks", min(m.scrollOffset+rows, len(tasks)), len(tasks))))
		}
	}

	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(
		keyHelpStyle.Render("↑/↓") + " navigate  " +
			keyHelpStyle.Render("c") + " cancel  " +
			keyHelpStyle.Render("r") + " remove  " +
			keyHelpStyle.Render("q") + " quit",
	))

	return contentStyle.Width(w).Render(b.String())
}

func (m *Model) renderTask(task *m3u8dl.Task, isCursor bool) string {
	info := task.Info()

	var b strings.Builder

	if isCursor {
		b.WriteString(selectedStyle.Render("▸ "))
	} else {
		b.WriteString("  ")
	}

	switch info.State {
	case m3u8dl.TaskPending:
		b.WriteString(dimStyle.Render("◯ "))
	case m3u8dl.TaskDownloading:
		b.WriteString(spinnerStyle.Render(spinner[m.frame%len(spinner)] + " "))
	case m3u8dl.TaskMerging:
		b.WriteString(warningStyle.Render("⚙ "))
	case m3u8dl.TaskCompleted:
		b.WriteString(successStyle.Render("✓ "))
	case m3u8dl.TaskFailed:
		b.WriteString(errorStyle.Render("✗ "))
	case m3u8dl.TaskCanceled:
		b.WriteString(dimStyle.Render("⊘ "))
	}

	b.WriteString(kindBadge(task.Job().Kind.String()))
	b.WriteString(" ")

	name := truncate(info.FileName, 25)
	if isCursor {
		b.WriteString(selectedStyle.Render(fmt.Sprintf("%-25s", name)))
	} else {
		b.WriteString(normalStyle.Render(fmt.Sprintf("%-25s", name)))
	}
	b.WriteString(" ")

	p := info.Progress
	switch info.State {
	case m3u8dl.TaskPending:
		b.WriteString(dimStyle.Render("waiting..."))
	case m3u8dl.TaskDownloading:
		b.WriteString(renderBar(p.CompletedSegments, int64(p.TotalSegments), 20))
		b.WriteString(" ")
		percent := p.Percent
		if percent == "" {
			percent = "0.00%"
		}
		b.WriteString(statValueStyle.Render(fmt.Sprintf("%7s", percent)))
		if p.ETA >= 0 {
			b.WriteString(dimStyle.Render(" ETA: " + formatDuration(p.ETA)))
		}
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %d/%d segs", p.CompletedSegments, p.TotalSegments)))
		if p.FailedSegments > 0 {
			b.WriteString(errorStyle.Render(fmt.Sprintf(" %d failed", p.FailedSegments)))
		}
	case m3u8dl.TaskMerging:
		b.WriteString(warningStyle.Render("merging segments..."))
	case m3u8dl.TaskCompleted:
		b.WriteString(successStyle.Render("completed"))
		b.WriteString(dimStyle.Render(fmt.Sprintf(" in %s, %s", formatDuration(info.CompletedAt.Sub(info.StartedAt)), formatBytes(p.DownloadedBytes))))
	case m3u8dl.TaskFailed:
		msg := "unknown error"
		if info.Err != nil {
			msg = truncate(info.Err.Error(), 40)
		}
		b.WriteString(errorStyle.Render(msg))
	case m3u8dl.TaskCanceled:
		b.WriteString(dimStyle.Render("canceled"))
	}

	return b.String()
}

func (m *Model) renderStatus() string {
	switch {
	case m.done && m.err != nil:
		return errorStyle.Render(fmt.Sprintf("✗ finished with errors: %s", truncate(m.err.Error(), 60)))
	case m.done:
		return successStyle.Render("✓ all downloads complete!")
	default:
		return spinnerStyle.Render(spinner[m.frame%len(spinner)]) + dimStyle.Render(" downloading...")
	}
}

func renderBar(done, total int64, width int) string {
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total)
	}
	filled := clamp(int(pct*float64(width)), 0, width)

	return progressActive.Render(strings.Repeat("█", filled)) +
		progressWait.Render(strings.Repeat("░", width-filled))
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Helpers

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
