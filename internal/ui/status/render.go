package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/zjrosen/aio/internal/store"
)

// defaultWidth is used until the terminal reports its size.
const defaultWidth = 100

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("249"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("249")).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(lipgloss.Color("240"))

	tableSelectedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("229")).
				Background(lipgloss.Color("57"))

	statusStyles = map[store.TaskStatus]lipgloss.Style{
		store.TaskPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		store.TaskInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		store.TaskReview:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		store.TaskCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		store.TaskFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// short trims a UUID to the 8-char prefix agents and branches use.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// prShort compresses a GitHub PR URL to "#N" for the table cell.
func prShort(url string) string {
	if url == "" {
		return ""
	}
	if i := strings.LastIndex(url, "/pull/"); i >= 0 {
		return "#" + url[i+len("/pull/"):]
	}
	return url
}

// ago formats how long past t is, coarsely.
func ago(t time.Time, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

// taskColumns lays out the task table for the given terminal width. The
// description absorbs whatever the fixed columns leave over.
func taskColumns(width int) []table.Column {
	fixed := []table.Column{
		{Title: "ID", Width: 8},
		{Title: "STATUS", Width: 11},
		{Title: "WORKER", Width: 10},
		{Title: "BRANCH", Width: 18},
		{Title: "PR", Width: 6},
	}
	used := 0
	for _, c := range fixed {
		used += c.Width + 2
	}
	desc := width - used - 2
	if desc < 16 {
		desc = 16
	}
	return append(fixed, table.Column{Title: "DESCRIPTION", Width: desc})
}

// taskRows converts tasks into table rows, newest last to match the
// store's creation order.
func taskRows(tasks []store.Task, width int) []table.Row {
	cols := taskColumns(width)
	descWidth := cols[len(cols)-1].Width
	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		desc := strings.ReplaceAll(t.Description, "\n", " ")
		rows = append(rows, table.Row{
			short(t.ID),
			string(t.Status),
			t.WorkerID,
			truncate.StringWithTail(t.BranchName, 18, "…"),
			prShort(t.PRURL),
			truncate.StringWithTail(desc, uint(descWidth), "…"),
		})
	}
	return rows
}

// renderHeader is the top line: title, spinner, task counts, store path.
func renderHeader(snap Snapshot, spin string, width int) string {
	counts := snap.Counts()
	parts := make([]string, 0, 5)
	for _, st := range []store.TaskStatus{
		store.TaskPending, store.TaskInProgress, store.TaskReview,
		store.TaskCompleted, store.TaskFailed,
	} {
		if n := counts[st]; n > 0 {
			parts = append(parts, statusStyles[st].Render(fmt.Sprintf("%d %s", n, st)))
		}
	}
	summary := "no tasks yet"
	if len(parts) > 0 {
		summary = strings.Join(parts, mutedStyle.Render(" · "))
	}

	line := fmt.Sprintf("%s %s  %s", spin, titleStyle.Render("aio"), summary)
	path := mutedStyle.Render(snap.StorePath)
	if lipgloss.Width(line)+lipgloss.Width(path)+2 <= width {
		gap := width - lipgloss.Width(line) - lipgloss.Width(path)
		return line + strings.Repeat(" ", gap) + path
	}
	return line
}

// renderSessions prints one line per active session.
func renderSessions(sessions []store.Session) string {
	if len(sessions) == 0 {
		return mutedStyle.Render("no active session; run `aio start`")
	}
	var b strings.Builder
	for i, s := range sessions {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s %s  port %d  planner %s  orchestrator %s",
			sectionStyle.Render("session"), short(s.GUID), s.Port, s.PlannerPane, s.OrchestratorPane)
	}
	return b.String()
}

// renderWorkers prints the live agents with their heartbeat age.
func renderWorkers(workers []store.Worker, now time.Time) string {
	if len(workers) == 0 {
		return mutedStyle.Render("no agents running")
	}
	var b strings.Builder
	b.WriteString(sectionStyle.Render("agents"))
	for _, w := range workers {
		role := "worker"
		detail := "task " + short(w.TaskID)
		if w.TaskID == "" {
			role = "reviewer"
			detail = "on demand"
		}
		fmt.Fprintf(&b, "\n  %s  %s  %s  pane %s  heartbeat %s ago",
			padRight(w.ID, 12), role, padRight(detail, 14), w.PaneHandle,
			ago(w.LastHeartbeat, now))
	}
	return b.String()
}

// renderProgress prints the recent activity feed, wrapped to the width.
func renderProgress(entries []store.ProgressEntry, width int) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(sectionStyle.Render("recent activity"))
	for _, p := range entries {
		line := fmt.Sprintf("%s  %s  [%s] %s",
			p.CreatedAt.Format("15:04:05"), p.WorkerID, p.Status, p.Message)
		wrapped := wordwrap.String(line, width-2)
		for _, l := range strings.Split(wrapped, "\n") {
			b.WriteString("\n  " + mutedStyle.Render(l))
		}
	}
	return b.String()
}

// renderFooter shows key hints and any read error.
func renderFooter(err error) string {
	hints := mutedStyle.Render("r refresh · q quit")
	if err != nil {
		return errStyle.Render("read failed: "+err.Error()) + "\n" + hints
	}
	return hints
}

// padRight pads s with spaces to the display width w, measuring wide
// runes correctly.
func padRight(s string, w int) string {
	gap := w - runewidth.StringWidth(s)
	if gap <= 0 {
		return s
	}
	return s + strings.Repeat(" ", gap)
}

// RenderPlain is the one-shot, non-interactive `aio status` output. It
// reuses the follow view's sections without the spinner or key hints.
func RenderPlain(snap Snapshot, width int) string {
	if width <= 0 {
		width = defaultWidth
	}

	var b strings.Builder
	b.WriteString(renderHeader(snap, " ", width))
	b.WriteString("\n")
	b.WriteString(renderSessions(snap.Sessions))
	b.WriteString("\n\n")

	if len(snap.Tasks) == 0 {
		b.WriteString(mutedStyle.Render("no tasks"))
	} else {
		cols := taskColumns(width)
		header := make([]string, len(cols))
		for i, c := range cols {
			header[i] = padRight(c.Title, c.Width)
		}
		b.WriteString(sectionStyle.Render(strings.Join(header, "  ")))
		for _, row := range taskRows(snap.Tasks, width) {
			cells := make([]string, len(row))
			for i, cell := range row {
				style, ok := statusStyles[store.TaskStatus(cell)]
				if i == 1 && ok {
					cells[i] = style.Render(padRight(cell, cols[i].Width))
					continue
				}
				cells[i] = padRight(cell, cols[i].Width)
			}
			b.WriteString("\n" + strings.Join(cells, "  "))
		}
	}
	b.WriteString("\n\n")
	b.WriteString(renderWorkers(snap.Workers, snap.TakenAt))
	if feed := renderProgress(snap.Progress, width); feed != "" {
		b.WriteString("\n\n" + feed)
	}
	b.WriteString("\n")
	return b.String()
}
