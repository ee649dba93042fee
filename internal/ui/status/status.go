// Package status renders the pipeline state: sessions, tasks, workers,
// and recent progress. It backs `aio status` in three shapes: a one-shot
// plain render, a task detail page, and a live follow view that
// refreshes when another process writes the store.
package status

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// keyMap defines the follow view's key bindings.
type keyMap struct {
	Refresh key.Binding
	Quit    key.Binding
}

var followKeys = keyMap{
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// snapshotMsg carries the result of a store read.
type snapshotMsg struct {
	snap Snapshot
	err  error
}

// storeChangedMsg reports that the watcher saw the store file change.
type storeChangedMsg struct{}

// Model is the live follow view. It holds the latest snapshot and
// re-reads the store whenever the watcher fires or the user asks.
type Model struct {
	reader  Reader
	changes <-chan struct{}

	table table.Model
	spin  spinner.Model

	snap    Snapshot
	loaded  bool
	loadErr error

	width  int
	height int
}

// New creates the follow model. changes delivers watcher wake-ups; a nil
// channel disables live refresh, leaving only manual ones.
func New(r Reader, changes <-chan struct{}) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	tbl := table.New(
		table.WithColumns(taskColumns(defaultWidth)),
		table.WithFocused(true),
		table.WithHeight(tableHeight(0)),
	)
	st := table.DefaultStyles()
	st.Header = tableHeaderStyle
	st.Selected = tableSelectedStyle
	tbl.SetStyles(st)

	return Model{
		reader:  r,
		changes: changes,
		table:   tbl,
		spin:    sp,
		width:   defaultWidth,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, refreshCmd(m.reader), waitForChange(m.changes))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, followKeys.Quit):
			return m, tea.Quit
		case key.Matches(msg, followKeys.Refresh):
			return m, refreshCmd(m.reader)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(taskColumns(m.width))
		m.table.SetWidth(m.width)
		return m, nil

	case snapshotMsg:
		m.loadErr = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.loaded = true
			m.table.SetRows(taskRows(m.snap.Tasks, m.width))
			m.table.SetHeight(tableHeight(len(m.snap.Tasks)))
		}
		return m, nil

	case storeChangedMsg:
		return m, tea.Batch(refreshCmd(m.reader), waitForChange(m.changes))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.loaded {
		if m.loadErr != nil {
			return errStyle.Render("read failed: "+m.loadErr.Error()) + "\n"
		}
		return m.spin.View() + " loading…\n"
	}

	sections := []string{
		renderHeader(m.snap, m.spin.View(), m.width),
		renderSessions(m.snap.Sessions),
		m.table.View(),
		renderWorkers(m.snap.Workers, m.snap.TakenAt),
		renderProgress(m.snap.Progress, m.width),
		renderFooter(m.loadErr),
	}
	out := ""
	for _, s := range sections {
		if s == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += s
	}
	return out + "\n"
}

// Snapshot returns the model's current snapshot, for tests and callers
// embedding the view.
func (m Model) Snapshot() Snapshot {
	return m.snap
}

func refreshCmd(r Reader) tea.Cmd {
	return func() tea.Msg {
		snap, err := Take(r)
		return snapshotMsg{snap: snap, err: err}
	}
}

// waitForChange blocks on the watcher channel and converts one wake-up
// into a message. Re-armed after every delivery; a closed or nil channel
// ends the live refresh quietly.
func waitForChange(ch <-chan struct{}) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return storeChangedMsg{}
	}
}

// tableHeight sizes the task table: header plus rows, capped so a long
// backlog does not push the activity feed off screen.
func tableHeight(rows int) int {
	const maxRows = 10
	if rows > maxRows {
		rows = maxRows
	}
	if rows == 0 {
		rows = 1
	}
	return rows + 1
}

var spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
