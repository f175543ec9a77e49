// Package tui renders the live machine monitor.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/motionhost/internal/api"
	"github.com/mattjoyce/motionhost/internal/events"
	"github.com/mattjoyce/motionhost/internal/job"
	"github.com/mattjoyce/motionhost/internal/pipeline"
)

const (
	maxEventLog     = 50
	refreshInterval = 2 * time.Second
	requestTimeout  = 2 * time.Second
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// Model is the bubbletea model of the monitor.
type Model struct {
	client *api.Client
	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	job      job.Status
	health   api.HealthzResponse
	channels []pipeline.ChannelState
	eventLog []events.Event
	stream   chan events.Event
	lastErr  error

	channelTable table.Model
	viewport     viewport.Model
}

type eventMsg events.Event
type jobMsg job.Status
type healthMsg api.HealthzResponse
type diagMsg []pipeline.ChannelState
type refreshMsg struct{}
type streamClosedMsg struct{ err error }
type resubscribeMsg struct{}
type errMsg struct{ err error }

// NewMonitor builds a monitor for the server behind client.
func NewMonitor(client *api.Client) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Channel", Width: 10},
			{Title: "Busy stages", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		client:       client,
		ctx:          ctx,
		cancel:       cancel,
		stream:       make(chan events.Event, 100),
		channelTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribe(),
		m.receiveNextEvent(),
		m.refresh(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "p":
			return m, m.jobAction("pause")
		case "r":
			return m, m.jobAction("resume")
		case "c":
			return m, m.jobAction("cancel")
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.channelTable.SetWidth(m.width - 6)
		m.viewport.Width = m.width - 6
		m.viewport.Height = m.height / 3

	case eventMsg:
		ev := events.Event(msg)
		m.pushEvent(ev)
		cmds := []tea.Cmd{m.receiveNextEvent()}
		if strings.HasPrefix(ev.Type, "job.") {
			cmds = append(cmds, m.fetchJob())
		}
		return m, tea.Batch(cmds...)

	case jobMsg:
		m.job = job.Status(msg)
		m.lastErr = nil

	case healthMsg:
		m.health = api.HealthzResponse(msg)

	case diagMsg:
		m.channels = msg
		m.updateTable()

	case refreshMsg:
		return m, m.refresh()

	case streamClosedMsg:
		m.lastErr = msg.err
		if m.ctx.Err() == nil {
			return m, tea.Tick(refreshInterval, func(time.Time) tea.Msg { return resubscribeMsg{} })
		}
		return m, nil

	case resubscribeMsg:
		return m, m.subscribe()

	case errMsg:
		m.lastErr = msg.err
	}

	m.channelTable, cmd = m.channelTable.Update(msg)
	return m, cmd
}

func (m *Model) pushEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.channels))
	for _, ch := range m.channels {
		sym := statusIdle.Render("○")
		var busy []string
		if !ch.Idle {
			sym = statusRunning.Render("◉")
			for _, st := range ch.Stages {
				if n := pendingCodes(st); n > 0 {
					busy = append(busy, fmt.Sprintf("%s(%d)", st.Stage, n))
				}
			}
		}
		rows = append(rows, table.Row{sym, ch.Channel, strings.Join(busy, " ")})
	}
	m.channelTable.SetRows(rows)
}

// pendingCodes counts queued and executing codes over all frames of st.
func pendingCodes(st pipeline.StageState) int {
	n := 0
	for _, f := range st.Frames {
		n += f.Pending
		if f.Busy {
			n++
		}
	}
	return n
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	channels := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Channels"),
			m.channelTable.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)
	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [p] Pause • [r] Resume • [c] Cancel • [↑/↓] Scroll")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderHeader(),
			m.renderJob(),
			channels,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("CONNECTED")
	if m.lastErr != nil {
		status = statusFailed.Render("DISCONNECTED")
	}
	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Server: %s", status),
		fmt.Sprintf("Uptime: %s", uptime),
		fmt.Sprintf("Job: %s", jobState(m.job)),
	}
	col := lipgloss.NewStyle().Width((m.width - 4) / len(items))
	cells := make([]string, len(items))
	for i, it := range items {
		cells[i] = col.Render(it)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderJob() string {
	lines := []string{titleStyle.Render("Job")}
	if m.job.File == "" {
		lines = append(lines, "  No file selected")
		if last := m.job.LastFile; last.Name != "" {
			lines = append(lines, fmt.Sprintf("  Last: %s (%s)", last.Name, lastOutcome(last)))
		}
	} else {
		lines = append(lines, fmt.Sprintf("  %s  %s", m.job.File, progressBar(m.job.Position, m.job.Length, 30)))
		if info := m.job.Info; info != nil {
			lines = append(lines, fmt.Sprintf("  %s, modified %s", humanize.Bytes(uint64(info.Size)), humanize.Time(info.LastModified)))
			if info.PrintTime > 0 {
				lines = append(lines, fmt.Sprintf("  Estimated %s", time.Duration(info.PrintTime)*time.Second))
			}
		}
		if m.job.Paused {
			at := "-"
			if m.job.PausePosition != nil {
				at = humanize.Comma(*m.job.PausePosition)
			}
			lines = append(lines, fmt.Sprintf("  Paused (%s) at byte %s", m.job.PauseReason, at))
		}
	}
	if m.lastErr != nil {
		lines = append(lines, statusFailed.Render("  "+m.lastErr.Error()))
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-15s | %s", e.At.Format("15:04:05"), e.Type, summarize(e)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func jobState(st job.Status) string {
	switch {
	case st.File == "":
		return statusIdle.Render("idle")
	case st.Paused:
		return statusRunning.Render("paused")
	case st.Processing && st.Simulating:
		return statusRunning.Render("simulating")
	case st.Processing:
		return statusOK.Render("printing")
	default:
		return statusIdle.Render("selected")
	}
}

func lastOutcome(l job.LastFile) string {
	switch {
	case l.Aborted:
		return "aborted"
	case l.Cancelled:
		return "cancelled"
	default:
		return "completed"
	}
}

// progressBar renders pos/length as a fixed width bar with a percentage.
func progressBar(pos, length int64, width int) string {
	if length <= 0 {
		return strings.Repeat("░", width) + "   0%"
	}
	pos = min(max(pos, 0), length)
	filled := int(int64(width) * pos / length)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled) +
		fmt.Sprintf(" %3d%%", pos*100/length)
}

// summarize picks the most telling field of an event payload.
func summarize(e events.Event) string {
	var data map[string]any
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return string(e.Data)
	}
	for _, k := range []string{"content", "code", "file", "reason", "outcome", "error"} {
		if v, ok := data[k]; ok && v != "" {
			return fmt.Sprint(v)
		}
	}
	return string(e.Data)
}

// --- Commands ---

func (m Model) subscribe() tea.Cmd {
	return func() tea.Msg {
		err := m.client.Events(m.ctx, nil, func(ev events.Event) error {
			select {
			case m.stream <- ev:
				return nil
			case <-m.ctx.Done():
				return m.ctx.Err()
			}
		})
		return streamClosedMsg{err: err}
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.stream:
			return eventMsg(ev)
		case <-m.ctx.Done():
			return nil
		}
	}
}

// refresh fetches everything once and schedules the next refresh.
func (m Model) refresh() tea.Cmd {
	return tea.Batch(
		m.fetchJob(),
		m.fetchHealth(),
		m.fetchDiagnostics(),
		tea.Tick(refreshInterval, func(time.Time) tea.Msg { return refreshMsg{} }),
	)
}

func (m Model) fetchJob() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		st, err := m.client.Job(ctx)
		if err != nil {
			return errMsg{err}
		}
		return jobMsg(st)
	}
}

func (m Model) fetchHealth() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		h, err := m.client.Health(ctx)
		if err != nil {
			return errMsg{err}
		}
		return healthMsg(h)
	}
}

func (m Model) fetchDiagnostics() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		d, err := m.client.Diagnostics(ctx)
		if err != nil {
			return errMsg{err}
		}
		return diagMsg(d.Channels)
	}
}

func (m Model) jobAction(action string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		var (
			st  job.Status
			err error
		)
		if action == "pause" {
			st, err = m.client.Pause(ctx, api.PauseRequest{})
		} else {
			st, err = m.client.Action(ctx, action)
		}
		if err != nil {
			return errMsg{err}
		}
		return jobMsg(st)
	}
}
