package progress

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rust4c/c2rust-agent-sub001/internal/model"
)

const maxRecentEvents = 8

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Dashboard is a live terminal view of a running batch. Events are forwarded
// to a bubbletea program, which owns all view state.
type Dashboard struct {
	program *tea.Program
	done    chan struct{}
	once    sync.Once
	err     error
}

type DashboardOptions struct {
	Title       string
	Total       int
	Concurrency int
	Output      io.Writer
}

func NewDashboard(opts DashboardOptions) *Dashboard {
	m := newDashboardModel(opts)
	teaOpts := []tea.ProgramOption{tea.WithInput(nil), tea.WithoutSignalHandler()}
	if opts.Output != nil {
		teaOpts = append(teaOpts, tea.WithOutput(opts.Output))
	}
	return &Dashboard{
		program: tea.NewProgram(m, teaOpts...),
		done:    make(chan struct{}),
	}
}

func (d *Dashboard) Start() {
	go func() {
		defer close(d.done)
		_, d.err = d.program.Run()
	}()
}

func (d *Dashboard) Handle(ev model.Event) {
	d.program.Send(eventMsg(ev))
}

// Stop renders the final frame and waits for the program to exit.
func (d *Dashboard) Stop() error {
	d.once.Do(func() {
		d.program.Send(finishMsg{})
		<-d.done
	})
	return d.err
}

type eventMsg model.Event

type finishMsg struct{}

type activeUnit struct {
	id          string
	attempt     int
	maxAttempts int
	stage       string
	since       time.Time
}

type dashboardModel struct {
	title       string
	total       int
	concurrency int

	spinner spinner.Model
	bar     progress.Model

	active    map[string]*activeUnit
	recent    []string
	succeeded int
	failed    int
	retries   int
	started   time.Time
	finished  bool
	width     int
}

func newDashboardModel(opts DashboardOptions) dashboardModel {
	title := opts.Title
	if strings.TrimSpace(title) == "" {
		title = "c2rust-agent"
	}
	return dashboardModel{
		title:       title,
		total:       opts.Total,
		concurrency: opts.Concurrency,
		spinner:     spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(mutedStyle)),
		bar:         progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		active:      make(map[string]*activeUnit),
		recent:      make([]string, 0, maxRecentEvents),
		started:     time.Now(),
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case eventMsg:
		m.apply(model.Event(msg))
		return m, nil
	case finishMsg:
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *dashboardModel) apply(ev model.Event) {
	switch ev.Kind {
	case model.EventStarted:
		u, ok := m.active[ev.UnitID]
		if !ok {
			u = &activeUnit{id: ev.UnitID}
			m.active[ev.UnitID] = u
		}
		u.attempt = ev.Attempt
		u.maxAttempts = ev.MaxAttempts
		u.stage = "starting"
		u.since = ev.At
	case model.EventStage:
		if u, ok := m.active[ev.UnitID]; ok {
			u.stage = ev.Stage
		}
	case model.EventRetrying:
		m.retries++
		if u, ok := m.active[ev.UnitID]; ok {
			u.stage = "backoff"
		}
		m.pushRecent(fmt.Sprintf("%s %s attempt %d/%d: %s", warnStyle.Render("retry"), ev.UnitID, ev.Attempt, ev.MaxAttempts, oneLine(ev.Reason)))
	case model.EventSucceeded:
		delete(m.active, ev.UnitID)
		m.succeeded++
		m.pushRecent(fmt.Sprintf("%s  %s (attempt %d/%d)", okStyle.Render("done"), ev.UnitID, ev.Attempt, ev.MaxAttempts))
	case model.EventFailed:
		delete(m.active, ev.UnitID)
		m.failed++
		m.pushRecent(fmt.Sprintf("%s  %s: %s", errorStyle.Render("fail"), ev.UnitID, oneLine(ev.Reason)))
	}
}

func (m *dashboardModel) pushRecent(line string) {
	m.recent = append([]string{line}, m.recent...)
	if len(m.recent) > maxRecentEvents {
		m.recent = m.recent[:maxRecentEvents]
	}
}

func (m dashboardModel) percent() float64 {
	if m.total <= 0 {
		return 1
	}
	return float64(m.succeeded+m.failed) / float64(m.total)
}

func (m dashboardModel) View() string {
	var b strings.Builder
	header := fmt.Sprintf("%s | active %d/%d | done %d/%d | ok %d | failed %d | retries %d | %s",
		titleStyle.Render(m.title), len(m.active), m.concurrency, m.succeeded+m.failed, m.total,
		m.succeeded, m.failed, m.retries, time.Since(m.started).Round(time.Second))
	b.WriteString(header + "\n")
	b.WriteString(m.bar.ViewAs(m.percent()) + "\n")

	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rows strings.Builder
	if len(ids) == 0 {
		rows.WriteString(mutedStyle.Render("(no active units)"))
	}
	for i, id := range ids {
		u := m.active[id]
		if i > 0 {
			rows.WriteString("\n")
		}
		spin := m.spinner.View()
		if m.finished {
			spin = " "
		}
		rows.WriteString(fmt.Sprintf("%s %s  attempt %d/%d  %s", spin, u.id, u.attempt, u.maxAttempts, mutedStyle.Render(u.stage)))
	}
	b.WriteString(panelStyle.Render(rows.String()) + "\n")

	for _, e := range m.recent {
		b.WriteString(e + "\n")
	}
	return b.String()
}
