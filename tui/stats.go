package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/justapithecus/telemetry-broker/statsclient"
)

type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// Fetcher is the data source a Model polls. *statsclient.Client satisfies
// this directly.
type Fetcher interface {
	Fetch(ctx context.Context) (statsclient.Snapshot, error)
}

type snapshotMsg struct {
	snap statsclient.Snapshot
	err  error
}

type tickMsg time.Time

// Model is the Bubble Tea model for the broker-stats dashboard.
type Model struct {
	fetcher  Fetcher
	interval time.Duration

	snap      statsclient.Snapshot
	lastErr   error
	updatedAt time.Time
	width     int
	height    int
	quitting  bool
}

// New creates a dashboard Model that polls fetcher every interval.
func New(fetcher Fetcher, interval time.Duration) Model {
	return Model{fetcher: fetcher, interval: interval}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := m.fetcher.Fetch(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case snapshotMsg:
		m.updatedAt = time.Now()
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.lastErr = nil
			m.snap = msg.snap
		}
		return m, nil
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Telemetry Broker — Live Stats"))
	b.WriteString("\n\n")

	if m.lastErr != nil {
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("last poll failed: %s", m.lastErr)))
		b.WriteString("\n\n")
	}

	b.WriteString(m.renderHealth())
	b.WriteString("\n\n")
	b.WriteString(m.renderConnections())
	b.WriteString("\n\n")
	if m.snap.Persistence != nil {
		b.WriteString(m.renderPersistence())
		b.WriteString("\n\n")
	}
	b.WriteString(m.renderBuffers())

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return b.String() + "\n" + help
}

func (m Model) renderHealth() string {
	h := m.snap.Health
	return fmt.Sprintf("%s %s   %s %s",
		LabelStyle.Render("redis:"), healthStyle(h.Redis).Render(orDash(h.Redis)),
		LabelStyle.Render("database:"), healthStyle(h.Database).Render(orDash(h.Database)),
	)
}

func (m Model) renderConnections() string {
	reg := m.snap.Registry
	boxes := []string{
		statBox("Edges", reg.EdgeConnected, highlightColor),
		statBox("Consumers", reg.ConsumerConnected, highlightColor),
		statBox("Edge Total", int(reg.EdgeTotal), mutedColor),
		statBox("Consumer Total", int(reg.ConsumerTotal), mutedColor),
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, boxes...)
}

func (m Model) renderPersistence() string {
	p := m.snap.Persistence
	boxes := []string{
		statBox("Pred Queue", p.PredictionQueueLen, warningColor),
		statBox("Raw Queue", p.RawQueueLen, warningColor),
		statBox("Pred Fails", int(p.PredictionFlushFails), errorColor),
		statBox("Raw Fails", int(p.RawFlushFails), errorColor),
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, boxes...)
}

func (m Model) renderBuffers() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Buffers"))
	b.WriteString("\n")

	users := make([]string, 0, len(m.snap.Buffers))
	for u := range m.snap.Buffers {
		users = append(users, u)
	}
	sort.Strings(users)

	if len(users) == 0 {
		b.WriteString(RowStyle.Render("(no active users)"))
		return b.String()
	}

	for _, u := range users {
		stats := m.snap.Buffers[u]
		row := fmt.Sprintf("%-20s %5d / %-5d (%.0f%% full)", u, stats.Count, stats.Capacity, stats.FillPercent)
		b.WriteString(RowStyle.Render(row))
		b.WriteString("\n")
	}
	return b.String()
}

func statBox(label string, value int, color lipgloss.Color) string {
	box := StatBoxStyle.BorderForeground(color)
	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)
	return box.Render(lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Run starts the dashboard, blocking until the user quits.
func Run(fetcher Fetcher, interval time.Duration) error {
	p := tea.NewProgram(New(fetcher, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
