// Package admin renders a terminal dashboard over the catalog.
package admin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/memory-mesh/internal/store"
	"github.com/xiy/memory-mesh/pkg/types"
)

const refreshEvery = 2 * time.Second

// Catalog is the read side of the store the dashboard polls.
type Catalog interface {
	Stats(ctx context.Context) (store.Stats, error)
	RecentRequestLogs(ctx context.Context, limit int) ([]store.RequestLog, error)
	RecentMemories(ctx context.Context, limit int) ([]store.RecentMemory, error)
}

// Prober reports backend health. It may be nil when no backends are wired.
type Prober interface {
	Stats(ctx context.Context) types.StatsResult
}

type tickMsg time.Time

type snapshot struct {
	stats    store.Stats
	health   map[string]bool
	requests []store.RequestLog
	memories []store.RecentMemory
	err      error
	took     time.Duration
}

type model struct {
	ctx     context.Context
	catalog Catalog
	prober  Prober
	title   string

	snap     snapshot
	lastTick time.Time
	events   []string
	maxLines int
	width    int
	height   int
}

// Run blocks until the operator quits.
func Run(ctx context.Context, title string, catalog Catalog, prober Prober) error {
	_, err := tea.NewProgram(newModel(ctx, title, catalog, prober), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func newModel(ctx context.Context, title string, catalog Catalog, prober Prober) model {
	if strings.TrimSpace(title) == "" {
		title = "memory-mesh"
	}
	m := model{ctx: ctx, catalog: catalog, prober: prober, title: title, maxLines: 10}
	return m.event("admin UI started")
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m.event("manual refresh"), m.refresh()
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(m.refresh(), tick())
	case snapshot:
		if msg.err != nil {
			m.snap.err = msg.err
			return m.event("refresh failed: " + compact(msg.err.Error())), nil
		}
		m.snap = msg
		down := len(downBackends(msg.health))
		m = m.event(fmt.Sprintf("live=%d tombstoned=%d requests=%d down=%d (%s)",
			msg.stats.Live, msg.stats.Tombstoned, msg.stats.Requests, down, roundDuration(msg.took)))
	}
	return m, nil
}

func (m model) View() string {
	header := lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render(m.title+" admin"),
		lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("q quit  r refresh  auto every "+refreshEvery.String()),
	)

	w, h := 54, 9
	if m.width > 0 {
		w = max(38, (m.width-3)/2)
	}
	if m.height > 0 {
		h = max(8, (m.height-8)/2)
	}

	events := "(nothing yet)"
	if len(m.events) > 0 {
		events = strings.Join(m.events, "\n")
	}
	top := lipgloss.JoinHorizontal(lipgloss.Top,
		pane("Catalog & Backends", m.statsBody(), w, h), " ",
		pane("Events", events, w, h))
	bottom := lipgloss.JoinHorizontal(lipgloss.Top,
		pane("Requests", requestLines(m.snap.requests), w, h), " ",
		pane("Recent Memories", memoryLines(m.snap.memories), w, h))

	return lipgloss.JoinVertical(lipgloss.Left, header, "", top, bottom)
}

func (m model) statsBody() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Live memories:   %d\n", m.snap.stats.Live)
	fmt.Fprintf(&b, "Tombstones:      %d\n", m.snap.stats.Tombstoned)
	fmt.Fprintf(&b, "Requests logged: %d\n", m.snap.stats.Requests)
	fmt.Fprintf(&b, "Last refresh:    %s\n", clock(m.lastTick))

	names := make([]string, 0, len(m.snap.health))
	for name := range m.snap.health {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		b.WriteString("\n")
	}
	up := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	down := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	for _, name := range names {
		if m.snap.health[name] {
			fmt.Fprintf(&b, "%s %s\n", up.Render("●"), name)
		} else {
			fmt.Fprintf(&b, "%s %s\n", down.Render("○"), name)
		}
	}
	if m.snap.err != nil {
		b.WriteString("\nLast error: " + truncate(compact(m.snap.err.Error()), 120))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m model) refresh() tea.Cmd {
	ctx, catalog, prober := m.ctx, m.catalog, m.prober
	return func() tea.Msg {
		start := time.Now()
		stats, err := catalog.Stats(ctx)
		if err != nil {
			return snapshot{err: err, took: time.Since(start)}
		}
		requests, err := catalog.RecentRequestLogs(ctx, 8)
		if err != nil {
			return snapshot{err: err, took: time.Since(start)}
		}
		memories, err := catalog.RecentMemories(ctx, 8)
		if err != nil {
			return snapshot{err: err, took: time.Since(start)}
		}
		var health map[string]bool
		if prober != nil {
			health = prober.Stats(ctx).Stats.BackendHealth
		}
		return snapshot{stats: stats, health: health, requests: requests, memories: memories, took: time.Since(start)}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) event(line string) model {
	line = strings.TrimSpace(line)
	if line == "" {
		return m
	}
	m.events = append(m.events, "["+time.Now().UTC().Format("15:04:05")+"] "+line)
	if len(m.events) > m.maxLines {
		m.events = m.events[len(m.events)-m.maxLines:]
	}
	return m
}

func downBackends(health map[string]bool) []string {
	var out []string
	for name, ok := range health {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func pane(title, body string, width, height int) string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(1, 2).
		Width(width).
		Height(height).
		Render(title + "\n\n" + body)
}

func requestLines(rows []store.RequestLog) string {
	if len(rows) == 0 {
		return "(no requests yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		what := row.Method
		if row.ToolName != "" {
			what += " " + row.ToolName
		}
		status := "ok "
		if !row.Success {
			status = "err"
		}
		line := fmt.Sprintf("[%s] %-4s %s %4dms %s",
			clock(row.CreatedAt), row.Transport, status, max(0, row.DurationMS), truncate(what, 40))
		if !row.Success && row.ErrorText != "" {
			line += " " + truncate(compact(row.ErrorText), 48)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func memoryLines(rows []store.RecentMemory) string {
	if len(rows) == 0 {
		return "(no memories yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		mark := " "
		if row.Deleted {
			mark = "x"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s %-18s %s",
			clock(row.UpdatedAt), mark, truncate(scopeLabel(row.Scope), 18), truncate(compact(row.Content), 64)))
	}
	return strings.Join(lines, "\n")
}

func scopeLabel(s types.Scope) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{s.UserID, s.AgentID, s.AppID} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, "/")
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func roundDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

func truncate(s string, limit int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= limit {
		return string(r)
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func compact(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
