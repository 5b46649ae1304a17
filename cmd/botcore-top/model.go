package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const pollInterval = 3 * time.Second

type tickMsg struct{}

type snapshotMsg struct {
	snapshot fleetSnapshot
}

type model struct {
	ctx    context.Context
	client *apiClient

	status     statusView
	bots       []fleetBot
	err        error
	lastPolled time.Time
}

func newModel(ctx context.Context, client *apiClient) model {
	return model{ctx: ctx, client: client}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.ctx, m.client), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func fetchCmd(ctx context.Context, client *apiClient) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{snapshot: client.Snapshot(ctx)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(fetchCmd(m.ctx, m.client), tickCmd())
	case snapshotMsg:
		m.lastPolled = time.Now()
		if msg.snapshot.err != nil {
			m.err = msg.snapshot.err
			return m, nil
		}
		m.err = nil
		m.status = msg.snapshot.status
		m.bots = msg.snapshot.bots
	}
	return m, nil
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	botNameStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("117"))
	instanceStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	staleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
)

func (m model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("botcore-top") + "  " + dimStyle.Render("q to quit") + "\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("poll failed: %v", m.err)) + "\n")
	}

	b.WriteString(fmt.Sprintf(
		"fingerprint %s   active_instances %d   uptime %s   polled %s\n\n",
		m.status.ConfigFingerprint,
		m.status.ActiveInstanceCount,
		(time.Duration(m.status.UptimeSeconds) * time.Second).String(),
		relativeTime(m.lastPolled),
	))

	if len(m.bots) == 0 {
		b.WriteString(dimStyle.Render("no bot definitions registered\n"))
		return b.String()
	}

	for _, fb := range m.bots {
		b.WriteString(botNameStyle.Render(fb.summary.Name) + dimStyle.Render("  "+fb.summary.BotID) + "\n")
		b.WriteString(dimStyle.Render("  adapter=" + fb.summary.AdapterType + "  capabilities=" + strings.Join(fb.summary.DeclaredCapabilities, ",")) + "\n")

		if len(fb.instances) == 0 {
			b.WriteString(dimStyle.Render("  (no live instances)\n"))
			continue
		}
		for _, inst := range fb.instances {
			style := instanceStyle
			if time.Since(inst.LastHeartbeatAt) > pollInterval*3 {
				style = staleStyle
			}
			b.WriteString(style.Render(fmt.Sprintf(
				"  - %s  caps=%s  connected=%s  last_heartbeat=%s",
				inst.InstanceID,
				strings.Join(inst.RuntimeCapabilities, ","),
				relativeTime(inst.ConnectedAt),
				relativeTime(inst.LastHeartbeatAt),
			)) + "\n")
		}
		b.WriteString("\n")
	}

	return b.String()
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
