// Package dashboard is the interactive session watcher: a terminal UI
// that polls the session list, shows per-session turn state, and offers
// jump/kill shortcuts.
package dashboard

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/victorarias/dev-sessions/internal/handle"
	"github.com/victorarias/dev-sessions/internal/registry"
)

const refreshInterval = 2 * time.Second

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	ruleStyle    = lipgloss.NewStyle().Faint(true)
	cursorStyle  = lipgloss.NewStyle().Bold(true)
	workingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	waitingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	helpStyle    = lipgloss.NewStyle().Faint(true)
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	detailStyle  = lipgloss.NewStyle().PaddingLeft(2)
)

// SessionAPI is the slice of session operations the watcher needs. Both
// the local manager and the gateway client satisfy it.
type SessionAPI interface {
	ListSessions(ctx context.Context) ([]registry.SessionRecord, error)
	GetSessionStatus(ctx context.Context, h string) (string, error)
	KillSession(ctx context.Context, h string) error
}

// Model is the bubbletea model for devs watch.
type Model struct {
	api      SessionAPI
	sessions []registry.SessionRecord
	statuses map[string]string
	cursor   int
	err      error

	currentMultiplexerSession string
}

// NewModel builds the watcher over the given session API.
func NewModel(api SessionAPI) *Model {
	return &Model{
		api:                       api,
		statuses:                  map[string]string{},
		currentMultiplexerSession: currentMultiplexerSession(),
	}
}

func currentMultiplexerSession() string {
	if os.Getenv("TMUX") == "" {
		return ""
	}
	out, err := exec.Command("tmux", "display-message", "-p", "#{session_name}").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

type sessionsMsg struct {
	sessions []registry.SessionRecord
	statuses map[string]string
}

type errMsg struct {
	err error
}

type tickMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, tickCmd())
}

// refresh fetches the session list and one status per session.
func (m *Model) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions, err := m.api.ListSessions(ctx)
	if err != nil {
		return errMsg{err: err}
	}
	statuses := make(map[string]string, len(sessions))
	for _, rec := range sessions {
		status, err := m.api.GetSessionStatus(ctx, rec.Handle)
		if err != nil {
			status = "unknown"
		}
		statuses[rec.Handle] = status
	}
	return sessionsMsg{sessions: sessions, statuses: statuses}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			m.moveCursor(-1)
		case "down", "j":
			m.moveCursor(1)
		case "r":
			return m, m.refresh
		case "enter":
			if s := m.Selected(); s != nil && s.Kind == registry.KindTerm {
				return m, m.jumpToSession(s.Handle)
			}
		case "x":
			if s := m.Selected(); s != nil {
				return m, m.kill(s.Handle)
			}
		}
	case sessionsMsg:
		m.sessions = msg.sessions
		m.statuses = msg.statuses
		m.err = nil
		if m.cursor >= len(m.sessions) && len(m.sessions) > 0 {
			m.cursor = len(m.sessions) - 1
		}
		return m, tickCmd()
	case errMsg:
		m.err = msg.err
	case tickMsg:
		return m, m.refresh
	}
	return m, nil
}

func (m *Model) moveCursor(delta int) {
	m.cursor += delta
	if m.cursor < 0 {
		m.cursor = 0
	}
	if m.cursor >= len(m.sessions) && len(m.sessions) > 0 {
		m.cursor = len(m.sessions) - 1
	}
}

// Selected returns the session under the cursor.
func (m *Model) Selected() *registry.SessionRecord {
	if m.cursor >= 0 && m.cursor < len(m.sessions) {
		return &m.sessions[m.cursor]
	}
	return nil
}

func (m *Model) kill(h string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.api.KillSession(ctx, h); err != nil {
			return errMsg{err: err}
		}
		return m.refresh()
	}
}

// jumpToSession attaches to the session's multiplexer session, in place
// when we already live inside the same server, in a popup otherwise.
func (m *Model) jumpToSession(h string) tea.Cmd {
	target := handle.ToMultiplexerName(h)
	if m.currentMultiplexerSession == "" {
		c := exec.Command("tmux", "attach-session", "-t", "="+target)
		return tea.ExecProcess(c, func(error) tea.Msg { return nil })
	}
	if m.currentMultiplexerSession == target {
		return nil
	}
	c := exec.Command("tmux", "display-popup", "-E", "-w", "90%", "-h", "90%",
		"tmux", "attach-session", "-t", "="+target)
	return tea.ExecProcess(c, func(error) tea.Msg { return nil })
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "working", "active":
		return workingStyle
	case "waiting_for_input":
		return waitingStyle
	default:
		return idleStyle
	}
}

func statusGlyph(status string) string {
	switch status {
	case "working", "active":
		return "○"
	case "waiting_for_input":
		return "●"
	default:
		return "◌"
	}
}

func (m *Model) View() string {
	if m.err != nil {
		return errStyle.Render(fmt.Sprintf("Error: %v", m.err)) +
			"\n\nPress 'r' to retry, 'q' to quit\n"
	}
	if len(m.sessions) == 0 {
		return "No active sessions\n\nPress 'r' to refresh, 'q' to quit\n"
	}

	rule := ruleStyle.Render(strings.Repeat("─", 64))

	var b strings.Builder
	b.WriteString(titleStyle.Render("Dev Sessions"))
	b.WriteString("\n" + rule + "\n")

	for i, rec := range m.sessions {
		cursor := "  "
		if i == m.cursor {
			cursor = cursorStyle.Render("> ")
		}
		status := m.statuses[rec.Handle]
		line := fmt.Sprintf("%s %-16s %-5s %-18s %s",
			statusGlyph(status), rec.Handle, rec.Kind, status, shorten(rec.WorkspacePath, 28))
		b.WriteString(cursor + statusStyle(status).Render(line) + "\n")
	}
	b.WriteString(rule + "\n")

	if s := m.Selected(); s != nil {
		detail := fmt.Sprintf("\n%s\nDirectory: %s\n", titleStyle.Render(s.Handle), s.WorkspacePath)
		if s.Description != "" {
			detail += fmt.Sprintf("Description: %s\n", s.Description)
		}
		if s.Model != "" {
			detail += fmt.Sprintf("Model: %s\n", s.Model)
		}
		if s.LastTurnOutcome != "" {
			detail += fmt.Sprintf("Last turn: %s", s.LastTurnOutcome)
			if s.LastTurnError != "" {
				detail += " (" + s.LastTurnError + ")"
			}
			detail += "\n"
		}
		b.WriteString(detailStyle.Render(detail) + "\n")
	}

	b.WriteString(rule + "\n")
	b.WriteString(helpStyle.Render("[Enter] Attach   [x] Kill   [r] Refresh   [q] Quit") + "\n")
	return b.String()
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "…" + s[len(s)-max+1:]
}
