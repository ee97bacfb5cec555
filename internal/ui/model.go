// ABOUTME: Bubbletea model for the conversation TUI
// ABOUTME: Defines session status, playback stats and key handling
package ui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	recordingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	faintStyle     = lipgloss.NewStyle().Faint(true)
)

// Model represents the TUI state
type Model struct {
	// Session
	state    string
	status   string
	errText  string
	endpoint string
	policy   string

	// Playback
	volume int
	muted  bool

	// Stats
	sent          int64
	received      int64
	dropped       int64
	active        int
	interruptions int64
	decodeErrors  int64

	// Debug
	showDebug bool

	// Dimensions
	width  int
	height int

	controls *Controls
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	case StatsMsg:
		m.applyStats(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderControls()
	s += m.renderStats()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()

	return s
}

// renderHeader renders the session status line and any error
func (m Model) renderHeader() string {
	status := truncate(m.status, 45)
	if m.state == "recording" {
		status = recordingStyle.Render(fmt.Sprintf("%-45s", status))
	} else {
		status = fmt.Sprintf("%-45s", status)
	}

	errLine := fmt.Sprintf("%-45s", "")
	if m.errText != "" {
		errLine = errorStyle.Render(fmt.Sprintf("%-45s", truncate(m.errText, 45)))
	}

	return fmt.Sprintf(`┌─ Live Relay ─────────────────────────────────────────┐
│ Status: %s │
│ Error:  %s │
│ Relay:  %-45s │
├──────────────────────────────────────────────────────┤
`, status, errLine, truncate(m.endpoint, 45))
}

// renderControls renders volume and playback state
func (m Model) renderControls() string {
	muteIcon := ""
	if m.muted {
		muteIcon = " 🔇"
	}

	volumeBar := renderBar(m.volume, 100, 10)

	return fmt.Sprintf("│ Volume: [%s] %d%%%s%-17s │\n"+
		"│ Playing: %d source(s), policy %-20s │\n",
		volumeBar, m.volume, muteIcon, "",
		m.active, m.policy)
}

// renderStats renders traffic statistics
func (m Model) renderStats() string {
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Stats:  TX: %d  RX: %d  Dropped: %d%-12s │
│                                                      │
`, m.sent, m.received, m.dropped, "")
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return faintStyle.Render(`│ r:Record  s:Stop  x:Reset  ↑/↓:Volume  m:Mute  q:Quit │`) + `
└──────────────────────────────────────────────────────┘
`
}

// renderDebug renders debug information
func (m Model) renderDebug() string {
	return fmt.Sprintf(`│ DEBUG:                                               │
│   State: %-43s │
│   Interruptions: %-8d Decode errors: %-10d │
`, m.state, m.interruptions, m.decodeErrors)
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.controls.send(ActionQuit)
		return m, tea.Quit
	case "r":
		if m.state == "ready" {
			m.controls.send(ActionStart)
		}
	case "s":
		m.controls.send(ActionStop)
	case "x":
		if m.state != "recording" {
			m.controls.send(ActionReset)
		}
	case "up":
		if m.volume < 100 {
			m.volume = min(m.volume+5, 100)
			m.controls.setVolume(m.volume, m.muted)
		}
	case "down":
		if m.volume > 0 {
			m.volume = max(m.volume-5, 0)
			m.controls.setVolume(m.volume, m.muted)
		}
	case "m":
		m.muted = !m.muted
		m.controls.setVolume(m.volume, m.muted)
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from a session status message
func (m *Model) applyStatus(msg StatusMsg) {
	m.state = msg.State
	m.status = msg.Message
	m.errText = msg.Error
	if msg.Endpoint != "" {
		m.endpoint = msg.Endpoint
	}
}

// applyStats updates model from a stats message
func (m *Model) applyStats(msg StatsMsg) {
	m.sent = msg.Sent
	m.received = msg.Received
	m.dropped = msg.Dropped
	m.active = msg.Active
	m.interruptions = msg.Interruptions
	m.decodeErrors = msg.DecodeErrors
}

// StatusMsg carries a session status change
type StatusMsg struct {
	State    string
	Message  string
	Error    string
	Endpoint string
}

// StatsMsg carries periodic traffic and playback stats
type StatsMsg struct {
	Sent          int64
	Received      int64
	Dropped       int64
	Active        int
	Interruptions int64
	DecodeErrors  int64
}

// Utility functions
func renderBar(value, max, width int) string {
	filled := (value * width) / max
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "█"
		} else {
			bar += "░"
		}
	}
	return bar
}

func truncate(s string, length int) string {
	if len([]rune(s)) <= length {
		return s
	}
	return string([]rune(s)[:length-3]) + "..."
}
