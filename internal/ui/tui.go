// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and the channels it drives the session with
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Action is a user request from the TUI
type Action int

const (
	ActionStart Action = iota
	ActionStop
	ActionReset
	ActionQuit
)

// VolumeChange is a requested output gain
type VolumeChange struct {
	Volume int
	Muted  bool
}

// Controls holds the channels the TUI sends user requests on
type Controls struct {
	Actions chan Action
	Volume  chan VolumeChange
}

// NewControls creates a control handler
func NewControls() *Controls {
	return &Controls{
		Actions: make(chan Action, 10),
		Volume:  make(chan VolumeChange, 10),
	}
}

func (c *Controls) send(a Action) {
	if c == nil {
		return
	}
	select {
	case c.Actions <- a:
	default:
	}
}

func (c *Controls) setVolume(volume int, muted bool) {
	if c == nil {
		return
	}
	select {
	case c.Volume <- VolumeChange{Volume: volume, Muted: muted}:
	default:
	}
}

// NewModel creates a new TUI model
func NewModel(controls *Controls, endpoint, policy string, volume int) Model {
	return Model{
		state:    "ready",
		status:   "Ready",
		endpoint: endpoint,
		policy:   policy,
		volume:   volume,
		controls: controls,
	}
}

// Run creates the TUI program
func Run(m Model) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}
