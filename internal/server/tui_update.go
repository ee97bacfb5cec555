// ABOUTME: TUI update helpers for the relay
// ABOUTME: Sends registry state to the TUI when sessions open or close
package server

import "time"

// updateTUI sends current relay state to the TUI
func (s *Server) updateTUI() {
	if s.tui == nil {
		return
	}

	s.tui.Update(ServerStatus{
		Name:     s.config.Name,
		Port:     s.config.Port,
		Upstream: s.describeUpstream(),
		Uptime:   time.Since(s.startTime),
		Sessions: s.Sessions(),
	})
}
