// ABOUTME: Relay wire protocol definitions
// ABOUTME: Close codes, reasons, query parameters and the optional turn signal messages
package protocol

import (
	"encoding/json"
	"fmt"
)

// Close codes used on the relay websocket
const (
	CloseNormal = 1000 // user stop or orderly shutdown
	CloseError  = 1011 // every failure close
)

// Close reasons sent by the relay and the client
const (
	ReasonUserStopped     = "User stopped recording"
	ReasonUpstreamConnect = "Failed to establish upstream session"
	ReasonUpstreamError   = "Upstream session error"
	ReasonShuttingDown    = "Relay shutting down"
	ReasonCaptureFailed   = "Capture device error"
	ReasonInternalError   = "Internal relay error"
)

const (
	// Path is the websocket endpoint path on the relay
	Path = "/"

	// SignalsParam opts a client into turn signal text frames
	SignalsParam = "signals"
)

// Signal types sent as text frames when signals are enabled
const (
	SignalInterrupted  = "interrupted"
	SignalTurnComplete = "turn_complete"
)

// Signal is an out-of-band control marker from the upstream model. Audio
// always travels as binary frames; signals are the only text frames.
type Signal struct {
	Type string `json:"type"`
}

// EncodeSignal marshals a signal into a text frame payload
func EncodeSignal(kind string) ([]byte, error) {
	if !IsKnownSignal(kind) {
		return nil, fmt.Errorf("unknown signal type: %q", kind)
	}
	return json.Marshal(Signal{Type: kind})
}

// DecodeSignal parses a text frame payload
func DecodeSignal(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("failed to parse signal: %w", err)
	}
	if !IsKnownSignal(s.Type) {
		return Signal{}, fmt.Errorf("unknown signal type: %q", s.Type)
	}
	return s, nil
}

// IsKnownSignal reports whether kind is a signal type the relay emits
func IsKnownSignal(kind string) bool {
	return kind == SignalInterrupted || kind == SignalTurnComplete
}
