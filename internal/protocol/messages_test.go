// ABOUTME: Tests for relay wire protocol helpers
// ABOUTME: Tests signal encoding and rejection of unknown or malformed frames
package protocol

import (
	"testing"
)

func TestEncodeSignal(t *testing.T) {
	tests := []struct {
		kind    string
		want    string
		wantErr bool
	}{
		{SignalInterrupted, `{"type":"interrupted"}`, false},
		{SignalTurnComplete, `{"type":"turn_complete"}`, false},
		{"audio", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			data, err := EncodeSignal(tt.kind)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeSignal(%q) error = %v, wantErr %v", tt.kind, err, tt.wantErr)
			}
			if string(data) != tt.want {
				t.Errorf("EncodeSignal(%q) = %s, want %s", tt.kind, data, tt.want)
			}
		})
	}
}

func TestDecodeSignal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"interrupted", `{"type":"interrupted"}`, SignalInterrupted, false},
		{"turn complete", `{"type":"turn_complete"}`, SignalTurnComplete, false},
		{"unknown type", `{"type":"hello"}`, "", true},
		{"not json", `interrupted`, "", true},
		{"missing type", `{}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := DecodeSignal([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeSignal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if sig.Type != tt.want {
				t.Errorf("DecodeSignal() type = %q, want %q", sig.Type, tt.want)
			}
		})
	}
}

func TestCloseCodes(t *testing.T) {
	if CloseNormal != 1000 {
		t.Errorf("expected normal close 1000, got %d", CloseNormal)
	}
	if CloseError != 1011 {
		t.Errorf("expected error close 1011, got %d", CloseError)
	}
}
