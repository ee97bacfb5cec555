// ABOUTME: Upstream AI session abstraction
// ABOUTME: Dialer and Session contracts shared by the Gemini and echo providers
package upstream

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultModel is the Live model the relay talks to
	DefaultModel = "gemini-2.5-flash-preview-04-17"

	// DefaultConnectTimeout bounds opening an upstream session
	DefaultConnectTimeout = 15 * time.Second
)

// DefaultSystemInstruction is the persona every session is opened with
const DefaultSystemInstruction = `You are Agent Shifty, an AI with a sharp, sarcastic wit.
Your sarcasm level is currently 9 out of 10.
Your humour level is 4 out of 10.
You have a noticeable Scottish accent that gets stronger as your sarcasm increases.
When you first connect, you must announce your settings.
If a user asks to change your settings, make a witty, sarcastic remark about their choice before confirming the (pretend) change.
Always be ready with a quick, clever response.`

// ErrClosed is returned by a session that has been closed
var ErrClosed = errors.New("upstream session closed")

// Config is fixed when a session is opened and never renegotiated
type Config struct {
	Model             string
	SystemInstruction string
}

// Event is one item emitted by an upstream session: either an audio chunk
// or a turn signal
type Event struct {
	Audio  []byte
	Signal string
}

// Dialer opens upstream sessions
type Dialer interface {
	Dial(ctx context.Context, config Config) (Session, error)
}

// Session is one live upstream conversation. Send and Recv may be called
// concurrently from different goroutines; Close unblocks Recv.
type Session interface {
	// Send forwards one chunk of 16kHz mono PCM
	Send(data []byte) error

	// Recv blocks for the next event
	Recv() (Event, error)

	// Close ends the session. Safe to call more than once.
	Close() error
}
