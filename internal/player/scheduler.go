// ABOUTME: Gapless playback scheduler
// ABOUTME: Decodes inbound chunks and starts them back-to-back on the output clock
package player

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentshifty/liverelay/internal/protocol"
	"github.com/agentshifty/liverelay/pkg/audio"
	"github.com/agentshifty/liverelay/pkg/audio/decode"
	"github.com/agentshifty/liverelay/pkg/audio/output"
)

// Policy decides when queued playback is cut off
type Policy int

const (
	// InterruptEveryChunk stops all playback whenever a new chunk decodes
	InterruptEveryChunk Policy = iota
	// InterruptOnTurn stops playback only on an interrupted signal or when a new turn starts
	InterruptOnTurn
)

// ParsePolicy parses a policy name as used on the command line
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "every-chunk":
		return InterruptEveryChunk, nil
	case "on-turn":
		return InterruptOnTurn, nil
	default:
		return 0, fmt.Errorf("unknown interrupt policy: %s (supported: every-chunk, on-turn)", name)
	}
}

func (p Policy) String() string {
	switch p {
	case InterruptOnTurn:
		return "on-turn"
	default:
		return "every-chunk"
	}
}

// WantsSignals reports whether the policy needs turn signals from the relay
func (p Policy) WantsSignals() bool {
	return p == InterruptOnTurn
}

// State of the scheduler
type State int

const (
	Idle State = iota
	Scheduled
)

func (s State) String() string {
	if s == Scheduled {
		return "scheduled"
	}
	return "idle"
}

// Config holds scheduler configuration
type Config struct {
	// Output is the playback clock; required
	Output output.Context

	// Decoder turns chunks into buffers; defaults to 24kHz mono PCM
	Decoder decode.Decoder

	Policy Policy

	// Debug logs every scheduled source
	Debug bool
}

// Stats tracks scheduler metrics
type Stats struct {
	Received      int64
	Scheduled     int64
	DecodeErrors  int64
	StartErrors   int64
	Interruptions int64
	Ended         int64
	Active        int
}

// SourceInfo describes one active playback source
type SourceInfo struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// Snapshot is a consistent view of the scheduling state
type Snapshot struct {
	NextStart time.Duration
	Sources   []SourceInfo
}

type playbackSource struct {
	SourceInfo
	src output.Source
}

type event interface{}

type chunkEvent struct{ chunk audio.Chunk }
type signalEvent struct{ kind string }
type endedEvent struct{ id uint64 }
type interruptEvent struct{}
type snapshotEvent struct{ reply chan Snapshot }

// Scheduler manages playback timing. All scheduling state is owned by the
// Run loop; other goroutines talk to it through the events channel.
type Scheduler struct {
	out     output.Context
	decoder decode.Decoder
	policy  Policy
	debug   bool

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// owned by Run
	nextStart time.Duration
	active    map[uint64]*playbackSource
	nextID    uint64
	turnEnded bool

	statsMu sync.Mutex
	stats   Stats
}

// NewScheduler creates a playback scheduler
func NewScheduler(config Config) (*Scheduler, error) {
	if config.Output == nil {
		return nil, fmt.Errorf("scheduler requires an output context")
	}

	decoder := config.Decoder
	if decoder == nil {
		var err error
		decoder, err = decode.NewPCM(audio.OutputFormat)
		if err != nil {
			return nil, fmt.Errorf("failed to create decoder: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		out:     config.Output,
		decoder: decoder,
		policy:  config.Policy,
		debug:   config.Debug,
		events:  make(chan event, 64),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		active:  make(map[uint64]*playbackSource),
	}, nil
}

// Policy returns the interruption policy
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Enqueue hands an inbound chunk to the scheduler in arrival order
func (s *Scheduler) Enqueue(chunk audio.Chunk) {
	s.post(chunkEvent{chunk: chunk})
}

// Signal delivers a turn signal from the relay
func (s *Scheduler) Signal(kind string) {
	s.post(signalEvent{kind: kind})
}

// Interrupt stops all playback and resets the clock
func (s *Scheduler) Interrupt() {
	s.post(interruptEvent{})
}

// Snapshot returns the scheduling state after all previously posted events
func (s *Scheduler) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !s.post(snapshotEvent{reply: reply}) {
		return Snapshot{}
	}
	select {
	case snap := <-reply:
		return snap
	case <-s.done:
		return Snapshot{}
	}
}

func (s *Scheduler) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Run starts the scheduler loop
func (s *Scheduler) Run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			s.stopAll()
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Scheduler) handle(ev event) {
	switch e := ev.(type) {
	case chunkEvent:
		s.schedule(e.chunk)
	case signalEvent:
		s.handleSignal(e.kind)
	case endedEvent:
		if _, ok := s.active[e.id]; ok {
			delete(s.active, e.id)
			s.updateStats(func(st *Stats) {
				st.Ended++
				st.Active = len(s.active)
			})
		}
	case interruptEvent:
		s.interrupt()
	case snapshotEvent:
		e.reply <- s.snapshot()
	}
}

// schedule decodes a chunk and starts it at the end of the queued audio
func (s *Scheduler) schedule(chunk audio.Chunk) {
	s.updateStats(func(st *Stats) { st.Received++ })

	buf, err := s.decoder.Decode(chunk.Bytes())
	if err != nil {
		log.Printf("Dropped undecodable chunk (%d bytes): %v", chunk.Len(), err)
		s.updateStats(func(st *Stats) { st.DecodeErrors++ })
		return
	}

	switch s.policy {
	case InterruptEveryChunk:
		s.interrupt()
	case InterruptOnTurn:
		if s.turnEnded {
			s.turnEnded = false
			s.interrupt()
		}
	}

	// Never schedule into the past
	start := s.nextStart
	if now := s.out.Now(); now > start {
		start = now
	}

	src, err := s.out.Start(buf, start)
	if err != nil {
		log.Printf("Failed to start playback source: %v", err)
		s.updateStats(func(st *Stats) { st.StartErrors++ })
		return
	}

	s.nextID++
	ps := &playbackSource{
		SourceInfo: SourceInfo{ID: s.nextID, Start: start, Duration: buf.Duration()},
		src:        src,
	}
	s.active[ps.ID] = ps
	s.nextStart = start + ps.Duration

	if s.debug || ps.ID <= 3 {
		log.Printf("Scheduled source #%d: start=%v duration=%v active=%d",
			ps.ID, start, ps.Duration, len(s.active))
	}

	s.updateStats(func(st *Stats) {
		st.Scheduled++
		st.Active = len(s.active)
	})

	go s.waitEnded(ps.ID, src)
}

func (s *Scheduler) waitEnded(id uint64, src output.Source) {
	select {
	case <-src.Done():
		s.post(endedEvent{id: id})
	case <-s.ctx.Done():
	}
}

func (s *Scheduler) handleSignal(kind string) {
	if s.policy != InterruptOnTurn {
		return
	}

	switch kind {
	case protocol.SignalInterrupted:
		s.turnEnded = false
		s.interrupt()
	case protocol.SignalTurnComplete:
		s.turnEnded = true
	}
}

// interrupt stops and discards every active source and resets the clock
func (s *Scheduler) interrupt() {
	stopped := s.stopAll()
	if stopped > 0 {
		s.updateStats(func(st *Stats) {
			st.Interruptions++
			st.Active = 0
		})
		if s.debug {
			log.Printf("Interrupted %d playback source(s)", stopped)
		}
	}
}

func (s *Scheduler) stopAll() int {
	n := len(s.active)
	for id, ps := range s.active {
		ps.src.Stop()
		delete(s.active, id)
	}
	s.nextStart = 0
	return n
}

func (s *Scheduler) snapshot() Snapshot {
	snap := Snapshot{NextStart: s.nextStart}
	for _, ps := range s.active {
		snap.Sources = append(snap.Sources, ps.SourceInfo)
	}
	return snap
}

func (s *Scheduler) updateStats(fn func(*Stats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// State reports whether any source is scheduled or playing
func (s *Scheduler) State() State {
	if s.Stats().Active > 0 {
		return Scheduled
	}
	return Idle
}

// Stop stops the scheduler and silences all playback
func (s *Scheduler) Stop() {
	s.cancel()
}

// Done is closed once Run has returned
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}
