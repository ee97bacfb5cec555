// ABOUTME: Entry point for the live conversation client
// ABOUTME: Parses CLI flags, wires capture, relay channel and playback, then runs the TUI
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentshifty/liverelay/internal/app"
	"github.com/agentshifty/liverelay/internal/player"
	"github.com/agentshifty/liverelay/internal/ui"
	"github.com/agentshifty/liverelay/internal/version"
	"github.com/agentshifty/liverelay/pkg/audio"
	"github.com/agentshifty/liverelay/pkg/audio/output"
	tea "github.com/charmbracelet/bubbletea"
)

var (
	endpoint       = flag.String("endpoint", os.Getenv("RELAY_ENDPOINT"), "Relay websocket URL (default: $RELAY_ENDPOINT)")
	discover       = flag.Bool("discover", false, "Find the relay over mDNS when no endpoint is set")
	input          = flag.String("input", "mic", "Capture input: mic, tone or an audio file (mp3, flac)")
	policyName     = flag.String("policy", "every-chunk", "Playback interrupt policy: every-chunk or on-turn")
	outputBackend  = flag.String("output", "oto", "Playback backend: oto or malgo")
	connectTimeout = flag.Duration("connect-timeout", 10*time.Second, "Relay connect timeout")
	volume         = flag.Int("volume", 80, "Initial playback volume (0-100)")
	logFile        = flag.String("log-file", "liverelay.log", "Log file path")
	noTUI          = flag.Bool("no-tui", false, "Disable TUI and start recording immediately")
	debug          = flag.Bool("debug", false, "Log every scheduled playback source")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("client"))
		return
	}

	useTUI := !*noTUI

	// Set up logging
	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	if useTUI {
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	policy, err := player.ParsePolicy(*policyName)
	if err != nil {
		log.Fatalf("Invalid policy: %v", err)
	}

	// Playback graph: scheduler -> mixer -> device
	mixer := output.NewMixer(audio.OutputFormat)
	mixer.SetVolume(*volume)

	device, err := output.NewDevice(*outputBackend)
	if err != nil {
		log.Fatalf("Invalid output: %v", err)
	}

	scheduler, err := player.NewScheduler(player.Config{
		Output: mixer,
		Policy: policy,
		Debug:  *debug,
	})
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	session, err := app.New(app.Config{
		Endpoint:       *endpoint,
		Discover:       *discover,
		Input:          *input,
		ConnectTimeout: *connectTimeout,
		Debug:          *debug,
	}, scheduler)
	if err != nil {
		if errors.Is(err, app.ErrConfig) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		log.Fatalf("Failed to create session: %v", err)
	}

	if err := device.Open(mixer, audio.OutputFormat.SampleRate, audio.OutputFormat.Channels); err != nil {
		log.Fatalf("Failed to open audio output: %v", err)
	}

	go scheduler.Run()

	log.Printf("Starting %s (policy: %s, output: %s)", version.String("client"), policy, *outputBackend)

	// TUI setup
	var tuiProg *tea.Program
	var controls *ui.Controls
	tuiDone := make(chan struct{})

	if useTUI {
		controls = ui.NewControls()
		tuiProg = ui.Run(ui.NewModel(controls, displayEndpoint(*endpoint), policy.String(), *volume))
		go func() {
			if _, err := tuiProg.Run(); err != nil {
				log.Printf("TUI error: %v", err)
			}
			close(tuiDone)
		}()
	}

	updateTUI := func(msg tea.Msg) {
		if tuiProg != nil {
			tuiProg.Send(msg)
		}
	}

	session.OnStatus(func(st app.Status) {
		updateTUI(ui.StatusMsg{
			State:   st.State.String(),
			Message: st.Message,
			Error:   st.Error,
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := func() {
		go func() {
			if err := session.Start(ctx); err != nil {
				log.Printf("Session start failed: %v", err)
			}
		}()
	}

	if tuiProg != nil {
		go statsUpdateLoop(ctx, session, updateTUI)
		go handleVolumeControl(mixer, controls)
	} else {
		start()
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var actions <-chan ui.Action
	if controls != nil {
		actions = controls.Actions
	}

	running := true
	for running {
		select {
		case action := <-actions:
			switch action {
			case ui.ActionStart:
				start()
			case ui.ActionStop:
				session.Stop()
			case ui.ActionReset:
				if !session.Reset() {
					log.Printf("Reset refused while recording")
				}
			case ui.ActionQuit:
				log.Printf("Received quit signal from TUI")
				running = false
			}
		case <-tuiDone:
			running = false
		case sig := <-sigChan:
			log.Printf("Received %v signal, shutting down", sig)
			running = false
		}
	}

	cancel()
	session.Stop()
	scheduler.Stop()

	if tuiProg != nil {
		tuiProg.Quit()
		<-tuiDone
	}

	if err := device.Close(); err != nil {
		log.Printf("Error closing audio output: %v", err)
	}
	if err := mixer.Close(); err != nil {
		log.Printf("Error closing mixer: %v", err)
	}

	log.Printf("Client stopped")
}

func displayEndpoint(endpoint string) string {
	if endpoint == "" {
		return "(mDNS discovery)"
	}
	return endpoint
}

// handleVolumeControl applies volume changes from the TUI
func handleVolumeControl(mixer *output.Mixer, controls *ui.Controls) {
	for change := range controls.Volume {
		mixer.SetVolume(change.Volume)
		mixer.SetMuted(change.Muted)
		log.Printf("Volume: %d, muted: %v", change.Volume, change.Muted)
	}
}

// statsUpdateLoop periodically pushes session stats to the TUI
func statsUpdateLoop(ctx context.Context, session *app.Session, updateTUI func(tea.Msg)) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := session.Stats()
			updateTUI(ui.StatsMsg{
				Sent:          stats.ChunksSent,
				Received:      stats.ChunksReceived,
				Dropped:       stats.ChunksDropped,
				Active:        stats.Playback.Active,
				Interruptions: stats.Playback.Interruptions,
				DecodeErrors:  stats.Playback.DecodeErrors,
			})
		}
	}
}
