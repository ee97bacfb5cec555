// ABOUTME: Entry point for the live conversation relay
// ABOUTME: Loads configuration, picks the upstream provider and runs the relay server
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

	"github.com/agentshifty/liverelay/internal/config"
	"github.com/agentshifty/liverelay/internal/metrics"
	"github.com/agentshifty/liverelay/internal/server"
	"github.com/agentshifty/liverelay/internal/upstream"
	"github.com/agentshifty/liverelay/internal/version"
)

var (
	configFile  = flag.String("config", "", "YAML configuration file (optional)")
	port        = flag.Int("port", 0, "WebSocket server port (overrides config and PORT)")
	name        = flag.String("name", "", "Relay friendly name for mDNS")
	provider    = flag.String("provider", "", "Upstream provider: gemini or echo")
	logFile     = flag.String("log-file", "", "Log file path")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	mdns        = flag.Bool("mdns", false, "Advertise the relay over mDNS")
	useTUI      = flag.Bool("tui", false, "Show live sessions in a TUI instead of streaming logs")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("relay"))
		return
	}

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}

	// Flags override the file and the environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "name":
			cfg.Discovery.Name = *name
		case "provider":
			cfg.Upstream.Provider = *provider
		case "log-file":
			cfg.Logging.File = *logFile
		case "debug":
			cfg.Logging.Debug = *debug
		case "mdns":
			cfg.Discovery.MDNS = *mdns
		}
	})

	// Set up logging
	f, err := os.OpenFile(cfg.Logging.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	if *useTUI {
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrMissingCredential) {
			log.Fatalf("Startup aborted: %v", err)
		}
		log.Fatalf("Invalid configuration: %v", err)
	}

	dialer, err := newDialer(cfg)
	if err != nil {
		log.Fatalf("Failed to create upstream provider: %v", err)
	}

	log.Printf("Starting %s on port %d (provider: %s)",
		version.String("relay"), cfg.Server.Port, cfg.Upstream.Provider)
	if cfg.Logging.Debug {
		log.Printf("Debug logging enabled")
	}
	log.Printf("Logging to: %s", cfg.Logging.File)
	log.Printf("Press Ctrl-C to stop")

	srv := server.New(server.Config{
		Address:        cfg.Server.Address(),
		Port:           cfg.Server.Port,
		Path:           cfg.Server.Path,
		ReadLimit:      cfg.Server.ReadLimit,
		Name:           cfg.Discovery.Name,
		EnableMDNS:     cfg.Discovery.MDNS,
		Metrics:        cfg.Server.Metrics,
		Debug:          cfg.Logging.Debug,
		UseTUI:         *useTUI,
		Upstream:       cfg.Upstream.SessionConfig(),
		ConnectTimeout: cfg.Upstream.GetConnectTimeout(),
	}, dialer, metrics.New())

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received %v signal, shutting down gracefully...", sig)
		srv.Stop()
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Printf("Relay stopped")
}

func newDialer(cfg *config.Config) (upstream.Dialer, error) {
	switch cfg.Upstream.Provider {
	case config.ProviderEcho:
		log.Printf("Using echo upstream: sessions play the caller's audio back")
		return upstream.NewEcho(), nil
	default:
		return upstream.NewGemini(context.Background(), cfg.Upstream.APIKey)
	}
}
