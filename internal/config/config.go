// ABOUTME: Relay server configuration
// ABOUTME: YAML file loading, environment overrides and validation
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/agentshifty/liverelay/internal/protocol"
	"github.com/agentshifty/liverelay/internal/upstream"
	"gopkg.in/yaml.v3"
)

// Environment variables read by the relay
const (
	EnvAPIKey = "API_KEY"
	EnvPort   = "PORT"
)

// Upstream providers
const (
	ProviderGemini = "gemini"
	ProviderEcho   = "echo"
)

// ErrMissingCredential is returned when the upstream provider needs an API key and none is set
var ErrMissingCredential = errors.New("API_KEY environment variable not set")

// Config represents the complete relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the websocket listener configuration
type ServerConfig struct {
	Port        int    `yaml:"port"`
	BindAddress string `yaml:"bind_address"`
	Path        string `yaml:"path"`
	ReadLimit   int64  `yaml:"read_limit"` // bytes per client frame
	Metrics     bool   `yaml:"metrics"`
}

// UpstreamConfig contains the conversational AI session configuration
type UpstreamConfig struct {
	Provider          string `yaml:"provider"`
	Model             string `yaml:"model"`
	SystemInstruction string `yaml:"system_instruction"`
	ConnectTimeout    int    `yaml:"connect_timeout"` // seconds

	// APIKey only ever comes from the environment
	APIKey string `yaml:"-"`
}

// DiscoveryConfig controls mDNS advertisement
type DiscoveryConfig struct {
	MDNS bool   `yaml:"mdns"`
	Name string `yaml:"name"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	File  string `yaml:"file"`
	Debug bool   `yaml:"debug"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "liverelay"
	}

	return &Config{
		Server: ServerConfig{
			Port:        8080,
			BindAddress: "0.0.0.0",
			Path:        protocol.Path,
			ReadLimit:   1 << 20,
			Metrics:     true,
		},
		Upstream: UpstreamConfig{
			Provider:          ProviderGemini,
			Model:             upstream.DefaultModel,
			SystemInstruction: upstream.DefaultSystemInstruction,
			ConnectTimeout:    int(upstream.DefaultConnectTimeout / time.Second),
		},
		Discovery: DiscoveryConfig{
			MDNS: false,
			Name: "Live Relay " + hostname,
		},
		Logging: LoggingConfig{
			File: "liverelay-server.log",
		},
	}
}

// Load reads a configuration file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return config, nil
}

// ApplyEnv overrides the port and fills the API key from the environment
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if port := getenv(EnvPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvPort, port, err)
		}
		c.Server.Port = p
	}

	c.Upstream.APIKey = getenv(EnvAPIKey)
	return nil
}

// Validate checks the configuration. A missing credential is reported as ErrMissingCredential.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}

	if c.Discovery.MDNS && c.Discovery.Name == "" {
		return fmt.Errorf("discovery config: name cannot be empty when mdns is enabled")
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Path == "" || s.Path[0] != '/' {
		return fmt.Errorf("path must start with '/', got %q", s.Path)
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	return nil
}

// Validate validates upstream configuration
func (u *UpstreamConfig) Validate() error {
	switch u.Provider {
	case ProviderGemini:
		if u.APIKey == "" {
			return ErrMissingCredential
		}
		if u.Model == "" {
			return fmt.Errorf("model cannot be empty")
		}
	case ProviderEcho:
	default:
		return fmt.Errorf("provider must be one of [gemini, echo], got '%s'", u.Provider)
	}

	if u.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", u.ConnectTimeout)
	}

	return nil
}

// Address returns the listen address
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// GetConnectTimeout returns the upstream connect timeout as a time.Duration
func (u *UpstreamConfig) GetConnectTimeout() time.Duration {
	return time.Duration(u.ConnectTimeout) * time.Second
}

// SessionConfig returns the fixed configuration every upstream session is opened with
func (u *UpstreamConfig) SessionConfig() upstream.Config {
	return upstream.Config{
		Model:             u.Model,
		SystemInstruction: u.SystemInstruction,
	}
}
