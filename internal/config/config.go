// Package config loads the gateway configuration from YAML or TOML files. Environment
// variables in the form ${VAR_NAME} are expanded before parsing, and duration strings
// ("500ms", "5s") are parsed into time.Duration values.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
)

// Backend kinds.
const (
	BackendProcess = "process"
	BackendNetwork = "network"
)

// Transports the gateway can serve on.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// Limits applied to backend definitions.
const (
	MaxBackends = 64
	MaxArgs     = 64
	MaxArgLen   = 512
)

// Config represents the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Session  SessionConfig  `yaml:"session" toml:"session"`
	Registry RegistryConfig `yaml:"registry" toml:"registry"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Backends []Backend      `yaml:"backends" toml:"backends"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the outer surface: identity, transport and SSE limits.
type ServerConfig struct {
	Name           string   `yaml:"name" toml:"name"`
	Version        string   `yaml:"version" toml:"version"`
	Transport      string   `yaml:"transport" toml:"transport"`
	Host           string   `yaml:"host" toml:"host"`
	Port           int      `yaml:"port" toml:"port"`
	MaxConnections int      `yaml:"max_connections" toml:"max_connections"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes" toml:"max_body_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`
	RetryAfter        time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
	RetryAfterRaw        string `yaml:"retry_after" toml:"retry_after"`
	ShutdownTimeoutRaw   string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// SessionConfig holds per-session protocol timing and limits.
type SessionConfig struct {
	MaxInFlight int `yaml:"max_in_flight" toml:"max_in_flight"`

	PingInterval time.Duration `yaml:"-" toml:"-"`
	DrainGrace   time.Duration `yaml:"-" toml:"-"`
	IdleTimeout  time.Duration `yaml:"-" toml:"-"`

	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	DrainGraceRaw   string `yaml:"drain_grace" toml:"drain_grace"`
	IdleTimeoutRaw  string `yaml:"idle_timeout" toml:"idle_timeout"`
}

// RegistryConfig holds the local dispatcher limits.
type RegistryConfig struct {
	MaxWorkers int `yaml:"max_workers" toml:"max_workers"`

	DefaultTimeout    time.Duration `yaml:"-" toml:"-"`
	DefaultTimeoutRaw string        `yaml:"default_timeout" toml:"default_timeout"`
}

// GatewayConfig holds backend supervision timing.
type GatewayConfig struct {
	ReconnectInterval time.Duration `yaml:"-" toml:"-"`
	ConnectTimeout    time.Duration `yaml:"-" toml:"-"`
	CallTimeout       time.Duration `yaml:"-" toml:"-"`

	ReconnectIntervalRaw string `yaml:"reconnect_interval" toml:"reconnect_interval"`
	ConnectTimeoutRaw    string `yaml:"connect_timeout" toml:"connect_timeout"`
	CallTimeoutRaw       string `yaml:"call_timeout" toml:"call_timeout"`
}

// Backend is one upstream tool server. Registration order is the order in the file and
// decides which backend wins a tool name collision.
type Backend struct {
	Name    string            `yaml:"name" toml:"name"`
	Type    string            `yaml:"type" toml:"type"`
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args" toml:"args"`
	Env     map[string]string `yaml:"env" toml:"env"`
	WorkDir string            `yaml:"workdir" toml:"workdir"`
	URL     string            `yaml:"url" toml:"url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format is chosen by extension: .yaml/.yml or .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := []byte(expandEnvVars(string(data)))

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Address returns the host:port the SSE transport listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Validate checks the configuration. Returns an error describing the first validation
// failure encountered.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case TransportStdio:
	case TransportSSE:
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return fmt.Errorf("server.port %d is out of range", c.Server.Port)
		}
	default:
		return fmt.Errorf("server.transport must be %q or %q, got %q", TransportStdio, TransportSSE, c.Server.Transport)
	}

	if c.Server.KeepaliveInterval < mcp.MinKeepaliveInterval || c.Server.KeepaliveInterval > mcp.MaxKeepaliveInterval {
		return fmt.Errorf("server.keepalive_interval must be between %s and %s, got %s",
			mcp.MinKeepaliveInterval, mcp.MaxKeepaliveInterval, c.Server.KeepaliveInterval)
	}
	if c.Server.MaxConnections <= 0 {
		return errors.New("server.max_connections must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("server.max_body_bytes must be positive")
	}
	if c.Session.MaxInFlight <= 0 {
		return errors.New("session.max_in_flight must be positive")
	}
	if c.Registry.MaxWorkers <= 0 {
		return errors.New("registry.max_workers must be positive")
	}

	if len(c.Backends) > MaxBackends {
		return fmt.Errorf("too many backends: %d > %d", len(c.Backends), MaxBackends)
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("backends[%d]: %w", i, err)
		}
		if _, ok := seen[b.Name]; ok {
			return fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = struct{}{}
	}

	return nil
}

// Validate checks one backend definition, including the command safety rules.
func (b Backend) Validate() error {
	if b.Name == "" {
		return errors.New("name is required")
	}
	if strings.Contains(b.Name, ".") {
		// The dot separates backend and tool in qualified tool names.
		return fmt.Errorf("name %q must not contain '.'", b.Name)
	}

	switch b.Type {
	case BackendProcess:
		if !safeArg(b.Command) {
			return fmt.Errorf("backend %s: unsafe or missing command", b.Name)
		}
		if len(b.Args) > MaxArgs {
			return fmt.Errorf("backend %s: too many args: %d > %d", b.Name, len(b.Args), MaxArgs)
		}
		for _, arg := range b.Args {
			if !safeArg(arg) {
				return fmt.Errorf("backend %s: unsafe arg %q", b.Name, arg)
			}
		}
	case BackendNetwork:
		u, err := url.Parse(b.URL)
		if err != nil {
			return fmt.Errorf("backend %s: invalid url: %w", b.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backend %s: url must be http(s), got %q", b.Name, b.URL)
		}
	default:
		return fmt.Errorf("backend %s: type must be %q or %q, got %q", b.Name, BackendProcess, BackendNetwork, b.Type)
	}
	return nil
}

// Target returns the command line or URL of the backend, for display.
func (b Backend) Target() string {
	if b.Type == BackendNetwork {
		return b.URL
	}
	return strings.TrimSpace(b.Command + " " + strings.Join(b.Args, " "))
}

func safeArg(arg string) bool {
	return len(arg) > 0 && len(arg) <= MaxArgLen && !strings.ContainsAny(arg, "\x00\r\n")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "PMOVES BotZ Gateway"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "0.1.0"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = TransportSSE
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 2091
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 100
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.KeepaliveInterval == 0 {
		cfg.Server.KeepaliveInterval = 15 * time.Second
	}
	if cfg.Server.RetryAfter == 0 {
		cfg.Server.RetryAfter = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Session.MaxInFlight == 0 {
		cfg.Session.MaxInFlight = 64
	}
	if cfg.Session.PingInterval == 0 {
		cfg.Session.PingInterval = 30 * time.Second
	}
	if cfg.Session.DrainGrace == 0 {
		cfg.Session.DrainGrace = 5 * time.Second
	}
	if cfg.Registry.MaxWorkers == 0 {
		cfg.Registry.MaxWorkers = 32
	}
	if cfg.Registry.DefaultTimeout == 0 {
		cfg.Registry.DefaultTimeout = 30 * time.Second
	}
	if cfg.Gateway.ReconnectInterval == 0 {
		cfg.Gateway.ReconnectInterval = 5 * time.Second
	}
	if cfg.Gateway.ConnectTimeout == 0 {
		cfg.Gateway.ConnectTimeout = 10 * time.Second
	}
	if cfg.Gateway.CallTimeout == 0 {
		cfg.Gateway.CallTimeout = 60 * time.Second
	}
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.Type == "" {
			// A backend with a URL is reached over the network, anything else is spawned.
			if b.URL != "" {
				b.Type = BackendNetwork
			} else {
				b.Type = BackendProcess
			}
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.keepalive_interval", cfg.Server.KeepaliveIntervalRaw, &cfg.Server.KeepaliveInterval},
		{"server.retry_after", cfg.Server.RetryAfterRaw, &cfg.Server.RetryAfter},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"session.ping_interval", cfg.Session.PingIntervalRaw, &cfg.Session.PingInterval},
		{"session.drain_grace", cfg.Session.DrainGraceRaw, &cfg.Session.DrainGrace},
		{"session.idle_timeout", cfg.Session.IdleTimeoutRaw, &cfg.Session.IdleTimeout},
		{"registry.default_timeout", cfg.Registry.DefaultTimeoutRaw, &cfg.Registry.DefaultTimeout},
		{"gateway.reconnect_interval", cfg.Gateway.ReconnectIntervalRaw, &cfg.Gateway.ReconnectInterval},
		{"gateway.connect_timeout", cfg.Gateway.ConnectTimeoutRaw, &cfg.Gateway.ConnectTimeout},
		{"gateway.call_timeout", cfg.Gateway.CallTimeoutRaw, &cfg.Gateway.CallTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
