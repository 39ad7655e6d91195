package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how the edge extracts a tunnel id from a public request.
type Mode string

const (
	// ModeWildcard reads the id from the first DNS label: <id>.<base-host>.
	ModeWildcard Mode = "wildcard"
	// ModeSubpath reads the id from the path: /tunnel/<id>/rest.
	ModeSubpath Mode = "subpath"
)

// Config is the top-level configuration for blink-tunnel. A single file
// covers both the edge and client processes; each reads its own section.
type Config struct {
	Edge    EdgeConfig    `yaml:"edge"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
	Ops     OpsConfig     `yaml:"ops"`
}

// EdgeConfig contains the public edge server settings.
type EdgeConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	BaseURL        string        `yaml:"base_url"`
	Mode           Mode          `yaml:"mode"`
	ServerSecret   string        `yaml:"server_secret"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	StateFile      string        `yaml:"state_file"`
}

// ClientConfig contains the tunnel client settings.
type ClientConfig struct {
	ServerURL      string        `yaml:"server_url"`
	Secret         string        `yaml:"secret"`
	TargetURL      string        `yaml:"target_url"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BackoffConfig shapes the client reconnect schedule. Delays grow as
// base * factor^attempt plus jitter, capped at cap.
type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Factor float64       `yaml:"factor"`
	Cap    time.Duration `yaml:"cap"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// OpsConfig contains the loopback operations listener settings (health
// document, Prometheus metrics, session listing).
type OpsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ListenAddress   string `yaml:"listen_address"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Edge: EdgeConfig{
			ListenAddress:  ":8080",
			BaseURL:        "http://localhost:8080",
			Mode:           ModeSubpath,
			MaxMessageSize: 4 * 1024 * 1024,
			DrainTimeout:   30 * time.Second,
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:8080",
			TargetURL:      "http://localhost:3000",
			MaxMessageSize: 4 * 1024 * 1024,
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			Backoff: BackoffConfig{
				Base:   250 * time.Millisecond,
				Factor: 1.5,
				Cap:    10 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Ops: OpsConfig{
			Enabled:         true,
			ListenAddress:   "127.0.0.1:8081",
			MetricsEnabled:  true,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Edge.ListenAddress == "" {
		return fmt.Errorf("edge.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Edge.ListenAddress); err != nil {
		return fmt.Errorf("edge.listen_address is invalid: %w", err)
	}
	switch c.Edge.Mode {
	case ModeWildcard, ModeSubpath:
	default:
		return fmt.Errorf("edge.mode must be one of: wildcard, subpath")
	}
	if c.Edge.BaseURL == "" {
		return fmt.Errorf("edge.base_url is required")
	}
	if u, err := url.Parse(c.Edge.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("edge.base_url must be an absolute http:// or https:// URL")
	}
	if c.Edge.MaxMessageSize <= 0 {
		return fmt.Errorf("edge.max_message_size must be positive")
	}
	if c.Edge.MaxMessageSize > 64*1024*1024 {
		return fmt.Errorf("edge.max_message_size must not exceed 67108864 (64MB)")
	}
	if c.Edge.DrainTimeout <= 0 || c.Edge.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("edge.drain_timeout must be positive and at most 5m")
	}

	if c.Client.ServerURL != "" {
		if u, err := url.Parse(c.Client.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("client.server_url must use http:// or https:// scheme")
		}
	}
	if c.Client.TargetURL != "" {
		if u, err := url.Parse(c.Client.TargetURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("client.target_url must use http:// or https:// scheme")
		}
	}
	if c.Client.MaxMessageSize <= 0 {
		return fmt.Errorf("client.max_message_size must be positive")
	}
	if c.Client.MaxMessageSize > 64*1024*1024 {
		return fmt.Errorf("client.max_message_size must not exceed 67108864 (64MB)")
	}
	if c.Client.PingInterval <= 0 {
		return fmt.Errorf("client.ping_interval must be positive")
	}
	if c.Client.PongTimeout <= 0 {
		return fmt.Errorf("client.pong_timeout must be positive")
	}
	if c.Client.Backoff.Base <= 0 {
		return fmt.Errorf("client.backoff.base must be positive")
	}
	if c.Client.Backoff.Factor < 1 {
		return fmt.Errorf("client.backoff.factor must be at least 1")
	}
	if c.Client.Backoff.Cap < c.Client.Backoff.Base {
		return fmt.Errorf("client.backoff.cap must be at least client.backoff.base")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Ops.Enabled {
		if c.Ops.ListenAddress == "" {
			return fmt.Errorf("ops.listen_address is required when ops is enabled")
		}
		host, _, err := net.SplitHostPort(c.Ops.ListenAddress)
		if err != nil {
			return fmt.Errorf("ops.listen_address is invalid: %w", err)
		}
		if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("ops.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.Ops.ListenAddress == c.Edge.ListenAddress {
			return fmt.Errorf("edge.listen_address and ops.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies BLINK_ prefixed environment variables.
// Convention: BLINK_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"BLINK_EDGE_LISTEN_ADDRESS":   func(v string) { cfg.Edge.ListenAddress = v },
		"BLINK_EDGE_BASE_URL":         func(v string) { cfg.Edge.BaseURL = v },
		"BLINK_EDGE_MODE":             func(v string) { cfg.Edge.Mode = Mode(v) },
		"BLINK_EDGE_SERVER_SECRET":    func(v string) { cfg.Edge.ServerSecret = v },
		"BLINK_EDGE_MAX_MESSAGE_SIZE": func(v string) { cfg.Edge.MaxMessageSize = parseInt64(v, cfg.Edge.MaxMessageSize) },
		"BLINK_EDGE_DRAIN_TIMEOUT":    func(v string) { cfg.Edge.DrainTimeout = parseDuration(v, cfg.Edge.DrainTimeout) },
		"BLINK_EDGE_STATE_FILE":       func(v string) { cfg.Edge.StateFile = v },
		"BLINK_CLIENT_SERVER_URL":     func(v string) { cfg.Client.ServerURL = v },
		"BLINK_CLIENT_SECRET":         func(v string) { cfg.Client.Secret = v },
		"BLINK_CLIENT_TARGET_URL":     func(v string) { cfg.Client.TargetURL = v },
		"BLINK_CLIENT_MAX_MESSAGE_SIZE": func(v string) {
			cfg.Client.MaxMessageSize = parseInt64(v, cfg.Client.MaxMessageSize)
		},
		"BLINK_CLIENT_PING_INTERVAL": func(v string) { cfg.Client.PingInterval = parseDuration(v, cfg.Client.PingInterval) },
		"BLINK_CLIENT_PONG_TIMEOUT":  func(v string) { cfg.Client.PongTimeout = parseDuration(v, cfg.Client.PongTimeout) },
		"BLINK_LOGGING_LEVEL":        func(v string) { cfg.Logging.Level = v },
		"BLINK_LOGGING_FORMAT":       func(v string) { cfg.Logging.Format = v },
		"BLINK_LOGGING_FILE":         func(v string) { cfg.Logging.File = v },
		"BLINK_OPS_ENABLED":          func(v string) { cfg.Ops.Enabled = parseBool(v, cfg.Ops.Enabled) },
		"BLINK_OPS_LISTEN_ADDRESS":   func(v string) { cfg.Ops.ListenAddress = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
