package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SeedBot defines a bot definition read from config.yaml's seed_bots list.
// At startup (and after a config reload) each seed whose bot_id has no
// definition in the StateStore yet is created; existing definitions are
// left untouched.
type SeedBot struct {
	BotID                string            `yaml:"bot_id"`
	Name                 string            `yaml:"name"`
	Description          string            `yaml:"description"`
	AdapterType          string            `yaml:"adapter_type"`
	DeclaredCapabilities []string          `yaml:"declared_capabilities"`
	Configuration        map[string]string `yaml:"configuration"`
}

// Config is the core's runtime configuration. Fields map directly to the
// env vars documented in spec §6; config.yaml, when present, supplies
// defaults that env vars override.
type Config struct {
	HomeDir string `yaml:"-"`

	ListenAddress string `yaml:"listen_address"`
	AdminToken    string `yaml:"-"` // never persisted to disk; env only

	HeartbeatIntervalSeconds   int `yaml:"heartbeat_interval_seconds"`
	HeartbeatGraceFactor       int `yaml:"heartbeat_grace_factor"`
	HandshakeTimeoutSeconds    int `yaml:"handshake_timeout_seconds"`
	DrainTimeoutSeconds        int `yaml:"drain_timeout_seconds"`
	DispatchDefaultDeadlineSec int `yaml:"dispatch_default_deadline_seconds"`

	ContextSweepIntervalSeconds int `yaml:"context_sweep_interval_seconds"`

	StateStoreURL string `yaml:"state_store_url"`

	LogLevel string `yaml:"log_level"`

	Observability ObservabilityConfig `yaml:"observability"`

	SeedBots []SeedBot `yaml:"seed_bots"`
}

// ObservabilityConfig mirrors observability.Config so it can be loaded
// from config.yaml without internal/config importing internal/observability.
type ObservabilityConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		ListenAddress:               "127.0.0.1:8443",
		HeartbeatIntervalSeconds:    30,
		HeartbeatGraceFactor:        3,
		HandshakeTimeoutSeconds:     10,
		DrainTimeoutSeconds:         30,
		DispatchDefaultDeadlineSec:  30,
		ContextSweepIntervalSeconds: 60,
		StateStoreURL:               "sqlite://./botcore.db",
		LogLevel:                    "info",
		Observability: ObservabilityConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("BOTCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".botcore")
}

// Load reads config.yaml (if present), applies env var overrides, and
// normalizes the result. Env vars always win over file values.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create botcore home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1:8443"
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 30
	}
	if cfg.HeartbeatGraceFactor <= 0 {
		cfg.HeartbeatGraceFactor = 3
	}
	if cfg.HandshakeTimeoutSeconds <= 0 {
		cfg.HandshakeTimeoutSeconds = 10
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 30
	}
	if cfg.DispatchDefaultDeadlineSec <= 0 {
		cfg.DispatchDefaultDeadlineSec = 30
	}
	if cfg.ContextSweepIntervalSeconds <= 0 {
		cfg.ContextSweepIntervalSeconds = 60
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Observability.Exporter == "" {
		cfg.Observability.Exporter = "stdout"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LISTEN_ADDRESS"); raw != "" {
		cfg.ListenAddress = raw
	}
	if raw := os.Getenv("ADMIN_TOKEN"); raw != "" {
		cfg.AdminToken = raw
	}
	if raw := os.Getenv("HEARTBEAT_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalSeconds = v
		}
	}
	if raw := os.Getenv("HEARTBEAT_GRACE_FACTOR"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatGraceFactor = v
		}
	}
	if raw := os.Getenv("HANDSHAKE_TIMEOUT_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HandshakeTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("DRAIN_TIMEOUT_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("DISPATCH_DEFAULT_DEADLINE_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DispatchDefaultDeadlineSec = v
		}
	}
	if raw := os.Getenv("STATE_STORE_URL"); raw != "" {
		cfg.StateStoreURL = raw
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
}

// Fingerprint returns a stable hash of the active config, used to detect
// whether a hot-reloaded config.yaml actually changed anything the
// running process cares about.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "listen=%s|hb=%d|grace=%d|handshake=%d|drain=%d|deadline=%d|store=%s|log=%s",
		c.ListenAddress, c.HeartbeatIntervalSeconds, c.HeartbeatGraceFactor,
		c.HandshakeTimeoutSeconds, c.DrainTimeoutSeconds, c.DispatchDefaultDeadlineSec,
		c.StateStoreURL, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// HeartbeatInterval and friends convert the integer-seconds config fields
// into time.Duration for callers that schedule timers.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) DispatchDefaultDeadline() time.Duration {
	return time.Duration(c.DispatchDefaultDeadlineSec) * time.Second
}

func (c Config) ContextSweepInterval() time.Duration {
	return time.Duration(c.ContextSweepIntervalSeconds) * time.Second
}
