package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the flowmint daemon.
type Config struct {
	Port    int    `yaml:"port"`
	Version string `yaml:"version"`
	UserID  string `yaml:"user_id"`
	DataDir string `yaml:"data_dir"`
	Demo    bool   `yaml:"demo"`

	// SnapshotPath is the JSON file the pattern store persists to. Empty
	// keeps patterns in memory only.
	SnapshotPath string `yaml:"snapshot_path"`

	// APIKeys protect the local API when non-empty.
	APIKeys []string `yaml:"api_keys"`

	Remote    RemoteConfig    `yaml:"remote"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	CORS      CORSConfig      `yaml:"cors"`
}

type RemoteConfig struct {
	// BaseURL is the analysis service API root, e.g. http://localhost:8000/api.
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ForwarderConfig struct {
	FlushInterval  time.Duration `yaml:"flush_interval"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// DeadLetterPath is the SQLite file for exhausted records.
	// Empty keeps dead letters in memory only.
	DeadLetterPath string `yaml:"dead_letter_path"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:    7345,
		Version: "0.1.0",
		UserID:  "demo_user",
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8000/api",
			Timeout: 15 * time.Second,
		},
		Forwarder: ForwarderConfig{
			FlushInterval:  time.Second,
			QueueCapacity:  1000,
			MaxAttempts:    5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "flowmint",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000", "chrome-extension://*"},
		},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// FLOWMINT_CONFIG (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("FLOWMINT_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if cfg.DataDir != "" {
		if cfg.Forwarder.DeadLetterPath == "" {
			cfg.Forwarder.DeadLetterPath = filepath.Join(cfg.DataDir, "deadletters.db")
		}
		if cfg.SnapshotPath == "" {
			cfg.SnapshotPath = filepath.Join(cfg.DataDir, "patterns.json")
		}
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("FLOWMINT_PORT", c.Port)
	c.Version = envStr("FLOWMINT_VERSION", c.Version)
	c.UserID = envStr("FLOWMINT_USER_ID", c.UserID)
	c.DataDir = envStr("FLOWMINT_DATA_DIR", c.DataDir)
	c.Demo = envBool("FLOWMINT_DEMO", c.Demo)
	c.SnapshotPath = envStr("FLOWMINT_SNAPSHOT_PATH", c.SnapshotPath)
	c.APIKeys = envList("FLOWMINT_API_KEYS", c.APIKeys)
	c.CORS.AllowedOrigins = envList("FLOWMINT_CORS_ORIGINS", c.CORS.AllowedOrigins)

	c.Remote.BaseURL = envStr("FLOWMINT_REMOTE_URL", c.Remote.BaseURL)
	c.Remote.Timeout = envDuration("FLOWMINT_REMOTE_TIMEOUT", c.Remote.Timeout)

	c.Forwarder.FlushInterval = envDuration("FLOWMINT_FLUSH_INTERVAL", c.Forwarder.FlushInterval)
	c.Forwarder.QueueCapacity = envInt("FLOWMINT_QUEUE_CAPACITY", c.Forwarder.QueueCapacity)
	c.Forwarder.MaxAttempts = envInt("FLOWMINT_MAX_ATTEMPTS", c.Forwarder.MaxAttempts)
	c.Forwarder.InitialBackoff = envDuration("FLOWMINT_INITIAL_BACKOFF", c.Forwarder.InitialBackoff)
	c.Forwarder.MaxBackoff = envDuration("FLOWMINT_MAX_BACKOFF", c.Forwarder.MaxBackoff)
	c.Forwarder.DeadLetterPath = envStr("FLOWMINT_DEAD_LETTER_PATH", c.Forwarder.DeadLetterPath)

	c.Reconcile.Interval = envDuration("FLOWMINT_RECONCILE_INTERVAL", c.Reconcile.Interval)

	c.Telemetry.Enabled = envBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envList reads a comma-separated list, dropping empty items.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
