package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	Server       ServerConfig
	Endpoint     EndpointConfig
	Queue        QueueConfig
	Sync         SyncConfig
	Storage      StorageConfig
	Connectivity ConnectivityConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
	Token    string
}

type EndpointConfig struct {
	URL       string
	Timeout   string
	RateLimit float64
	APIKey    string
}

type QueueConfig struct {
	MaxItems      int
	PurgeSchedule string
}

type SyncConfig struct {
	BackoffBase string
	BackoffMax  string
}

type StorageConfig struct {
	Backend string
	DataDir string
}

type ConnectivityConfig struct {
	Enabled       bool
	ProbeURL      string
	ProbeInterval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Endpoint: EndpointConfig{
			URL:     "http://localhost:5000/api/triage",
			Timeout: "10s",
		},
		Queue: QueueConfig{
			MaxItems:      50,
			PurgeSchedule: "@daily",
		},
		Sync: SyncConfig{
			BackoffBase: "1s",
			BackoffMax:  "1m",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: defaultDataDir(),
		},
		Connectivity: ConnectivityConfig{
			Enabled:       true,
			ProbeInterval: "15s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from $XDG_CONFIG_HOME/triageq/config.toml, then
// applies TRIAGEQ_* environment variables, then fills secrets that are
// still empty from the secret store.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		v, err := secrets.Get(s.key)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("could not read secret", "key", s.key, "error", err)
			continue
		}
		s.apply(&cfg, v)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Endpoint.URL == "" {
		errs = append(errs, errors.New("endpoint.url is required"))
	}
	if c.Queue.MaxItems <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_items must be positive, got %d", c.Queue.MaxItems))
	}
	for key, raw := range map[string]string{
		"endpoint.timeout":           c.Endpoint.Timeout,
		"sync.backoff_base":          c.Sync.BackoffBase,
		"sync.backoff_max":           c.Sync.BackoffMax,
		"connectivity.probe_interval": c.Connectivity.ProbeInterval,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Duration parses raw, returning def when it is empty or malformed.
func Duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ProbeURL returns the URL the connectivity prober checks, defaulting to
// the endpoint itself.
func (c Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.Endpoint.URL
}
