package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TRIAGEQ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "TRIAGEQ_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.token", typ: kString, env: "TRIAGEQ_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "endpoint.url", typ: kString, env: "TRIAGEQ_ENDPOINT_URL",
		apply:   func(cfg *Config, v any) { cfg.Endpoint.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Endpoint.URL },
	},
	{
		key: "endpoint.timeout", typ: kString, env: "TRIAGEQ_ENDPOINT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Endpoint.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Endpoint.Timeout },
	},
	{
		key: "endpoint.rate_limit", typ: kFloat, env: "TRIAGEQ_ENDPOINT_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Endpoint.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Endpoint.RateLimit },
	},
	{
		key: "endpoint.api_key", typ: kString, env: "TRIAGEQ_ENDPOINT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Endpoint.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Endpoint.APIKey },
	},
	{
		key: "queue.max_items", typ: kInt, env: "TRIAGEQ_QUEUE_MAX_ITEMS",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxItems = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxItems },
	},
	{
		key: "queue.purge_schedule", typ: kString, env: "TRIAGEQ_QUEUE_PURGE_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Queue.PurgeSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.PurgeSchedule },
	},
	{
		key: "sync.backoff_base", typ: kString, env: "TRIAGEQ_SYNC_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Sync.BackoffBase = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.BackoffBase },
	},
	{
		key: "sync.backoff_max", typ: kString, env: "TRIAGEQ_SYNC_BACKOFF_MAX",
		apply:   func(cfg *Config, v any) { cfg.Sync.BackoffMax = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.BackoffMax },
	},
	{
		key: "storage.backend", typ: kString, env: "TRIAGEQ_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TRIAGEQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "connectivity.enabled", typ: kBool, env: "TRIAGEQ_CONNECTIVITY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Connectivity.Enabled },
	},
	{
		key: "connectivity.probe_url", typ: kString, env: "TRIAGEQ_CONNECTIVITY_PROBE_URL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeURL },
	},
	{
		key: "connectivity.probe_interval", typ: kString, env: "TRIAGEQ_CONNECTIVITY_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeInterval },
	},
	{
		key: "log.level", typ: kString, env: "TRIAGEQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides applies TRIAGEQ_* variables, secrets included.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
