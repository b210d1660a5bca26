// Package config loads stepflow settings from a YAML file, STEPFLOW_*
// environment variables and built-in defaults, in increasing precedence
// order: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultFile is read when Load is given no path. A missing default file is
// not an error.
const DefaultFile = "stepflow.yaml"

const envPrefix = "STEPFLOW_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string       `koanf:"driver"`
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	DSN string `koanf:"dsn"`
}

type ExecutorConfig struct {
	SimulateLatency bool          `koanf:"simulate_latency"`
	APICallLatency  time.Duration `koanf:"api_call_latency"`
	SeedSamples     bool          `koanf:"seed_samples"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":               8080,
	"server.request_timeout":    "60s",
	"storage.driver":            "memory",
	"storage.sqlite.dsn":        "file:stepflow?mode=memory&cache=shared",
	"executor.simulate_latency": true,
	"executor.api_call_latency": "500ms",
	"executor.seed_samples":     true,
	"log.level":                 "info",
	"log.format":                "text",
	"telemetry.enabled":         false,
	"telemetry.service_name":    "stepflow",
}

// Load reads configuration. An empty path reads DefaultFile if it exists;
// an explicit path must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// STEPFLOW_SERVER__PORT -> server.port
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RequestTimeout <= 0 {
		problems = append(problems, "server.request_timeout must be positive")
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q must be memory or sqlite", c.Storage.Driver))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Executor.APICallLatency < 0 {
		problems = append(problems, "executor.api_call_latency must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
