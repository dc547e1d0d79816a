// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runbeam/dispatch/pkg/errors"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LaneConfig sizes one executor lane.
type LaneConfig struct {
	Name      string `yaml:"name"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
}

// Config is the daemon configuration.
type Config struct {
	Server struct {
		// Listen is the HTTP listen address.
		Listen string `yaml:"listen"`

		// ShutdownTimeout bounds graceful drain on SIGTERM.
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Ledger struct {
		// Backend selects the run store: sqlite, postgres, or memory.
		Backend string `yaml:"backend"`

		SQLite struct {
			Path string `yaml:"path"`
			WAL  bool   `yaml:"wal"`
		} `yaml:"sqlite"`

		Postgres struct {
			DSN          string `yaml:"dsn"`
			MaxOpenConns int    `yaml:"max_open_conns"`
		} `yaml:"postgres"`
	} `yaml:"ledger"`

	Executor struct {
		// Default selects the executor for unrouted lanes: memory or
		// local.
		Default string `yaml:"default"`

		Local struct {
			MaxConcurrent int `yaml:"max_concurrent"`

			// HeartbeatTimeout enables the watchdog when set. Only
			// enable it for handlers that report progress.
			HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`

			Lanes []LaneConfig `yaml:"lanes"`
		} `yaml:"local"`
	} `yaml:"executor"`

	Retry struct {
		MaxRetries int      `yaml:"max_retries"`
		Backoff    string   `yaml:"backoff"`
		Base       Duration `yaml:"base"`
		MaxDelay   Duration `yaml:"max_delay"`
		Jitter     string   `yaml:"jitter"`
	} `yaml:"retry"`

	Circuit struct {
		Enabled          bool     `yaml:"enabled"`
		FailureThreshold int      `yaml:"failure_threshold"`
		FailureWindow    Duration `yaml:"failure_window"`
		RecoveryTimeout  Duration `yaml:"recovery_timeout"`
	} `yaml:"circuit"`

	Rate struct {
		Enabled bool `yaml:"enabled"`

		// Algorithm selects token_bucket or sliding_window.
		Algorithm    string   `yaml:"algorithm"`
		Capacity     int      `yaml:"capacity"`
		RefillPerSec float64  `yaml:"refill_per_sec"`
		Window       Duration `yaml:"window"`
		MaxRequests  int      `yaml:"max_requests"`
		Blocking     bool     `yaml:"blocking"`
	} `yaml:"rate"`

	DLQ struct {
		Enabled       bool     `yaml:"enabled"`
		RetentionDays int      `yaml:"retention_days"`
		PurgeInterval Duration `yaml:"purge_interval"`
	} `yaml:"dlq"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`

	Workflows struct {
		// Dir holds YAML workflow definitions loaded at startup.
		Dir string `yaml:"dir"`
	} `yaml:"workflows"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Listen = "127.0.0.1:8412"
	cfg.Server.ShutdownTimeout = Duration(30 * time.Second)
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Ledger.Backend = "sqlite"
	cfg.Ledger.SQLite.Path = "dispatch.db"
	cfg.Ledger.SQLite.WAL = true
	cfg.Executor.Default = "local"
	cfg.Executor.Local.MaxConcurrent = 8
	cfg.Retry.MaxRetries = 3
	cfg.Retry.Backoff = "exponential"
	cfg.Retry.Base = Duration(time.Second)
	cfg.Retry.MaxDelay = Duration(30 * time.Second)
	cfg.Retry.Jitter = "equal"
	cfg.Circuit.Enabled = true
	cfg.Circuit.FailureThreshold = 5
	cfg.Circuit.FailureWindow = Duration(time.Minute)
	cfg.Circuit.RecoveryTimeout = Duration(30 * time.Second)
	cfg.DLQ.Enabled = true
	cfg.DLQ.RetentionDays = 14
	cfg.DLQ.PurgeInterval = Duration(time.Hour)
	cfg.Metrics.Enabled = true
	cfg.Tracing.ServiceName = "dispatchd"
	return cfg
}

// Load reads the config file (optional) and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "config", Reason: "failed to read config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "config", Reason: "failed to parse config file", Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides select keys from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DISPATCH_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("DISPATCH_LEDGER_BACKEND"); v != "" {
		cfg.Ledger.Backend = v
	}
	if v := os.Getenv("DISPATCH_SQLITE_PATH"); v != "" {
		cfg.Ledger.SQLite.Path = v
	}
	if v := os.Getenv("DISPATCH_POSTGRES_DSN"); v != "" {
		cfg.Ledger.Postgres.DSN = v
	}
	if v := os.Getenv("DISPATCH_EXECUTOR"); v != "" {
		cfg.Executor.Default = v
	}
	if v := os.Getenv("DISPATCH_DLQ_ENABLED"); v != "" {
		cfg.DLQ.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DISPATCH_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Executor.Local.MaxConcurrent = n
		}
	}
	if v := os.Getenv("DISPATCH_WORKFLOWS_DIR"); v != "" {
		cfg.Workflows.Dir = v
	}
}

// Validate checks enum-valued keys.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "sqlite", "postgres", "memory":
	default:
		return &errors.ConfigError{
			Key:    "ledger.backend",
			Reason: fmt.Sprintf("unknown backend %q (want sqlite, postgres, or memory)", c.Ledger.Backend),
		}
	}
	if c.Ledger.Backend == "postgres" && c.Ledger.Postgres.DSN == "" {
		return &errors.ConfigError{Key: "ledger.postgres.dsn", Reason: "postgres backend requires a DSN"}
	}

	switch c.Executor.Default {
	case "memory", "local":
	default:
		return &errors.ConfigError{
			Key:    "executor.default",
			Reason: fmt.Sprintf("unknown executor %q (want memory or local)", c.Executor.Default),
		}
	}

	switch c.Retry.Backoff {
	case "", "constant", "linear", "exponential", "fibonacci":
	default:
		return &errors.ConfigError{
			Key:    "retry.backoff",
			Reason: fmt.Sprintf("unknown backoff strategy %q", c.Retry.Backoff),
		}
	}

	switch c.Retry.Jitter {
	case "", "none", "full", "equal":
	default:
		return &errors.ConfigError{
			Key:    "retry.jitter",
			Reason: fmt.Sprintf("unknown jitter mode %q", c.Retry.Jitter),
		}
	}

	if c.Rate.Enabled {
		switch c.Rate.Algorithm {
		case "token_bucket", "sliding_window":
		default:
			return &errors.ConfigError{
				Key:    "rate.algorithm",
				Reason: fmt.Sprintf("unknown algorithm %q (want token_bucket or sliding_window)", c.Rate.Algorithm),
			}
		}
	}

	for _, lane := range c.Executor.Local.Lanes {
		if lane.Name == "" {
			return &errors.ConfigError{Key: "executor.local.lanes", Reason: "lane name cannot be empty"}
		}
	}
	return nil
}
