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

// Package daemon wires C1-C9 into the running orchestratord process,
// grounded on internal/daemon/daemon.go's Daemon struct and
// cmd/conductord/main.go's flag/config/signal handling.
package daemon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is orchestratord's top-level configuration, following
// internal/config.Config's yaml-tag + env-override convention but scoped
// to what the job orchestration spec needs instead of workflow triggers.
type Config struct {
	Listen  ListenConfig  `yaml:"listen,omitempty"`
	Auth    AuthConfig    `yaml:"auth,omitempty"`
	Backend BackendConfig `yaml:"backend,omitempty"`

	// BackendQueues configures per-agentbackend-kind scheduler capacity,
	// keyed by agentbackend.Kind string (e.g. "cli", "dsl").
	BackendQueues map[string]QueueConfig `yaml:"backend_queues,omitempty"`

	// RateLimits configures named per-user rate limits, e.g.
	// {"submit": "100/1h"} parsed via ratelimit.ParseLimit.
	RateLimits map[string]string `yaml:"rate_limits,omitempty"`

	DefaultJobTimeout time.Duration `yaml:"default_job_timeout,omitempty"`
	BufferMaxBytes    int           `yaml:"buffer_max_bytes,omitempty"`
	ActiveTTL         time.Duration `yaml:"active_ttl,omitempty"`
	RetentionTTL      time.Duration `yaml:"retention_ttl,omitempty"`
	DrainTimeout      time.Duration `yaml:"drain_timeout,omitempty"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout,omitempty"`

	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// ListenConfig configures how orchestratord listens for connections,
// matching internal/config.ControllerListenConfig's shape.
type ListenConfig struct {
	SocketPath  string `yaml:"socket_path,omitempty"`
	TCPAddr     string `yaml:"tcp_addr,omitempty"`
	AllowRemote bool   `yaml:"allow_remote"`
}

// AuthConfig configures the API key auth middleware (internal/daemon/auth).
type AuthConfig struct {
	Enabled         bool     `yaml:"enabled"`
	APIKeys         []string `yaml:"api_keys,omitempty"`
	AllowUnixSocket bool     `yaml:"allow_unix_socket"`
}

// BackendConfig selects the state store implementation (C1).
type BackendConfig struct {
	// Type is "memory", "redis", or "sqlite".
	Type  string      `yaml:"type,omitempty"`
	Redis RedisConfig `yaml:"redis,omitempty"`
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`
}

// RedisConfig contains Redis connection settings for the shared store.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// SQLiteConfig contains the embedded single-node store's settings.
type SQLiteConfig struct {
	Path string `yaml:"path,omitempty"`
}

// QueueConfig configures one backend kind's scheduler (C5).
type QueueConfig struct {
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
	MaxQueueSize  int `yaml:"max_queue_size,omitempty"`
}

// ObservabilityConfig configures the metrics aggregator (C9).
type ObservabilityConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty"`
	SampleSize     int    `yaml:"sample_size,omitempty"`
}

// Default returns a Config with sensible defaults, matching
// internal/config.Default()'s secure-by-default posture.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{SocketPath: "/tmp/orchestratord.sock"},
		Auth: AuthConfig{
			Enabled:         true,
			AllowUnixSocket: true,
		},
		Backend: BackendConfig{Type: "memory"},
		BackendQueues: map[string]QueueConfig{
			"cli": {MaxConcurrent: 4, MaxQueueSize: 100},
			"dsl": {MaxConcurrent: 8, MaxQueueSize: 200},
		},
		RateLimits:        map[string]string{"submit": "100/1h"},
		DefaultJobTimeout: 5 * time.Minute,
		BufferMaxBytes:    1 << 20, // 1MiB
		ActiveTTL:         time.Hour,
		RetentionTTL:      24 * time.Hour,
		DrainTimeout:      30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Observability: ObservabilityConfig{
			Enabled:        false,
			ServiceName:    "orchestratord",
			ServiceVersion: "dev",
			SampleSize:     1000,
		},
	}
}

// Load reads configuration from path (if non-empty) layered over Default,
// then applies environment variable overrides, mirroring
// internal/config.LoadDaemon's load-then-env-override shape.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCHESTRATOR_SOCKET"); v != "" {
		cfg.Listen.SocketPath = v
	}
	if v := os.Getenv("ORCHESTRATOR_TCP_ADDR"); v != "" {
		cfg.Listen.TCPAddr = v
	}
	if v := os.Getenv("ORCHESTRATOR_BACKEND"); v != "" {
		cfg.Backend.Type = v
	}
	if v := os.Getenv("ORCHESTRATOR_REDIS_ADDR"); v != "" {
		cfg.Backend.Redis.Addr = v
	}
	if v := os.Getenv("ORCHESTRATOR_SQLITE_PATH"); v != "" {
		cfg.Backend.SQLite.Path = v
	}
}
