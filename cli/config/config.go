// Package config loads afar.yaml, the defaults file for afar commands.
//
// Every value is optional. Command-line flags override file values.
package config

import (
	"fmt"
	"time"
)

// Executor kinds.
const (
	ExecutorLocal   = "local"
	ExecutorProcess = "process"
	ExecutorNone    = "none"
)

// Bus types.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusKafka  = "kafka"
)

// Front-end modes.
const (
	FrontendTerminal = "terminal"
	FrontendTUI      = "tui"
	FrontendNone     = "none"
)

// Config is the afar.yaml document.
type Config struct {
	SessionID string         `yaml:"session_id"`
	Executor  ExecutorConfig `yaml:"executor"`
	Store     StoreConfig    `yaml:"store"`
	Bus       BusConfig      `yaml:"bus"`
	Journal   JournalConfig  `yaml:"journal"`
	Notify    NotifyConfig   `yaml:"notify"`
	Frontend  FrontendConfig `yaml:"frontend"`
}

// ExecutorConfig selects the default executor of a session.
type ExecutorConfig struct {
	// Kind is local, process or none.
	Kind string `yaml:"kind"`
	// Name binds the executor as a global of that name.
	Name string `yaml:"name"`
	// Workers is the process count, or the local parallelism.
	Workers int `yaml:"workers"`
	// Command starts one process worker; "--id <id>" is appended.
	Command      []string `yaml:"command"`
	Env          []string `yaml:"env,omitempty"`
	ReadyTimeout Duration `yaml:"ready_timeout,omitempty"`
	Respawn      bool     `yaml:"respawn"`
}

// StoreConfig locates the blob store and journal.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	// Prefix namespaces blobs within the store.
	Prefix string `yaml:"prefix"`
}

// BusConfig selects the relay event bus.
type BusConfig struct {
	Type string `yaml:"type"`
	// URL is the Redis connection URL.
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
	// Brokers are the Kafka bootstrap brokers.
	Brokers []string `yaml:"brokers"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Retries *int     `yaml:"retries,omitempty"`
}

// JournalConfig controls the block journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dataset string `yaml:"dataset"`
}

// NotifyConfig configures the block webhook. Empty URL disables it.
type NotifyConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// FrontendConfig selects where block output goes.
type FrontendConfig struct {
	Mode string `yaml:"mode"`
	// Async relays remote output per block as it arrives.
	Async bool `yaml:"async"`
}

// Validate reports the first invalid enumerated value.
func (c *Config) Validate() error {
	switch c.Executor.Kind {
	case "", ExecutorLocal, ExecutorNone:
	case ExecutorProcess:
		if len(c.Executor.Command) == 0 {
			return fmt.Errorf("executor.command is required for the process executor")
		}
	default:
		return fmt.Errorf("invalid executor.kind %q (must be local, process or none)", c.Executor.Kind)
	}
	if c.Executor.Workers < 0 {
		return fmt.Errorf("executor.workers must be >= 0, got %d", c.Executor.Workers)
	}
	switch c.Bus.Type {
	case "", BusMemory:
	case BusRedis:
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required for the redis bus")
		}
	case BusKafka:
		if len(c.Bus.Brokers) == 0 {
			return fmt.Errorf("bus.brokers is required for the kafka bus")
		}
	default:
		return fmt.Errorf("invalid bus.type %q (must be memory, redis or kafka)", c.Bus.Type)
	}
	switch c.Frontend.Mode {
	case "", FrontendTerminal, FrontendTUI, FrontendNone:
	default:
		return fmt.Errorf("invalid frontend.mode %q (must be terminal, tui or none)", c.Frontend.Mode)
	}
	return nil
}

// Duration wraps time.Duration for YAML strings such as "10s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
