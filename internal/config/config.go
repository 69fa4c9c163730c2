// Package config holds the orchestrator binary's run configuration:
// defaults, an optional YAML file, then CLI flags, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's run configuration. YAML keys match the CLI
// flag names; environment references in the file ($VAR or ${VAR}) are
// expanded before parsing.
type Config struct {
	// Provider selects the key source: "env" loads real provider keys from
	// the environment; "random" runs the network-free test provider only.
	Provider string `yaml:"provider"`

	// Topic, Producers, Iterations, RequestSize configure CLI (one-shot)
	// mode. Iterations nil means unbounded.
	Topic       string  `yaml:"topic"`
	Producers   int     `yaml:"producers"`
	Iterations  *uint64 `yaml:"iterations"`
	RequestSize int     `yaml:"request_size"`

	// Output is the base directory for per-topic folders.
	Output string `yaml:"output"`

	// WebserverAddr enables webserver mode when set: the HTTP bind address
	// for the spawned dashboard webserver.
	WebserverAddr string `yaml:"webserver_addr"`
	// ProducerAddr is the orchestrator's producer-update listen address.
	ProducerAddr string `yaml:"producer_addr"`

	// MetricsAddr, when set, exposes Prometheus metrics there.
	MetricsAddr string `yaml:"metrics_addr"`
	// TraceEndpoint, when set, exports OTLP traces and is inherited by
	// children.
	TraceEndpoint string `yaml:"trace_ep"`

	// LogLevel and LogFormat configure logging for this process and its
	// children.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// FlushIntervalMillis overrides the output sync cadence.
	FlushIntervalMillis int `yaml:"flush_interval_ms"`
}

// FlushInterval returns the output sync cadence, zero meaning the
// orchestrator default.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMillis) * time.Millisecond
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Provider:     "env",
		Producers:    2,
		RequestSize:  50,
		Output:       "outputs",
		ProducerAddr: "127.0.0.1:0",
		LogLevel:     "info",
		LogFormat:    "json",
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// CLIMode reports whether the configuration runs a single session and
// exits, as opposed to serving indefinitely under webserver control.
func (c *Config) CLIMode() bool { return c.WebserverAddr == "" }

// Validate checks the configuration for the selected mode. Violations are
// configuration errors and fatal at startup.
func (c *Config) Validate() error {
	switch c.Provider {
	case "env", "random":
	default:
		return fmt.Errorf("config: provider must be \"env\" or \"random\", got %q", c.Provider)
	}
	if c.CLIMode() {
		if c.Topic == "" {
			return fmt.Errorf("config: topic is required in CLI mode")
		}
	}
	if c.Producers < 1 {
		return fmt.Errorf("config: producers must be at least 1, got %d", c.Producers)
	}
	if c.RequestSize < 1 {
		return fmt.Errorf("config: request_size must be at least 1, got %d", c.RequestSize)
	}
	return nil
}
