package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dpaschal/meshd/pkg/types"
	"gopkg.in/yaml.v3"
)

// Orchestrator binary exit codes
const (
	ExitOK           = 0
	ExitConfigError  = 2
	ExitStorageError = 3
	ExitJoinTimeout  = 4
)

// TieBreak selects the scheduler's candidate ranking criterion
type TieBreak string

const (
	TieBreakCPU           TieBreak = "cpu"
	TieBreakMemory        TieBreak = "memory"
	TieBreakLexicographic TieBreak = "lexicographic"
)

// PluginConfig toggles a named plugin
type PluginConfig struct {
	Enabled bool           `yaml:"enabled"`
	Options map[string]any `yaml:"options,omitempty"`
}

// Config holds every recognized option of the orchestrator daemon
type Config struct {
	NodeID   string   `yaml:"node_id"`
	Hostname string   `yaml:"hostname,omitempty"`
	BindAddr string   `yaml:"bind_addr"` // consensus transport
	APIAddr  string   `yaml:"api_addr"`  // gRPC services
	DataDir  string   `yaml:"data_dir"`
	Tags     []string `yaml:"tags,omitempty"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	ElectionTimeoutMinMs  int64 `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs  int64 `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMs   int64 `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs    int64 `yaml:"heartbeat_timeout_ms"`
	EphemeralCleanupTTLMs int64 `yaml:"ephemeral_cleanup_ttl_ms"`

	RetryDefaultMaxRetries        int     `yaml:"retry_default_max_retries"`
	RetryDefaultBackoffMs         int64   `yaml:"retry_default_backoff_ms"`
	RetryDefaultBackoffMultiplier float64 `yaml:"retry_default_backoff_multiplier"`
	RetryDefaultRetryable         bool    `yaml:"retry_default_retryable"`

	AutoApproveEphemeral bool     `yaml:"auto_approve_ephemeral"`
	AutoApproveTags      []string `yaml:"auto_approve_tags,omitempty"`

	SchedulerTieBreak         TieBreak `yaml:"scheduler_tie_break"`
	DispatchStreamBufferBytes int      `yaml:"dispatch_stream_buffer_bytes"`

	JoinTimeoutMs int64 `yaml:"join_timeout_ms"`

	Plugins map[string]PluginConfig `yaml:"plugins,omitempty"`
}

// Default returns the configuration defaults tuned for a LAN mesh
func Default() *Config {
	return &Config{
		BindAddr:              "127.0.0.1:7946",
		APIAddr:               "127.0.0.1:8080",
		DataDir:               "./meshd-data",
		ElectionTimeoutMinMs:  150,
		ElectionTimeoutMaxMs:  300,
		HeartbeatIntervalMs:   5000,
		HeartbeatTimeoutMs:    15000,
		EphemeralCleanupTTLMs: 3600000,

		RetryDefaultMaxRetries:        3,
		RetryDefaultBackoffMs:         1000,
		RetryDefaultBackoffMultiplier: 2.0,
		RetryDefaultRetryable:         true,

		AutoApproveEphemeral:      true,
		SchedulerTieBreak:         TieBreakCPU,
		DispatchStreamBufferBytes: 1 << 20,
		JoinTimeoutMs:             30000,
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for structural errors
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.BindAddr == "" || c.APIAddr == "" {
		return fmt.Errorf("bind_addr and api_addr are required")
	}
	if c.ElectionTimeoutMinMs <= 0 || c.ElectionTimeoutMaxMs < c.ElectionTimeoutMinMs {
		return fmt.Errorf("election timeout bounds invalid: [%d, %d]",
			c.ElectionTimeoutMinMs, c.ElectionTimeoutMaxMs)
	}
	if c.HeartbeatIntervalMs <= 0 || c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		return fmt.Errorf("heartbeat_timeout_ms must exceed heartbeat_interval_ms")
	}
	switch c.SchedulerTieBreak {
	case TieBreakCPU, TieBreakMemory, TieBreakLexicographic:
	default:
		return fmt.Errorf("unknown scheduler_tie_break %q", c.SchedulerTieBreak)
	}
	if c.DispatchStreamBufferBytes <= 0 {
		return fmt.Errorf("dispatch_stream_buffer_bytes must be positive")
	}
	return nil
}

// DefaultRetryPolicy materializes the retry knobs as a task policy
func (c *Config) DefaultRetryPolicy() types.RetryPolicy {
	return types.RetryPolicy{
		MaxRetries:        c.RetryDefaultMaxRetries,
		BackoffMs:         c.RetryDefaultBackoffMs,
		BackoffMultiplier: c.RetryDefaultBackoffMultiplier,
		Retryable:         c.RetryDefaultRetryable,
	}
}

// AutoApproves reports whether a joining node with the given tags bypasses
// manual approval
func (c *Config) AutoApproves(tags []string) bool {
	for _, tag := range tags {
		if tag == types.TagEphemeral && c.AutoApproveEphemeral {
			return true
		}
		for _, trusted := range c.AutoApproveTags {
			if tag == trusted {
				return true
			}
		}
	}
	return false
}

// Duration helpers for the millisecond knobs

func (c *Config) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.ElectionTimeoutMinMs) * time.Millisecond
}

func (c *Config) ElectionTimeoutMax() time.Duration {
	return time.Duration(c.ElectionTimeoutMaxMs) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

func (c *Config) EphemeralCleanupTTL() time.Duration {
	return time.Duration(c.EphemeralCleanupTTLMs) * time.Millisecond
}

func (c *Config) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutMs) * time.Millisecond
}

// PluginEnabled reports whether the named plugin is toggled on
func (c *Config) PluginEnabled(name string) bool {
	p, ok := c.Plugins[name]
	return ok && p.Enabled
}
