package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dpaschal/meshd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:7946", cfg.BindAddr)
	assert.Equal(t, "127.0.0.1:8080", cfg.APIAddr)
	assert.Equal(t, TieBreakCPU, cfg.SchedulerTieBreak)
	assert.True(t, cfg.AutoApproveEphemeral)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 15*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 30*time.Second, cfg.JoinTimeout())
	assert.Equal(t, time.Hour, cfg.EphemeralCleanupTTL())
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: worker-1
bind_addr: 0.0.0.0:7946
tags: [gpu, lab]
heartbeat_interval_ms: 2000
heartbeat_timeout_ms: 6000
scheduler_tie_break: memory
plugins:
  port-scanner:
    enabled: true
    options:
      range: 192.168.1.0/24
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", cfg.NodeID)
	assert.Equal(t, "0.0.0.0:7946", cfg.BindAddr)
	assert.Equal(t, []string{"gpu", "lab"}, cfg.Tags)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, TieBreakMemory, cfg.SchedulerTieBreak)
	// untouched keys keep their defaults
	assert.Equal(t, "127.0.0.1:8080", cfg.APIAddr)
	assert.True(t, cfg.PluginEnabled("port-scanner"))
}

func TestLoadMissingPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load("/nonexistent/meshd.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.NodeID = "n1"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing node id", func(c *Config) { c.NodeID = "" }, "node_id"},
		{"missing bind addr", func(c *Config) { c.BindAddr = "" }, "bind_addr"},
		{"missing api addr", func(c *Config) { c.APIAddr = "" }, "bind_addr and api_addr"},
		{"election bounds inverted", func(c *Config) {
			c.ElectionTimeoutMinMs = 300
			c.ElectionTimeoutMaxMs = 150
		}, "election timeout"},
		{"heartbeat timeout too small", func(c *Config) {
			c.HeartbeatTimeoutMs = c.HeartbeatIntervalMs
		}, "heartbeat_timeout_ms"},
		{"unknown tie break", func(c *Config) { c.SchedulerTieBreak = "random" }, "scheduler_tie_break"},
		{"zero stream buffer", func(c *Config) { c.DispatchStreamBufferBytes = 0 }, "dispatch_stream_buffer_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestAutoApproves(t *testing.T) {
	cfg := Default()
	cfg.AutoApproveTags = []string{"lab"}

	assert.True(t, cfg.AutoApproves([]string{types.TagEphemeral}))
	assert.True(t, cfg.AutoApproves([]string{"gpu", "lab"}))
	assert.False(t, cfg.AutoApproves([]string{"gpu"}))
	assert.False(t, cfg.AutoApproves(nil))

	cfg.AutoApproveEphemeral = false
	assert.False(t, cfg.AutoApproves([]string{types.TagEphemeral}))
}

func TestPluginEnabled(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.PluginEnabled("port-scanner"))

	cfg.Plugins = map[string]PluginConfig{
		"port-scanner": {Enabled: true},
		"disabled":     {Enabled: false},
	}
	assert.True(t, cfg.PluginEnabled("port-scanner"))
	assert.False(t, cfg.PluginEnabled("disabled"))
	assert.False(t, cfg.PluginEnabled("unknown"))
}

func TestDefaultRetryPolicy(t *testing.T) {
	cfg := Default()
	policy := cfg.DefaultRetryPolicy()
	assert.Equal(t, types.RetryPolicy{
		MaxRetries:        3,
		BackoffMs:         1000,
		BackoffMultiplier: 2.0,
		Retryable:         true,
	}, policy)
}
