package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetGuard/internal/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10000, cfg.Engine.EventQueueSize)
	assert.Equal(t, 1000, cfg.Engine.AlertQueueSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.SampleInterval.D())
	assert.Equal(t, 300*time.Second, cfg.Mitigation.Duration.D())
	assert.Equal(t, 5*time.Second, cfg.Mitigation.ActuatorTimeout.D())
	assert.Len(t, cfg.Slices.Definitions, 3)
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
engine:
  sample_interval: 250ms
  flow_idle_timeout: 120
mitigation:
  block_threshold: 0.95
actuator:
  type: ryu
  ryu:
    base_url: http://ryu:8080
slices:
  definitions:
    - name: URLLC
      vlan: 200
      bandwidth_mbps: 100
      cap_percent: 30
      subnets: ["10.20.0.0/16"]
  default_slice: URLLC
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Engine.SampleInterval.D())
	assert.Equal(t, 120*time.Second, cfg.Engine.FlowIdleTimeout.D())
	assert.Equal(t, 0.95, cfg.Mitigation.BlockThreshold)
	assert.Equal(t, 0.7, cfg.Mitigation.RateLimitThreshold, "untouched fields keep defaults")
	assert.Equal(t, "ryu", cfg.Actuator.Type)
	assert.Equal(t, "http://ryu:8080", cfg.Actuator.Ryu.BaseURL)
	require.Len(t, cfg.Slices.Definitions, 1)
	assert.Equal(t, []string{"10.20.0.0/16"}, cfg.Slices.Definitions[0].Subnets)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue", func(c *Config) { c.Engine.AlertQueueSize = 0 }},
		{"inverted scorer thresholds", func(c *Config) { c.Scorer.SuspiciousThreshold = 0.8 }},
		{"ladder out of order", func(c *Config) { c.Mitigation.HoneypotThreshold = 0.95 }},
		{"bad honeypot", func(c *Config) { c.Mitigation.HoneypotIP = "not-an-ip" }},
		{"unknown default slice", func(c *Config) { c.Slices.DefaultSlice = "nope" }},
		{"bad subnet", func(c *Config) { c.Slices.Definitions[0].Subnets = []string{"10.0.0.0/99"} }},
		{"duplicate member", func(c *Config) {
			c.Scorer.Members = append(c.Scorer.Members, c.Scorer.Members[0])
		}},
		{"pcap without file", func(c *Config) { c.Probe.Source = "pcap" }},
		{"ceiling below delay", func(c *Config) { c.Slices.MaxIsolationTime = Duration(time.Second) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
		})
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("engine:\n  sample_interval: soon\n"))
	require.Error(t, err)
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	assert.True(t, cfg.Engine.CleanupOnShutdown)
	assert.Equal(t, "simulated", cfg.Actuator.Type)
	require.Len(t, cfg.Scorer.Members, 3)
	assert.False(t, cfg.Scorer.Members[2].Enabled)
	assert.Equal(t, []string{"10.0.2.0/24"}, cfg.Slices.Definitions[1].Subnets)
	assert.Equal(t, ":8091", cfg.API.HistoryListenAddr)
}
