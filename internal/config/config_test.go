package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"provider: random\ntopic: glaciers\nproducers: 4\nrequest_size: 20\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "random", cfg.Provider)
	assert.Equal(t, "glaciers", cfg.Topic)
	assert.Equal(t, 4, cfg.Producers)
	assert.Equal(t, 20, cfg.RequestSize)
	// Untouched keys keep their defaults.
	assert.Equal(t, "outputs", cfg.Output)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("SWARMGEN_TEST_TOPIC", "tidal islands")
	path := filepath.Join(t.TempDir(), "swarmgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topic: ${SWARMGEN_TEST_TOPIC}\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tidal islands", cfg.Topic)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n  - not yaml"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults with topic", func(c *Config) { c.Topic = "ok" }, ""},
		{"webserver mode needs no topic", func(c *Config) { c.WebserverAddr = "127.0.0.1:8080" }, ""},
		{"cli mode without topic", func(c *Config) {}, "topic is required"},
		{"bad provider", func(c *Config) { c.Topic = "x"; c.Provider = "cohere" }, "provider"},
		{"zero producers", func(c *Config) { c.Topic = "x"; c.Producers = 0 }, "producers"},
		{"zero request size", func(c *Config) { c.Topic = "x"; c.RequestSize = 0 }, "request_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
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

func TestCLIMode(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.CLIMode())
	cfg.WebserverAddr = "127.0.0.1:8080"
	assert.False(t, cfg.CLIMode())
}
