package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSetDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, defaultServiceName, cfg.Service.Name)
	assert.Equal(t, defaultServicePort, cfg.Service.Port)
	assert.Equal(t, defaultWriteTimeout, cfg.Service.WriteTimeout)
	assert.Equal(t, defaultSettingsPath, cfg.Settings.Path)
	assert.Equal(t, defaultMountCapacity, cfg.Mounts.Capacity)
	assert.Equal(t, int64(defaultMaxEntryBytes), cfg.Mounts.MaxEntryBytes)
	assert.Equal(t, defaultMaxConcurrentDownloads, cfg.Downloads.MaxConcurrent)
	assert.Equal(t, defaultSweepSchedule, cfg.Downloads.SweepSchedule)
	assert.Equal(t, defaultCGITimeout, cfg.CGI.Timeout)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
service:
  port: 9000
downloads:
  artifact_root: /data/games
  max_concurrent: 5
  sources:
    - name: primary
      url: https://mirror.example.org/games
`)
	t.Setenv("ASSET_GATEWAY_PORT", "9100")
	t.Setenv("ASSET_GATEWAY_ALLOWED_NETWORKS", "10.1.0.0/16, 192.168.5.0/24")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Service.Port, "env overrides yaml")
	assert.Equal(t, "/data/games", cfg.Downloads.ArtifactRoot)
	assert.Equal(t, 5, cfg.Downloads.MaxConcurrent)
	assert.Equal(t, []string{"10.1.0.0/16", "192.168.5.0/24"}, cfg.Downloads.AllowedNetworks)
	require.Len(t, cfg.Downloads.Sources, 1)
	assert.Equal(t, "primary", cfg.Downloads.Sources[0].Name)
	assert.Equal(t, defaultStaleAfter, cfg.Downloads.StaleAfter)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, defaultServicePort, cfg.Service.Port)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "service: [unclosed"))
	require.Error(t, err)
}

func TestApplyEnvOverrides_Duration(t *testing.T) {
	type nested struct {
		Timeout time.Duration `env:"TEST_GATEWAY_TIMEOUT"`
		Enabled bool          `env:"TEST_GATEWAY_ENABLED"`
	}
	type wrapper struct {
		Inner nested
	}
	t.Setenv("TEST_GATEWAY_TIMEOUT", "750ms")
	t.Setenv("TEST_GATEWAY_ENABLED", "yes")

	var w wrapper
	ApplyEnvOverrides(&w)

	assert.Equal(t, 750*time.Millisecond, w.Inner.Timeout)
	assert.True(t, w.Inner.Enabled)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := &Config{}
		setDefaults(cfg)
		cfg.Downloads.ArtifactRoot = "/data"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing artifact root", func(c *Config) { c.Downloads.ArtifactRoot = "" }, "downloads.artifact_root: is required"},
		{"bad port", func(c *Config) { c.Service.Port = 70000 }, "service.port: must be between 1 and 65535"},
		{"ftp source", func(c *Config) {
			c.Downloads.Sources = []SourceConfig{{Name: "x", URL: "ftp://mirror/games"}}
		}, "downloads.sources[0].url: must be an absolute http(s) URL"},
		{"bad cidr", func(c *Config) { c.Downloads.AllowedNetworks = []string{"10.0.0.0/99"} }, `downloads.allowed_networks: invalid CIDR "10.0.0.0/99"`},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level: must be one of: debug, info, warn, error, fatal"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.wantErr)
		})
	}
}
