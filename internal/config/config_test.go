package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pverani/bluehub/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bluehub", cfg.AppName)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "127.0.0.1:47911", cfg.HTTP.Listen)
	assert.Equal(t, "hci0", cfg.Bluetooth.Adapter)
	assert.Equal(t, 15*time.Second, cfg.Bluetooth.ConnectTimeout)
	assert.Equal(t, 3, cfg.Bluetooth.MaxConnectionAttempts)
	assert.Equal(t, 200, cfg.Log.BufferCapacity)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "whitelist.json", cfg.Whitelist.Path)
	assert.Equal(t, 64, cfg.Events.SubscriberBuffer)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
app_name: hubtest
http:
  listen: ":9090"
bluetooth:
  adapter: hci1
  connect_timeout: 5s
  max_connection_attempts: 1
whitelist:
  path: /tmp/wl.json
  watch: true
log:
  level: debug
  buffer_capacity: 50
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "hubtest", cfg.AppName)
	assert.Equal(t, ":9090", cfg.HTTP.Listen)
	assert.Equal(t, "hci1", cfg.Bluetooth.Adapter)
	assert.Equal(t, 5*time.Second, cfg.Bluetooth.ConnectTimeout)
	assert.Equal(t, 1, cfg.Bluetooth.MaxConnectionAttempts)
	assert.Equal(t, "/tmp/wl.json", cfg.Whitelist.Path)
	assert.True(t, cfg.Whitelist.Watch)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Log.BufferCapacity)
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}

//nolint:funlen
func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *config.Config {
		cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
		require.NoError(t, err)

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*config.Config) {},
			wantErr: false,
		},
		{
			name:    "empty http listen",
			mutate:  func(c *config.Config) { c.HTTP.Listen = "" },
			wantErr: true,
		},
		{
			name:    "listen without port",
			mutate:  func(c *config.Config) { c.HTTP.Listen = "localhost" },
			wantErr: true,
		},
		{
			name:    "empty whitelist path",
			mutate:  func(c *config.Config) { c.Whitelist.Path = "" },
			wantErr: true,
		},
		{
			name:    "negative scan interval",
			mutate:  func(c *config.Config) { c.Bluetooth.ScanInterval = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			mutate:  func(c *config.Config) { c.Bluetooth.ConnectTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "oversized connect timeout",
			mutate:  func(c *config.Config) { c.Bluetooth.ConnectTimeout = time.Hour },
			wantErr: true,
		},
		{
			name:    "negative max attempts",
			mutate:  func(c *config.Config) { c.Bluetooth.MaxConnectionAttempts = -1 },
			wantErr: true,
		},
		{
			name:    "zero log buffer",
			mutate:  func(c *config.Config) { c.Log.BufferCapacity = 0 },
			wantErr: true,
		},
		{
			name:    "bogus log format",
			mutate:  func(c *config.Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
		{
			name:    "zero subscriber buffer",
			mutate:  func(c *config.Config) { c.Events.SubscriberBuffer = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	cfg.Bluetooth.Adapter = "hci2"
	require.NoError(t, cfg.Save())

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hci2", reloaded.Bluetooth.Adapter)
}

func TestSaveWithoutPath(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	assert.Error(t, cfg.Save())
}
