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
	path := filepath.Join(t.TempDir(), "bonproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsOnly(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, ":48521", cfg.Listen)
	assert.Equal(t, 32, cfg.MaxConnections)
	assert.True(t, cfg.Scan.PassiveOnExclusive)
	assert.Equal(t, 3*time.Second, cfg.Tune.SignalTimeout)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
max_connections: 4
drivers:
  - path: "sim://a?spaces=UHF:13-20"
    group: terra
    max_instances: 2
scan:
  enabled: false
  interval_hours: 6
  passive_enabled: true
  passive_on_exclusive: false
tune:
  signal_timeout: 1s
  signal_poll: 50ms
  signal_min: 8.0
  packet_timeout: 1s
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 4, cfg.MaxConnections)
	require.Len(t, cfg.Drivers, 1)
	assert.Equal(t, "terra", cfg.Drivers[0].Group)
	assert.Equal(t, 2, cfg.Drivers[0].MaxInstances)
	assert.False(t, cfg.Scan.Enabled)
	assert.False(t, cfg.Scan.PassiveOnExclusive)
	assert.Equal(t, time.Second, cfg.Tune.SignalTimeout)
	assert.InDelta(t, 8.0, cfg.Tune.SignalMin, 0.001)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `listen: ":9000"`)
	t.Setenv("BONPROXY_LISTEN", ":9100")
	t.Setenv("BONPROXY_MAX_CONNECTIONS", "2")
	t.Setenv("BONPROXY_SCAN_ENABLED", "false")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Listen)
	assert.Equal(t, 2, cfg.MaxConnections)
	assert.False(t, cfg.Scan.Enabled)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"tls cert without key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.ServerCert = "srv.crt"
		}},
		{"client certs without ca", func(c *Config) { c.TLS.RequireClientCert = true }},
		{"driver without path", func(c *Config) { c.Drivers = []DriverConfig{{Group: "x"}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	path := writeConfig(t, `max_connections: 4`)
	loader := NewLoader(path)
	initial, err := loader.Load()
	require.NoError(t, err)

	h := NewHolder(initial, loader)
	assert.Equal(t, 4, h.Get().MaxConnections)

	require.NoError(t, os.WriteFile(path, []byte(`max_connections: 8`), 0o644))
	require.NoError(t, h.Reload())
	assert.Equal(t, 8, h.Get().MaxConnections)

	// a broken file keeps the old config
	require.NoError(t, os.WriteFile(path, []byte(`max_connections: 0`), 0o644))
	assert.Error(t, h.Reload())
	assert.Equal(t, 8, h.Get().MaxConnections)
}

func TestReloadNotifiesSubscribers(t *testing.T) {
	path := writeConfig(t, `max_connections: 4`)
	loader := NewLoader(path)
	initial, err := loader.Load()
	require.NoError(t, err)

	h := NewHolder(initial, loader)
	updates := make(chan Config, 1)
	h.Subscribe(updates)

	require.NoError(t, os.WriteFile(path, []byte(`max_connections: 16`), 0o644))
	require.NoError(t, h.Reload())

	select {
	case cfg := <-updates:
		assert.Equal(t, 16, cfg.MaxConnections)
	case <-time.After(time.Second):
		t.Fatal("no reload notification")
	}
}
