package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witmproxy/witmproxy/internal/proxyerr"
)

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "witmproxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[proxy]
proxy_bind_addr = "0.0.0.0:8080"

[plugins]
max_fuel = 42
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Proxy.BindAddr)
	assert.EqualValues(t, 42, cfg.Plugins.MaxFuel)
	// untouched fields keep their defaults
	assert.Equal(t, 2048, cfg.TLS.KeySize)
	assert.True(t, cfg.Plugins.Enabled)
}

func TestLoadExpandsHomeInPathFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "witmproxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(``), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Contains(t, cfg.DB.Path, home)
	assert.NotContains(t, cfg.DB.Path, "$HOME")
	assert.Contains(t, cfg.TLS.CertDir, home)
}

func TestDefaultsResolvesHomeWithoutAConfigFile(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := Defaults()
	assert.Contains(t, cfg.TLS.CertDir, home)
	assert.NotContains(t, cfg.TLS.CertDir, "$HOME")
}

func TestLoadMissingFileIsConfigError(t *testing.T) {
	_, err := Load("/nonexistent/witmproxy.toml")
	assert.ErrorIs(t, err, proxyerr.ErrConfig)
}

func TestSaveRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.toml")

	cfg := Defaults()
	cfg.Proxy.BindAddr = "127.0.0.1:9999"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", loaded.Proxy.BindAddr)
}
