// Package config loads witmproxy's TOML configuration file into the
// nested section structure spec.md §6 describes, grounded on
// original_source's apps/witmproxy/src/config.rs AppConfig shape.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/witmproxy/witmproxy/internal/proxyerr"
)

// Config is the root of the TOML document.
type Config struct {
	Proxy   ProxyConfig   `toml:"proxy"`
	DB      DBConfig      `toml:"db"`
	TLS     TLSConfig     `toml:"tls"`
	Plugins PluginsConfig `toml:"plugins"`
	Web     WebConfig     `toml:"web"`
}

// ProxyConfig controls the listener the MITM proxy itself binds to.
type ProxyConfig struct {
	// BindAddr is the address the proxy listens on, "host:port". Empty
	// defaults to "127.0.0.1:0" (an ephemeral port).
	BindAddr string `toml:"proxy_bind_addr"`
}

// DBConfig points at the plugin/capability metadata store.
type DBConfig struct {
	// Path is the sqlite database file path; "$HOME" is expanded.
	Path string `toml:"db_path"`
	// Password, when non-empty, encrypts the database at rest.
	Password string `toml:"db_password"`
}

// TLSConfig controls the CA and certificate cache (spec §4.3).
type TLSConfig struct {
	// KeySize is kept for config-file compatibility only: internal/proxycert
	// never reads it and always generates ECDSA P-256 root and leaf keys.
	KeySize int `toml:"key_size"`
	// CacheSize bounds the number of minted leaf certificates kept warm.
	CacheSize int `toml:"cache_size"`
	// CertDir holds the CA root cert/key; "$HOME" is expanded.
	CertDir string `toml:"cert_dir"`
}

// PluginsConfig controls the wasm plugin runtime (spec §5, §7).
type PluginsConfig struct {
	Enabled bool `toml:"enabled"`
	// TimeoutMS bounds one guest invocation's wall-clock time.
	TimeoutMS uint64 `toml:"timeout_ms"`
	// MaxMemoryMB is converted to wasmhost.Limits.MemoryPages, which
	// wasmhost does not apply to guest instances.
	MaxMemoryMB uint64 `toml:"max_memory_mb"`
	// MaxFuel seeds one guest invocation's host-call budget
	// (wasmhost.Limits.FuelUnits), a proxy for instruction fuel.
	MaxFuel uint64 `toml:"max_fuel"`
}

// WebConfig controls the optional management/UI frontend (a collaborator
// surface per spec.md §1; the core only needs where it should listen).
type WebConfig struct {
	BindAddr string `toml:"web_bind_addr"`
}

// Defaults returns a Config pre-populated with the same defaults
// original_source's confique `#[config(default = ...)]` annotations set,
// with "$HOME" already resolved in its path-valued fields.
func Defaults() Config {
	cfg := Config{
		Proxy: ProxyConfig{BindAddr: "127.0.0.1:0"},
		DB:    DBConfig{Path: "$HOME/.witmproxy/db.sqlite"},
		TLS: TLSConfig{
			KeySize:   2048,
			CacheSize: 1024,
			CertDir:   "$HOME/.witmproxy/certs",
		},
		Plugins: PluginsConfig{
			Enabled:     true,
			TimeoutMS:   1000,
			MaxMemoryMB: 1024,
			MaxFuel:     1_000_000,
		},
	}
	resolved, _ := cfg.withResolvedPaths() // UserHomeDir failure falls back to ".", never an error
	return resolved
}

// rawDefaults returns Defaults before $HOME resolution, so Load can decode
// a config file's overrides on top of the unexpanded placeholders and
// resolve once at the end.
func rawDefaults() Config {
	return Config{
		Proxy: ProxyConfig{BindAddr: "127.0.0.1:0"},
		DB:    DBConfig{Path: "$HOME/.witmproxy/db.sqlite"},
		TLS: TLSConfig{
			KeySize:   2048,
			CacheSize: 1024,
			CertDir:   "$HOME/.witmproxy/certs",
		},
		Plugins: PluginsConfig{
			Enabled:     true,
			TimeoutMS:   1000,
			MaxMemoryMB: 1024,
			MaxFuel:     1_000_000,
		},
	}
}

// Load reads and decodes the TOML file at path on top of the (unresolved)
// defaults, then resolves $HOME in its path-valued fields.
func Load(path string) (Config, error) {
	cfg := rawDefaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decoding %s: %v", proxyerr.ErrConfig, path, err)
	}
	return cfg.withResolvedPaths()
}

// withResolvedPaths expands a leading "$HOME" in every path-valued field,
// mirroring original_source's AppConfig::with_resolved_paths.
func (c Config) withResolvedPaths() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	c.DB.Path = expandHome(c.DB.Path, home)
	c.TLS.CertDir = expandHome(c.TLS.CertDir, home)
	return c, nil
}

func expandHome(path, home string) string {
	if !strings.Contains(path, "$HOME") {
		return path
	}
	return filepath.Clean(strings.ReplaceAll(path, "$HOME", home))
}

// Save writes cfg back out as TOML, for the services descriptor / config
// round-trip spec.md §6 describes.
func Save(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", proxyerr.ErrConfig, path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("%w: encoding %s: %v", proxyerr.ErrConfig, path, err)
	}
	return nil
}
