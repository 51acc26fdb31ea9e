// Package config provides YAML configuration loading and validation for a
// gattcore daemon: the remote transport endpoint, TLS material, cache/audit
// backend selection, the admin API listener, and per-peer robust-caching
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openbt/gattcore/internal/gattc"
)

// Config is the top-level configuration structure for cmd/gattcd.
type Config struct {
	// TransportAddr is the gRPC endpoint of the remote radio controller
	// (e.g. "radio.example.com:4443"). Required.
	TransportAddr string `yaml:"transport_addr"`

	// TLS holds the paths to the client certificate, private key, and CA
	// certificate used for mTLS against the remote transport. Required.
	TLS TLSConfig `yaml:"tls"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// AdminAddr is the listen address for the read-only introspection HTTP
	// API (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	AdminAddr string `yaml:"admin_addr"`

	// Cache configures the attribute-database cache backend.
	Cache CacheConfig `yaml:"cache"`

	// Audit configures where CLCB lifecycle events are recorded.
	Audit AuditConfig `yaml:"audit"`

	// Engine holds the work-queue knobs passed to gattc.NewEngine.
	Engine EngineConfig `yaml:"engine"`

	// Peers lists per-peer robust-caching overrides, consulted ahead of the
	// default "treat as Unknown unless proven otherwise" policy.
	Peers []PeerOverride `yaml:"peers"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	// CertPath is the path to the PEM-encoded client certificate. Required.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the PEM-encoded private key. Required.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the remote transport's certificate. Required.
	CAPath string `yaml:"ca_path"`
}

// CacheConfig selects and sizes the attribute-database cache.
type CacheConfig struct {
	// Path is the SQLite database file path, or ":memory:" for an ephemeral
	// cache. Defaults to ":memory:" when omitted.
	Path string `yaml:"path"`

	// FrontCacheSize bounds the in-memory LRU layer in front of SQLite.
	// Defaults to 256 entries when omitted or 0; a negative value disables
	// the front cache.
	FrontCacheSize int `yaml:"front_cache_size"`
}

// AuditConfig selects the AuditSink backend: "none" (default), "local" (a
// hash-chained file via internal/audit.Logger), or "postgres" (fleet-wide via
// internal/audit.PostgresSink).
type AuditConfig struct {
	Backend     string `yaml:"backend"`
	LocalPath   string `yaml:"local_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EngineConfig mirrors gattc.Config's YAML-facing knobs.
type EngineConfig struct {
	// StrictQueueing, when true, rejects a second deferred command on a CLCB
	// that already holds one instead of silently overwriting it. Defaults to
	// true when omitted.
	StrictQueueing *bool `yaml:"strict_queueing"`

	// WorkQueueDepth bounds the engine's serialized work-queue channel.
	// Defaults to 256 when omitted.
	WorkQueueDepth int `yaml:"work_queue_depth"`
}

// PeerOverride pins the robust-caching trust level for one peer address,
// bypassing the default policy's Unknown-until-proven-otherwise stance.
type PeerOverride struct {
	// Peer is a colon-separated hex MAC address, e.g. "AA:BB:CC:DD:EE:FF".
	Peer string `yaml:"peer"`

	// RobustCaching is one of "unsupported", "supported", or "unknown".
	RobustCaching string `yaml:"robust_caching"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validAuditBackends = map[string]bool{
	"none":     true,
	"local":    true,
	"postgres": true,
}

var validRobustCaching = map[string]bool{
	"unsupported": true,
	"supported":   true,
	"unknown":     true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. A validation error joins
// every failure found (errors.Join), not only the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = "127.0.0.1:9000"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = ":memory:"
	}
	if cfg.Cache.FrontCacheSize == 0 {
		cfg.Cache.FrontCacheSize = 256
	}
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = "none"
	}
	if cfg.Engine.StrictQueueing == nil {
		strict := true
		cfg.Engine.StrictQueueing = &strict
	}
	if cfg.Engine.WorkQueueDepth == 0 {
		cfg.Engine.WorkQueueDepth = 256
	}
	for i := range cfg.Peers {
		if cfg.Peers[i].RobustCaching == "" {
			cfg.Peers[i].RobustCaching = "unknown"
		}
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.TransportAddr == "" {
		errs = append(errs, errors.New("transport_addr is required"))
	}
	if cfg.TLS.CertPath == "" {
		errs = append(errs, errors.New("tls.cert_path is required"))
	}
	if cfg.TLS.KeyPath == "" {
		errs = append(errs, errors.New("tls.key_path is required"))
	}
	if cfg.TLS.CAPath == "" {
		errs = append(errs, errors.New("tls.ca_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validAuditBackends[cfg.Audit.Backend] {
		errs = append(errs, fmt.Errorf("audit.backend %q must be one of: none, local, postgres", cfg.Audit.Backend))
	}
	if cfg.Audit.Backend == "local" && cfg.Audit.LocalPath == "" {
		errs = append(errs, errors.New("audit.local_path is required when audit.backend is \"local\""))
	}
	if cfg.Audit.Backend == "postgres" && cfg.Audit.PostgresDSN == "" {
		errs = append(errs, errors.New("audit.postgres_dsn is required when audit.backend is \"postgres\""))
	}
	if cfg.Engine.WorkQueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("engine.work_queue_depth %d must be positive", cfg.Engine.WorkQueueDepth))
	}

	for i, p := range cfg.Peers {
		prefix := fmt.Sprintf("peers[%d]", i)
		if p.Peer == "" {
			errs = append(errs, fmt.Errorf("%s: peer is required", prefix))
		}
		if !validRobustCaching[p.RobustCaching] {
			errs = append(errs, fmt.Errorf("%s: robust_caching %q must be one of: unsupported, supported, unknown", prefix, p.RobustCaching))
		}
	}

	return errors.Join(errs...)
}

// ToEngineConfig converts the YAML-facing EngineConfig into gattc.Config.
func (c *Config) ToEngineConfig() gattc.Config {
	strict := true
	if c.Engine.StrictQueueing != nil {
		strict = *c.Engine.StrictQueueing
	}
	return gattc.Config{
		StrictQueueing: strict,
		WorkQueueDepth: c.Engine.WorkQueueDepth,
	}
}

// RobustCachingPolicy builds a gattc.RobustCachingPolicy from Peers: a peer
// with a pinned override always returns that value regardless of the cached
// database's contents; any other peer falls through to fallback.
func (c *Config) RobustCachingPolicy(fallback gattc.RobustCachingPolicy) gattc.RobustCachingPolicy {
	overrides := make(map[string]gattc.RobustCachingSupport, len(c.Peers))
	for _, p := range c.Peers {
		switch p.RobustCaching {
		case "unsupported":
			overrides[p.Peer] = gattc.RobustCachingUnsupported
		case "supported":
			overrides[p.Peer] = gattc.RobustCachingSupported
		default:
			overrides[p.Peer] = gattc.RobustCachingUnknown
		}
	}
	return func(peer gattc.PeerAddress, db gattc.Database) gattc.RobustCachingSupport {
		if support, ok := overrides[peer.String()]; ok {
			return support
		}
		return fallback(peer, db)
	}
}
