package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/design-smith/vocalbridge/internal/monitoring"
	"github.com/design-smith/vocalbridge/internal/retry"
)

// Durations are written as Go duration strings in YAML ("2s", "200ms") and
// translated here; empty means "use the default".

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// StoreConfig selects the backing store by DSN: a postgres:// URL uses the
// Postgres store, anything else is treated as a sqlite path.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// IsPostgres reports whether the DSN names a Postgres database.
func (c StoreConfig) IsPostgres() bool {
	return strings.HasPrefix(c.DSN, "postgres://") || strings.HasPrefix(c.DSN, "postgresql://")
}

// VendorConfig configures one upstream vendor endpoint.
type VendorConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// RetryConfig is the YAML shape of the retry policy.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	PerAttemptTimeout string  `yaml:"per_attempt_timeout"`
	BaseBackoff       string  `yaml:"base_backoff"`
	MaxBackoff        string  `yaml:"max_backoff"`
	JitterFraction    float64 `yaml:"jitter_fraction"`
}

// IdempotencyConfig tunes the idempotency protocol.
type IdempotencyConfig struct {
	// StrictFingerprint fails key reuse with a different payload instead of
	// replaying. Disabled by default.
	StrictFingerprint bool   `yaml:"strict_fingerprint"`
	Retention         string `yaml:"retention"`
	JanitorInterval   string `yaml:"janitor_interval"`
}

// Config is the gateway's full configuration.
type Config struct {
	Server      ServerConfig               `yaml:"server"`
	Store       StoreConfig                `yaml:"store"`
	VendorA     VendorConfig               `yaml:"vendor_a"`
	VendorB     VendorConfig               `yaml:"vendor_b"`
	Retry       RetryConfig                `yaml:"retry"`
	Idempotency IdempotencyConfig          `yaml:"idempotency"`
	Monitoring  monitoring.TelemetryConfig `yaml:"monitoring"`
}

// Load reads the YAML config file (if present) and applies environment
// overrides. A missing file is not an error; everything has a usable default
// resolved by the accessor methods.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	// Validate every duration up front so a typo fails at startup, not on
	// the first send.
	if _, err := cfg.Durations(); err != nil {
		return nil, err
	}
	if _, err := cfg.RetryPolicy(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VOCALBRIDGE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("VOCALBRIDGE_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("VENDOR_A_ENDPOINT"); v != "" {
		c.VendorA.Endpoint = v
	}
	if v := os.Getenv("VENDOR_A_API_KEY"); v != "" {
		c.VendorA.APIKey = v
	}
	if v := os.Getenv("VENDOR_B_ENDPOINT"); v != "" {
		c.VendorB.Endpoint = v
	}
	if v := os.Getenv("VENDOR_B_API_KEY"); v != "" {
		c.VendorB.APIKey = v
	}
	if v := os.Getenv("VOCALBRIDGE_TELEMETRY_PATH"); v != "" {
		c.Monitoring.Enabled = true
		c.Monitoring.LogPath = v
	}
}

// ListenAddr returns the bind address with defaults applied.
func (c *Config) ListenAddr() string {
	if c.Server.ListenAddr == "" {
		return DefaultListenAddr
	}
	return c.Server.ListenAddr
}

// StoreDSN returns the DSN with defaults applied.
func (c *Config) StoreDSN() string {
	if c.Store.DSN == "" {
		return DefaultStoreDSN
	}
	return c.Store.DSN
}

// VendorAEndpoint and VendorBEndpoint return the endpoints with defaults.
func (c *Config) VendorAEndpoint() string {
	if c.VendorA.Endpoint == "" {
		return DefaultVendorAEndpoint
	}
	return c.VendorA.Endpoint
}

func (c *Config) VendorBEndpoint() string {
	if c.VendorB.Endpoint == "" {
		return DefaultVendorBEndpoint
	}
	return c.VendorB.Endpoint
}

// ResolvedDurations holds every parsed duration.
type ResolvedDurations struct {
	ServerReadTimeout    time.Duration
	ServerWriteTimeout   time.Duration
	IdempotencyRetention time.Duration
	JanitorInterval      time.Duration
}

// Durations parses the string durations, applying defaults for empty fields.
func (c *Config) Durations() (ResolvedDurations, error) {
	d := ResolvedDurations{}
	var err error
	if d.ServerReadTimeout, err = parseDuration(c.Server.ReadTimeout, DefaultServerReadTimeout); err != nil {
		return d, fmt.Errorf("server.read_timeout: %w", err)
	}
	if d.ServerWriteTimeout, err = parseDuration(c.Server.WriteTimeout, DefaultServerWriteTimeout); err != nil {
		return d, fmt.Errorf("server.write_timeout: %w", err)
	}
	if d.IdempotencyRetention, err = parseDuration(c.Idempotency.Retention, DefaultIdempotencyRetention); err != nil {
		return d, fmt.Errorf("idempotency.retention: %w", err)
	}
	if d.JanitorInterval, err = parseDuration(c.Idempotency.JanitorInterval, DefaultJanitorInterval); err != nil {
		return d, fmt.Errorf("idempotency.janitor_interval: %w", err)
	}
	return d, nil
}

// RetryPolicy translates the YAML retry section into the engine's policy.
// Zero-valued fields fall back to the engine defaults.
func (c *Config) RetryPolicy() (retry.Policy, error) {
	p := retry.Policy{
		MaxAttempts:    c.Retry.MaxAttempts,
		JitterFraction: c.Retry.JitterFraction,
	}
	var err error
	if p.PerAttemptTimeout, err = parseDuration(c.Retry.PerAttemptTimeout, 0); err != nil {
		return p, fmt.Errorf("retry.per_attempt_timeout: %w", err)
	}
	if p.BaseBackoff, err = parseDuration(c.Retry.BaseBackoff, 0); err != nil {
		return p, fmt.Errorf("retry.base_backoff: %w", err)
	}
	if p.MaxBackoff, err = parseDuration(c.Retry.MaxBackoff, 0); err != nil {
		return p, fmt.Errorf("retry.max_backoff: %w", err)
	}
	return p, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
