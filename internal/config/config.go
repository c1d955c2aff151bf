// Package config handles loading and validating gatekeep configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/gatekeep/internal/identitystore"
	"github.com/jkaninda/gatekeep/internal/scheduler"
	"github.com/jkaninda/gatekeep/internal/security"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for gatekeep.
type Config struct {
	DataDir        string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.gatekeep/data. Override: GATEKEEP_DATA_DIR env var.
	Storage        *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under data_dir
	Security       SecurityConfig       `json:"security" yaml:"security"`
	IdentityStores IdentityStoresConfig `json:"identity_stores" yaml:"identity_stores"`
	API            APIConfig            `json:"api" yaml:"api"`
	Secrets        *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env and file secrets only
	Observability  *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Notifications  *NotificationsConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"` // nil = anomaly alerts are only logged
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/gatekeep.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: GATEKEEP_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SecurityConfig configures web resource constraints and the audit trail.
type SecurityConfig struct {
	Constraints  []security.WebResourceConstraint `json:"constraints" yaml:"constraints"`
	AuditLogPath string                           `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"` // Default: <data_dir>/audit.jsonl. "-" disables the file log.
	AuditToStore bool                             `json:"audit_to_store" yaml:"audit_to_store"`                     // Also append audit events to the database.
	BcryptCost   int                              `json:"bcrypt_cost,omitempty" yaml:"bcrypt_cost,omitempty"`       // Default: bcrypt.DefaultCost
}

// IdentityStoresConfig configures where callers are validated.
type IdentityStoresConfig struct {
	Memory   *MemoryStoreConfig   `json:"memory,omitempty" yaml:"memory,omitempty"`     // nil = no configured callers
	Database *DatabaseStoreConfig `json:"database,omitempty" yaml:"database,omitempty"` // nil = database store enabled, priority 100
}

// MemoryStoreConfig lists callers with bcrypt password hashes.
type MemoryStoreConfig struct {
	Priority int                          `json:"priority" yaml:"priority"`
	Callers  []identitystore.MemoryCaller `json:"callers" yaml:"callers"`
}

// DatabaseStoreConfig configures the database-backed identity store.
type DatabaseStoreConfig struct {
	Disabled bool `json:"disabled" yaml:"disabled"`
	Priority int  `json:"priority" yaml:"priority"`
}

// DatabaseStoreEnabled reports whether the database identity store is used.
func (c *Config) DatabaseStoreEnabled() bool {
	return c.IdentityStores.Database == nil || !c.IdentityStores.Database.Disabled
}

// DatabaseStorePriority returns the database store priority. Default: 100.
func (c *Config) DatabaseStorePriority() int {
	if c.IdentityStores.Database == nil {
		return 100
	}
	return c.IdentityStores.Database.Priority
}

// APIConfig configures the admin HTTP API.
type APIConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8420"
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 64 KiB
	APIKeys             []APIKeyConfig  `json:"api_keys" yaml:"api_keys"`                             // Empty = /v1 disabled.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	KeyRotationSchedule string          `json:"key_rotation_schedule,omitempty" yaml:"key_rotation_schedule,omitempty"` // Cron expression, e.g. "@every 1h". Empty = keys resolved once at startup.
}

// APIKeyConfig names an API key held in a secret reference.
type APIKeyConfig struct {
	Name   string   `json:"name" yaml:"name"`
	Ref    string   `json:"ref" yaml:"ref"`                           // e.g. "env://GATEKEEP_ADMIN_KEY", "file:///run/secrets/key".
	Groups []string `json:"groups,omitempty" yaml:"groups,omitempty"` // "admin" may manage callers and read the audit trail.
}

// RateLimitConfig configures per-caller validation rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = default (30)
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = default (5)
}

// SecretsConfig configures the secret provider chain.
// When nil, env and file providers are available.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers"` // Tried in order.
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "env", "file", "vault".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration.
}

// NotificationsConfig configures delivery of anomaly alerts.
type NotificationsConfig struct {
	Channels       []NotificationChannelConfig `json:"channels" yaml:"channels"`
	TimeoutSeconds int                         `json:"timeout_seconds" yaml:"timeout_seconds"` // Per alert. Default: 10
}

// NotificationChannelConfig is one alert destination.
type NotificationChannelConfig struct {
	Name          string            `json:"name" yaml:"name"`
	Type          string            `json:"type" yaml:"type"`                                         // "webhook" or "slack".
	Config        map[string]string `json:"config,omitempty" yaml:"config,omitempty"`                 // webhook: url, allow_private. slack: channel_id.
	CredentialRef string            `json:"credential_ref,omitempty" yaml:"credential_ref,omitempty"` // webhook: HMAC key (optional). slack: bot token.
}

// AlertTimeout returns the per-alert delivery timeout.
func (n *NotificationsConfig) AlertTimeout() time.Duration {
	if n == nil || n.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "gatekeep"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold   float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`     // e.g. 0.5 = 50% errors
	FailedLoginThreshold int     `json:"failed_login_threshold" yaml:"failed_login_threshold"` // Failures per caller per window. 0 = off.
	WindowSeconds        int     `json:"window_seconds" yaml:"window_seconds"`                 // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.gatekeep/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/gatekeep.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".gatekeep", "config.yaml")
}

// Default returns the configuration used when no file exists: SQLite
// under the default data directory, no constraints, no API keys.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.finish(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path, or returns Default when path does not exist
// and is the default path.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
		resolved, err := resolvePath(path)
		if err == nil {
			if _, statErr := os.Stat(resolved); errors.Is(statErr, os.ErrNotExist) {
				return Default()
			}
		}
	}
	return Load(path)
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// finish applies environment overrides and defaults, then validates.
func (c *Config) finish() error {
	// Data directory override from environment.
	if envDD := os.Getenv("GATEKEEP_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}

	// Database DSN override selects postgres.
	if envDSN := os.Getenv("GATEKEEP_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = envDSN
	}

	// A bare API key in the environment is registered as a key reference.
	if os.Getenv("GATEKEEP_API_KEY") != "" {
		c.API.APIKeys = append(c.API.APIKeys, APIKeyConfig{Name: "env", Ref: "env://GATEKEEP_API_KEY", Groups: []string{"admin"}})
	}

	// Vault is added to the provider chain when VAULT_ADDR is set.
	if os.Getenv("VAULT_ADDR") != "" && !c.hasSecretProvider("vault") {
		if c.Secrets == nil {
			c.Secrets = &SecretsConfig{}
		}
		c.Secrets.Providers = append(c.Secrets.Providers, SecretProviderConfig{Type: "vault"})
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8420"
	}
	if c.API.MaxRequestSizeBytes <= 0 {
		c.API.MaxRequestSizeBytes = 64 << 10
	}
	if c.API.RateLimit.RequestsPerMinute == 0 {
		c.API.RateLimit.RequestsPerMinute = 30
	}
	if c.API.RateLimit.BurstSize == 0 {
		c.API.RateLimit.BurstSize = 5
	}

	return c.validate()
}

func (c *Config) hasSecretProvider(typ string) bool {
	if c.Secrets == nil {
		return false
	}
	for _, p := range c.Secrets.Providers {
		if p.Type == typ {
			return true
		}
	}
	return false
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".gatekeep", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "gatekeep.db")
}

// AuditLogPath returns the JSONL audit log path, or "" when the file log
// is disabled.
func (c *Config) AuditLogPath() string {
	switch c.Security.AuditLogPath {
	case "-":
		return ""
	case "":
		return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
	default:
		return c.Security.AuditLogPath
	}
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// WebResourceConstraints compiles the configured constraints.
func (c *Config) WebResourceConstraints() (*security.WebResourceConstraints, error) {
	return security.NewWebResourceConstraints(c.Security.Constraints)
}

func (c *Config) validate() error {
	// Storage driver validation.
	switch c.StorageDriverName() {
	case "sqlite":
		// valid
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set GATEKEEP_DB_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	if _, err := c.WebResourceConstraints(); err != nil {
		return fmt.Errorf("security.constraints: %w", err)
	}
	if c.Security.BcryptCost != 0 && (c.Security.BcryptCost < 4 || c.Security.BcryptCost > 31) {
		return fmt.Errorf("security.bcrypt_cost must be between 4 and 31")
	}

	if m := c.IdentityStores.Memory; m != nil {
		if _, err := identitystore.NewMemoryStore("memory", m.Priority, m.Callers); err != nil {
			return fmt.Errorf("identity_stores.memory: %w", err)
		}
	}

	keyNames := make(map[string]bool, len(c.API.APIKeys))
	for i, k := range c.API.APIKeys {
		if k.Name == "" {
			return fmt.Errorf("api.api_keys[%d].name is required", i)
		}
		if keyNames[k.Name] {
			return fmt.Errorf("api.api_keys[%d]: duplicate key name %q", i, k.Name)
		}
		keyNames[k.Name] = true
		if !strings.Contains(k.Ref, "://") {
			return fmt.Errorf("api.api_keys[%d] (%q): ref must be a secret reference such as env://VAR", i, k.Name)
		}
	}
	if c.API.RateLimit.RequestsPerMinute < 0 || c.API.RateLimit.BurstSize < 0 {
		return fmt.Errorf("api.rate_limit values must not be negative")
	}
	if c.API.KeyRotationSchedule != "" {
		if _, err := scheduler.NextRun(c.API.KeyRotationSchedule, time.Now()); err != nil {
			return fmt.Errorf("api.key_rotation_schedule: %w", err)
		}
	}

	if c.Secrets != nil {
		for i, p := range c.Secrets.Providers {
			switch p.Type {
			case "env", "file", "vault":
			default:
				return fmt.Errorf("secrets.providers[%d]: type %q is not supported (use env, file, or vault)", i, p.Type)
			}
		}
	}

	if n := c.Notifications; n != nil {
		names := make(map[string]bool, len(n.Channels))
		for i, ch := range n.Channels {
			if ch.Name == "" {
				return fmt.Errorf("notifications.channels[%d].name is required", i)
			}
			if names[ch.Name] {
				return fmt.Errorf("notifications.channels[%d]: duplicate channel name %q", i, ch.Name)
			}
			names[ch.Name] = true
			switch ch.Type {
			case "webhook":
				if ch.Config["url"] == "" {
					return fmt.Errorf("notifications.channels[%d] (%q): config.url is required", i, ch.Name)
				}
			case "slack":
				if ch.Config["channel_id"] == "" || ch.CredentialRef == "" {
					return fmt.Errorf("notifications.channels[%d] (%q): config.channel_id and credential_ref are required", i, ch.Name)
				}
			default:
				return fmt.Errorf("notifications.channels[%d]: type %q is not supported (use webhook or slack)", i, ch.Type)
			}
		}
	}

	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		if o.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
		}
	}
	return nil
}
