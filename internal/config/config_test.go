package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// clearEnv prevents host environment from interfering with tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GATEKEEP_DATA_DIR", "GATEKEEP_DB_DSN", "GATEKEEP_API_KEY", "VAULT_ADDR"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	dataDir := t.TempDir()
	path := writeConfig(t, "gatekeep.yaml", `
data_dir: `+dataDir+`
security:
  constraints:
    - pattern: /admin/*
      methods: [GET, POST]
      roles_allowed: [admin]
    - pattern: "*.cfg"
      roles_allowed: ["**"]
identity_stores:
  memory:
    priority: 1
    callers:
      - name: alice
        password_hash: "`+string(hash)+`"
        groups: [admin]
api:
  api_keys:
    - name: ops
      ref: env://GATEKEEP_OPS_KEY
  rate_limit:
    requests_per_minute: 10
  key_rotation_schedule: "@every 1h"
notifications:
  channels:
    - name: ops
      type: webhook
      config: {url: "https://hooks.example.com/gatekeep"}
      credential_ref: env://GATEKEEP_HOOK_KEY
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ResolvedDataDir() != dataDir {
		t.Errorf("data dir = %q", cfg.ResolvedDataDir())
	}
	if got := cfg.DatabasePath(); got != filepath.Join(dataDir, "gatekeep.db") {
		t.Errorf("DatabasePath = %q", got)
	}
	if got := cfg.AuditLogPath(); got != filepath.Join(dataDir, "audit.jsonl") {
		t.Errorf("AuditLogPath = %q", got)
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if cfg.API.ListenAddr != ":8420" || cfg.API.MaxRequestSizeBytes != 64<<10 {
		t.Errorf("api defaults not applied: %+v", cfg.API)
	}
	w, err := cfg.WebResourceConstraints()
	if err != nil {
		t.Fatalf("WebResourceConstraints: %v", err)
	}
	if len(w.Constraints()) != 2 || w.MatchedPattern("/admin/x") != "/admin/*" {
		t.Errorf("constraints = %+v", w.Constraints())
	}
	if cfg.IdentityStores.Memory == nil || len(cfg.IdentityStores.Memory.Callers) != 1 {
		t.Fatal("memory callers not loaded")
	}
	if !cfg.DatabaseStoreEnabled() || cfg.DatabaseStorePriority() != 100 {
		t.Error("database store defaults wrong")
	}
	if cfg.API.KeyRotationSchedule != "@every 1h" {
		t.Errorf("key rotation schedule = %q", cfg.API.KeyRotationSchedule)
	}
	if n := cfg.Notifications; n == nil || len(n.Channels) != 1 || n.Channels[0].Config["url"] == "" || n.AlertTimeout() != 10*time.Second {
		t.Errorf("notifications = %+v", cfg.Notifications)
	}
}

func TestLoad_JSON(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "gatekeep.json", `{"data_dir": "/tmp/gk", "security": {"audit_log_path": "-"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuditLogPath() != "" {
		t.Errorf("audit log should be disabled, got %q", cfg.AuditLogPath())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEKEEP_DATA_DIR", "/var/lib/gatekeep")
	t.Setenv("GATEKEEP_DB_DSN", "postgres://localhost/gk")
	t.Setenv("GATEKEEP_API_KEY", "k")
	t.Setenv("VAULT_ADDR", "http://vault:8200")

	cfg, err := Load(writeConfig(t, "c.yaml", "data_dir: /ignored\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/gatekeep" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://localhost/gk" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if len(cfg.API.APIKeys) != 1 || cfg.API.APIKeys[0].Ref != "env://GATEKEEP_API_KEY" {
		t.Errorf("api keys = %+v", cfg.API.APIKeys)
	}
	if !cfg.hasSecretProvider("vault") {
		t.Error("vault provider not added")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad pattern", "security:\n  constraints:\n    - pattern: admin\n", "security.constraints"},
		{"unknown driver", "storage:\n  driver: mysql\n", "not supported"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn is required"},
		{"bad caller hash", "identity_stores:\n  memory:\n    callers:\n      - {name: a, password_hash: x}\n", "identity_stores.memory"},
		{"duplicate key", "api:\n  api_keys:\n    - {name: a, ref: env://A}\n    - {name: a, ref: env://B}\n", "duplicate key name"},
		{"plain key", "api:\n  api_keys:\n    - {name: a, ref: hunter2}\n", "secret reference"},
		{"bad provider", "secrets:\n  providers:\n    - type: aws\n", "not supported"},
		{"bad cost", "security:\n  bcrypt_cost: 2\n", "bcrypt_cost"},
		{"bad rotation schedule", "api:\n  key_rotation_schedule: hourly\n", "key_rotation_schedule"},
		{"webhook without url", "notifications:\n  channels:\n    - {name: ops, type: webhook}\n", "config.url is required"},
		{"slack without token", "notifications:\n  channels:\n    - {name: ops, type: slack, config: {channel_id: C1}}\n", "credential_ref are required"},
		{"bad channel type", "notifications:\n  channels:\n    - {name: ops, type: sms}\n", "not supported"},
		{"tracing without endpoint", "observability:\n  tracing:\n    enabled: true\n", "endpoint is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, "c.yaml", tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.StorageDriverName() != "sqlite" || cfg.API.ListenAddr != ":8420" {
		t.Errorf("unexpected default config %+v", cfg)
	}

	if _, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("an explicit missing path must be an error")
	}
}
