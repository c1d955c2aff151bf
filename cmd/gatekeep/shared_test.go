package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/gatekeep/internal/config"
	"github.com/jkaninda/gatekeep/internal/credential"
	"github.com/jkaninda/gatekeep/internal/secrets"
	"github.com/jkaninda/gatekeep/internal/security"
)

var discard = slog.New(slog.DiscardHandler)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("GATEKEEP_DATA_DIR", t.TempDir())
	t.Setenv("GATEKEEP_DB_DSN", "")
	t.Setenv("GATEKEEP_API_KEY", "")
	t.Setenv("VAULT_ADDR", "")

	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default: %v", err)
	}
	cfg.Security.BcryptCost = 4
	cfg.Security.AuditToStore = true
	cfg.Observability = &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}
	return cfg
}

func TestInitShared_SQLite(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	sc, err := initShared(ctx, cfg, discard)
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	if got := sc.Store.Driver(); got != "sqlite" {
		t.Errorf("driver = %q, want sqlite", got)
	}
	if sc.Callers == nil {
		t.Fatal("database identity store should be enabled by default")
	}
	if sc.Audit == nil {
		t.Fatal("audit appender should be configured")
	}
	if status := sc.Health.CheckReady(ctx); status.Status != "ok" {
		t.Errorf("readiness = %+v, want ok", status)
	}
	if _, err := os.Stat(filepath.Join(cfg.ResolvedDataDir(), "audit.jsonl")); err != nil {
		t.Errorf("audit log not created: %v", err)
	}
}

func TestValidateCaller(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	sc, err := initShared(ctx, cfg, discard)
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	pw := credential.NewPassword("s3cr3t")
	if _, err := sc.Callers.AddCaller(ctx, "alice", pw, []string{"dev"}); err != nil {
		t.Fatalf("AddCaller: %v", err)
	}
	if !pw.IsCleared() {
		t.Error("AddCaller should clear the password")
	}

	tests := []struct {
		name       string
		caller     string
		password   string
		wantStatus string
	}{
		{"valid", "alice", "s3cr3t", "valid"},
		{"wrong password", "alice", "nope", "invalid"},
		{"unknown caller", "mallory", "s3cr3t", "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred := credential.NewUsernamePassword(tt.caller, credential.NewPassword(tt.password))
			out, err := validateCaller(ctx, sc, cred)
			if err != nil {
				t.Fatalf("validateCaller: %v", err)
			}
			if out.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", out.Status, tt.wantStatus)
			}
			if !out.Cleared || !cred.IsCleared() {
				t.Error("credential should be cleared")
			}
		})
	}

	events, err := sc.Store.Audit().Recent(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("audit events for alice = %d, want 2", len(events))
	}
	for _, e := range events {
		if e.Action != "validate" || !e.Cleared {
			t.Errorf("unexpected audit event %+v", e)
		}
	}
}

func TestInitShared_FailedLoginAlert(t *testing.T) {
	alerts := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case alerts <- body:
		default:
		}
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Observability.Anomaly = &config.AnomalyConfig{Enabled: true, FailedLoginThreshold: 2}
	cfg.Notifications = &config.NotificationsConfig{Channels: []config.NotificationChannelConfig{{
		Name:   "ops",
		Type:   "webhook",
		Config: map[string]string{"url": srv.URL, "allow_private": "true"},
	}}}
	ctx := context.Background()

	sc, err := initShared(ctx, cfg, discard)
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()
	if sc.Notifier == nil {
		t.Fatal("notifier should be configured")
	}

	for range 2 {
		cred := credential.NewUsernamePassword("mallory", credential.NewPassword("guess"))
		if _, err := validateCaller(ctx, sc, cred); err != nil {
			t.Fatalf("validateCaller: %v", err)
		}
	}

	select {
	case body := <-alerts:
		if !strings.Contains(string(body), "mallory") || strings.Contains(string(body), "guess") {
			t.Errorf("alert body = %s", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no alert delivered")
	}
}

func TestDecideAccess(t *testing.T) {
	constraints, err := security.NewWebResourceConstraints([]security.WebResourceConstraint{
		{Pattern: "/admin/*", Methods: []string{"GET", "POST"}, RolesAllowed: []string{"admin"}},
		{Pattern: "/api/*", RolesAllowed: []string{"**"}},
	})
	if err != nil {
		t.Fatalf("NewWebResourceConstraints: %v", err)
	}
	container := security.NewContainer(security.ContainerConfig{Constraints: constraints})

	tests := []struct {
		name        string
		caller      string
		groups      []string
		resource    string
		methods     []string
		wantAllowed bool
		wantPattern string
	}{
		{"admin allowed", "bob", []string{"admin"}, "/admin/users", []string{"GET"}, true, "/admin/*"},
		{"dev denied", "alice", []string{"dev"}, "/admin/users", []string{"POST"}, false, "/admin/*"},
		{"uncovered method", "alice", []string{"dev"}, "/admin/users", []string{"DELETE"}, true, "/admin/*"},
		{"any authenticated", "alice", nil, "/api/orders", nil, true, "/api/*"},
		{"anonymous denied", "", nil, "/api/orders", []string{"GET"}, false, "/api/*"},
		{"unprotected", "", nil, "/public/index.html", nil, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decideAccess(container, tt.caller, tt.groups, tt.resource, tt.methods)
			if got.Allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v", got.Allowed, tt.wantAllowed)
			}
			if got.Pattern != tt.wantPattern {
				t.Errorf("pattern = %q, want %q", got.Pattern, tt.wantPattern)
			}
		})
	}
}

func TestNewSecretProvider(t *testing.T) {
	t.Setenv("GATEKEEP_TEST_SECRET", "from-env")
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")

	p, err := newSecretProvider(nil)
	if err != nil {
		t.Fatalf("newSecretProvider(nil): %v", err)
	}
	s, err := p.Resolve(context.Background(), "env://GATEKEEP_TEST_SECRET")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(s.Bytes()) != "from-env" {
		t.Errorf("secret = %q", s.Bytes())
	}
	credential.MustClear(s)

	if _, err := newSecretProvider(&config.SecretsConfig{Providers: []config.SecretProviderConfig{{Type: "kms"}}}); err == nil {
		t.Error("unknown provider type should fail")
	}
	if _, err := newSecretProvider(&config.SecretsConfig{Providers: []config.SecretProviderConfig{{Type: "vault"}}}); err == nil {
		t.Error("vault without an address should fail")
	}
}

func TestResolveAPIKeys(t *testing.T) {
	t.Setenv("GATEKEEP_TEST_KEY", "key-one")
	t.Setenv("GATEKEEP_TEST_MISSING", "")
	ctx := context.Background()
	provider := secrets.NewEnvProvider()

	keys, err := resolveAPIKeys(ctx, provider, []config.APIKeyConfig{
		{Name: "ops", Ref: "env://GATEKEEP_TEST_KEY", Groups: []string{"admin"}},
	})
	if err != nil {
		t.Fatalf("resolveAPIKeys: %v", err)
	}
	if len(keys) != 1 || keys[0].Name != "ops" || string(keys[0].Secret.Bytes()) != "key-one" {
		t.Fatalf("unexpected keys %+v", keys)
	}
	credential.MustClear(keys[0].Secret)

	_, err = resolveAPIKeys(ctx, provider, []config.APIKeyConfig{
		{Name: "ops", Ref: "env://GATEKEEP_TEST_KEY"},
		{Name: "broken", Ref: "env://GATEKEEP_TEST_MISSING"},
	})
	if !errors.Is(err, secrets.ErrSecretNotFound) {
		t.Errorf("error = %v, want ErrSecretNotFound", err)
	}
}
