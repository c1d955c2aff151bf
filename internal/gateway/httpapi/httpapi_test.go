package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jkaninda/gatekeep/internal/credential"
	"github.com/jkaninda/gatekeep/internal/identitystore"
	"github.com/jkaninda/gatekeep/internal/observability"
	"github.com/jkaninda/gatekeep/internal/ratelimit"
	"github.com/jkaninda/gatekeep/internal/secrets"
	"github.com/jkaninda/gatekeep/internal/security"
	"github.com/jkaninda/gatekeep/internal/storage/sqlite"
)

const (
	adminKey  = "admin-key-0123456789"
	readerKey = "reader-key-0123456789"
)

var discard = slog.New(slog.DiscardHandler)

type recordingAudit struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (r *recordingAudit) LogAction(_ context.Context, e security.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) byAction(action string) []security.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []security.AuditEvent
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	gateway *Gateway
	handler http.Handler
	audit   *recordingAudit
	metrics *observability.MetricsCollector
	keys    []APIKey
}

type envOptions struct {
	limiter *ratelimit.Limiter
	health  *observability.HealthChecker
}

func resolveKey(t *testing.T, envVar, value string) *secrets.Secret {
	t.Helper()
	t.Setenv(envVar, value)
	s, err := secrets.NewEnvProvider().Resolve(context.Background(), "env://"+envVar)
	if err != nil {
		t.Fatalf("resolve %s: %v", envVar, err)
	}
	return s
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	hash, err := identitystore.HashPassword(credential.NewPassword("s3cr3t"), 4)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	memory, err := identitystore.NewMemoryStore("memory", 10, []identitystore.MemoryCaller{
		{Name: "alice", PasswordHash: string(hash), Groups: []string{"admins"}},
	})
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}

	db, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "gatekeep.db")}, discard)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	dbStore := identitystore.NewDBStore(db.Callers(), discard, identitystore.WithPriority(100), identitystore.WithCost(4))

	constraints, err := security.NewWebResourceConstraints([]security.WebResourceConstraint{
		{Pattern: "/admin/*", RolesAllowed: []string{"admins"}},
		{Pattern: "/public/*", Methods: []string{http.MethodPost}, RolesAllowed: []string{"**"}},
	})
	if err != nil {
		t.Fatalf("constraints: %v", err)
	}
	policy := security.NewContainer(security.ContainerConfig{Constraints: constraints, Logger: discard})

	keys := []APIKey{
		{Name: "ops", Groups: []string{AdminGroup}, Secret: resolveKey(t, "TEST_ADMIN_KEY", adminKey)},
		{Name: "reader", Secret: resolveKey(t, "TEST_READER_KEY", readerKey)},
	}
	audit := &recordingAudit{}
	metrics := observability.NewMetricsCollector()

	g, err := NewGateway(Config{
		APIKeys:         keys,
		Audit:           audit,
		Metrics:         metrics,
		MetricsRegistry: metrics.Registry,
		HealthChecker:   opts.health,
	}, policy, identitystore.NewHandler(discard, memory, dbStore), opts.limiter, discard)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	g.WithCallers(dbStore).WithAuditTrail(db.Audit())

	return &testEnv{gateway: g, handler: g.Handler(), audit: audit, metrics: metrics, keys: keys}
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// --- Health ---

func TestHealthEndpoints(t *testing.T) {
	health := observability.NewHealthChecker(nil)
	health.AddCheck("database", func(context.Context) error { return errors.New("down") })
	env := newTestEnv(t, envOptions{health: health})

	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz = %d, want 503", rec.Code)
	}
	status := decode[observability.HealthStatus](t, rec)
	if status.Checks["database"].Status != observability.StatusFail {
		t.Errorf("database check = %+v", status.Checks["database"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.do(t, http.MethodGet, "/healthz", "", nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gatekeep_http_requests_total") {
		t.Error("metrics output lacks gatekeep_http_requests_total")
	}
}

// --- API key guard ---

func TestV1_RequiresAPIKey(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	body := AccessRequest{Resource: "/admin/x"}

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "not-a-key", http.StatusUnauthorized},
		{"reader", readerKey, http.StatusOK},
		{"admin", adminKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/v1/access", tt.key, body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	// Every API key check goes through the guard container and is audited.
	events := env.audit.byAction("authenticate")
	if len(events) != 3 {
		t.Fatalf("authenticate events = %d, want 3", len(events))
	}
	for _, e := range events {
		if !e.Cleared || e.CredentialKind != string(credential.KindToken) {
			t.Errorf("event = %+v", e)
		}
	}
}

func TestStop_ClearsKeys(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	if err := env.gateway.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, k := range env.keys {
		if !k.Secret.IsCleared() {
			t.Errorf("key %s not cleared", k.Name)
		}
	}
	if rec := env.do(t, http.MethodPost, "/v1/access", adminKey, AccessRequest{Resource: "/"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("cleared key accepted: %d", rec.Code)
	}
}

func TestRotateKeys(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	const rotated = "rotated-key-0123456789"

	env.gateway.RotateKeys([]APIKey{
		{Name: "ops", Groups: []string{AdminGroup}, Secret: resolveKey(t, "TEST_ROTATED_KEY", rotated)},
	})
	for _, k := range env.keys {
		if !k.Secret.IsCleared() {
			t.Errorf("superseded key %s not cleared", k.Name)
		}
	}
	if rec := env.do(t, http.MethodGet, "/v1/constraints", adminKey, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("superseded key = %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/constraints", rotated, nil); rec.Code != http.StatusOK {
		t.Errorf("rotated key = %d, want 200", rec.Code)
	}

	if err := env.gateway.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	late := resolveKey(t, "TEST_LATE_KEY", "late-key-0123456789")
	env.gateway.RotateKeys([]APIKey{{Name: "late", Secret: late}})
	if !late.IsCleared() {
		t.Error("keys rotated in after Stop should be cleared")
	}
}

// --- Policy ---

func TestAccess(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name        string
		req         AccessRequest
		wantAllowed bool
		wantPattern string
	}{
		{"admin in group", AccessRequest{Caller: "alice", Groups: []string{"admins"}, Resource: "/admin/users", Methods: []string{"GET"}}, true, "/admin/*"},
		{"admin wrong group", AccessRequest{Caller: "bob", Groups: []string{"users"}, Resource: "/admin/users"}, false, "/admin/*"},
		{"anonymous admin", AccessRequest{Resource: "/admin/users", Methods: []string{"GET"}}, false, "/admin/*"},
		{"public get unconstrained", AccessRequest{Resource: "/public/page", Methods: []string{"GET"}}, true, "/public/*"},
		{"public post anonymous", AccessRequest{Resource: "/public/page", Methods: []string{"POST"}}, false, "/public/*"},
		{"public post authenticated", AccessRequest{Caller: "bob", Resource: "/public/page", Methods: []string{"POST"}}, true, "/public/*"},
		{"unprotected", AccessRequest{Resource: "/index.html"}, true, ""},
		{"dot-dot into admin", AccessRequest{Resource: "/public/../admin/users", Methods: []string{"GET"}}, false, "/admin/*"},
		{"double slash admin", AccessRequest{Caller: "bob", Groups: []string{"users"}, Resource: "//admin/users"}, false, "/admin/*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/access", readerKey, tt.req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
			}
			got := decode[AccessResponse](t, rec)
			if got.Allowed != tt.wantAllowed || got.Pattern != tt.wantPattern {
				t.Errorf("got %+v, want allowed=%v pattern=%q", got, tt.wantAllowed, tt.wantPattern)
			}
		})
	}
}

func TestAccess_BadRequests(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for name, req := range map[string]AccessRequest{
		"no resource":       {Caller: "alice"},
		"groups, no caller": {Groups: []string{"admins"}, Resource: "/admin"},
	} {
		t.Run(name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/v1/access", readerKey, req); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestConstraints(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodGet, "/v1/constraints", readerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[[]security.WebResourceConstraint](t, rec)
	if len(got) != 2 || got[0].Pattern != "/admin/*" {
		t.Errorf("constraints = %+v", got)
	}
}

// --- Validation ---

func basicHeader(caller, pw string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(caller+":"+pw))
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name       string
		body       any
		headers    []string
		wantStatus string
		wantStore  string
	}{
		{"json valid", ValidateRequest{Caller: "alice", Password: "s3cr3t"}, nil, "valid", "memory"},
		{"json wrong password", ValidateRequest{Caller: "alice", Password: "nope"}, nil, "invalid", "memory"},
		{"header valid", nil, []string{CredentialHeader, basicHeader("alice", "s3cr3t")}, "valid", "memory"},
		{"unknown caller", ValidateRequest{Caller: "mallory", Password: "x"}, nil, "invalid", "memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/validate", readerKey, tt.body, tt.headers...)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
			}
			got := decode[ValidateResponse](t, rec)
			if got.Status != tt.wantStatus || got.StoreID != tt.wantStore {
				t.Errorf("got %+v, want status=%s store=%s", got, tt.wantStatus, tt.wantStore)
			}
			if !got.CredentialCleared || got.CorrelationID == "" {
				t.Errorf("got %+v", got)
			}
		})
	}

	events := env.audit.byAction("validate")
	if len(events) != len(tests) {
		t.Fatalf("validate events = %d, want %d", len(events), len(tests))
	}
	for _, e := range events {
		if !e.Cleared {
			t.Errorf("event not cleared: %+v", e)
		}
		raw, _ := json.Marshal(e)
		if bytes.Contains(raw, []byte("s3cr3t")) {
			t.Errorf("audit event leaks password: %s", raw)
		}
	}
}

func TestValidate_BadRequests(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	if rec := env.do(t, http.MethodPost, "/v1/validate", readerKey, ValidateRequest{Caller: "alice"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing password: %d, want 400", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/validate", readerKey, nil, CredentialHeader, "Basic !!!"); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed header: %d, want 400", rec.Code)
	}
}

func TestValidate_RateLimited(t *testing.T) {
	env := newTestEnv(t, envOptions{limiter: ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})})
	body := ValidateRequest{Caller: "alice", Password: "nope"}

	if rec := env.do(t, http.MethodPost, "/v1/validate", readerKey, body); rec.Code != http.StatusOK {
		t.Fatalf("first: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/validate", readerKey, body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d, want 429", rec.Code)
	}
	// Other callers have their own budget.
	if rec := env.do(t, http.MethodPost, "/v1/validate", readerKey, ValidateRequest{Caller: "bob", Password: "x"}); rec.Code != http.StatusOK {
		t.Errorf("bob: %d", rec.Code)
	}
}

// --- Callers ---

func TestCallers_Lifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	create := CallerRequest{Name: "carol", Password: "hunter22", Groups: []string{"ops", "ops", "dev"}}

	if rec := env.do(t, http.MethodPost, "/v1/callers", readerKey, create); rec.Code != http.StatusForbidden {
		t.Fatalf("reader create: %d, want 403", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/callers", adminKey, create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d (%s)", rec.Code, rec.Body.String())
	}
	created := decode[CallerResponse](t, rec)
	if created.Name != "carol" || len(created.Groups) != 2 || created.ID == "" {
		t.Errorf("created = %+v", created)
	}
	if strings.Contains(rec.Body.String(), "hunter22") {
		t.Error("response leaks password")
	}

	if rec := env.do(t, http.MethodPost, "/v1/callers", adminKey, create); rec.Code != http.StatusConflict {
		t.Errorf("duplicate: %d, want 409", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/callers", adminKey, CallerRequest{Name: "a:b", Password: "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid name: %d, want 400", rec.Code)
	}

	// Listing is open to any key.
	rec = env.do(t, http.MethodGet, "/v1/callers", readerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if list := decode[[]CallerResponse](t, rec); len(list) != 1 || list[0].Name != "carol" {
		t.Errorf("list = %+v", list)
	}

	// The new caller validates through the database store.
	rec = env.do(t, http.MethodPost, "/v1/validate", readerKey, ValidateRequest{Caller: "carol", Password: "hunter22"})
	if got := decode[ValidateResponse](t, rec); got.Status != "valid" || got.StoreID != "database" {
		t.Errorf("validate carol = %+v", got)
	}

	if rec := env.do(t, http.MethodDelete, "/v1/callers/carol", readerKey, nil); rec.Code != http.StatusForbidden {
		t.Errorf("reader delete: %d, want 403", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/v1/callers/carol", adminKey, nil); rec.Code != http.StatusOK {
		t.Errorf("delete: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/v1/callers/carol", adminKey, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: %d, want 404", rec.Code)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	if rec := env.do(t, http.MethodGet, "/v1/audit", readerKey, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("reader audit: %d, want 403", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/audit?limit=0", adminKey, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0: %d, want 400", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/v1/audit?limit=5", adminKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: %d", rec.Code)
	}
	// The gateway audits to the recorder, not the database, in this setup.
	if got := decode[[]security.AuditEvent](t, rec); len(got) != 0 {
		t.Errorf("audit events = %d, want 0", len(got))
	}
}
