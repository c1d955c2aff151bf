// Package httpapi implements the gatekeep admin API.
//
// Security:
//   - API keys on every /v1 request, checked through a security container
//     (constant-time comparison, the presented token is cleared afterwards)
//   - Caller management and the audit trail require the "admin" group
//   - Request body size limits (default 64 KiB)
//   - Per-caller rate limiting of credential validation
//   - Request credentials are cleared before the response is written
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/gatekeep/internal/identitystore"
	"github.com/jkaninda/gatekeep/internal/observability"
	"github.com/jkaninda/gatekeep/internal/ratelimit"
	"github.com/jkaninda/gatekeep/internal/secrets"
	"github.com/jkaninda/gatekeep/internal/security"
	"github.com/jkaninda/gatekeep/internal/storage"
	"github.com/jkaninda/okapi"
)

const (
	defaultMaxRequestSize = 64 << 10 // 64 KiB
	callerKey             = "caller"
)

// AdminGroup is the API key group allowed to manage callers and read the
// audit trail.
const AdminGroup = "admin"

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// APIKey is a named key allowed to call /v1. The gateway owns Secret and
// clears it on Stop.
type APIKey struct {
	Name   string
	Groups []string
	Secret *secrets.Secret
}

// Config configures the admin API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8420"
	EnableDocs     bool
	APIKeys        []APIKey // Empty = /v1 disabled.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 64 KiB default.

	// Audit receives API key and validation events. nil = no audit trail.
	Audit security.AuditAppender

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
	Observer        security.Observer               // Instrumentation for the API key guard.
}

// Gateway is the admin API gateway.
type Gateway struct {
	config     Config
	policy     *security.Container
	guard      *security.Container
	keys       *apiKeyMechanism
	identities *identitystore.Handler
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server

	callers    *identitystore.DBStore  // nil = caller endpoints disabled.
	auditTrail storage.AuditRepository // nil = audit endpoint disabled.

	routesOnce sync.Once
	okapi      *okapi.Okapi
	group      *okapi.Group
}

// NewGateway creates an admin API gateway. policy answers access
// questions for protected applications; identities validates credentials.
func NewGateway(cfg Config, policy *security.Container, identities *identitystore.Handler, rl *ratelimit.Limiter, logger *slog.Logger) (*Gateway, error) {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	guardConstraints, err := security.NewWebResourceConstraints(adminConstraints)
	if err != nil {
		return nil, fmt.Errorf("admin constraints: %w", err)
	}
	g := &Gateway{
		config:     cfg,
		policy:     policy,
		identities: identities,
		limiter:    rl,
		logger:     logger,
		keys:       &apiKeyMechanism{keys: cfg.APIKeys},
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
	g.guard = security.NewContainer(security.ContainerConfig{
		Constraints: guardConstraints,
		Mechanism:   g.keys,
		Audit:       cfg.Audit,
		Observer:    cfg.Observer,
		Logger:      logger.With(slog.String("component", "api_guard")),
	})
	return g, nil
}

// WithCallers enables caller management endpoints backed by store.
func (g *Gateway) WithCallers(store *identitystore.DBStore) *Gateway {
	g.callers = store
	return g
}

// WithAuditTrail enables the audit trail endpoint.
func (g *Gateway) WithAuditTrail(repo storage.AuditRepository) *Gateway {
	g.auditTrail = repo
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "gatekeep",
			Version: "v1",
		},
	)
	return g
}

// Handler returns the gateway as an http.Handler with all routes mounted.
func (g *Gateway) Handler() http.Handler {
	g.routesOnce.Do(g.registerRoutes)
	return g.okapi
}

func (g *Gateway) registerRoutes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness,
		okapi.DocSummary("Liveness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
	)
	g.okapi.Get("/readyz", g.handleReadiness,
		okapi.DocSummary("Readiness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
		okapi.DocResponse(http.StatusServiceUnavailable, observability.HealthStatus{}),
	)
	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	if len(g.config.APIKeys) == 0 {
		g.logger.Warn("no API keys configured, /v1 endpoints disabled")
		return
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/access", g.handleAccess,
		okapi.DocSummary("Decide whether a caller may access a web resource"),
		okapi.DocTags("Policy"),
		okapi.DocRequestBody(AccessRequest{}),
		okapi.DocResponse(AccessResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/constraints", g.handleConstraints,
		okapi.DocSummary("List the configured web resource constraints"),
		okapi.DocTags("Policy"),
		okapi.DocResponse([]security.WebResourceConstraint{}),
	)
	g.group.Post("/validate", g.handleValidate,
		okapi.DocSummary("Validate a caller credential against the identity stores"),
		okapi.DocTags("Identity"),
		okapi.DocRequestBody(ValidateRequest{}),
		okapi.DocResponse(ValidateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	if g.callers != nil {
		g.group.Post("/callers", g.handleCallerCreate,
			okapi.DocSummary("Create a caller"),
			okapi.DocTags("Callers"),
			okapi.DocRequestBody(CallerRequest{}),
			okapi.DocResponse(http.StatusCreated, CallerResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
		g.group.Get("/callers", g.handleCallerList,
			okapi.DocSummary("List callers"),
			okapi.DocTags("Callers"),
			okapi.DocResponse([]CallerResponse{}),
		)
		g.group.Delete("/callers/{name}", g.handleCallerDelete,
			okapi.DocSummary("Delete a caller"),
			okapi.DocTags("Callers"),
			okapi.DocPathParam("name", "string", "Caller name"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	if g.auditTrail != nil {
		g.group.Get("/audit", g.handleAuditList,
			okapi.DocSummary("List recent audit events"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]security.AuditEvent{}),
		)
	}

	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routesOnce.Do(g.registerRoutes)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("admin api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server and clears the API keys.
func (g *Gateway) Stop(ctx context.Context) error {
	defer func() { g.clearKeys(g.keys.close()) }()
	if g.server == nil {
		return nil
	}
	g.logger.Info("admin api stopping")
	return g.okapi.Shutdown(g.server)
}

// RotateKeys replaces the API keys and clears the ones they supersede.
// After Stop the incoming keys are cleared and not installed.
func (g *Gateway) RotateKeys(keys []APIKey) {
	old := g.keys.replace(keys)
	g.clearKeys(old)
	g.logger.Info("api keys rotated", slog.Int("count", len(keys)))
}

func (g *Gateway) clearKeys(keys []APIKey) {
	for _, k := range keys {
		if k.Secret == nil {
			continue
		}
		if err := k.Secret.Clear(); err != nil {
			g.logger.Error("api key could not be cleared",
				slog.String("key", k.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// --- Health handlers ---

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(observability.HealthStatus{Status: observability.StatusOK})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: observability.StatusOK})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

func newCorrelationID() string {
	return uuid.NewString()
}

func (g *Gateway) appendAudit(ctx context.Context, event security.AuditEvent) {
	if g.config.Audit == nil {
		return
	}
	if err := g.config.Audit.LogAction(ctx, event); err != nil {
		g.logger.ErrorContext(ctx, "audit log failed",
			slog.String("correlation_id", event.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}
