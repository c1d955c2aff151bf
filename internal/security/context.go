package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SecurityContext is the per-request view of the authenticated caller.
type SecurityContext interface {
	// CallerPrincipal returns the caller principal, or nil when the caller
	// is not authenticated.
	CallerPrincipal() Principal

	// Principals returns all principals of the caller. A new slice is
	// returned on each call; modifying it does not affect the context.
	Principals() []Principal

	// IsCallerInRole reports whether the authenticated caller is in the
	// given logical application role. Always false when unauthenticated.
	IsCallerInRole(role string) bool

	// HasAccessToWebResource reports whether the caller may access
	// resource with any of the given methods.
	HasAccessToWebResource(resource string, methods ...string) bool

	// Authenticate starts or continues an authentication dialog with the
	// caller through the configured mechanism.
	Authenticate(w http.ResponseWriter, r *http.Request, params AuthenticationParameters) (AuthenticationStatus, error)
}

// PrincipalsByType returns all of the caller's principals of type T, or an
// empty slice when unauthenticated or none match. The slice is new on
// each call.
func PrincipalsByType[T Principal](sc SecurityContext) []T {
	out := []T{}
	for _, p := range sc.Principals() {
		if v, ok := p.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// ContainerConfig holds what is shared by every request context.
type ContainerConfig struct {
	Constraints *WebResourceConstraints
	Mechanism   Mechanism     // nil = Authenticate always fails with ErrNoMechanism.
	Audit       AuditAppender // nil = no audit trail.
	Observer    Observer      // nil = no instrumentation.
	Logger      *slog.Logger
}

// Container creates per-request security contexts. Safe for concurrent use.
type Container struct {
	constraints *WebResourceConstraints
	mechanism   Mechanism
	audit       AuditAppender
	observer    Observer
	logger      *slog.Logger
}

// NewContainer creates a Container from cfg.
func NewContainer(cfg ContainerConfig) *Container {
	c := &Container{
		constraints: cfg.Constraints,
		mechanism:   cfg.Mechanism,
		audit:       cfg.Audit,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
	}
	if c.observer == nil {
		c.observer = noopObserver{}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Constraints returns the container's web resource constraints.
func (c *Container) Constraints() *WebResourceConstraints { return c.constraints }

// NewContext creates an unauthenticated security context for one request.
func (c *Container) NewContext() *Context {
	return &Context{container: c}
}

// NewContextFor creates a security context already bound to subject, for
// callers that were authenticated earlier in the request chain.
func (c *Container) NewContextFor(subject *Subject) *Context {
	return &Context{container: c, subject: subject}
}

// Handler attaches a fresh security context to every request's context.
func (c *Container) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := c.NewContext().WithContext(r.Context())
		next.ServeHTTP(w, r.WithContext(WithSecurityContext(r.Context(), sc)))
	})
}

type dialogState int

const (
	dialogIdle dialogState = iota
	dialogInProgress
)

// Context is the SecurityContext of a single request.
type Context struct {
	container *Container

	mu      sync.RWMutex
	ctx     context.Context
	subject *Subject
	dialog  dialogState
}

var _ SecurityContext = (*Context)(nil)

// WithContext binds ctx to sc for the calls that take no request, such as
// HasAccessToWebResource, and returns sc.
func (sc *Context) WithContext(ctx context.Context) *Context {
	sc.mu.Lock()
	sc.ctx = ctx
	sc.mu.Unlock()
	return sc
}

func (sc *Context) requestCtx() context.Context {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if sc.ctx == nil {
		return context.Background()
	}
	return sc.ctx
}

// Subject returns the authenticated subject, nil when anonymous.
func (sc *Context) Subject() *Subject {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.subject
}

func (sc *Context) CallerPrincipal() Principal {
	return sc.Subject().Caller()
}

func (sc *Context) Principals() []Principal {
	p := sc.Subject().Principals()
	if p == nil {
		return []Principal{}
	}
	return p
}

func (sc *Context) IsCallerInRole(role string) bool {
	return sc.Subject().InGroup(role)
}

func (sc *Context) HasAccessToWebResource(resource string, methods ...string) bool {
	allowed := sc.container.constraints.HasAccess(sc.Subject(), resource, methods...)
	sc.container.observer.AccessChecked(sc.requestCtx(), sc.container.constraints.MatchedPattern(resource), allowed)
	return allowed
}

// Authenticate runs the container's mechanism. If a dialog is in progress
// it is continued; otherwise, or when params.NewAuthentication is set, a
// new one is started and any previous subject is dropped.
//
// The credential in params is cleared after the mechanism returns,
// whatever the outcome. If clearing fails the call fails: the status is
// SendFailure, no subject is recorded, and the returned error wraps
// credential.ErrWipeFailed.
func (sc *Context) Authenticate(w http.ResponseWriter, r *http.Request, params AuthenticationParameters) (AuthenticationStatus, error) {
	ctx := sc.requestCtx()
	if r != nil {
		ctx = r.Context()
	}
	c := sc.container
	correlationID := uuid.NewString()

	mechanismName := ""
	if c.mechanism != nil {
		mechanismName = c.mechanism.Name()
	}
	ctx, done := c.observer.AuthenticationStarted(ctx, mechanismName)

	sc.mu.Lock()
	status, subject, err := sc.runMechanism(ctx, w, r, params)
	switch {
	case status == Success:
		sc.subject = subject
		sc.dialog = dialogIdle
	case status == SendContinue:
		sc.dialog = dialogInProgress
	default:
		sc.dialog = dialogIdle
	}

	cleared, clearErr := sc.clearCredential(ctx, params)
	if clearErr != nil {
		status = SendFailure
		sc.subject = nil
		sc.dialog = dialogIdle
		err = errors.Join(err, clearErr)
	}
	caller := sc.subject.CallerName()
	sc.mu.Unlock()

	event := AuditEvent{
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Caller:        caller,
		Action:        "authenticate",
		Mechanism:     mechanismName,
		Result:        auditResult(status),
		Cleared:       cleared,
	}
	if params.Credential != nil {
		event.CredentialKind = string(params.Credential.Kind())
	}
	if err != nil {
		event.Error = err.Error()
		if clearErr != nil {
			event.Result = AuditResultError
		}
	}
	if c.audit != nil {
		if auditErr := c.audit.LogAction(ctx, event); auditErr != nil {
			c.logger.ErrorContext(ctx, "audit log failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", auditErr.Error()),
			)
		}
	}

	c.logger.InfoContext(ctx, "authentication",
		slog.String("correlation_id", correlationID),
		slog.String("mechanism", mechanismName),
		slog.String("status", status.String()),
		slog.String("caller", caller),
		slog.Bool("credential_cleared", cleared),
	)
	done(status, err)
	return status, err
}

// runMechanism must be called with sc.mu held.
func (sc *Context) runMechanism(ctx context.Context, w http.ResponseWriter, r *http.Request, params AuthenticationParameters) (AuthenticationStatus, *Subject, error) {
	mechanism := sc.container.mechanism
	if mechanism == nil {
		return SendFailure, nil, ErrNoMechanism
	}

	newDialog := params.NewAuthentication || sc.dialog != dialogInProgress
	if params.NewAuthentication {
		sc.subject = nil
	}

	msg := &MessageContext{
		Request:   r,
		Response:  w,
		params:    params,
		newDialog: newDialog,
	}
	status, err := mechanism.ValidateRequest(ctx, msg)
	if err != nil {
		return SendFailure, nil, fmt.Errorf("mechanism %s: %w", mechanism.Name(), err)
	}
	if status == Success && msg.subject == nil {
		return SendFailure, nil, fmt.Errorf("mechanism %s: %w", mechanism.Name(), ErrNoCallerOnLogin)
	}
	return status, msg.subject, nil
}

func (sc *Context) clearCredential(ctx context.Context, params AuthenticationParameters) (bool, error) {
	cred := params.Credential
	if cred == nil {
		return false, nil
	}
	err := cred.Clear()
	sc.container.observer.CredentialCleared(ctx, cred.Kind(), err)
	if err != nil {
		sc.container.logger.ErrorContext(ctx, "credential could not be cleared",
			slog.String("kind", string(cred.Kind())),
			slog.String("error", err.Error()),
		)
		return false, fmt.Errorf("clearing %s credential: %w", cred.Kind(), err)
	}
	return true, nil
}

type contextKey struct{}

// WithSecurityContext returns a copy of ctx carrying sc.
func WithSecurityContext(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext returns the security context stored in ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	sc, ok := ctx.Value(contextKey{}).(*Context)
	return sc, ok
}
