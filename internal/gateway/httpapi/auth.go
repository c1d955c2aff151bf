package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/gatekeep/internal/credential"
	"github.com/jkaninda/gatekeep/internal/security"
)

// adminConstraints protect the /v1 surface: every endpoint needs a valid
// API key, and mutating caller records or reading the audit trail needs
// the admin group.
var adminConstraints = []security.WebResourceConstraint{
	{Pattern: "/v1/*", RolesAllowed: []string{"**"}},
	{Pattern: "/v1/callers/*", Methods: []string{http.MethodPost, http.MethodDelete}, RolesAllowed: []string{AdminGroup}},
	{Pattern: "/v1/audit", RolesAllowed: []string{AdminGroup}},
}

// apiKeyMechanism accepts a bearer token that matches a configured API key.
// Every key is compared so timing does not depend on which key matched.
type apiKeyMechanism struct {
	mu     sync.RWMutex
	keys   []APIKey
	closed bool
}

func (m *apiKeyMechanism) Name() string { return "api_key" }

func (m *apiKeyMechanism) ValidateRequest(_ context.Context, msg *security.MessageContext) (security.AuthenticationStatus, error) {
	token, ok := msg.Credential().(*credential.Token)
	if !ok || token.IsCleared() {
		return security.SendFailure, nil
	}

	presented := []byte(token.Value())
	defer credential.Zero(presented)

	m.mu.RLock()
	defer m.mu.RUnlock()

	match := -1
	for i, k := range m.keys {
		if k.Secret == nil || k.Secret.IsCleared() {
			continue
		}
		if subtle.ConstantTimeCompare(presented, k.Secret.Bytes()) == 1 {
			match = i
		}
	}
	if match < 0 {
		return security.SendFailure, nil
	}
	key := m.keys[match]
	return msg.NotifyContainerAboutLogin(security.NewSubject(key.Name, key.Groups...)), nil
}

// replace installs keys and returns the keys they supersede. Once the
// mechanism is closed the incoming keys are returned instead.
func (m *apiKeyMechanism) replace(keys []APIKey) []APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return keys
	}
	old := m.keys
	m.keys = keys
	return old
}

// close drops every key and rejects later replacements.
func (m *apiKeyMechanism) close() []APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.keys
	m.keys = nil
	m.closed = true
	return old
}

// authenticate validates the API key, applies the admin constraints and
// records the key name for handlers.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.Body != nil {
			r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)
		}

		token, err := credential.ParseBearer(c.Header("Authorization"))
		if err != nil {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}

		sc := g.guard.NewContext().WithContext(r.Context())
		status, err := sc.Authenticate(nil, r, security.AuthenticationParameters{Credential: token})
		if err != nil {
			g.logger.ErrorContext(r.Context(), "api key authentication failed",
				slog.String("error", err.Error()),
			)
			return c.AbortInternalServerError("authentication failed")
		}
		if status != security.Success {
			return c.AbortUnauthorized("invalid API key")
		}
		if !sc.HasAccessToWebResource(r.URL.Path, r.Method) {
			return c.JSON(http.StatusForbidden, ErrorBody{Error: "forbidden"})
		}

		c.Set(callerKey, sc.Subject().CallerName())
		return next(c)
	}
}
