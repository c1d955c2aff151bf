package httpapi

import (
	"log/slog"
	"strings"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/gatekeep/internal/security"
)

// AccessRequest is the JSON body for POST /v1/access.
type AccessRequest struct {
	Caller   string   `json:"caller,omitempty"` // Empty = anonymous.
	Groups   []string `json:"groups,omitempty"`
	Resource string   `json:"resource"`
	Methods  []string `json:"methods,omitempty"` // Empty = every method must be allowed.
}

// AccessResponse is the JSON response for POST /v1/access.
type AccessResponse struct {
	Allowed bool   `json:"allowed"`
	Pattern string `json:"pattern,omitempty"` // Winning constraint pattern, empty when unprotected.
}

func (g *Gateway) handleAccess(c *okapi.Context) error {
	var req AccessRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	req.Resource = strings.TrimSpace(req.Resource)
	if req.Resource == "" {
		return c.AbortBadRequest("resource is required")
	}
	if req.Caller == "" && len(req.Groups) > 0 {
		return c.AbortBadRequest("groups require a caller")
	}

	var subject *security.Subject
	if req.Caller != "" {
		subject = security.NewSubject(req.Caller, req.Groups...)
	}
	sc := g.policy.NewContextFor(subject).WithContext(c.Context())
	allowed := sc.HasAccessToWebResource(req.Resource, req.Methods...)
	pattern := g.policy.Constraints().MatchedPattern(req.Resource)

	g.logger.DebugContext(c.Context(), "access decision",
		slog.String("api_key", c.GetString(callerKey)),
		slog.String("caller", req.Caller),
		slog.String("resource", req.Resource),
		slog.String("pattern", pattern),
		slog.Bool("allowed", allowed),
	)

	return c.OK(AccessResponse{Allowed: allowed, Pattern: pattern})
}

func (g *Gateway) handleConstraints(c *okapi.Context) error {
	constraints := g.policy.Constraints().Constraints()
	if constraints == nil {
		constraints = []security.WebResourceConstraint{}
	}
	return c.OK(constraints)
}
