package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/gatekeep/internal/credential"
	"github.com/jkaninda/gatekeep/internal/identitystore"
	"github.com/jkaninda/gatekeep/internal/security"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// **** Caller request/response types ****

// CallerRequest is the JSON body for POST /v1/callers.
type CallerRequest struct {
	Name     string   `json:"name"`
	Password string   `json:"password"`
	Groups   []string `json:"groups,omitempty"`
}

// CallerResponse is the JSON response for caller endpoints. It never
// includes the password hash.
type CallerResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Groups    []string  `json:"groups"`
	CreatedAt time.Time `json:"created_at"`
}

func toCallerResponse(rec *identitystore.CallerRecord) CallerResponse {
	groups := rec.Groups
	if groups == nil {
		groups = []string{}
	}
	return CallerResponse{
		ID:        rec.ID.String(),
		Name:      rec.Name,
		Groups:    groups,
		CreatedAt: rec.CreatedAt,
	}
}

// **** Handlers ****

func (g *Gateway) handleCallerCreate(c *okapi.Context) error {
	var req CallerRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Password == "" {
		return c.AbortBadRequest("password is required")
	}

	// AddCaller clears the password once it is hashed.
	rec, err := g.callers.AddCaller(c.Context(), req.Name, credential.NewPassword(req.Password), req.Groups)
	switch {
	case errors.Is(err, identitystore.ErrInvalidCaller):
		return c.AbortBadRequest("invalid caller name")
	case errors.Is(err, identitystore.ErrCallerExists):
		return c.JSON(http.StatusConflict, ErrorBody{Error: "caller already exists"})
	case err != nil:
		g.logger.ErrorContext(c.Context(), "caller create failed",
			slog.String("caller", req.Name),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("failed to create caller")
	}

	g.logger.Info("caller created",
		slog.String("caller", rec.Name),
		slog.String("created_by", c.GetString(callerKey)),
	)

	return c.JSON(http.StatusCreated, toCallerResponse(rec))
}

func (g *Gateway) handleCallerList(c *okapi.Context) error {
	recs, err := g.callers.ListCallers(c.Context())
	if err != nil {
		return c.AbortInternalServerError("failed to list callers")
	}

	resp := make([]CallerResponse, len(recs))
	for i := range recs {
		resp[i] = toCallerResponse(&recs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleCallerDelete(c *okapi.Context) error {
	name := c.Param("name")
	if name == "" {
		return c.AbortBadRequest("caller name is required")
	}

	err := g.callers.RemoveCaller(c.Context(), name)
	switch {
	case errors.Is(err, identitystore.ErrCallerNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "caller not found"})
	case err != nil:
		return c.AbortInternalServerError("failed to delete caller")
	}

	g.logger.Info("caller deleted",
		slog.String("caller", name),
		slog.String("deleted_by", c.GetString(callerKey)),
	)

	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleAuditList(c *okapi.Context) error {
	query := c.Request().URL.Query()

	limit := defaultAuditLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = min(n, maxAuditLimit)
	}

	events, err := g.auditTrail.Recent(c.Context(), query.Get("caller"), limit)
	if err != nil {
		return c.AbortInternalServerError("failed to read audit trail")
	}
	if events == nil {
		events = []security.AuditEvent{}
	}
	return c.OK(events)
}
