package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/gatekeep/internal/credential"
	"github.com/jkaninda/gatekeep/internal/identitystore"
	"github.com/jkaninda/gatekeep/internal/security"
)

// CredentialHeader carries the credential to validate as an HTTP Basic
// value. It takes precedence over the JSON body.
const CredentialHeader = "X-Gatekeep-Credential"

// ValidateRequest is the JSON body for POST /v1/validate.
type ValidateRequest struct {
	Caller   string `json:"caller"`
	Password string `json:"password"`
}

// ValidateResponse is the JSON response for POST /v1/validate.
type ValidateResponse struct {
	Status            string   `json:"status"` // "valid", "invalid" or "not_validated"
	Caller            string   `json:"caller,omitempty"`
	Groups            []string `json:"groups,omitempty"`
	StoreID           string   `json:"store_id,omitempty"`
	CorrelationID     string   `json:"correlation_id"`
	CredentialCleared bool     `json:"credential_cleared"`
}

var errMissingCredential = errors.New("caller and password are required")

func (g *Gateway) handleValidate(c *okapi.Context) error {
	cred, err := readCredential(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	// From here on every path clears cred before responding.

	caller := cred.Caller()
	if g.limiter != nil {
		if err := g.limiter.Allow(caller); err != nil {
			_ = g.clearCredential(c, cred)
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	correlationID := newCorrelationID()
	result, validateErr := g.identities.Validate(c.Context(), cred)
	clearErr := g.clearCredential(c, cred)

	event := security.AuditEvent{
		Timestamp:      time.Now().UTC(),
		CorrelationID:  correlationID,
		Caller:         caller,
		Action:         "validate",
		Mechanism:      "identity_store",
		CredentialKind: string(cred.Kind()),
		Result:         result.Status.String(),
		Cleared:        clearErr == nil,
	}
	if err := errors.Join(validateErr, clearErr); err != nil {
		event.Error = err.Error()
	}
	if clearErr != nil || (validateErr != nil && result.Status == identitystore.NotValidated) {
		event.Result = security.AuditResultError
	}
	g.appendAudit(c.Context(), event)

	g.logger.InfoContext(c.Context(), "credential validation",
		slog.String("correlation_id", correlationID),
		slog.String("api_key", c.GetString(callerKey)),
		slog.String("caller", caller),
		slog.String("status", result.Status.String()),
		slog.String("store", result.StoreID),
		slog.Bool("credential_cleared", clearErr == nil),
	)

	if clearErr != nil {
		return c.AbortInternalServerError("credential could not be cleared")
	}
	if validateErr != nil && result.Status == identitystore.NotValidated {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "identity stores unavailable"})
	}

	return c.OK(ValidateResponse{
		Status:            result.Status.String(),
		Caller:            result.Caller,
		Groups:            result.Groups,
		StoreID:           result.StoreID,
		CorrelationID:     correlationID,
		CredentialCleared: true,
	})
}

// readCredential builds the credential from CredentialHeader or, when the
// header is absent, from the JSON body.
func readCredential(c *okapi.Context) (*credential.UsernamePassword, error) {
	if header := c.Header(CredentialHeader); header != "" {
		return credential.ParseBasicAuthentication(header)
	}

	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return nil, errors.New("invalid request body")
	}
	if req.Caller == "" || req.Password == "" {
		return nil, errMissingCredential
	}
	return credential.NewUsernamePassword(req.Caller, credential.NewPassword(req.Password)), nil
}

func (g *Gateway) clearCredential(c *okapi.Context, cred credential.Credential) error {
	err := cred.Clear()
	g.config.Metrics.RecordCredentialClear(cred.Kind(), err)
	if err != nil {
		g.logger.ErrorContext(c.Context(), "credential could not be cleared",
			slog.String("kind", string(cred.Kind())),
			slog.String("error", err.Error()),
		)
	}
	return err
}
