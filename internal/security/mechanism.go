package security

import (
	"context"
	"net/http"

	"github.com/jkaninda/gatekeep/internal/credential"
)

// Mechanism is an authentication mechanism supplied by the hosting
// container. Implementations must be safe for concurrent use; per-request
// state travels in the MessageContext.
type Mechanism interface {
	// Name identifies the mechanism in logs, metrics and audit events.
	Name() string
	// ValidateRequest runs one step of the authentication dialog. On
	// success it must call MessageContext.NotifyContainerAboutLogin.
	ValidateRequest(ctx context.Context, msg *MessageContext) (AuthenticationStatus, error)
}

// MechanismFunc adapts a function to the Mechanism interface.
type MechanismFunc struct {
	MechanismName string
	Fn            func(ctx context.Context, msg *MessageContext) (AuthenticationStatus, error)
}

func (f MechanismFunc) Name() string { return f.MechanismName }

func (f MechanismFunc) ValidateRequest(ctx context.Context, msg *MessageContext) (AuthenticationStatus, error) {
	return f.Fn(ctx, msg)
}

// MessageContext is what a mechanism sees of a single authenticate call.
type MessageContext struct {
	Request  *http.Request
	Response http.ResponseWriter

	params    AuthenticationParameters
	newDialog bool
	subject   *Subject
}

// Credential returns the credential supplied with the call, or nil.
func (m *MessageContext) Credential() credential.Credential {
	return m.params.Credential
}

// IsNewAuthentication reports whether this call starts a new dialog
// rather than continuing one in progress.
func (m *MessageContext) IsNewAuthentication() bool { return m.newDialog }

// IsRememberMe reports whether the caller asked to be remembered.
func (m *MessageContext) IsRememberMe() bool { return m.params.RememberMe }

// NotifyContainerAboutLogin records subject as the authenticated caller
// and returns Success.
func (m *MessageContext) NotifyContainerAboutLogin(subject *Subject) AuthenticationStatus {
	m.subject = subject
	return Success
}

// ResponseUnauthorized writes a 401 and returns SendFailure.
func (m *MessageContext) ResponseUnauthorized() AuthenticationStatus {
	if m.Response != nil {
		m.Response.WriteHeader(http.StatusUnauthorized)
	}
	return SendFailure
}

// DoNothing returns NotDone.
func (m *MessageContext) DoNothing() AuthenticationStatus { return NotDone }
