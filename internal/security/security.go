// Package security implements the per-request security context: the
// authenticated caller and its principals, role membership, web resource
// access decisions and the programmatic authentication hook.
//
// Concrete authentication mechanisms are supplied by the hosting
// container through the Mechanism interface. The context drives the
// authentication dialog, records the resulting Subject, clears the
// credential the caller presented, and audits the outcome.
package security

import (
	"errors"

	"github.com/jkaninda/gatekeep/internal/credential"
)

// Sentinel errors for the security context.
var (
	ErrNoMechanism     = errors.New("no authentication mechanism configured")
	ErrNoCallerOnLogin = errors.New("mechanism reported success without a caller")
	ErrInvalidPattern  = errors.New("invalid url pattern")
)

// AuthenticationStatus is the state of an authentication mechanism after
// it has been invoked.
type AuthenticationStatus int

const (
	NotDone      AuthenticationStatus = iota // Mechanism did nothing.
	SendContinue                             // Dialog in progress; more interaction with the caller needed.
	SendFailure                              // Authentication failed.
	Success                                  // Caller authenticated.
)

func (s AuthenticationStatus) String() string {
	switch s {
	case NotDone:
		return "not_done"
	case SendContinue:
		return "send_continue"
	case SendFailure:
		return "send_failure"
	case Success:
		return "success"
	default:
		return "unknown"
	}
}

// ParseAuthenticationStatus converts a string to an AuthenticationStatus.
// Unrecognized values map to SendFailure.
func ParseAuthenticationStatus(s string) AuthenticationStatus {
	switch s {
	case "not_done":
		return NotDone
	case "send_continue":
		return SendContinue
	case "send_failure":
		return SendFailure
	case "success":
		return Success
	default:
		return SendFailure
	}
}

// AuthenticationParameters accompany a programmatic authentication request.
type AuthenticationParameters struct {
	// Credential collected by the application, if any. It is cleared once
	// the mechanism has returned.
	Credential credential.Credential
	// NewAuthentication forces a new dialog even if one is in progress.
	NewAuthentication bool
	// RememberMe asks the mechanism to remember the caller.
	RememberMe bool
}
