package security

import (
	"context"

	"github.com/jkaninda/gatekeep/internal/credential"
)

// Observer receives instrumentation callbacks from the container.
// Implemented by the observability package; nil disables instrumentation.
type Observer interface {
	// AuthenticationStarted is called before the mechanism runs. The
	// returned function is called with the final status and error.
	AuthenticationStarted(ctx context.Context, mechanism string) (context.Context, func(AuthenticationStatus, error))
	// CredentialCleared is called after the container cleared a credential.
	CredentialCleared(ctx context.Context, kind credential.Kind, err error)
	// AccessChecked is called for every web resource access decision.
	AccessChecked(ctx context.Context, pattern string, allowed bool)
}

type noopObserver struct{}

func (noopObserver) AuthenticationStarted(ctx context.Context, _ string) (context.Context, func(AuthenticationStatus, error)) {
	return ctx, func(AuthenticationStatus, error) {}
}

func (noopObserver) CredentialCleared(context.Context, credential.Kind, error) {}

func (noopObserver) AccessChecked(context.Context, string, bool) {}
