// Package secrets resolves credential references into clearable secret
// material. Implementations are backend-specific (env vars, files,
// HashiCorp Vault).
//
// A resolved Secret owns its bytes. Callers clear it as soon as the
// secret has been used; String and LogValue never render the value.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/gatekeep/internal/credential"
)

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Secret holds resolved credential material.
// This type MUST NOT be serialized.
type Secret struct {
	password *credential.Password
	Metadata map[string]string // Backend-specific metadata (e.g. source, path, version).
}

// newSecret takes ownership of value and zeroes the caller's copy.
func newSecret(value []byte, metadata map[string]string) *Secret {
	return &Secret{password: credential.NewPasswordFromBytes(value), Metadata: metadata}
}

// Password returns the secret as a password credential. Clearing either
// the password or the secret wipes the same bytes.
func (s *Secret) Password() *credential.Password { return s.password }

// Bytes returns the secret bytes. They are zeroed once the secret is cleared.
func (s *Secret) Bytes() []byte { return s.password.Bytes() }

func (s *Secret) IsCleared() bool { return s.password.IsCleared() }

// Clear wipes the secret value.
func (s *Secret) Clear() error { return s.password.Clear() }

func (s *Secret) String() string {
	return fmt.Sprintf("secret(source=%s, cleared=%t)", s.Metadata["source"], s.IsCleared())
}

func (s *Secret) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("source", s.Metadata["source"]),
		slog.Bool("cleared", s.IsCleared()),
	)
}

var _ credential.Clearable = (*Secret)(nil)

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a credential reference (e.g., "env://MY_KEY" or "vault://secret/data/app#pw")
	// and returns the secret. Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, credentialRef string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// trimScheme returns the part of ref after "<scheme>://". A reference
// for another scheme, or one with nothing after the scheme, is reported
// as ErrSecretNotFound so that a CompositeProvider can move on.
func trimScheme(ref, scheme string) (string, error) {
	rest, ok := strings.CutPrefix(ref, scheme+"://")
	if !ok {
		return "", fmt.Errorf("%w: %s provider cannot resolve %q", ErrSecretNotFound, scheme, ref)
	}
	if rest == "" {
		return "", fmt.Errorf("%w: empty %s reference", ErrSecretNotFound, scheme)
	}
	return rest, nil
}
