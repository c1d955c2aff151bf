package secrets

import (
	"context"
	"fmt"
	"os"
)

// EnvProvider reads "env://NAME" references from the process environment.
// An unset and an empty variable are both treated as missing.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, credentialRef string) (*Secret, error) {
	name, err := trimScheme(credentialRef, p.Name())
	if err != nil {
		return nil, err
	}
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: $%s is unset", ErrSecretNotFound, name)
	}
	return newSecret([]byte(value), map[string]string{"source": p.Name(), "variable": name}), nil
}
