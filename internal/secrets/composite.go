package secrets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CompositeProvider chains multiple providers. A reference whose scheme
// matches a provider's Name ("env://", "file://", "vault://") goes to
// that provider only; anything else is tried against each provider in
// order and the first success wins.
type CompositeProvider struct {
	providers []Provider
}

// NewCompositeProvider creates a provider that delegates to the given providers in order.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

func (p *CompositeProvider) Name() string { return "composite" }

func (p *CompositeProvider) Resolve(ctx context.Context, credentialRef string) (*Secret, error) {
	if scheme, _, ok := strings.Cut(credentialRef, "://"); ok {
		for _, provider := range p.providers {
			if provider.Name() == scheme {
				return provider.Resolve(ctx, credentialRef)
			}
		}
	}

	var errs []error
	for _, provider := range p.providers {
		secret, err := provider.Resolve(ctx, credentialRef)
		if err == nil {
			return secret, nil
		}
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, fmt.Errorf("%w: no provider could resolve %q", ErrSecretNotFound, credentialRef)
}

// Close closes every chained provider that holds resources of its own,
// such as a Vault token.
func (p *CompositeProvider) Close() error {
	var errs []error
	for _, provider := range p.providers {
		if c, ok := provider.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
