// Package gateway defines the interface for network entry points.
package gateway

import "context"

// Gateway is a network entry point served by gatekeep (the admin API).
type Gateway interface {
	// Start serves until the gateway exits or ctx is canceled. It returns
	// an error only on failure.
	Start(ctx context.Context) error

	// Stop shuts the gateway down gracefully within ctx's deadline and
	// releases any credentials it holds.
	Stop(ctx context.Context) error
}
