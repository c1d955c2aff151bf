package identitystore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jkaninda/gatekeep/internal/credential"
)

// Handler consults identity stores in priority order.
type Handler struct {
	stores []IdentityStore
	logger *slog.Logger
}

// NewHandler creates a Handler. Stores with equal priority keep their
// given order.
func NewHandler(logger *slog.Logger, stores ...IdentityStore) *Handler {
	sorted := slices.Clone(stores)
	slices.SortStableFunc(sorted, func(a, b IdentityStore) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})
	return &Handler{stores: sorted, logger: logger}
}

// Stores returns the stores in the order they are consulted.
func (h *Handler) Stores() []IdentityStore { return slices.Clone(h.stores) }

// Validate returns the first Valid result. If no store accepts the
// credential but at least one rejected it, the first Invalid result is
// returned. A store error does not stop the search; it is returned only
// when no store produced a Valid or Invalid result.
//
// The credential is never cleared here.
func (h *Handler) Validate(ctx context.Context, cred credential.Credential) (ValidationResult, error) {
	if cred == nil {
		return ValidationResult{Status: NotValidated}, fmt.Errorf("%w: nil credential", credential.ErrMalformed)
	}
	if cred.IsCleared() {
		return ValidationResult{Status: NotValidated}, credential.ErrCleared
	}

	var (
		invalid *ValidationResult
		errs    []error
	)
	for _, s := range h.stores {
		res, err := s.Validate(ctx, cred)
		if err != nil {
			h.logger.WarnContext(ctx, "identity store failed",
				slog.String("store", s.Name()),
				slog.String("kind", string(cred.Kind())),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("store %s: %w", s.Name(), err))
			continue
		}
		switch res.Status {
		case Valid:
			h.logger.DebugContext(ctx, "credential validated",
				slog.String("store", s.Name()),
				slog.String("caller", res.Caller),
			)
			return res, nil
		case Invalid:
			if invalid == nil {
				invalid = &res
			}
		}
	}

	if invalid != nil {
		return *invalid, nil
	}
	return ValidationResult{Status: NotValidated}, errors.Join(errs...)
}
