// Package identitystore validates credentials against caller databases.
//
// An IdentityStore answers one question for one credential: is this a
// known caller, and if so which groups does it belong to. The Handler
// consults several stores in priority order. Neither stores nor the
// handler clear the credential; that is the caller's job once validation
// is over.
package identitystore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/gatekeep/internal/credential"
	"github.com/jkaninda/gatekeep/internal/security"
)

// Sentinel errors.
var (
	ErrCallerExists   = errors.New("caller already exists")
	ErrCallerNotFound = errors.New("caller not found")
	ErrInvalidCaller  = errors.New("invalid caller")
)

// ValidationStatus is the outcome of validating a credential.
type ValidationStatus int

const (
	NotValidated ValidationStatus = iota // Store does not handle this credential kind.
	Invalid                              // Credential rejected.
	Valid                                // Credential accepted.
)

func (s ValidationStatus) String() string {
	switch s {
	case NotValidated:
		return "not_validated"
	case Invalid:
		return "invalid"
	case Valid:
		return "valid"
	default:
		return "unknown"
	}
}

// ValidationResult is returned by IdentityStore.Validate.
type ValidationResult struct {
	Status  ValidationStatus `json:"status"`
	Caller  string           `json:"caller,omitempty"`
	Groups  []string         `json:"groups,omitempty"`
	StoreID string           `json:"store_id,omitempty"`
}

// Subject returns the security subject for a valid result, nil otherwise.
func (r ValidationResult) Subject() *security.Subject {
	if r.Status != Valid {
		return nil
	}
	return security.NewSubject(r.Caller, r.Groups...)
}

// IdentityStore validates credentials.
type IdentityStore interface {
	// Name identifies the store in results, logs and metrics.
	Name() string
	// Priority orders stores in a Handler; lower runs first.
	Priority() int
	// Validate checks cred. It must not clear it.
	Validate(ctx context.Context, cred credential.Credential) (ValidationResult, error)
}

// CallerRecord is a persisted caller. PasswordHash is a bcrypt hash.
type CallerRecord struct {
	ID           uuid.UUID
	Name         string
	PasswordHash []byte
	Groups       []string
	CreatedAt    time.Time
}

// CallerRepository persists callers.
type CallerRepository interface {
	// Create stores a new caller. Returns ErrCallerExists on a duplicate name.
	Create(ctx context.Context, rec *CallerRecord) error
	// GetByName returns ErrCallerNotFound when no such caller exists.
	GetByName(ctx context.Context, name string) (*CallerRecord, error)
	// Delete returns ErrCallerNotFound when no such caller exists.
	Delete(ctx context.Context, name string) error
	// List returns all callers ordered by name.
	List(ctx context.Context) ([]CallerRecord, error)
}
