// Package storage defines the Store interface that abstracts persistence.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/gatekeep/internal/identitystore"
	"github.com/jkaninda/gatekeep/internal/security"
)

// AuditRepository is the append-only audit trail plus read access for
// operators.
type AuditRepository interface {
	security.AuditStore
	Recent(ctx context.Context, caller string, limit int) ([]security.AuditEvent, error)
}

// Store is the persistence interface for gatekeep.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	Callers() identitystore.CallerRepository
	Audit() AuditRepository

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
