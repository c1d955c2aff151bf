// Package postgres is the PostgreSQL storage backend. Its GORM models and
// repositories are also used by the sqlite backend.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jkaninda/gatekeep/internal/identitystore"
	"github.com/jkaninda/gatekeep/internal/storage"
)

// Config holds the DSN and pool limits. Zero values select the defaults
// noted on each field.
type Config struct {
	DSN             string
	MaxOpenConns    int           // 25
	MaxIdleConns    int           // 5
	ConnMaxLifetime time.Duration // 30m
	ConnMaxIdleTime time.Duration // 10m
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// Store implements storage.Store on PostgreSQL.
type Store struct {
	Repositories
	db *gorm.DB
}

// Open connects, applies the pool limits and pings the server. Tables are
// created by Migrate.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: DSN is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         storage.NewGormLogger(logger),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: connecting: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	maxOpen := orDefault(cfg.MaxOpenConns, 25)
	maxIdle := orDefault(cfg.MaxIdleConns, 5)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(orDefault(cfg.ConnMaxLifetime, 30*time.Minute))
	sqlDB.SetConnMaxIdleTime(orDefault(cfg.ConnMaxIdleTime, 10*time.Minute))

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	logger.Info("postgres connected",
		slog.Int("max_open_conns", maxOpen),
		slog.Int("max_idle_conns", maxIdle),
	)
	return &Store{Repositories: NewRepositories(db), db: db}, nil
}

func (s *Store) Migrate(ctx context.Context) error { return Migrate(ctx, s.db) }

func (s *Store) Ping(ctx context.Context) error { return Ping(ctx, s.db) }

func (s *Store) Close() error { return Close(s.db) }

func (s *Store) Driver() string { return storage.DriverPostgres }

// Repositories bundles the GORM repositories behind storage.Store. The
// repositories hold no state beyond the connection, so one set serves
// every caller.
type Repositories struct {
	callers *CallerRepository
	audit   *AuditRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{callers: NewCallerRepository(db), audit: NewAuditRepository(db)}
}

func (r Repositories) Callers() identitystore.CallerRepository { return r.callers }

func (r Repositories) Audit() storage.AuditRepository { return r.audit }

// Migrate creates or updates every table in foreign-key order.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	return nil
}

// Ping checks the connection behind db.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ storage.Store = (*Store)(nil)
