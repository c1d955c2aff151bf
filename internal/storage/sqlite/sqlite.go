// Package sqlite is the default, zero-config storage backend. It uses the
// pure-Go glebarez/sqlite GORM driver and shares the postgres backend's
// models and repositories.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/gatekeep/internal/storage"
	"github.com/jkaninda/gatekeep/internal/storage/postgres"
)

// Config selects the database file. JournalMode defaults to "wal".
type Config struct {
	Path        string
	JournalMode string
}

// Store implements storage.Store on a single SQLite file.
type Store struct {
	postgres.Repositories
	db   *gorm.DB
	path string
}

// Open creates the parent directory if needed and opens the database with
// foreign keys on and a 5s busy timeout.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlite: creating database directory: %w", err)
	}
	journal := strings.ToLower(cfg.JournalMode)
	if journal == "" {
		journal = "wal"
	}

	pragmas := []string{
		"journal_mode(" + journal + ")",
		"busy_timeout(5000)",
		"foreign_keys(ON)",
	}
	dsn := cfg.Path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         storage.NewGormLogger(logger),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journal))
	return &Store{Repositories: postgres.NewRepositories(db), db: db, path: cfg.Path}, nil
}

func (s *Store) Migrate(ctx context.Context) error { return postgres.Migrate(ctx, s.db) }

func (s *Store) Ping(ctx context.Context) error { return postgres.Ping(ctx, s.db) }

func (s *Store) Close() error { return postgres.Close(s.db) }

func (s *Store) Driver() string { return storage.DriverSQLite }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

var _ storage.Store = (*Store)(nil)
