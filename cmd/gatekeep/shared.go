package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/gatekeep/internal/config"
	"github.com/jkaninda/gatekeep/internal/identitystore"
	"github.com/jkaninda/gatekeep/internal/notification"
	"github.com/jkaninda/gatekeep/internal/observability"
	"github.com/jkaninda/gatekeep/internal/secrets"
	"github.com/jkaninda/gatekeep/internal/security"
	"github.com/jkaninda/gatekeep/internal/storage"
	pgstore "github.com/jkaninda/gatekeep/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/gatekeep/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // SQLite or PostgreSQL.
	Obs    *observability.Observability
	Health *observability.HealthChecker

	Secrets    secrets.Provider
	Audit      security.AuditAppender // nil = audit disabled.
	Callers    *identitystore.DBStore // nil when the database store is disabled.
	Identities *identitystore.Handler
	Policy     *security.Container
	Notifier   *notification.Dispatcher // nil = alerts are only logged.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the config path from GATEKEEP_CONFIG or the flag. The
// default path may be absent, in which case built-in defaults apply.
func loadConfig(path string) (*config.Config, error) {
	path = goutils.Env("GATEKEEP_CONFIG", path)
	if path == "" || path == config.DefaultConfigPath() {
		return config.LoadOrDefault("")
	}
	return config.Load(path)
}

// initShared performs the initialization shared by every command.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *SharedComponents, err error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}
	defer func() {
		if err != nil {
			sc.Cleanup()
		}
	}()

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", slog.String("error", err.Error()))
		}
	})
	logger.Debug("observability initialized", slog.Any("observability", obs))

	// Storage.
	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating %s store: %w", store.Driver(), err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Secret providers.
	provider, err := newSecretProvider(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("initializing secrets: %w", err)
	}
	sc.Secrets = provider
	sc.addCleanup(func() { _ = provider.Close() })

	// Audit trail.
	audit, err := newAuditAppender(cfg, store, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	if audit != nil {
		sc.Audit = audit
		sc.addCleanup(func() { _ = audit.Close() })
	}

	// Identity stores.
	stores, callers, err := newIdentityStores(cfg, store, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing identity stores: %w", err)
	}
	sc.Callers = callers
	sc.Identities = identitystore.NewHandler(logger, observability.InstrumentStores(stores, obs)...)
	logger.Debug("identity stores initialized", slog.Int("count", len(stores)))

	// Anomaly alert delivery.
	if n := cfg.Notifications; n != nil && len(n.Channels) > 0 {
		if anomaly := obs.AnomalyOrNil(); anomaly != nil {
			sc.Notifier = newNotifier(n, sc.Secrets, sc.Audit, logger)
			anomaly.OnAlert(sc.Notifier.AlertHandler(n.AlertTimeout()))
			logger.Debug("anomaly alerts enabled", slog.Any("channels", sc.Notifier.Channels()))
		} else {
			logger.Warn("notification channels configured but anomaly detection is disabled")
		}
	}

	// Policy container.
	constraints, err := cfg.WebResourceConstraints()
	if err != nil {
		return nil, fmt.Errorf("compiling constraints: %w", err)
	}
	sc.Policy = security.NewContainer(security.ContainerConfig{
		Constraints: constraints,
		Audit:       sc.Audit,
		Observer:    observability.NewSecurityObserver(obs),
		Logger:      logger.With(slog.String("component", "policy")),
	})

	// Readiness.
	sc.Health = observability.NewHealthChecker(logger)
	if obs != nil && obs.Health != nil {
		sc.Health = obs.Health
	}
	sc.Health.AddCheck(store.Driver(), store.Ping)

	return sc, nil
}

func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(ctx, cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	store, err := sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func initPostgresStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or GATEKEEP_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	store, err := pgstore.Open(ctx, pgCfg, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// newSecretProvider builds the provider chain. env and file are always
// available; vault is added only when configured.
func newSecretProvider(cfg *config.SecretsConfig) (*secrets.CompositeProvider, error) {
	var chain []secrets.Provider
	seen := make(map[string]bool)
	add := func(p secrets.Provider) {
		if !seen[p.Name()] {
			seen[p.Name()] = true
			chain = append(chain, p)
		}
	}

	if cfg != nil {
		for _, pc := range cfg.Providers {
			switch pc.Type {
			case "env":
				add(secrets.NewEnvProvider())
			case "file":
				add(secrets.NewFileProvider())
			case "vault":
				if seen["vault"] {
					continue
				}
				vp, err := secrets.NewVaultProvider(pc.Config)
				if err != nil {
					_ = secrets.NewCompositeProvider(chain...).Close()
					return nil, fmt.Errorf("vault provider: %w", err)
				}
				add(vp)
			default:
				_ = secrets.NewCompositeProvider(chain...).Close()
				return nil, fmt.Errorf("unknown secret provider type %q", pc.Type)
			}
		}
	}
	add(secrets.NewEnvProvider())
	add(secrets.NewFileProvider())

	return secrets.NewCompositeProvider(chain...), nil
}

// newAuditAppender returns the JSONL file log, the database trail, both, or
// nil when neither is enabled.
func newAuditAppender(cfg *config.Config, store storage.Store, logger *slog.Logger) (security.AuditAppender, error) {
	var appenders security.MultiAuditLogger

	if path := cfg.AuditLogPath(); path != "" {
		fileLog, err := security.NewAuditLogger(path, logger)
		if err != nil {
			return nil, err
		}
		appenders = append(appenders, fileLog)
	}
	if cfg.Security.AuditToStore {
		appenders = append(appenders, security.NewStoreAuditLogger(store.Audit(), logger))
	}

	switch len(appenders) {
	case 0:
		return nil, nil
	case 1:
		return appenders[0], nil
	default:
		return appenders, nil
	}
}

func newNotifier(cfg *config.NotificationsConfig, provider secrets.Provider, audit security.AuditAppender, logger *slog.Logger) *notification.Dispatcher {
	channels := make([]notification.Channel, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels = append(channels, notification.Channel{
			Name:          ch.Name,
			Type:          ch.Type,
			Config:        ch.Config,
			CredentialRef: ch.CredentialRef,
		})
	}
	d := notification.NewDispatcher(channels, provider, audit, logger)
	d.RegisterSender(notification.NewWebhookSender(logger))
	d.RegisterSender(notification.NewSlackSender(logger))
	return d
}

func newIdentityStores(cfg *config.Config, store storage.Store, logger *slog.Logger) ([]identitystore.IdentityStore, *identitystore.DBStore, error) {
	var stores []identitystore.IdentityStore

	if m := cfg.IdentityStores.Memory; m != nil && len(m.Callers) > 0 {
		ms, err := identitystore.NewMemoryStore("memory", m.Priority, m.Callers)
		if err != nil {
			return nil, nil, err
		}
		stores = append(stores, ms)
	}

	var callers *identitystore.DBStore
	if cfg.DatabaseStoreEnabled() {
		opts := []identitystore.DBStoreOption{identitystore.WithPriority(cfg.DatabaseStorePriority())}
		if cfg.Security.BcryptCost > 0 {
			opts = append(opts, identitystore.WithCost(cfg.Security.BcryptCost))
		}
		callers = identitystore.NewDBStore(store.Callers(), logger, opts...)
		stores = append(stores, callers)
	}

	return stores, callers, nil
}
