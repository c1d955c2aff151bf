package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/gatekeep/internal/config"
	"github.com/jkaninda/gatekeep/internal/gateway"
	"github.com/jkaninda/gatekeep/internal/gateway/httpapi"
	"github.com/jkaninda/gatekeep/internal/observability"
	"github.com/jkaninda/gatekeep/internal/ratelimit"
	"github.com/jkaninda/gatekeep/internal/scheduler"
	"github.com/jkaninda/gatekeep/internal/secrets"
)

var (
	configPath string
	listenAddr string
	verbose    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API (default command)",
	RunE:  runServe,
}

func init() {
	// `gatekeep --config path` and `gatekeep serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&listenAddr, "listen", "", "override API listen address (e.g. :8080)")
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(verbose)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.API.ListenAddr = listenAddr
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	keys, err := resolveAPIKeys(ctx, sc.Secrets, cfg.API.APIKeys)
	if err != nil {
		return err
	}

	apiCfg := httpapi.Config{
		ListenAddr:     cfg.API.ListenAddr,
		EnableDocs:     cfg.API.EnableDocs,
		APIKeys:        keys,
		MaxRequestSize: cfg.API.MaxRequestSizeBytes,
		Audit:          sc.Audit,
		HealthChecker:  sc.Health,
		Observer:       observability.NewSecurityObserver(sc.Obs),
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		apiCfg.Tracer = ts.Tracer()
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		apiCfg.Metrics = m
		apiCfg.MetricsRegistry = m.Registry
		apiCfg.MetricsPath = cfg.Observability.Metrics.Path
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.API.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.API.RateLimit.BurstSize,
	})

	api, err := httpapi.NewGateway(apiCfg, sc.Policy, sc.Identities, limiter, logger)
	if err != nil {
		clearAPIKeys(keys)
		return err
	}
	if sc.Callers != nil {
		api.WithCallers(sc.Callers)
	}
	api.WithAuditTrail(sc.Store.Audit())

	stopScheduler, err := startKeyRotation(ctx, sc, api)
	if err != nil {
		_ = api.Stop(context.Background()) // clears the resolved keys
		return err
	}
	if stopScheduler != nil {
		defer stopScheduler()
	}

	logger.Info("starting gatekeep",
		slog.String("config", configPath),
		slog.String("storage", sc.Store.Driver()),
		slog.Int("api_keys", len(keys)),
	)
	return runGateways(ctx, logger, api)
}

// runGateways starts every gateway and stops them all on a signal or on the
// first gateway error.
func runGateways(ctx context.Context, logger *slog.Logger, gateways ...gateway.Gateway) error {
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			runErr = err
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return runErr
}

// startKeyRotation re-resolves the API key references on
// api.key_rotation_schedule. It returns a nil stop function when rotation is
// not configured.
func startKeyRotation(ctx context.Context, sc *SharedComponents, api *httpapi.Gateway) (func(), error) {
	cfg := sc.Config
	if cfg.API.KeyRotationSchedule == "" || len(cfg.API.APIKeys) == 0 {
		return nil, nil
	}

	var metrics *scheduler.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		metrics = scheduler.NewMetrics(m.Registry)
	}
	sched := scheduler.New(metrics, sc.Logger)
	err := sched.Add(scheduler.Job{
		Name:     "api_key_rotation",
		Schedule: cfg.API.KeyRotationSchedule,
		Run: func(ctx context.Context) error {
			keys, err := resolveAPIKeys(ctx, sc.Secrets, cfg.API.APIKeys)
			if err != nil {
				return err
			}
			api.RotateKeys(keys)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return sched.Start(ctx), nil
}

// resolveAPIKeys resolves every configured key reference. On failure the
// keys resolved so far are cleared.
func resolveAPIKeys(ctx context.Context, provider secrets.Provider, cfgs []config.APIKeyConfig) ([]httpapi.APIKey, error) {
	keys := make([]httpapi.APIKey, 0, len(cfgs))
	for _, kc := range cfgs {
		secret, err := provider.Resolve(ctx, kc.Ref)
		if err != nil {
			clearAPIKeys(keys)
			return nil, fmt.Errorf("resolving api key %q: %w", kc.Name, err)
		}
		keys = append(keys, httpapi.APIKey{Name: kc.Name, Groups: kc.Groups, Secret: secret})
	}
	return keys, nil
}

func clearAPIKeys(keys []httpapi.APIKey) {
	for _, k := range keys {
		_ = k.Secret.Clear()
	}
}
