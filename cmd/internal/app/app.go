// Package app wires the fidelity server runtime: config, logging, storage,
// HTTP routes, the card feed and the token sweeper.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"fidelity/cmd/internal/api"
	"fidelity/cmd/internal/audit"
	"fidelity/cmd/internal/metrics"
	"fidelity/cmd/internal/operator"
	"fidelity/cmd/internal/realtime"
	"fidelity/cmd/internal/scantoken"
	"fidelity/cmd/internal/seed"
	"fidelity/cmd/internal/stamping"
	"fidelity/cmd/internal/storage"
	"fidelity/cmd/internal/sweeper"
	"fidelity/cmd/security/secret"
	"fidelity/cmd/security/token"
)

// App is the server runtime. It owns the backend, the HTTP handler chain
// and the background sweeper.
type App struct {
	cfg Config
	log *slog.Logger

	backend   storage.Backend
	dbEnabled bool

	metrics *metrics.Metrics
	coord   *stamping.Coordinator
	sweeper *sweeper.Sweeper
	handler http.Handler
}

// Option customizes New.
type Option func(*options)

type options struct {
	hasher *secret.Config
}

// WithHasher overrides the Argon2id settings otherwise read by
// secret.FromEnv.
func WithHasher(c secret.Config) Option {
	return func(o *options) { o.hasher = &c }
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var hasher secret.Config
	if o.hasher != nil {
		hasher = *o.hasher
	} else {
		h, err := secret.FromEnv()
		if err != nil {
			return nil, err
		}
		hasher = h
	}

	fp, err := loadFingerprinter(cfg, log)
	if err != nil {
		return nil, err
	}

	backend, dbEnabled, err := newBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, backend: backend, dbEnabled: dbEnabled}

	if err := a.wire(ctx, hasher, fp); err != nil {
		backend.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, hasher secret.Config, fp token.Fingerprinter) error {
	cfg, log := a.cfg, a.log

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		sum, err := seed.Apply(ctx, a.backend, f, hasher)
		if err != nil {
			return err
		}
		log.Info("seed.applied", "file", cfg.SeedFile,
			"businesses", sum.Businesses, "operators", sum.Operators, "clients", sum.Clients)
	}

	a.metrics = metrics.New()

	auth, err := operator.NewAuthenticator(a.backend, hasher)
	if err != nil {
		return err
	}

	tokens, err := scantoken.NewService(a.backend,
		scantoken.WithTTL(cfg.TokenTTL),
		scantoken.WithLogger(log),
		scantoken.WithObserver(a.metrics),
	)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(log, a.metrics)

	coordOpts := []stamping.Option{
		stamping.WithNotifier(hub),
		stamping.WithObserver(a.metrics),
		stamping.WithFingerprinter(fp),
		stamping.WithLogger(log),
	}
	if cfg.StampCooldown > 0 {
		coordOpts = append(coordOpts, stamping.WithPolicy(stamping.CooldownPolicy{MinInterval: cfg.StampCooldown}))
	}
	a.coord, err = stamping.New(a.backend, tokens, coordOpts...)
	if err != nil {
		return err
	}

	apiCfg := api.DefaultConfig()
	apiCfg.TrustProxy = cfg.TrustProxy
	apiCfg.RateLimitRPS = cfg.RateLimitRPS
	apiCfg.RateLimitBurst = cfg.RateLimitBurst
	apiCfg.SameOriginEnforce = cfg.SameOriginEnforce
	apiCfg.AllowedOrigins = cfg.AllowedOrigins

	apiHandler, err := api.NewHandler(log, a.coord, auth, apiCfg,
		api.WithAudit(audit.NewRecorder(a.backend, log)),
		api.WithFingerprinter(fp),
	)
	if err != nil {
		return err
	}

	wsCfg := realtime.DefaultGatewayConfig()
	wsCfg.AllowedOrigins = cfg.WSOrigins
	wsCfg.OriginRequired = cfg.WSOriginRequired
	ws, err := realtime.NewWSGateway(log, hub, auth, a.coord, wsCfg)
	if err != nil {
		return err
	}

	a.sweeper, err = sweeper.New(tokens, cfg.SweepSchedule,
		sweeper.WithLogger(log),
		sweeper.WithObserver(a.metrics),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, a.backend, a.dbEnabled, a.metrics.Handler(), ws, apiHandler)

	a.handler = WithRequestID(
		WithRequestLogging(
			WithSecurityHeaders(a.metrics.InstrumentHandler(mux)),
			log,
		),
	)
	return nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the sweeper and the HTTP server and blocks until ctx is done
// or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.sweeper.Start()

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"base_url", base,
		"card_feed_url", wsBaseURL(base)+CardFeedPath,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}
	if err := a.sweeper.Stop(shutdownCtx); err != nil {
		a.log.Error("sweeper.stop.fail", "err", err)
	}
	a.backend.Close()

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newBackend picks Postgres when a database URL is set and the in-memory
// backend otherwise.
func newBackend(ctx context.Context, cfg Config, log *slog.Logger) (storage.Backend, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.memory_backend")
		return storage.NewMemory(), false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, false, err
	}

	if cfg.DBAutoMigrate {
		if err := migrateDB(ctx, pool, cfg.DBSchema); err != nil {
			pool.Close()
			return nil, false, err
		}
		log.Info("db.migrated", "schema", cfg.DBSchema)
	}

	pg, err := storage.NewPostgres(pool, cfg.DBSchema)
	if err != nil {
		pool.Close()
		return nil, false, err
	}

	log.Info("db.enabled.postgres_backend", "schema", cfg.DBSchema)
	return pg, true, nil
}
