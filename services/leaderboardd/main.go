package leaderboardd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"leaderboard/core/events"
	"leaderboard/gateway/auth"
	"leaderboard/gateway/middleware"
	"leaderboard/native/bank"
	lb "leaderboard/native/leaderboard"
	"leaderboard/observability"
	"leaderboard/observability/logging"
	telemetry "leaderboard/observability/otel"
	lbstate "leaderboard/state/leaderboard"
	"leaderboard/storage"
)

var genesisMarker = []byte("leaderboardd/genesis")

// App is a fully wired daemon: storage, bank, engine and HTTP server.
type App struct {
	Config Config
	DB     storage.Database
	Bank   *bank.Ledger
	Engine *lb.Engine
	Hub    *Hub
	Server *Server

	nonceDB storage.Database
}

// Close releases the databases held by the app.
func (a *App) Close() {
	if a.nonceDB != nil {
		a.nonceDB.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// Main initialises and runs the leaderboard daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/leaderboardd/config.yaml", "path to leaderboardd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(cfg.Logging.Env)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("LEADERBOARD_ENV"))
	}
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "leaderboardd",
		Env:        env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	tel, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "leaderboardd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}.WithEnvDefaults())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	app, err := Build(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Serve(stopCtx, logger)
}

// Build opens storage and wires every component described by cfg.
func Build(cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	db, err := openDatabase(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	app.DB = db

	app.Hub = NewHub(cfg.Stream.History)
	emitter := events.Multi{app.Hub, observability.EventCounter{}, LogEmitter{Logger: logger}}

	ledger, err := bank.NewLedger(db)
	if err != nil {
		return nil, fmt.Errorf("load bank: %w", err)
	}
	ledger.SetEmitter(emitter)
	if err := seedGenesis(db, ledger, cfg); err != nil {
		return nil, err
	}
	app.Bank = ledger

	store, err := lbstate.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("open leaderboard store: %w", err)
	}

	engine, err := lb.NewEngine(cfg.EngineConfig(),
		lb.WithStore(store),
		lb.WithTreasury(ledger),
		lb.WithStakeCollection(),
		lb.WithEmitter(emitter),
	)
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	app.Engine = engine

	authOpts := auth.Options{
		TimestampSkew: cfg.Auth.TimestampSkew.Duration,
		NonceTTL:      cfg.Auth.NonceTTL.Duration,
		NonceCapacity: cfg.Auth.NonceCapacity,
	}
	nonceDB, err := openNonceDatabase(cfg, db)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	if nonceDB != nil {
		if nonceDB != db {
			app.nonceDB = nonceDB
		}
		stored, err := auth.NewStoredNonces(nonceDB)
		if err != nil {
			return nil, fmt.Errorf("open nonce store: %w", err)
		}
		authOpts.Persistence = stored
	}
	authenticator := auth.NewAuthenticator(authOpts)
	if authOpts.Persistence != nil {
		cutoff := time.Now().Add(-authenticator.NonceWindow())
		if err := authenticator.HydrateNonces(context.Background(), cutoff); err != nil {
			return nil, fmt.Errorf("hydrate nonces: %w", err)
		}
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for route, limit := range cfg.RateLimits {
		limits[route] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	server, err := NewServer(Dependencies{
		Engine:        engine,
		Bank:          ledger,
		Hub:           app.Hub,
		Authenticator: authenticator,
		Logger:        logger,
		RateLimits:    limits,
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		LogRequests:   cfg.Logging.LogRequests,
	})
	if err != nil {
		return nil, err
	}
	app.Server = server

	logger.Info("leaderboard engine ready",
		slog.String("backend", cfg.Storage.Backend),
		slog.Int("entries", engine.Len()),
		slog.String("balance", engine.Balance().String()),
	)
	ok = true
	return app, nil
}

// Serve runs the HTTP server until ctx is cancelled.
func (a *App) Serve(ctx context.Context, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:         a.Config.ListenAddress,
		Handler:      otelhttp.NewHandler(a.Server.Handler(), "leaderboardd"),
		ReadTimeout:  a.Config.Server.ReadTimeout.Duration,
		WriteTimeout: a.Config.Server.WriteTimeout.Duration,
		IdleTimeout:  a.Config.Server.IdleTimeout.Duration,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("leaderboardd listening", slog.String("addr", a.Config.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func openDatabase(cfg StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case BackendLevelDB:
		return storage.NewLevelDB(cfg.Path)
	case BackendBolt:
		return storage.NewBoltDB(cfg.Path, nil)
	case BackendMemory, "":
		return storage.NewMemDB(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// openNonceDatabase picks where request nonces persist: a dedicated LevelDB
// when auth.nonce_db is set, otherwise the state database of a persistent
// backend. The memory backend keeps nonces in the authenticator only.
func openNonceDatabase(cfg Config, state storage.Database) (storage.Database, error) {
	if path := strings.TrimSpace(cfg.Auth.NonceDB); path != "" {
		return storage.NewLevelDB(path)
	}
	if cfg.Storage.Backend == BackendMemory {
		return nil, nil
	}
	return state, nil
}

// seedGenesis mints the configured balances once per database. The mints and
// the marker share one batch.
func seedGenesis(db storage.Database, ledger *bank.Ledger, cfg Config) error {
	if _, err := db.Get(genesisMarker); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("read genesis marker: %w", err)
	}
	balances, err := cfg.GenesisBalances()
	if err != nil {
		return err
	}
	batch := storage.NewBatch()
	batch.Put(genesisMarker, []byte{1})
	if err := ledger.MintAll(balances, batch); err != nil {
		return fmt.Errorf("mint genesis balances: %w", err)
	}
	return nil
}
