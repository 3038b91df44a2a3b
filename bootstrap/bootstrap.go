// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/clock"
	gatehttp "github.com/artpar/metergate/adapters/http"
	"github.com/artpar/metergate/adapters/idgen"
	"github.com/artpar/metergate/adapters/memory"
	"github.com/artpar/metergate/adapters/metrics"
	"github.com/artpar/metergate/adapters/settlement"
	"github.com/artpar/metergate/adapters/sqlite"
	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/config"
	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	HTTPServer *http.Server
	Metrics    *metrics.Collector

	Gateway *app.GatewayService
	Ledger  *app.LedgerService

	// Adapters (for cleanup)
	db        *sqlite.DB
	registry  *memory.RegistryStore
	rateLimit *memory.ShardedRateLimitStore
	recorder  *app.Recorder
	upstream  *gatehttp.UpstreamClient
}

// New creates and initializes the application from a config file.
func New(configPath string) (*App, error) {
	holder, err := config.NewHolder(configPath, zerolog.New(os.Stdout).With().Timestamp().Logger())
	if err != nil {
		return nil, err
	}
	cfg := holder.Get()

	logger := setupLogger(cfg.Logging)
	a := &App{
		Logger: logger,
		Config: holder,
	}

	logger.Info().Msg("initializing metergate")

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		logger.Info().Msg("prometheus metrics enabled")
	} else {
		// Collect on a private registry so /metrics stays empty of gateway
		// series while handler code can still update counters.
		a.Metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	}

	usageStore, ledgerStore, err := a.initStores(cfg)
	if err != nil {
		return nil, err
	}

	a.registry = memory.NewRegistryStore()
	if err := a.loadRegistry(cfg); err != nil {
		return nil, err
	}

	a.rateLimit = memory.NewShardedRateLimitStore(memory.ShardedRateLimitConfig{
		NumShards:       32,
		CleanupInterval: 5 * time.Minute,
	})

	settle := settlement.New(settlement.Config{
		BaseURL: cfg.Settlement.URL,
		APIKey:  cfg.Settlement.APIKey,
		Timeout: cfg.Settlement.Timeout,
	})

	a.Ledger = app.NewLedgerService(app.LedgerDeps{
		Store:      ledgerStore,
		Settlement: settle,
		Clock:      clock.Real{},
		IDGen:      idgen.UUID{},
		Logger:     logger,
	}, cfg.Settlement.Timeout)

	a.recorder = app.NewRecorder(usageStore, a.Ledger, idgen.UUID{}, logger, app.RecorderConfig{
		Workers:    cfg.Recording.Workers,
		QueueSize:  cfg.Recording.QueueSize,
		JobTimeout: cfg.Recording.JobTimeout,
		QueueDepth: a.Metrics.RecorderQueueDepth,
		Dropped:    a.Metrics.RecorderDropped,
	})

	a.upstream = gatehttp.NewUpstreamClient(gatehttp.UpstreamConfig{
		Timeout:         cfg.Upstream.Timeout,
		MaxIdleConns:    cfg.Upstream.MaxIdleConns,
		IdleConnTimeout: cfg.Upstream.IdleConnTimeout,
	})

	a.Gateway = app.NewGatewayService(app.GatewayDeps{
		Registry:   a.registry,
		RateLimit:  a.rateLimit,
		Settlement: settle,
		Upstream:   a.upstream,
		Recorder:   a.recorder,
		Clock:      clock.Real{},
		IDGen:      idgen.UUID{},
		Logger:     logger,
	}, dynamicConfig(cfg))

	holder.OnChange(a.applyConfig)

	server := gatehttp.NewServer(gatehttp.ServerDeps{
		Gateway: a.Gateway,
		Ledger:  a.Ledger,
		Usage:   usageStore,
		Metrics: a.Metrics,
		Logger:  logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info().Str("addr", addr).Msg("http server configured")
	return a, nil
}

func (a *App) initStores(cfg *config.Config) (ports.UsageStore, ports.LedgerStore, error) {
	switch cfg.Database.Driver {
	case "memory":
		a.Logger.Info().Msg("using in-memory stores")
		return memory.NewUsageStore(), memory.NewLedgerStore(), nil
	default:
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		a.db = db
		a.Logger.Info().Str("dsn", cfg.Database.DSN).Msg("database ready")
		return sqlite.NewUsageStore(db), sqlite.NewLedgerStore(db), nil
	}
}

func (a *App) loadRegistry(cfg *config.Config) error {
	entries, keys, err := config.LoadRegistry(cfg.Registry.File)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	a.registry.Load(entries, keys)
	a.Logger.Info().
		Int("apis", len(entries)).
		Int("keys", len(keys)).
		Msg("registry loaded")
	return nil
}

// applyConfig re-applies the hot-reloadable parts of the configuration.
func (a *App) applyConfig(cfg *config.Config) {
	a.Gateway.UpdateConfig(dynamicConfig(cfg))

	if err := a.loadRegistry(cfg); err != nil {
		a.Logger.Error().Err(err).Msg("registry reload failed, keeping old snapshot")
		a.Metrics.ConfigReloadErrors.Inc()
		return
	}
	a.Metrics.ConfigReloads.Inc()
}

func dynamicConfig(cfg *config.Config) app.DynamicConfig {
	recordable := usage.DefaultRecordable
	if cfg.Recording.Mode == "all" {
		recordable = usage.RecordAll
	}
	return app.DynamicConfig{
		RateLimit: ratelimit.Config{
			Limit:  cfg.RateLimit.Limit,
			Window: time.Duration(cfg.RateLimit.WindowSecs) * time.Second,
		},
		Recordable: recordable,
	}
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	if err := a.Config.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watching unavailable")
	}
	a.Config.WatchSignals()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("metergate listening")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application. In-flight requests finish,
// then the recorder drains so no queued billing work is lost.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("recorder close error")
		}
	}

	if a.upstream != nil {
		a.upstream.Close()
	}
	if a.rateLimit != nil {
		a.rateLimit.Close()
	}
	if a.Config != nil {
		a.Config.Stop()
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
