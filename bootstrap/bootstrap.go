// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/artpar/featuregate/adapters/clock"
	"github.com/artpar/featuregate/adapters/hasher"
	apihttp "github.com/artpar/featuregate/adapters/http"
	"github.com/artpar/featuregate/adapters/http/admin"
	"github.com/artpar/featuregate/adapters/idgen"
	"github.com/artpar/featuregate/adapters/metrics"
	"github.com/artpar/featuregate/app"
	"github.com/artpar/featuregate/config"
	"github.com/artpar/featuregate/core/events"
	"github.com/artpar/featuregate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	Stores     *Stores
	HTTPServer *http.Server
	Metrics    *metrics.Collector

	// Services
	Bus       *events.Bus
	Resolver  *app.Resolver
	Sessions  *app.Sessions
	Catalog   *app.Catalog
	AdminFlow *app.AdminFlow

	holder       *config.Holder
	adminHandler *admin.Handler
	clock        ports.Clock
	stopOnce     chan struct{}
}

// Options provides optional configuration for application initialization.
type Options struct {
	// ConfigPath is the YAML file to load. When it does not exist the
	// configuration comes from FEATUREGATE_* environment variables.
	ConfigPath string

	// Watch enables hot reload of ConfigPath (file watcher and SIGHUP).
	Watch bool

	// Version is reported by /version.
	Version string

	// LogOutput defaults to os.Stdout.
	LogOutput io.Writer
}

// New loads configuration and creates the application.
func New(ctx context.Context, opts Options) (*App, error) {
	var (
		cfg    *config.Config
		holder *config.Holder
		err    error
	)

	if _, statErr := os.Stat(opts.ConfigPath); opts.ConfigPath != "" && statErr == nil {
		// The holder logs reloads, so it needs the configured logger up front
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		out := opts.LogOutput
		if out == nil {
			out = os.Stdout
		}
		logger := NewLogger(cfg.Logging, out).With().Str("component", "config").Logger()
		holder, err = config.NewHolder(opts.ConfigPath, logger)
		if err != nil {
			return nil, err
		}
		cfg = holder.Get()
	} else {
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return nil, err
		}
	}

	a, err := NewWithConfig(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	if holder != nil {
		a.attachHolder(holder, opts.Watch)
	}
	return a, nil
}

// NewWithConfig creates and initializes the application from cfg.
func NewWithConfig(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stdout
	}
	logger := NewLogger(cfg.Logging, out)
	logger.Info().Str("driver", cfg.Database.Driver).Msg("initializing featuregate")

	a := &App{
		Logger:   logger,
		Config:   cfg,
		clock:    clock.Real{},
		stopOnce: make(chan struct{}),
	}

	stores, err := OpenStores(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.Stores = stores

	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.NewWithRegistry(registry)
		logger.Info().Msg("prometheus metrics enabled")
	}

	a.Bus = events.NewBus(logger)
	a.Resolver = app.NewResolver(stores.Features, stores.Overrides, a.clock, logger, a.Metrics)
	a.Sessions = app.NewSessions(a.Resolver, a.clock, idgen.UUID{Prefix: "sess_"}, logger, a.Metrics, app.SessionsConfig{
		IdleTTL:       cfg.Cache.SessionTTL,
		SweepInterval: cfg.Cache.SweepInterval,
	})
	a.Catalog = app.NewCatalog(stores.Features, stores.Tenants, a.clock, a.Bus, logger)
	a.AdminFlow = app.NewAdminFlow(stores.Features, stores.Overrides, idgen.UUID{Prefix: "ovr_"}, a.clock, a.Bus, logger, a.Metrics)

	RegisterHooks(a.Bus, a.Sessions, cfg.Cache.InvalidateOnAdminChange, logger)

	if err := a.Seed(ctx, cfg); err != nil {
		stores.Close()
		return nil, fmt.Errorf("seed: %w", err)
	}

	a.initHTTPServer(registry, opts.Version)
	return a, nil
}

func (a *App) initHTTPServer(registry *prometheus.Registry, version string) {
	cfg := a.Config

	api := apihttp.NewEntitlementHandler(a.Resolver, a.Stores.Tenants, a.Sessions, a.clock, a.Logger)

	routerCfg := apihttp.RouterConfig{
		Metrics:        a.Metrics,
		MetricsPath:    cfg.Metrics.Path,
		EnableOpenAPI:  cfg.OpenAPI.Enabled,
		RequestTimeout: cfg.Server.RequestTimeout,
		Version:        version,
	}
	if registry != nil {
		routerCfg.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	if cfg.Admin.TokenHash != "" {
		a.adminHandler = admin.NewHandler(admin.Deps{
			Catalog:   a.Catalog,
			Flow:      a.AdminFlow,
			Hasher:    hasher.NewBcrypt(0),
			TokenHash: cfg.Admin.TokenHash,
			Clock:     a.clock,
			Metrics:   a.Metrics,
			Logger:    a.Logger,
		})
		routerCfg.AdminHandler = a.adminHandler.Router()
		a.Logger.Info().Msg("admin API enabled at /admin")
	} else {
		a.Logger.Warn().Msg("admin.token_hash not set, admin API disabled")
	}

	router := apihttp.NewRouter(api, apihttp.NewHealthHandler(a.Stores.Pinger), a.Logger, routerCfg)

	a.HTTPServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// Seed applies the configured features and tenants. Existing definitions
// are replaced; features and tenants absent from cfg are left alone.
func (a *App) Seed(ctx context.Context, cfg *config.Config) error {
	n, err := a.Catalog.Seed(ctx, cfg.Flags())
	if err != nil {
		return err
	}
	for _, t := range cfg.TenantList() {
		if err := a.Catalog.PutTenant(ctx, t); err != nil {
			return fmt.Errorf("tenant %s: %w", t.ID, err)
		}
	}
	if n > 0 || len(cfg.Tenants) > 0 {
		a.Logger.Info().Int("features", n).Int("tenants", len(cfg.Tenants)).Msg("seeded from config")
	}
	return nil
}

// attachHolder applies reloaded configuration to the running app.
func (a *App) attachHolder(h *config.Holder, watch bool) {
	a.holder = h

	h.OnChange(func(cfg *config.Config) {
		a.applyReload(cfg)
	})
	h.OnReloadError(func(err error) {
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
	})

	if !watch {
		return
	}
	if err := h.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable")
	}
	h.WatchSignals()
}

// Reload re-reads the config file and applies its reloadable fields.
func (a *App) Reload() error {
	if a.holder == nil {
		return errors.New("no config file to reload")
	}
	return a.holder.Reload()
}

// applyReload handles the reloadable subset of the configuration.
func (a *App) applyReload(cfg *config.Config) {
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Seed(ctx, cfg); err != nil {
		a.Logger.Error().Err(err).Msg("re-seed after reload failed")
	}

	if a.adminHandler != nil && cfg.Admin.TokenHash != "" {
		a.adminHandler.SetTokenHash(cfg.Admin.TokenHash)
	}

	if a.Metrics != nil {
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	}
	a.Config = cfg
}

// Run starts the HTTP server and the session janitor and blocks until
// ctx is done or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.Sessions.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info().Msg("shutting down")
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the application. It is safe to call twice.
func (a *App) Shutdown() error {
	select {
	case <-a.stopOnce:
		return nil
	default:
		close(a.stopOnce)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.holder != nil {
		a.holder.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// Let detached admin mutations finish before the store goes away
	done := make(chan struct{})
	go func() {
		a.AdminFlow.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.Logger.Warn().Msg("admin mutations still running at shutdown")
	}

	if a.Stores != nil {
		if err := a.Stores.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

// NewLogger builds the process logger and sets the global level.
func NewLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}
