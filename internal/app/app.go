package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"keygate/internal/config"
	"keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	customMiddleware "keygate/internal/middleware"
	"keygate/internal/notify"
	"keygate/internal/provisioning"
	"keygate/internal/scan"
	"keygate/internal/services"
	"keygate/internal/store"
	handlers "keygate/internal/transport/http"
	ws "keygate/internal/websocket"
	"keygate/pkg/contracts"
)

// Application is the dependency container for the license server. Every
// component is wired once at startup; nothing reaches for globals beyond
// the process-wide logger and OTel providers.
type Application struct {
	Config *config.Config
	Logger *slog.Logger
	Router *chi.Mux
	Server *http.Server

	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.BusinessMetrics

	AllowList store.AllowListStore
	Licenses  store.LicenseStore
	Lifecycle *license.Lifecycle
	Hub       *ws.Hub

	Services *ServiceContainer

	// closeStore releases the backend connection pool; nil for the
	// memory driver.
	closeStore func(context.Context) error
}

// ServiceContainer holds all application services.
type ServiceContainer struct {
	License services.LicenseService
	Scan    *services.ScanService
	Health  *services.HealthService
}

// NewApplication loads configuration from the environment and builds a
// ready-to-run application.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return newApplication(cfg, logger)
}

// newApplication assembles the container from an explicit configuration.
// Tests use it directly to run against the memory store.
func newApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	ctx := context.Background()

	logger.InfoContext(ctx, "application starting",
		slog.String("version", contracts.Version),
		slog.String("store_driver", cfg.Store.Driver),
		slog.String("allowlist_source", cfg.AllowList.Source))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if otelProviders.Meter != nil {
		metrics, err := infrastructure.CreateBusinessMetrics(otelProviders.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create business metrics: %w", err)
		}
		app.Metrics = metrics
	}

	if err := app.openStores(ctx); err != nil {
		return nil, err
	}

	if err := app.seedAllowList(ctx); err != nil {
		return nil, err
	}

	app.initializeServices()
	app.setupRouter()
	app.createServer()

	return app, nil
}

// openStores opens the configured backend. Both store contracts are served
// by the same backend instance so the consume-then-insert sequence talks
// to one system of record.
func (a *Application) openStores(ctx context.Context) error {
	cfg := a.Config.Store

	switch cfg.Driver {
	case "memory":
		mem := store.NewMemoryStore()
		a.AllowList = mem
		a.Licenses = mem
		a.Logger.InfoContext(ctx, "using in-memory store",
			slog.String("note", "state is lost on restart, use postgres or mongo in production"))
		return nil

	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()

		pool, err := pgxpool.New(connectCtx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("failed to open postgres pool: %w", err)
		}
		pg, err := store.NewPostgresStore(connectCtx, pool)
		if err != nil {
			pool.Close()
			return fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		a.AllowList = pg
		a.Licenses = pg
		a.closeStore = func(context.Context) error {
			pool.Close()
			return nil
		}
		a.Logger.InfoContext(ctx, "postgres store ready")
		return nil

	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()

		client, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return fmt.Errorf("failed to connect to mongo: %w", err)
		}
		mg, err := store.NewMongoStore(connectCtx, client.Database(cfg.Database))
		if err != nil {
			_ = client.Disconnect(ctx)
			return fmt.Errorf("failed to initialize mongo store: %w", err)
		}
		a.AllowList = mg
		a.Licenses = mg
		a.closeStore = client.Disconnect
		a.Logger.InfoContext(ctx, "mongo store ready",
			slog.String("database", cfg.Database))
		return nil

	default:
		return fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}

// seedAllowList loads the provisioning source into the allow-list store.
// With no source configured this is a no-op; identities are then expected
// to be provisioned out of band (cmd/allowlist-import or direct SQL).
func (a *Application) seedAllowList(ctx context.Context) error {
	source, err := provisioning.NewSource(a.Config.AllowList)
	if err != nil {
		return fmt.Errorf("failed to configure allow-list source: %w", err)
	}

	loader := provisioning.NewLoader(source, a.AllowList, a.Logger)
	if _, err := loader.Run(ctx); err != nil {
		return fmt.Errorf("failed to seed allow-list: %w", err)
	}
	return nil
}

// initializeServices builds the service layer over the stores.
func (a *Application) initializeServices() {
	hub := ws.NewHub(a.Logger, a.Metrics)
	a.Hub = hub

	keygen := license.NewKeyGenerator(0)
	a.Lifecycle = license.NewLifecycle(a.AllowList, a.Licenses, keygen, a.Logger)

	notifier := notify.New(a.Config.Notify, a.Logger)
	classifier := scan.New(a.Config.Scan, a.Logger)

	var collector *infrastructure.SystemMetricsCollector
	if a.OTelProviders.Meter != nil {
		if c, err := infrastructure.NewSystemMetricsCollector(a.OTelProviders.Meter, 30*time.Second); err != nil {
			a.Logger.Warn("system metrics collector unavailable", slog.String("error", err.Error()))
		} else {
			collector = c
		}
	}

	a.Services = &ServiceContainer{
		License: services.NewLicenseService(a.Lifecycle, notifier, hub, a.Metrics, a.Logger),
		Scan:    services.NewScanService(classifier, hub, a.Metrics, a.Logger),
		Health:  services.NewHealthService(a.Licenses, a.AllowList, hub, collector, contracts.Version, a.Logger),
	}
}

// setupRouter configures the HTTP router with all routes.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// RequestID and RealIP wrap everything, the event feed included, so
	// every log line carries a trace ID.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	// The websocket upgrade cannot pass through middleware that wraps the
	// ResponseWriter, so the feed mounts before the API group.
	r.With(customMiddleware.WebSocketTraceMiddleware(a.Logger)).
		Get("/ws", ws.ServeWS(a.Hub, a.Config.WebSocket, a.Config.Security.AllowedOrigins, a.Logger))

	// Prometheus scrapes stay outside the API middleware chain.
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	r.Group(func(r chi.Router) {
		otelMiddleware := customMiddleware.NewOTelMiddleware(a.OTelProviders, a.Metrics)
		r.Use(otelMiddleware.Handler)
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.StripSlashes)
		r.Use(customMiddleware.Compress(5))
		r.Use(customMiddleware.SecurityHeaders)

		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(a.corsConfig()))
		}

		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		a.setupAPIRoutes(r)
	})

	a.Router = r
}

// setupAPIRoutes configures the /api surface.
func (a *Application) setupAPIRoutes(r chi.Router) {
	errorHandler := errors.NewErrorHandler(a.Logger, false)
	validator := customMiddleware.NewValidationMiddleware(a.Logger, errorHandler)
	forensics := errors.NewErrorMiddleware(errorHandler, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		// Outside Timeout so a 504 still produces a denial line.
		r.Use(forensics.Handler)
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.Logger))
		r.Use(customMiddleware.ContentTypeValidator("application/json"))

		r.NotFound(errorHandler.NotFound)
		r.MethodNotAllowed(errorHandler.MethodNotAllowed)

		healthHandler := handlers.NewHealthHandler(a.Services.Health, a.Logger)
		r.Mount("/health", healthHandler.Routes())
		r.Get("/version", healthHandler.Version)

		licenseHandler := handlers.NewLicenseHandler(a.Services.License, validator, a.Logger)
		r.With(customMiddleware.AuditLog(a.Logger)).
			Mount("/license", licenseHandler.Routes())

		scanHandler := handlers.NewScanHandler(a.Services.Scan, validator, a.Logger)
		r.Mount("/scan", scanHandler.Routes())
	})
}

// corsConfig translates the security section into the CORS middleware
// configuration.
func (a *Application) corsConfig() customMiddleware.CORSConfig {
	return customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Request-ID",
		},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
		Logger:           a.Logger,
	}
}

// createServer creates the HTTP server.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start launches the hub and the HTTP listener. Listener failures cancel
// the supplied context so Run can unwind.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Hub.Start()

	go func() {
		a.Logger.InfoContext(ctx, "http server listening",
			slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "application started",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)),
		slog.String("version", contracts.Version))
	return nil
}

// Stop gracefully stops the application.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	a.Hub.Stop()

	if a.closeStore != nil {
		if err := a.closeStore(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "store close error", slog.String("error", err.Error()))
		}
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	if err := infrastructure.CloseLogFile(); err != nil {
		a.Logger.ErrorContext(ctx, "error closing log file", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return nil
}

// Run runs the application until interrupted.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case sig := <-sigChan:
		a.Logger.InfoContext(ctx, "received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		// Listener failure already logged by Start.
	}

	return a.Stop(context.Background())
}
