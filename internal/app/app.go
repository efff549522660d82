// Package app assembles the guard server: configuration, logging,
// telemetry, the license store, the guard protocol engine, notification
// dispatch, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"licenseguard/internal/config"
	"licenseguard/internal/guard"
	"licenseguard/internal/infrastructure"
	customMiddleware "licenseguard/internal/middleware"
	"licenseguard/internal/notify"
	"licenseguard/internal/store"
	handlers "licenseguard/internal/transport/http"
	"licenseguard/web"
)

const (
	AppName = "License Guard"
	Version = "v1.0.0"
)

// Application is the assembled guard server.
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Store         store.Store
	Guard         *guard.Service
	Hub           *notify.Hub
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
}

// NewApplication wires the full dependency graph from configuration.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig wires the application from an explicit config.
// Tests use this to skip file and environment loading.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", AppName),
		slog.String("version", Version))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices builds the store, dispatchers, and the guard engine.
func (a *Application) initializeServices() error {
	ctx := context.Background()

	// License store.
	var (
		s   store.Store
		err error
	)
	switch a.Config.Store.Driver {
	case "memory":
		s = store.NewMemoryStore()
	default:
		s, err = store.NewSQLiteStore(a.Config.Store.DSN)
		if err != nil {
			return fmt.Errorf("failed to open license store: %w", err)
		}
	}
	a.Store = s

	if a.Config.Store.FixtureFile != "" {
		n, err := store.LoadFixtures(ctx, s, a.Config.Store.FixtureFile)
		if err != nil {
			return fmt.Errorf("failed to load license fixtures: %w", err)
		}
		a.Logger.Info("license fixtures loaded",
			slog.Int("count", n),
			slog.String("file", a.Config.Store.FixtureFile))
	}

	// Breach notifications: webhook plus the live websocket feed.
	var dispatchers notify.Fanout
	if a.Config.Notify.WebhookURL != "" {
		dispatchers = append(dispatchers, notify.NewWebhookDispatcher(
			a.Config.Notify.WebhookURL,
			a.Config.Notify.WebhookTimeout,
			a.Logger,
		))
	}
	if a.Config.Notify.EnableFeed {
		a.Hub = notify.NewHub(a.Logger)
		a.Hub.Start()
		dispatchers = append(dispatchers, a.Hub)
	}

	unlockContent, err := a.Config.ResolveUnlockContent()
	if err != nil {
		return err
	}

	a.Guard = guard.NewService(s, dispatchers, guard.Policy{
		SigningSecret:    []byte(a.Config.Guard.SigningSecret),
		UnlockContent:    unlockContent,
		TamperThreshold:  a.Config.Guard.TamperThreshold,
		StaleTokenWindow: a.Config.Guard.StaleTokenWindow,
		DevDomains:       a.Config.Guard.DevDomains,
	}, a.Logger)

	return nil
}

// setupRouter configures the HTTP surface.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)

	licenseHandler := handlers.NewLicenseHandler(a.Guard, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.Store, Version, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Route("/license", func(r chi.Router) {
			// The protocol endpoints are called cross-origin from guarded
			// pages, and they are the surface worth rate limiting.
			r.Use(customMiddleware.CORS)
			if a.Config.Security.RateLimit.Enabled {
				rl := customMiddleware.NewRateLimiter(
					a.Config.Security.RateLimit.RPS,
					a.Config.Security.RateLimit.Burst,
					a.Logger,
				)
				r.Use(rl.Handler)
			}
			r.Post("/validate", licenseHandler.Validate)
			r.Post("/heartbeat", licenseHandler.Heartbeat)

			r.Group(func(r chi.Router) {
				r.Use(customMiddleware.AdminAuth(a.Config.Security.AdminToken, a.Logger))
				r.Post("/restore", licenseHandler.Restore)
			})
		})

		r.Get("/health", healthHandler.Liveness)
		r.Get("/health/live", healthHandler.Liveness)
		r.Get("/health/ready", healthHandler.Readiness)
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	if a.Hub != nil {
		r.Get("/ws", a.Hub.ServeHTTP)
	}

	// The embedded agent script, served to every guarded page.
	r.With(chimiddleware.Compress(5)).Get("/guard.js", serveGuardScript)

	a.Router = r
}

// serveGuardScript serves the embedded browser agent.
func serveGuardScript(w http.ResponseWriter, r *http.Request) {
	data, err := web.Assets.ReadFile("guard.js")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Write(data)
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

// Run serves until the context is cancelled or SIGINT/SIGTERM arrives,
// then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "server listening",
			slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// shutdown drains the server and releases resources in dependency order.
func (a *Application) shutdown() error {
	a.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if a.Hub != nil {
		a.Hub.Stop()
	}

	if err := a.Store.Close(); err != nil {
		a.Logger.Error("store close error", slog.String("error", err.Error()))
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	if err := infrastructure.CloseLogFile(); err != nil {
		a.Logger.Error("log file close error", slog.String("error", err.Error()))
	}

	a.Logger.Info("shutdown complete")
	return nil
}
