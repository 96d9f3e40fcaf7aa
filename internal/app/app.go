package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"wslicense/internal/config"
	apierrors "wslicense/internal/errors"
	"wslicense/internal/infrastructure"
	"wslicense/internal/license"
	customMiddleware "wslicense/internal/middleware"
	"wslicense/internal/store"
	handlers "wslicense/internal/transport/http"
	ws "wslicense/internal/websocket"
)

const AppName = "Workshop License Service"

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Store         store.Store
	License       *license.Service
	WebSocketHub  *ws.Hub
	Errors        *apierrors.ErrorHandler
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
}

// Options override pieces of the default wiring, mostly for tests.
type Options struct {
	Store   store.Store
	License license.Options
}

// NewApplication wires storage, telemetry, the license service, the
// websocket hub and the router from cfg.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Application, error) {
	logger.InfoContext(ctx, "Application starting",
		slog.String("name", AppName),
		slog.String("version", infrastructure.ServiceVersion),
		slog.String("storage", cfg.Storage.Backend))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	st := opts.Store
	if st == nil {
		st, err = store.Open(ctx, cfg.Storage, cfg.Paths.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
		}
	}

	lopts := opts.License
	lopts.Config = cfg.License
	lopts.Store = st
	if lopts.Logger == nil {
		lopts.Logger = infrastructure.WithComponent(logger, "license")
	}
	if lopts.Meter == nil {
		lopts.Meter = otelProviders.Meter
	}
	svc, err := license.New(ctx, lopts)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize license service: %w", err)
	}

	hub := ws.NewHub(logger, otelProviders.Meter)
	svc.Subscribe(hub.Publish)

	a := &Application{
		Config:        cfg,
		Store:         st,
		License:       svc,
		WebSocketHub:  hub,
		Errors:        apierrors.NewErrorHandler(logger, cfg.Logging.Level == "debug"),
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := a.setupRouter(); err != nil {
		_ = st.Close()
		return nil, err
	}
	a.createServer()
	return a, nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() error {
	r := chi.NewRouter()

	// These don't wrap the ResponseWriter, so they are safe for upgrades.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.NotFound(a.Errors.NotFound)
	r.MethodNotAllowed(a.Errors.MethodNotAllowed)

	adminOnly := customMiddleware.AdminAuth(a.Config.Security.AdminToken, a.Errors, a.Logger)
	licenseValidator := customMiddleware.NewLicenseValidator(a.License, a.Errors, a.Logger)
	wsHandler := handlers.NewWebSocketHandler(a.WebSocketHub, a.Config.WebSocket, a.Errors, a.Logger)

	r.Route("/ws/license", func(r chi.Router) {
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.With(licenseValidator.Handler).Get("/", wsHandler.ServeWorkshop)
		r.With(adminOnly).Get("/all", wsHandler.ServeAll)
	})

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders.Tracer, a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create OpenTelemetry middleware: %w", err)
	}

	r.Group(func(r chi.Router) {
		r.Use(otelMiddleware.Handler)
		r.Use(apierrors.NewErrorMiddleware(a.Errors, a.Logger).Handler)
		r.Use(customMiddleware.SecurityHeaders)
		r.Use(customMiddleware.Timeout(a.Config.Server.WriteTimeout))

		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Errors,
				a.Logger,
			).Handler)
		}

		a.setupAPIRoutes(r, adminOnly)
	})

	// Outside the middleware group so scrapes are not rate limited.
	r.Handle("/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP))

	a.Router = r
	return nil
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router, adminOnly func(http.Handler) http.Handler) {
	validation := customMiddleware.NewValidationMiddleware(a.Logger, a.Errors)
	health := handlers.NewHealthHandler(a.License, a.WebSocketHub.ClientCount, a.Logger)
	licenseHandler := handlers.NewLicenseHandler(a.License, validation, a.Errors, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Get("/health", health.HealthCheck)
		r.Get("/health/ready", health.ReadinessCheck)
		r.Get("/health/live", health.LivenessCheck)

		r.Mount("/license", licenseHandler.Routes(adminOnly))
	})
}

// createServer creates the HTTP server
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

// Run serves until ctx is cancelled or a component fails, then shuts
// everything down.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.WebSocketHub.Run(gctx)
	})
	g.Go(func() error {
		return a.License.Run(gctx)
	})
	g.Go(func() error {
		a.Logger.InfoContext(gctx, "HTTP server listening",
			slog.String("address", a.Server.Addr),
			slog.String("storage", a.Config.Storage.Backend))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// gctx is already done; shutdown gets its own deadline.
		return a.Stop(context.WithoutCancel(gctx))
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	start := time.Now()
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := a.License.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("license shutdown: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete",
		slog.Duration("elapsed", time.Since(start)))
	return errors.Join(errs...)
}
