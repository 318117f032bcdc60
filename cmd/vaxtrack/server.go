package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/vaxtrack/vaxtrack/internal/config"
	"github.com/vaxtrack/vaxtrack/internal/domain/population"
	"github.com/vaxtrack/vaxtrack/internal/domain/registry"
	"github.com/vaxtrack/vaxtrack/internal/domain/registry/sqlitestore"
	"github.com/vaxtrack/vaxtrack/internal/platform/db"
	"github.com/vaxtrack/vaxtrack/internal/platform/middleware"
	"github.com/vaxtrack/vaxtrack/internal/platform/telemetry"
	"github.com/vaxtrack/vaxtrack/internal/platform/websocket"
)

// backend is the selected store behind the registry service.
type backend struct {
	patients  registry.PatientRepository
	schedules registry.ScheduleRepository
	tx        registry.Transactor
	health    db.Pinger
	close     func()
}

func (b *backend) Close() {
	if b != nil && b.close != nil {
		b.close()
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return &backend{
			patients:  store,
			schedules: store.Schedules(),
			tx:        store,
			health:    store,
			close:     func() { _ = store.Close() },
		}, nil

	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg), logger)
		if err != nil {
			return nil, err
		}
		return &backend{
			patients:  registry.NewPatientRepoPG(pool),
			schedules: registry.NewScheduleRepoPG(pool),
			tx:        db.NewTxManager(pool),
			health:    db.Store{Pool: pool},
			close:     pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// newServer wires the HTTP surface over b. The returned hub is the one
// change events are published on.
func newServer(cfg *config.Config, logger zerolog.Logger, b *backend) (*echo.Echo, *websocket.Hub, error) {
	locale, err := population.ParseLocale(cfg.SortLocale)
	if err != nil {
		return nil, nil, err
	}

	tel := telemetry.NewProvider(telemetry.Config{ServiceName: "vaxtrack", Enabled: cfg.MetricsEnabled})
	hub := websocket.NewHub(logger)

	svc := registry.NewService(b.patients, b.schedules, b.tx)
	svc.SetLogger(logger)
	svc.SetTelemetry(tel)
	svc.SetEventPublisher(hub)
	svc.SetQueryEngine(population.NewEngine(locale))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	if tel.Enabled() {
		e.Use(tel.MetricsMiddleware())
		e.GET("/metrics", tel.PrometheusHandler())
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(b.health, cfg.StoreDriver))

	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))
	registry.NewHandler(svc, cfg.PageSize).RegisterRoutes(e.Group("/api/v1"))

	return e, hub, nil
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg)

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer b.Close()

	e, _, err := newServer(cfg, logger, b)
	if err != nil {
		return err
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("driver", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
