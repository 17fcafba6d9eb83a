package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpapi "github.com/i474232898/farm-advisory/internal/api/http"
	"github.com/i474232898/farm-advisory/internal/cache"
	"github.com/i474232898/farm-advisory/internal/config"
	"github.com/i474232898/farm-advisory/internal/events"
	"github.com/i474232898/farm-advisory/internal/ingest"
	"github.com/i474232898/farm-advisory/internal/ingest/providers"
	"github.com/i474232898/farm-advisory/internal/observability"
	"github.com/i474232898/farm-advisory/internal/registry"
	"github.com/i474232898/farm-advisory/internal/scheduler"
	"github.com/i474232898/farm-advisory/internal/store"
)

// readingStore is what both store drivers provide.
type readingStore interface {
	ingest.Store
	ingest.Reader
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "farm-advisory: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := observability.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(log)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Datastore.
	var (
		readings readingStore
		health   func(context.Context) error
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		if cfg.DBAutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			log.Info("database schema applied")
		}
		readings, health = pg, pg.Ping
	default:
		log.Warn("using in-memory store; data is lost on restart")
		readings = store.NewMemoryStore(clock)
	}

	// Cache.
	var cacheStore cache.Store
	if cfg.RedisURL != "" {
		rc, err := cache.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		defer rc.Close()
		cacheStore = rc
	} else {
		cacheStore = cache.NewMemoryStore(clock)
	}

	entities, err := registry.LoadFile(cfg.EntitiesFile)
	if err != nil {
		return err
	}
	log.Info("entity registry loaded", "path", cfg.EntitiesFile, "villages", entities.Len())

	// Run outcome events.
	var publisher ingest.RunPublisher = events.Discard{}
	if cfg.KafkaEnabled() {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaRunsTopic, log)
		defer kp.Close()
		publisher = kp
	}

	// Shared HTTP client for outbound provider calls; per-call timeouts are set by each provider.
	httpClient := &http.Client{}

	// A fetcher without an API key stays nil so on-demand refresh skips it.
	var weather ingest.WeatherFetcher
	if cfg.WeatherEnabled() {
		weather = providers.NewOpenWeather(httpClient, providers.OpenWeatherConfig{
			APIKey:  cfg.OpenWeatherAPIKey,
			BaseURL: cfg.OpenWeatherURL,
			Timeout: cfg.WeatherTimeout,
		}, metrics)
	}
	var market ingest.MarketFetcher
	if cfg.MarketEnabled() {
		market = providers.NewMarket(httpClient, providers.MarketConfig{
			APIKey:     cfg.MarketAPIKey,
			BaseURL:    cfg.MarketAPIURL,
			Limit:      cfg.MarketLimit,
			Timeout:    cfg.MarketTimeout,
			RatePerSec: cfg.MarketRatePerSec,
		}, metrics)
	}

	svc := ingest.NewService(ingest.ServiceConfig{
		Registry:    entities,
		Weather:     weather,
		Market:      market,
		Persister:   ingest.NewPersister(readings, ingest.NewDeduplicator(clock, cfg.WeatherDedupWindow)),
		Invalidator: cache.NewInvalidator(cacheStore, cfg.CacheTTL),
		Publisher:   publisher,
		Clock:       clock,
		Metrics:     metrics,
		Logger:      log,
		Concurrency: cfg.IngestConcurrency,
	})

	sched := scheduler.New(log, metrics)
	if cfg.WeatherEnabled() {
		if err := sched.Schedule("weather", cfg.WeatherInterval, func(ctx context.Context) error {
			_, err := svc.IngestWeather(ctx)
			return err
		}); err != nil {
			return err
		}
	} else {
		log.Warn("OPENWEATHER_API_KEY not set; weather ingestion disabled")
	}
	if cfg.MarketEnabled() {
		if err := sched.Schedule("market", cfg.MarketInterval, func(ctx context.Context) error {
			_, err := svc.IngestMarket(ctx)
			return err
		}); err != nil {
			return err
		}
	} else {
		log.Warn("MARKET_API_KEY not set; market ingestion disabled")
	}
	sched.Start(ctx, cfg.RunOnStart)

	app := fiber.New(fiber.Config{
		AppName:               "farm-advisory",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler:          httpapi.ErrorHandler,
	})
	app.Use(logger.New())
	app.Use(recover.New())

	httpapi.RegisterRoutes(app, httpapi.Deps{
		Readings:  readings,
		Cache:     cacheStore,
		CacheTTL:  cfg.CacheTTL,
		Jobs:      sched,
		Villages:  entities,
		Refresher: svc,
		Health:    health,
		Metrics:   promhttp.Handler(),
		Logger:    log,
	})

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "port", cfg.Port)
		serveErr <- app.Listen(":" + cfg.Port)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		log.Error("http server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	// Let in-flight ingestion finish its writes before the store closes.
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error("scheduler did not drain before deadline", "error", err)
	}
	log.Info("shutdown complete")
	return nil
}
