package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cpatterson/weatherdash/internal/cache"
	"github.com/cpatterson/weatherdash/internal/client"
	"github.com/cpatterson/weatherdash/internal/config"
	"github.com/cpatterson/weatherdash/internal/health"
	httphandler "github.com/cpatterson/weatherdash/internal/http"
	"github.com/cpatterson/weatherdash/internal/observability"
	"github.com/cpatterson/weatherdash/internal/service"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIBaseURL,
		cfg.WeatherAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	if cfg.BreakerEnabled {
		weatherClient.EnableBreaker(client.BreakerConfig{
			Enabled:          true,
			FailureThreshold: uint32(cfg.BreakerFailureThreshold),
			OpenTimeout:      cfg.BreakerOpenTimeout,
		})
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.BreakerFailureThreshold),
			zap.Duration("open_timeout", cfg.BreakerOpenTimeout))
	}

	var cacheStore cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheStore = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheStore = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	ttl := service.TTLPolicy{
		Current:    cfg.CurrentTTL,
		Forecast:   cfg.ForecastTTL,
		Historical: cfg.HistoricalTTL,
	}
	aggregator := service.NewAggregator(weatherClient, cacheStore, ttl, cfg.CoalesceTimeout)

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		StartTime:        time.Now(),
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(aggregator, weatherClient, healthConfig, logger)

	observability.RegisterRateLimitGauges(cfg.DegradedWindow)

	var warmScheduler *gocron.Scheduler
	if len(cfg.WarmLocations) > 0 {
		warmer := cache.NewWarmer(aggregator, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.WarmLocations); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			warmScheduler = gocron.NewScheduler(time.UTC)
			_, err := warmScheduler.Every(cfg.WarmInterval).Do(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := warmer.Warm(ctx, cfg.WarmLocations); err != nil {
					logger.Warn("periodic cache warm failed", zap.Error(err))
				}
			})
			if err != nil {
				logger.Error("schedule cache warming", zap.Error(err))
			} else {
				warmScheduler.StartAsync()
				logger.Info("periodic cache warming scheduled", zap.Duration("interval", cfg.WarmInterval))
			}
		}
	}

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.NewRoute().Subrouter()
	api.Use(httphandler.RateLimitMiddleware(limiter))
	api.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/weather/{location}", handler.GetCurrentByName).Methods("GET")
	api.HandleFunc("/weather", handler.GetCurrentByCoords).Methods("GET")
	api.HandleFunc("/forecast/{location}", handler.GetForecastByName).Methods("GET")
	api.HandleFunc("/forecast", handler.GetForecastByCoords).Methods("GET")
	api.HandleFunc("/history", handler.GetHistory).Methods("GET")
	api.HandleFunc("/alerts", handler.GetAlerts).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	health.SetShuttingDown(true)
	if warmScheduler != nil {
		warmScheduler.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
