package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lmarchetti/weather-dashboard/internal/cache"
	"github.com/lmarchetti/weather-dashboard/internal/client"
	"github.com/lmarchetti/weather-dashboard/internal/config"
	"github.com/lmarchetti/weather-dashboard/internal/geo"
	"github.com/lmarchetti/weather-dashboard/internal/health"
	httphandler "github.com/lmarchetti/weather-dashboard/internal/http"
	"github.com/lmarchetti/weather-dashboard/internal/lifecycle"
	"github.com/lmarchetti/weather-dashboard/internal/observability"
	"github.com/lmarchetti/weather-dashboard/internal/prefetch"
	"github.com/lmarchetti/weather-dashboard/internal/prefs"
	"github.com/lmarchetti/weather-dashboard/internal/query"
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

	weatherClient, err := client.NewOpenWeatherClient(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIBaseURL,
		cfg.WeatherGeoURL,
		cfg.UpstreamUnits,
		cfg.WeatherAPITimeout,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "weather_api",
			Interval: cfg.CircuitBreakerInterval,
			Timeout:  cfg.CircuitBreakerTimeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		weatherClient.SetCircuitBreaker(cb)
		logger.Info("circuit breaker enabled", zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	store := query.NewStore(weatherClient, cacheSvc, query.Options{
		Window:          cfg.StalenessWindow,
		Retention:       cfg.CacheRetention,
		CoalesceTimeout: cfg.CoalesceTimeout,
		FetchTimeout:    cfg.WeatherAPITimeout,
	}, logger)

	prefsStore, err := prefs.Open(cfg.PrefsDBPath)
	if err != nil {
		logger.Fatal("preferences store", zap.Error(err))
	}

	locator := geo.New(weatherClient, cfg.WeatherAPITimeout)
	tracker := health.NewTracker()

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		StartTime:        time.Now(),
		StorePing:        prefsStore.Ping,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	handler := httphandler.NewHandler(
		store,
		weatherClient,
		locator,
		prefsStore,
		tracker,
		healthConfig,
		logger,
		cfg.DisplayUnits,
		cfg.CityMinLength,
		cfg.CityMaxLength,
		cfg.GeocodeResultLimit,
	)

	prefetcher := prefetch.New(store, prefsStore, cfg.TrackedCities, logger)
	if cfg.PrefetchEnabled {
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := prefetcher.WarmOnce(warmCtx); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if err := prefetcher.Start(cfg.PrefetchInterval); err != nil {
			logger.Error("prefetch scheduler", zap.Error(err))
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.PathPrefix("/api").Subrouter()
	api.Use(httphandler.RateLimitMiddleware(limiter))
	api.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/weather/current", handler.GetCurrent).Methods("GET")
	api.HandleFunc("/weather/forecast", handler.GetForecast).Methods("GET")
	api.HandleFunc("/weather/status", handler.GetStatus).Methods("GET")
	api.HandleFunc("/geo/direct", handler.SearchCities).Methods("GET")
	api.HandleFunc("/geo/reverse", handler.ReverseGeocode).Methods("GET")
	api.HandleFunc("/dashboard", handler.GetDashboard).Methods("GET")
	api.HandleFunc("/favorites", handler.ListFavorites).Methods("GET")
	api.HandleFunc("/favorites", handler.AddFavorite).Methods("POST")
	api.HandleFunc("/favorites/{id}", handler.RemoveFavorite).Methods("DELETE")
	api.HandleFunc("/prefs/theme", handler.GetTheme).Methods("GET")
	api.HandleFunc("/prefs/theme", handler.PutTheme).Methods("PUT")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
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
	lifecycle.SetShuttingDown(true)
	prefetcher.Stop()

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

	if err := prefsStore.Close(); err != nil {
		logger.Error("preferences store close", zap.Error(err))
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
