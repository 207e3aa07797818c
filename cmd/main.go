package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/duynhne/session-service/config"
	database "github.com/duynhne/session-service/internal/core"
	"github.com/duynhne/session-service/internal/core/bungie"
	"github.com/duynhne/session-service/internal/core/domain"
	"github.com/duynhne/session-service/internal/core/oauth"
	"github.com/duynhne/session-service/internal/core/repository"
	logicv1 "github.com/duynhne/session-service/internal/logic/v1"
	v1 "github.com/duynhne/session-service/internal/web/v1"
	"github.com/duynhne/session-service/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic("Configuration validation failed: " + err.Error())
	}

	// Initialize Zerolog with LOG_LEVEL from config
	pkgzerolog.Setup(cfg.Logging.Level)
	// Code paths without a request logger fall back to the global one.
	zerolog.DefaultContextLogger = &log.Logger

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("env", cfg.Service.Env).
		Str("port", cfg.Service.Port).
		Msg("Service starting")

	// Initialize OpenTelemetry tracing
	var tp interface{ Shutdown(context.Context) error }
	if cfg.Tracing.Enabled {
		provider, err := middleware.InitTracing(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing")
		} else {
			tp = provider
			log.Info().
				Str("endpoint", cfg.Tracing.Endpoint).
				Float64("sample_rate", cfg.Tracing.SampleRate).
				Msg("Tracing initialized")
		}
	} else {
		log.Info().Msg("Tracing disabled (TRACING_ENABLED=false)")
	}

	// Initialize Pyroscope profiling
	if cfg.Profiling.Enabled {
		if err := middleware.InitProfiling(cfg); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize profiling")
		} else {
			log.Info().
				Str("endpoint", cfg.Profiling.Endpoint).
				Msg("Profiling initialized")
			defer middleware.StopProfiling()
		}
	} else {
		log.Info().Msg("Profiling disabled (PROFILING_ENABLED=false)")
	}

	// Session store (pgx, or gorm on sqlite for single-node setups)
	store, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session store")
	}
	defer closeStore()

	// Profile cache is optional
	var cache domain.ProfileCache
	if cfg.Redis.URL != "" {
		redisCache, err := repository.NewRedisProfileCache(context.Background(), cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("Profile cache unavailable, continuing without it")
		} else {
			cache = redisCache
			defer redisCache.Close()
			log.Info().Msg("Profile cache connected")
		}
	}

	fallback, err := logicv1.NewFallbackChannel(cfg.Session.FallbackSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize fallback channel")
	}

	exchanger := oauth.NewExchanger(cfg.OAuth)
	sessions := logicv1.NewManager(store, exchanger, fallback,
		logicv1.WithRefreshThreshold(cfg.Session.RefreshThreshold),
		logicv1.WithDefaultReturnPath(cfg.Session.DefaultReturnPath),
	)
	profiles := logicv1.NewProfileService(bungie.NewClient(cfg.OAuth), sessions, cache, cfg.Session.ProfileCacheTTL)
	handler := v1.NewHandler(sessions, profiles, v1.Options{
		FrontendURL:  cfg.Session.FrontendURL,
		CookieSecure: cfg.Session.CookieSecure,
	})

	// gin's default logger would print query strings carrying codes and session ids.
	r := gin.New()
	r.Use(gin.Recovery())

	var isShuttingDown atomic.Bool

	// Tracing middleware
	r.Use(middleware.TracingMiddleware())

	// Logging middleware
	r.Use(middleware.LoggingMiddleware())

	// Prometheus middleware
	r.Use(middleware.PrometheusMiddleware())

	// CORS for the frontend origins
	r.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness check
	// Returns 503 once shutdown has started, to drain traffic before HTTP shutdown,
	// and while the session store is unreachable.
	r.GET("/ready", func(c *gin.Context) {
		if isShuttingDown.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := sessions.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store_unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler.RegisterRoutes(r)

	// Create HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Service.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.Service.Port).Msg("Starting session service")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Fail readiness first and wait for propagation.
	isShuttingDown.Store(true)
	drainDelay := cfg.GetReadinessDrainDelayDuration()
	if drainDelay > 0 {
		log.Info().Dur("delay", drainDelay).Msg("Readiness drain delay started")
		time.Sleep(drainDelay)
		log.Info().Dur("delay", drainDelay).Msg("Readiness drain delay completed")
	}

	// Shutdown context with configurable timeout
	shutdownTimeout := cfg.GetShutdownTimeoutDuration()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info().Dur("timeout", shutdownTimeout).Msg("Shutting down server...")

	// 1. Shutdown HTTP server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		log.Info().Msg("HTTP server shutdown complete")
	}

	// 2. Shutdown tracer
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Tracer shutdown error")
		} else {
			log.Info().Msg("Tracer shutdown complete")
		}
	}

	// 3. Session store and cache close via deferred calls.
	log.Info().Msg("Graceful shutdown complete")
}

// openStore connects the configured session store and bootstraps its schema.
func openStore(ctx context.Context, cfg *config.Config) (domain.SessionStore, func(), error) {
	if cfg.Database.IsSQLite() {
		db, err := repository.OpenSQLite(cfg.Database.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		log.Info().Msg("SQLite session store ready")
		closeFn := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return repository.NewGormSessionRepository(db), closeFn, nil
	}

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Info().Msg("Database connection pool established")
	return repository.NewSessionRepository(pool), pool.Close, nil
}
