package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilewarm/internal/config"
	"tilewarm/internal/edgecache"
	httphandlers "tilewarm/internal/http"
	"tilewarm/internal/jobs"
	"tilewarm/internal/logger"
	"tilewarm/internal/preview"
	"tilewarm/internal/publish"
	"tilewarm/internal/render"
	"tilewarm/internal/runstore"
	"tilewarm/internal/telemetry"
	"tilewarm/internal/warmer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.Logger.Level, cfg.Logger.Encoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.Vips.Concurrency,
		MaxCacheMem:      cfg.Vips.MaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                 // Disable disk cache
		MaxCacheSize:     0,                                 // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	log.Info("Starting tilewarm server",
		zap.Int("port", cfg.HTTP.Server.Port),
		zap.String("render_url", cfg.Render.BaseURL),
		zap.String("edge_cache_url", cfg.EdgeCacheBaseURL()),
		zap.String("region", cfg.App.Region),
		zap.String("provider", cfg.App.Provider),
	)

	edge := edgecache.New(edgecache.Config{
		BaseURL: cfg.EdgeCacheBaseURL(),
		Secret:  cfg.EdgeCache.Secret,
		Timeout: cfg.EdgeCache.Timeout,
	}, log)

	renderer := render.New(render.Config{
		BaseURL:       cfg.Render.BaseURL,
		AccessToken:   cfg.Render.AccessToken,
		TileMatrixSet: cfg.Render.TileMatrixSet,
		PublicBaseURL: cfg.PublicBaseURL(),
		Timeout:       cfg.Render.Timeout,
		RateLimit:     cfg.Render.RateLimit,
		Burst:         cfg.Render.Burst,
	}, log)

	policy := warmer.ProbeEveryTile
	if cfg.Warmer.SkipAfterFirstMiss {
		policy = warmer.AggressiveSkipAfterFirstMiss
	}
	w := warmer.New(edge, renderer, edge, warmer.Options{
		Concurrency: cfg.Warmer.Concurrency,
		Policy:      policy,
	}, log)

	store, err := runstore.NewStore(runstore.Options{
		Type:       cfg.Runs.Store,
		MemorySize: cfg.Runs.MemorySize,
		Redis: runstore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		},
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize run store", zap.Error(err))
	}
	defer store.Close()

	manager := jobs.New(w, store, log)
	publisher := publish.New(cfg.App.DestPath, cfg.EdgeCache.Timeout, log)
	previews := preview.New(renderer, publisher, log)

	handlers := httphandlers.New(log, manager, renderer, previews, publisher, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Server.Port),
		Handler:      handlers.Router(),
		ReadTimeout:  cfg.HTTP.Server.ReadTimeout,
		WriteTimeout: cfg.HTTP.Server.WriteTimeout,
		IdleTimeout:  cfg.HTTP.Server.IdleTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.HTTP.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(ctx); err != nil {
		log.Error("Background runs did not finish", zap.Error(err))
	}
	if err := shutdownTracer(ctx); err != nil {
		log.Error("Failed to flush traces", zap.Error(err))
	}

	log.Info("Server stopped")
}
