package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/valutatrade/parser-service/internal/api"
	"github.com/valutatrade/parser-service/internal/cache"
	"github.com/valutatrade/parser-service/internal/config"
	"github.com/valutatrade/parser-service/internal/history"
	"github.com/valutatrade/parser-service/internal/logger"
	"github.com/valutatrade/parser-service/internal/platform"
	"github.com/valutatrade/parser-service/internal/provider"
	"github.com/valutatrade/parser-service/internal/ratelimit"
	"github.com/valutatrade/parser-service/internal/scheduler"
	"github.com/valutatrade/parser-service/internal/updater"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger := logger.New(cfg.LogLevel)

	// Initialize storage
	ratesCache, err := cache.New(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize rates cache: %v", err)
	}

	historyStorage, err := history.New(cfg.HistoryFilePath, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize history storage: %v", err)
	}

	// Initialize rate providers. The fiat provider needs an API key; without
	// one the service still runs on crypto rates alone.
	clients := []provider.RatesProvider{
		provider.NewCoinGeckoClient(cfg, logger),
	}
	fiatClient, err := provider.NewExchangeRateAPIClient(cfg, logger)
	if err != nil {
		logger.Warnf("Fiat provider disabled: %v", err)
	} else {
		clients = append(clients, fiatClient)
	}

	// Initialize update pipeline
	ratesUpdater := updater.New(clients, ratesCache, historyStorage, logger)
	ratesScheduler := scheduler.New(ratesUpdater, cfg, logger)
	rateLimiter := ratelimit.NewLimiter(cfg, logger)

	// Initialize HTTP handlers
	handlerConfig := api.HandlerConfig{
		Logger:         logger,
		RatesCache:     ratesCache,
		RatesUpdater:   ratesUpdater,
		RatesScheduler: ratesScheduler,
		HistoryStorage: historyStorage,
		RateLimiter:    rateLimiter,
	}
	handlers := api.NewHandlers(handlerConfig)

	// Setup Gin router
	router := handlers.SetupRoutes()

	// Setup HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	// Start the background update loops
	ratesScheduler.Start()

	// Start server in a goroutine
	go func() {
		logger.Info("Starting parser service on port " + cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Create a shutdown context that works across platforms
	shutdownCtx, stop := platform.NewShutdownContext(context.Background())
	defer stop()
	<-shutdownCtx.Done()

	logger.Info("Shutting down server...")

	// Stop background work before the HTTP surface
	ratesScheduler.Stop()
	rateLimiter.Stop()

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}
