package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/valutatrade/parser-service/internal/cache"
	"github.com/valutatrade/parser-service/internal/currencies"
	"github.com/valutatrade/parser-service/internal/history"
	"github.com/valutatrade/parser-service/internal/middleware"
	"github.com/valutatrade/parser-service/internal/models"
	"github.com/valutatrade/parser-service/internal/ratelimit"
	"github.com/valutatrade/parser-service/internal/scheduler"
	"github.com/valutatrade/parser-service/internal/updater"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	logger    *logrus.Logger
	startTime time.Time

	ratesCache     *cache.RatesCache
	ratesUpdater   *updater.RatesUpdater
	ratesScheduler *scheduler.RatesScheduler
	historyStorage *history.HistoryStorage
	rateLimiter    *ratelimit.Limiter

	// Collapses concurrent manual update triggers into one run
	updateGroup singleflight.Group
}

// HandlerConfig bundles the collaborators of the HTTP surface
type HandlerConfig struct {
	Logger         *logrus.Logger
	RatesCache     *cache.RatesCache
	RatesUpdater   *updater.RatesUpdater
	RatesScheduler *scheduler.RatesScheduler
	HistoryStorage *history.HistoryStorage
	RateLimiter    *ratelimit.Limiter
}

// NewHandlers creates a new handlers instance
func NewHandlers(handlerConfig HandlerConfig) *Handlers {
	return &Handlers{
		logger:         handlerConfig.Logger,
		startTime:      time.Now(),
		ratesCache:     handlerConfig.RatesCache,
		ratesUpdater:   handlerConfig.RatesUpdater,
		ratesScheduler: handlerConfig.RatesScheduler,
		historyStorage: handlerConfig.HistoryStorage,
		rateLimiter:    handlerConfig.RateLimiter,
	}
}

// SetupRoutes configures all the routes using Gin
func (handlers *Handlers) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(middleware.RequestLogger(handlers.logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestID())
	router.Use(handlers.corsMiddleware())

	if handlers.rateLimiter != nil {
		router.Use(handlers.rateLimitMiddleware())
	}

	router.GET("/health", handlers.HealthCheck)

	apiV1 := router.Group("/api/v1")
	{
		apiV1.GET("/rates", handlers.GetAllRates)
		apiV1.GET("/rates/stale", handlers.GetStalePairs)
		apiV1.GET("/rates/:from/:to", handlers.GetRate)
		apiV1.GET("/cache", handlers.GetCacheInfo)
		apiV1.POST("/update", handlers.TriggerUpdate)
		apiV1.GET("/scheduler", handlers.GetSchedulerStatus)
		apiV1.GET("/history", handlers.GetHistoryByPeriod)
		apiV1.GET("/history/:currency", handlers.GetHistoryByCurrency)
	}

	return router
}

// HealthCheck handles health check requests
func (handlers *Handlers) HealthCheck(context *gin.Context) {
	context.JSON(http.StatusOK, models.HealthCheck{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Uptime:    time.Since(handlers.startTime).String(),
	})
}

// GetRate returns the cached rate for one directed pair with its freshness flag
func (handlers *Handlers) GetRate(context *gin.Context) {
	fromCurrency := context.Param("from")
	toCurrency := context.Param("to")

	if !currencies.IsSupported(fromCurrency) {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "unsupported currency", fromCurrency)
		return
	}
	if !currencies.IsSupported(toCurrency) {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "unsupported currency", toCurrency)
		return
	}

	rateInfo := handlers.ratesCache.GetRate(fromCurrency, toCurrency)
	if rateInfo == nil {
		handlers.writeErrorResponse(context, http.StatusNotFound, "rate not found",
			currencies.Normalize(fromCurrency)+"_"+currencies.Normalize(toCurrency))
		return
	}

	context.JSON(http.StatusOK, rateInfo)
}

// GetAllRates returns every cached rate
func (handlers *Handlers) GetAllRates(context *gin.Context) {
	allRates := handlers.ratesCache.GetAllRates()
	context.JSON(http.StatusOK, models.AllRatesResponse{
		Pairs: len(allRates),
		Rates: allRates,
	})
}

// GetStalePairs lists pairs whose cached rates have outlived their TTL
func (handlers *Handlers) GetStalePairs(context *gin.Context) {
	stalePairs := handlers.ratesCache.StalePairs()
	context.JSON(http.StatusOK, models.StalePairsResponse{
		Count: len(stalePairs),
		Pairs: stalePairs,
	})
}

// GetCacheInfo returns the cache state summary
func (handlers *Handlers) GetCacheInfo(context *gin.Context) {
	context.JSON(http.StatusOK, handlers.ratesCache.Info())
}

// TriggerUpdate runs an update cycle, optionally restricted to one source.
// Concurrent triggers for the same scope share a single run.
func (handlers *Handlers) TriggerUpdate(context *gin.Context) {
	sourceName := strings.TrimSpace(context.Query("source"))
	requestContext := context.Request.Context()

	flightKey := "update:" + strings.ToLower(sourceName)
	value, err, _ := handlers.updateGroup.Do(flightKey, func() (interface{}, error) {
		if sourceName == "" {
			return handlers.ratesUpdater.RunUpdate(requestContext)
		}
		return handlers.ratesUpdater.RunUpdateForSource(requestContext, sourceName)
	})

	result, _ := value.(updater.UpdateResult)
	if err != nil {
		if errors.Is(err, updater.ErrUnknownSource) {
			handlers.writeErrorResponse(context, http.StatusNotFound, "unknown rate source", sourceName)
			return
		}
		handlers.logger.Errorf("manual update failed: %v", err)
		context.JSON(http.StatusBadGateway, gin.H{
			"error":  "update failed",
			"detail": err.Error(),
			"result": result,
		})
		return
	}

	context.JSON(http.StatusOK, result)
}

// GetSchedulerStatus returns a snapshot of the scheduler state
func (handlers *Handlers) GetSchedulerStatus(context *gin.Context) {
	if handlers.ratesScheduler == nil {
		handlers.writeErrorResponse(context, http.StatusServiceUnavailable, "scheduler unavailable", "not configured")
		return
	}
	context.JSON(http.StatusOK, handlers.ratesScheduler.Status())
}

// GetHistoryByCurrency returns recorded observations mentioning a currency
func (handlers *Handlers) GetHistoryByCurrency(context *gin.Context) {
	if handlers.historyStorage == nil {
		handlers.writeErrorResponse(context, http.StatusServiceUnavailable, "history unavailable", "not configured")
		return
	}

	limit := 100
	if limitParam := context.Query("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed <= 0 {
			handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid limit", limitParam)
			return
		}
		limit = parsed
	}

	records := handlers.historyStorage.ByCurrency(context.Param("currency"), limit)
	context.JSON(http.StatusOK, models.HistoryResponse{
		Count:   len(records),
		Records: records,
	})
}

// GetHistoryByPeriod returns recorded observations within a time window
func (handlers *Handlers) GetHistoryByPeriod(context *gin.Context) {
	if handlers.historyStorage == nil {
		handlers.writeErrorResponse(context, http.StatusServiceUnavailable, "history unavailable", "not configured")
		return
	}

	start := context.Query("start")
	end := context.Query("end")
	if start == "" || end == "" {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "missing period", "start and end query parameters are required")
		return
	}

	records, err := handlers.historyStorage.ByPeriod(start, end)
	if err != nil {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid period", err.Error())
		return
	}

	context.JSON(http.StatusOK, models.HistoryResponse{
		Count:   len(records),
		Records: records,
	})
}

// writeErrorResponse writes an error response using Gin context
func (handlers *Handlers) writeErrorResponse(context *gin.Context, statusCode int, errorMessage, errorDetails string) {
	context.JSON(statusCode, models.ErrorResponse{
		Error:   errorMessage,
		Message: errorDetails,
		Code:    statusCode,
	})
}

// corsMiddleware adds CORS headers using Gin middleware
func (handlers *Handlers) corsMiddleware() gin.HandlerFunc {
	return func(context *gin.Context) {
		context.Header("Access-Control-Allow-Origin", "*")
		context.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		context.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if context.Request.Method == "OPTIONS" {
			context.AbortWithStatus(http.StatusOK)
			return
		}

		context.Next()
	}
}

// rateLimitMiddleware provides rate limiting using Gin middleware
func (handlers *Handlers) rateLimitMiddleware() gin.HandlerFunc {
	return func(context *gin.Context) {
		clientIP := handlers.rateLimiter.GetClientIP(context.Request)

		if !handlers.rateLimiter.Allow(clientIP) {
			handlers.logger.Warnf("Rate limit exceeded for IP: %s", clientIP)
			context.Header("X-RateLimit-Limit", strconv.Itoa(handlers.rateLimiter.Configuration.RateLimitRequests))
			context.Header("X-RateLimit-Remaining", "0")
			context.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(handlers.rateLimiter.Configuration.RateLimitWindow).Unix(), 10))
			context.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			context.Abort()
			return
		}

		context.Next()
	}
}
