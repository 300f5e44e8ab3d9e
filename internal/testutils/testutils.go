package testutils

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/valutatrade/parser-service/internal/config"
	"github.com/valutatrade/parser-service/internal/logger"
)

// MockLogger creates a mock logger for testing
func MockLogger() *logrus.Logger {
	return logger.New("debug")
}

// MockConfig creates a mock configuration for testing. Data files live
// under a per-test temporary directory.
func MockConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()

	return &config.Config{
		Port:     "8081",
		LogLevel: "debug",

		BaseCurrency:     "USD",
		FiatCurrencies:   []string{"EUR", "GBP", "RUB"},
		CryptoCurrencies: []string{"BTC", "ETH", "SOL"},
		CryptoIDs: map[string]string{
			"BTC": "bitcoin",
			"ETH": "ethereum",
			"SOL": "solana",
		},

		CoinGeckoBaseURL:    "https://api.test.com/api/v3",
		ExchangeRateBaseURL: "https://api.test.com/v6",
		ExchangeRateAPIKey:  "test-api-key",
		RequestTimeout:      5 * time.Second,
		MaxRetries:          3,

		FiatTTL:    time.Hour,
		CryptoTTL:  5 * time.Minute,
		DefaultTTL: 30 * time.Minute,

		FiatUpdateInterval:     time.Hour,
		CryptoUpdateInterval:   5 * time.Minute,
		AllowConcurrentUpdates: false,
		OverlapRetryDelay:      30 * time.Second,
		UpdateTimeout:          30 * time.Second,

		RatesFilePath:   filepath.Join(dir, "rates.json"),
		HistoryFilePath: filepath.Join(dir, "exchange_rates.json"),

		RateLimitEnabled:  true,
		RateLimitRequests: 100,
		RateLimitWindow:   60 * time.Second,
		RateLimitBurst:    10,
	}
}

// MockContext creates a mock context for testing
func MockContext() context.Context {
	return context.Background()
}

// MockContextWithTimeout creates a mock context with timeout for testing
func MockContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
