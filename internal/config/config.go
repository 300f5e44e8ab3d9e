package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the parser service
type Config struct {
	Port     string
	LogLevel string

	// Currency universe
	BaseCurrency     string
	FiatCurrencies   []string
	CryptoCurrencies []string
	CryptoIDs        map[string]string // ticker -> CoinGecko asset id

	// Provider settings
	CoinGeckoBaseURL    string
	ExchangeRateBaseURL string
	ExchangeRateAPIKey  string
	RequestTimeout      time.Duration
	MaxRetries          int

	// Freshness TTL per currency class
	FiatTTL    time.Duration
	CryptoTTL  time.Duration
	DefaultTTL time.Duration

	// Scheduler cadences
	FiatUpdateInterval     time.Duration
	CryptoUpdateInterval   time.Duration
	AllowConcurrentUpdates bool
	OverlapRetryDelay      time.Duration
	UpdateTimeout          time.Duration

	// Persisted files
	RatesFilePath   string
	HistoryFilePath string

	// Rate limiting on the HTTP surface
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "8081"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		BaseCurrency:     strings.ToUpper(getEnv("BASE_CURRENCY", "USD")),
		FiatCurrencies:   getEnvList("FIAT_CURRENCIES", "EUR,GBP,RUB"),
		CryptoCurrencies: getEnvList("CRYPTO_CURRENCIES", "BTC,ETH,SOL"),
		CryptoIDs: map[string]string{
			"BTC": "bitcoin",
			"ETH": "ethereum",
			"SOL": "solana",
		},

		CoinGeckoBaseURL:    getEnv("COINGECKO_BASE_URL", "https://api.coingecko.com/api/v3"),
		ExchangeRateBaseURL: getEnv("EXCHANGERATE_API_BASE_URL", "https://v6.exchangerate-api.com/v6"),
		ExchangeRateAPIKey:  getEnv("EXCHANGERATE_API_KEY", ""),
		RequestTimeout:      time.Duration(mustAtoi(getEnv("PROVIDER_TIMEOUT_SECONDS", "10"))) * time.Second,
		MaxRetries:          mustAtoi(getEnv("PROVIDER_MAX_RETRIES", "3")),

		FiatTTL:    time.Duration(mustAtoi(getEnv("RATES_TTL_FIAT_SECONDS", "3600"))) * time.Second,
		CryptoTTL:  time.Duration(mustAtoi(getEnv("RATES_TTL_CRYPTO_SECONDS", "300"))) * time.Second,
		DefaultTTL: time.Duration(mustAtoi(getEnv("RATES_TTL_DEFAULT_SECONDS", "1800"))) * time.Second,

		FiatUpdateInterval:     time.Duration(mustAtoi(getEnv("FIAT_UPDATE_INTERVAL_MINUTES", "60"))) * time.Minute,
		CryptoUpdateInterval:   time.Duration(mustAtoi(getEnv("CRYPTO_UPDATE_INTERVAL_MINUTES", "5"))) * time.Minute,
		AllowConcurrentUpdates: getEnv("ALLOW_CONCURRENT_UPDATES", "false") == "true",
		OverlapRetryDelay:      time.Duration(mustAtoi(getEnv("OVERLAP_RETRY_DELAY_SECONDS", "30"))) * time.Second,
		UpdateTimeout:          time.Duration(mustAtoi(getEnv("UPDATE_TIMEOUT_SECONDS", "300"))) * time.Second,

		RatesFilePath:   getEnv("RATES_FILE_PATH", "data/rates.json"),
		HistoryFilePath: getEnv("HISTORY_FILE_PATH", "data/exchange_rates.json"),

		RateLimitEnabled:  getEnv("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitRequests: mustAtoi(getEnv("RATE_LIMIT_REQUESTS", "100")),
		RateLimitWindow:   time.Duration(mustAtoi(getEnv("RATE_LIMIT_WINDOW_SECONDS", "60"))) * time.Second,
		RateLimitBurst:    mustAtoi(getEnv("RATE_LIMIT_BURST", "10")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field invariants that per-variable defaults cannot guarantee
func (cfg *Config) Validate() error {
	// Crypto rates move faster, so their freshness bar must be tighter.
	if cfg.CryptoTTL >= cfg.FiatTTL {
		return fmt.Errorf("crypto TTL (%s) must be shorter than fiat TTL (%s)", cfg.CryptoTTL, cfg.FiatTTL)
	}

	if cfg.CryptoTTL <= 0 || cfg.DefaultTTL <= 0 {
		return fmt.Errorf("all TTL values must be positive")
	}

	if cfg.FiatUpdateInterval <= 0 || cfg.CryptoUpdateInterval <= 0 {
		return fmt.Errorf("update intervals must be positive")
	}

	if cfg.RatesFilePath == "" || cfg.HistoryFilePath == "" {
		return fmt.Errorf("data file paths must not be empty")
	}

	return nil
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvList gets a comma-separated environment variable as an upper-cased slice
func getEnvList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		code := strings.ToUpper(strings.TrimSpace(part))
		if code != "" {
			values = append(values, code)
		}
	}
	return values
}

func mustAtoi(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 60
	}
	return i
}
