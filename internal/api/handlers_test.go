package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/valutatrade/parser-service/internal/cache"
	"github.com/valutatrade/parser-service/internal/history"
	"github.com/valutatrade/parser-service/internal/models"
	"github.com/valutatrade/parser-service/internal/provider"
	"github.com/valutatrade/parser-service/internal/scheduler"
	"github.com/valutatrade/parser-service/internal/testutils"
	"github.com/valutatrade/parser-service/internal/updater"
)

// stubProvider is a canned RatesProvider for driving the update endpoint
type stubProvider struct {
	name  string
	rates map[string]float64
	err   error
}

func (s *stubProvider) Name() string {
	return s.name
}

func (s *stubProvider) FetchRates(ctx context.Context) (provider.FetchResult, error) {
	if s.err != nil {
		return provider.FetchResult{}, s.err
	}
	return provider.FetchResult{Rates: s.rates}, nil
}

func newTestRouter(t *testing.T, clients ...provider.RatesProvider) (*gin.Engine, *cache.RatesCache, *history.HistoryStorage) {
	t.Helper()

	cfg := testutils.MockConfig(t)
	logger := testutils.MockLogger()

	ratesCache, err := cache.New(cfg, logger)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	historyStorage, err := history.New(filepath.Join(t.TempDir(), "exchange_rates.json"), logger)
	if err != nil {
		t.Fatalf("history.New() error = %v", err)
	}

	if clients == nil {
		clients = []provider.RatesProvider{
			&stubProvider{name: provider.NameCoinGecko, rates: map[string]float64{"BTC_USD": 59337.21}},
			&stubProvider{name: provider.NameExchangeRate, rates: map[string]float64{"EUR_USD": 1.05}},
		}
	}
	ratesUpdater := updater.New(clients, ratesCache, historyStorage, logger)
	ratesScheduler := scheduler.New(ratesUpdater, cfg, logger)

	handlers := NewHandlers(HandlerConfig{
		Logger:         logger,
		RatesCache:     ratesCache,
		RatesUpdater:   ratesUpdater,
		RatesScheduler: ratesScheduler,
		HistoryStorage: historyStorage,
	})
	return handlers.SetupRoutes(), ratesCache, historyStorage
}

func doRequest(router *gin.Engine, method, target string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(method, target, nil))
	return recorder
}

func TestHealthCheck(t *testing.T) {
	router, _, _ := newTestRouter(t)

	recorder := doRequest(router, "GET", "/health")
	if recorder.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", recorder.Code)
	}

	var response models.HealthCheck
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("response unmarshal error = %v", err)
	}
	if response.Status != "healthy" {
		t.Errorf("health status = %q, want %q", response.Status, "healthy")
	}
}

func TestGetRate(t *testing.T) {
	router, ratesCache, _ := newTestRouter(t)

	// Missing pair is a 404, not an error payload crash.
	recorder := doRequest(router, "GET", "/api/v1/rates/BTC/USD")
	if recorder.Code != http.StatusNotFound {
		t.Errorf("GET missing pair status = %d, want 404", recorder.Code)
	}

	if _, err := ratesCache.UpdateRate("BTC_USD", 59337.21, "CoinGecko", ""); err != nil {
		t.Fatalf("UpdateRate() error = %v", err)
	}

	recorder = doRequest(router, "GET", "/api/v1/rates/btc/usd")
	if recorder.Code != http.StatusOK {
		t.Fatalf("GET cached pair status = %d, want 200", recorder.Code)
	}

	var rateInfo cache.RateInfo
	if err := json.Unmarshal(recorder.Body.Bytes(), &rateInfo); err != nil {
		t.Fatalf("response unmarshal error = %v", err)
	}
	if rateInfo.Pair != "BTC_USD" || rateInfo.Rate != 59337.21 {
		t.Errorf("rate response = %+v, want BTC_USD at 59337.21", rateInfo)
	}
	if !rateInfo.Fresh {
		t.Error("rate response fresh = false right after an update")
	}
}

func TestGetRateUnsupportedCurrency(t *testing.T) {
	router, _, _ := newTestRouter(t)

	recorder := doRequest(router, "GET", "/api/v1/rates/DOGE/USD")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("GET unsupported currency status = %d, want 400", recorder.Code)
	}
}

func TestGetAllRatesAndStale(t *testing.T) {
	router, ratesCache, _ := newTestRouter(t)

	if _, err := ratesCache.UpdateRate("BTC_USD", 59337.21, "CoinGecko", ""); err != nil {
		t.Fatalf("UpdateRate() error = %v", err)
	}

	recorder := doRequest(router, "GET", "/api/v1/rates")
	if recorder.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/rates status = %d, want 200", recorder.Code)
	}
	var allRates models.AllRatesResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &allRates); err != nil {
		t.Fatalf("response unmarshal error = %v", err)
	}
	if allRates.Pairs != 1 {
		t.Errorf("all rates pairs = %d, want 1", allRates.Pairs)
	}

	recorder = doRequest(router, "GET", "/api/v1/rates/stale")
	if recorder.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/rates/stale status = %d, want 200", recorder.Code)
	}
	var stale models.StalePairsResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &stale); err != nil {
		t.Fatalf("response unmarshal error = %v", err)
	}
	if stale.Count != 0 {
		t.Errorf("stale count = %d right after an update, want 0", stale.Count)
	}
}

func TestTriggerUpdate(t *testing.T) {
	router, ratesCache, historyStorage := newTestRouter(t)

	recorder := doRequest(router, "POST", "/api/v1/update")
	if recorder.Code != http.StatusOK {
		t.Fatalf("POST /api/v1/update status = %d, want 200", recorder.Code)
	}

	var result updater.UpdateResult
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("response unmarshal error = %v", err)
	}
	if result.Status != updater.StatusSuccess {
		t.Errorf("update status = %q, want %q", result.Status, updater.StatusSuccess)
	}
	if result.TotalRates != 2 {
		t.Errorf("update total rates = %d, want 2", result.TotalRates)
	}

	if rateInfo := ratesCache.GetRate("EUR", "USD"); rateInfo == nil {
		t.Error("cache missing EUR_USD after a manual update")
	}
	if historyStorage.TotalRecords() != 2 {
		t.Errorf("history records = %d after a manual update, want 2", historyStorage.TotalRecords())
	}
}

func TestTriggerUpdateForSource(t *testing.T) {
	router, ratesCache, _ := newTestRouter(t)

	recorder := doRequest(router, "POST", "/api/v1/update?source=coingecko")
	if recorder.Code != http.StatusOK {
		t.Fatalf("POST update?source=coingecko status = %d, want 200", recorder.Code)
	}
	if rateInfo := ratesCache.GetRate("EUR", "USD"); rateInfo != nil {
		t.Error("cache has EUR_USD after a crypto-only update")
	}

	recorder = doRequest(router, "POST", "/api/v1/update?source=bloomberg")
	if recorder.Code != http.StatusNotFound {
		t.Errorf("POST update with unknown source status = %d, want 404", recorder.Code)
	}
}

func TestTriggerUpdateAllSourcesFail(t *testing.T) {
	broken := []provider.RatesProvider{
		&stubProvider{name: provider.NameCoinGecko, err: fmt.Errorf("unreachable")},
		&stubProvider{name: provider.NameExchangeRate, err: fmt.Errorf("unreachable")},
	}
	router, _, _ := newTestRouter(t, broken...)

	recorder := doRequest(router, "POST", "/api/v1/update")
	if recorder.Code != http.StatusBadGateway {
		t.Errorf("POST update with every source down status = %d, want 502", recorder.Code)
	}
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	recorder := doRequest(router, "GET", "/api/v1/scheduler")
	if recorder.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/scheduler status = %d, want 200", recorder.Code)
	}

	var status scheduler.SchedulerStatus
	if err := json.Unmarshal(recorder.Body.Bytes(), &status); err != nil {
		t.Fatalf("response unmarshal error = %v", err)
	}
	if status.Running {
		t.Error("scheduler reported running without Start()")
	}
}

func TestCacheInfoEndpoint(t *testing.T) {
	router, ratesCache, _ := newTestRouter(t)

	if _, err := ratesCache.UpdateRate("BTC_USD", 59337.21, "CoinGecko", ""); err != nil {
		t.Fatalf("UpdateRate() error = %v", err)
	}

	recorder := doRequest(router, "GET", "/api/v1/cache")
	if recorder.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/cache status = %d, want 200", recorder.Code)
	}

	var info cache.Info
	if err := json.Unmarshal(recorder.Body.Bytes(), &info); err != nil {
		t.Fatalf("response unmarshal error = %v", err)
	}
	if info.TotalPairs != 1 || info.CryptoPairs != 1 {
		t.Errorf("cache info = %+v, want 1 crypto pair", info)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	router, _, historyStorage := newTestRouter(t)

	records := []history.Record{
		{FromCurrency: "BTC", ToCurrency: "USD", Rate: 59337.21, Timestamp: "2025-10-10T12:00:00Z", Source: "CoinGecko"},
		{FromCurrency: "EUR", ToCurrency: "USD", Rate: 1.05, Timestamp: "2025-10-10T13:00:00Z", Source: "ExchangeRate"},
	}
	if _, err := historyStorage.SaveBatch(records); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	recorder := doRequest(router, "GET", "/api/v1/history/btc")
	if recorder.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/history/btc status = %d, want 200", recorder.Code)
	}
	var byCurrency models.HistoryResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &byCurrency); err != nil {
		t.Fatalf("response unmarshal error = %v", err)
	}
	if byCurrency.Count != 1 {
		t.Errorf("history by currency count = %d, want 1", byCurrency.Count)
	}

	recorder = doRequest(router, "GET", "/api/v1/history/btc?limit=abc")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("GET history with bad limit status = %d, want 400", recorder.Code)
	}

	recorder = doRequest(router, "GET", "/api/v1/history?start=2025-10-10T00:00:00Z&end=2025-10-10T12:30:00Z")
	if recorder.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/history by period status = %d, want 200", recorder.Code)
	}
	var byPeriod models.HistoryResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &byPeriod); err != nil {
		t.Fatalf("response unmarshal error = %v", err)
	}
	if byPeriod.Count != 1 {
		t.Errorf("history by period count = %d, want 1", byPeriod.Count)
	}

	recorder = doRequest(router, "GET", "/api/v1/history")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("GET history without a window status = %d, want 400", recorder.Code)
	}

	recorder = doRequest(router, "GET", "/api/v1/history?start=garbage&end=2025-10-10T12:30:00Z")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("GET history with unparsable start status = %d, want 400", recorder.Code)
	}
}
