package testutils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
)

// MockCoinGeckoServer mimics the CoinGecko simple price API
type MockCoinGeckoServer struct {
	server *httptest.Server

	// Prices keyed by asset id, e.g. "bitcoin" -> 59337.21
	Prices map[string]float64

	// StatusCode overrides the response status when non-zero
	StatusCode int

	requests atomic.Int64
}

// NewMockCoinGeckoServer creates a new mock CoinGecko server with default prices
func NewMockCoinGeckoServer() *MockCoinGeckoServer {
	mock := &MockCoinGeckoServer{
		Prices: map[string]float64{
			"bitcoin":  59337.21,
			"ethereum": 2604.85,
			"solana":   144.5,
		},
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handler))
	return mock
}

func (m *MockCoinGeckoServer) handler(w http.ResponseWriter, r *http.Request) {
	m.requests.Add(1)

	if m.StatusCode != 0 && m.StatusCode != http.StatusOK {
		http.Error(w, "mock error", m.StatusCode)
		return
	}

	if r.URL.Path != "/simple/price" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	quote := r.URL.Query().Get("vs_currencies")
	if quote == "" {
		quote = "usd"
	}

	payload := make(map[string]map[string]float64)
	for _, assetID := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if price, ok := m.Prices[assetID]; ok {
			payload[assetID] = map[string]float64{quote: price}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// URL returns the mock server URL
func (m *MockCoinGeckoServer) URL() string {
	return m.server.URL
}

// Requests returns how many requests the server has handled
func (m *MockCoinGeckoServer) Requests() int64 {
	return m.requests.Load()
}

// Close closes the mock server
func (m *MockCoinGeckoServer) Close() {
	m.server.Close()
}

// MockExchangeRateServer mimics the ExchangeRate-API latest endpoint
type MockExchangeRateServer struct {
	server *httptest.Server

	// ConversionRates are base->code quotes, e.g. "EUR" -> 0.92
	ConversionRates map[string]float64

	// Result lets tests simulate logical failures inside a 200 response
	Result    string
	ErrorType string

	// StatusCode overrides the response status when non-zero
	StatusCode int
}

// NewMockExchangeRateServer creates a new mock ExchangeRate-API server
// with default conversion rates
func NewMockExchangeRateServer() *MockExchangeRateServer {
	mock := &MockExchangeRateServer{
		ConversionRates: map[string]float64{
			"EUR": 0.92,
			"GBP": 0.79,
			"RUB": 96.5,
			"USD": 1.0,
		},
		Result: "success",
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handler))
	return mock
}

func (m *MockExchangeRateServer) handler(w http.ResponseWriter, r *http.Request) {
	if m.StatusCode != 0 && m.StatusCode != http.StatusOK {
		http.Error(w, "mock error", m.StatusCode)
		return
	}

	// Expected path shape: /{api-key}/latest/{base}
	if !strings.Contains(r.URL.Path, "/latest/") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"result":           m.Result,
		"error-type":       m.ErrorType,
		"base_code":        strings.TrimPrefix(r.URL.Path[strings.LastIndex(r.URL.Path, "/"):], "/"),
		"conversion_rates": m.ConversionRates,
	})
}

// URL returns the mock server URL
func (m *MockExchangeRateServer) URL() string {
	return m.server.URL
}

// Close closes the mock server
func (m *MockExchangeRateServer) Close() {
	m.server.Close()
}
