package provider

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/valutatrade/parser-service/internal/config"
)

// CoinGeckoClient fetches crypto quotes from the CoinGecko simple price API.
// It queries a fixed set of assets against one quote currency in a single
// batched call.
type CoinGeckoClient struct {
	httpClient
	baseURL  string
	quote    string
	assetIDs map[string]string // ticker -> CoinGecko asset id
}

// NewCoinGeckoClient creates a CoinGecko client from configuration
func NewCoinGeckoClient(cfg *config.Config, logger *logrus.Logger) *CoinGeckoClient {
	assetIDs := make(map[string]string, len(cfg.CryptoCurrencies))
	for _, ticker := range cfg.CryptoCurrencies {
		if id, ok := cfg.CryptoIDs[ticker]; ok {
			assetIDs[ticker] = id
		} else {
			logger.Warnf("no CoinGecko id configured for %s, skipping", ticker)
		}
	}

	return &CoinGeckoClient{
		httpClient: newHTTPClient(NameCoinGecko, cfg.RequestTimeout, cfg.MaxRetries, logger),
		baseURL:    cfg.CoinGeckoBaseURL,
		quote:      cfg.BaseCurrency,
		assetIDs:   assetIDs,
	}
}

// Name returns the provider name
func (client *CoinGeckoClient) Name() string {
	return NameCoinGecko
}

// FetchRates fetches current crypto rates, keyed as "BTC_USD" style pairs
func (client *CoinGeckoClient) FetchRates(ctx context.Context) (FetchResult, error) {
	ids := make([]string, 0, len(client.assetIDs))
	tickerByID := make(map[string]string, len(client.assetIDs))
	for ticker, id := range client.assetIDs {
		ids = append(ids, id)
		tickerByID[id] = ticker
	}
	sort.Strings(ids)

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", strings.ToLower(client.quote))

	// Response shape: {"bitcoin": {"usd": 59337.21}, ...}
	var payload map[string]map[string]float64
	meta, err := client.getJSON(ctx, client.baseURL+"/simple/price", query, &payload)
	if err != nil {
		return FetchResult{Meta: meta}, err
	}

	quoteKey := strings.ToLower(client.quote)
	rates := make(map[string]float64, len(payload))
	for assetID, quotes := range payload {
		ticker, known := tickerByID[assetID]
		if !known {
			client.logger.Warnf("CoinGecko returned unknown asset id %q, skipping", assetID)
			continue
		}

		rate, ok := quotes[quoteKey]
		if !ok {
			client.logger.Warnf("CoinGecko response for %s is missing the %s quote", ticker, client.quote)
			continue
		}

		pair := fmt.Sprintf("%s_%s", ticker, client.quote)
		if !client.validRate(pair, rate) {
			continue
		}
		rates[pair] = rate
	}

	if len(rates) == 0 {
		return FetchResult{Meta: meta}, &FetchError{
			Provider: NameCoinGecko,
			Message:  "no valid rates in response",
		}
	}

	return FetchResult{Rates: rates, Meta: meta}, nil
}
