package provider

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/valutatrade/parser-service/internal/config"
)

// ExchangeRateAPIClient fetches fiat quotes from ExchangeRate-API. One
// batched call returns every conversion rate against the base currency.
type ExchangeRateAPIClient struct {
	httpClient
	baseURL string
	apiKey  string
	base    string
	fiats   []string
}

// NewExchangeRateAPIClient creates an ExchangeRate-API client. A missing API
// key is a configuration error surfaced at construction, not at fetch time.
func NewExchangeRateAPIClient(cfg *config.Config, logger *logrus.Logger) (*ExchangeRateAPIClient, error) {
	if cfg.ExchangeRateAPIKey == "" {
		return nil, fmt.Errorf("EXCHANGERATE_API_KEY is required for the %s provider", NameExchangeRate)
	}

	return &ExchangeRateAPIClient{
		httpClient: newHTTPClient(NameExchangeRate, cfg.RequestTimeout, cfg.MaxRetries, logger),
		baseURL:    cfg.ExchangeRateBaseURL,
		apiKey:     cfg.ExchangeRateAPIKey,
		base:       cfg.BaseCurrency,
		fiats:      cfg.FiatCurrencies,
	}, nil
}

// Name returns the provider name
func (client *ExchangeRateAPIClient) Name() string {
	return NameExchangeRate
}

// FetchRates fetches current fiat rates, keyed as "EUR_USD" style pairs
// (value of one unit of the fiat currency in the base currency).
func (client *ExchangeRateAPIClient) FetchRates(ctx context.Context) (FetchResult, error) {
	requestURL := fmt.Sprintf("%s/%s/latest/%s", client.baseURL, client.apiKey, client.base)

	var payload struct {
		Result          string             `json:"result"`
		ErrorType       string             `json:"error-type"`
		ConversionRates map[string]float64 `json:"conversion_rates"`
	}
	meta, err := client.getJSON(ctx, requestURL, nil, &payload)
	if err != nil {
		return FetchResult{Meta: meta}, err
	}

	// The provider reports logical failures inside a 200 response.
	if payload.Result != "success" {
		return FetchResult{Meta: meta}, &FetchError{
			Provider: NameExchangeRate,
			Message:  fmt.Sprintf("provider reported failure: %s", payload.ErrorType),
		}
	}

	rates := make(map[string]float64, len(client.fiats))
	for _, code := range client.fiats {
		if code == client.base {
			continue
		}

		baseToCode, ok := payload.ConversionRates[code]
		if !ok {
			client.logger.Warnf("ExchangeRate response is missing %s, skipping", code)
			continue
		}
		if baseToCode <= 0 {
			client.logger.Warnf("ExchangeRate returned non-positive quote for %s: %v", code, baseToCode)
			continue
		}

		// conversion_rates quotes base->code; the cache stores code->base.
		pair := fmt.Sprintf("%s_%s", code, client.base)
		rate := 1 / baseToCode
		if !client.validRate(pair, rate) {
			continue
		}
		rates[pair] = rate
	}

	if len(rates) == 0 {
		return FetchResult{Meta: meta}, &FetchError{
			Provider: NameExchangeRate,
			Message:  "no valid rates in response",
		}
	}

	client.logger.WithFields(logrus.Fields{
		"provider": NameExchangeRate,
		"rates":    len(rates),
	}).Debug("fetched fiat rates")

	return FetchResult{Rates: rates, Meta: meta}, nil
}
