package provider

import (
	"context"
	"fmt"
)

// Provider names used by the updater and the scheduler tier mapping
const (
	NameCoinGecko    = "CoinGecko"
	NameExchangeRate = "ExchangeRate"
)

// maxSaneRate is the sanity ceiling for a single quote. Anything at or above
// this is treated as a provider glitch and dropped.
const maxSaneRate = 1_000_000

// FetchMeta carries request diagnostics for the history audit trail
type FetchMeta struct {
	RawID      string
	RequestMS  int64
	StatusCode int
}

// FetchResult is one provider's normalized output: pair key -> positive rate
type FetchResult struct {
	Rates map[string]float64
	Meta  FetchMeta
}

// RatesProvider defines the interface for external rate sources
type RatesProvider interface {
	Name() string
	FetchRates(ctx context.Context) (FetchResult, error)
}

// FetchError is the single error kind all provider failures normalize to:
// network errors, timeouts, non-2xx statuses, malformed payloads and empty
// result sets.
type FetchError struct {
	Provider string
	Message  string
	Cause    error
}

func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}
