package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const userAgent = "ValutaTradeHub/1.0"

// httpClient is the shared HTTP machinery of the concrete providers:
// GET with query parameters, timeout-only retry, error normalization.
type httpClient struct {
	name       string
	logger     *logrus.Logger
	client     *http.Client
	maxRetries int
}

func newHTTPClient(name string, timeout time.Duration, maxRetries int, logger *logrus.Logger) httpClient {
	httpTransport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	return httpClient{
		name:       name,
		logger:     logger,
		client:     &http.Client{Timeout: timeout, Transport: httpTransport},
		maxRetries: maxRetries,
	}
}

// getJSON performs a GET request and decodes the JSON response into out.
// Timeouts are retried up to maxRetries times with no backoff; any other
// transport error fails immediately since connection and TLS failures are
// not assumed transient. Non-2xx statuses and malformed JSON are fatal.
func (client *httpClient) getJSON(ctx context.Context, rawURL string, query url.Values, out interface{}) (FetchMeta, error) {
	meta := FetchMeta{RawID: uuid.NewString()}

	requestURL := rawURL
	if len(query) > 0 {
		requestURL = rawURL + "?" + query.Encode()
	}

	var lastTimeout error
	for attempt := 0; attempt <= client.maxRetries; attempt++ {
		client.logger.WithFields(logrus.Fields{
			"provider": client.name,
			"raw_id":   meta.RawID,
			"attempt":  attempt + 1,
			"url":      rawURL,
		}).Debug("provider request")

		request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return meta, &FetchError{Provider: client.name, Message: "failed to build request", Cause: err}
		}
		request.Header.Set("User-Agent", userAgent)

		started := time.Now()
		response, err := client.client.Do(request)
		meta.RequestMS = time.Since(started).Milliseconds()

		if err != nil {
			if isTimeout(err) {
				lastTimeout = err
				client.logger.Warnf("%s: request timeout, retry %d/%d", client.name, attempt+1, client.maxRetries)
				continue
			}
			return meta, &FetchError{Provider: client.name, Message: "network error", Cause: err}
		}

		meta.StatusCode = response.StatusCode
		body, readErr := io.ReadAll(response.Body)
		response.Body.Close()
		if readErr != nil {
			return meta, &FetchError{Provider: client.name, Message: "failed to read response body", Cause: readErr}
		}

		if response.StatusCode < 200 || response.StatusCode >= 300 {
			return meta, &FetchError{
				Provider: client.name,
				Message:  fmt.Sprintf("unexpected status %d", response.StatusCode),
			}
		}

		if err := json.Unmarshal(body, out); err != nil {
			return meta, &FetchError{Provider: client.name, Message: "malformed JSON response", Cause: err}
		}

		return meta, nil
	}

	return meta, &FetchError{
		Provider: client.name,
		Message:  fmt.Sprintf("request timed out after %d retries", client.maxRetries),
		Cause:    lastTimeout,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// validRate reports whether a quote passes the sanity checks; rejects are
// logged at warning level and dropped by the caller.
func (client *httpClient) validRate(pair string, rate float64) bool {
	if rate <= 0 {
		client.logger.Warnf("%s: dropping non-positive rate for %s: %v", client.name, pair, rate)
		return false
	}
	if rate >= maxSaneRate {
		client.logger.Warnf("%s: dropping out-of-range rate for %s: %v", client.name, pair, rate)
		return false
	}
	return true
}
