package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/valutatrade/parser-service/internal/cache"
	"github.com/valutatrade/parser-service/internal/history"
	"github.com/valutatrade/parser-service/internal/provider"
)

// ErrUnknownSource is returned when a named source matches no configured client
var ErrUnknownSource = errors.New("unknown rate source")

// Status is the outcome class of an update run
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// UpdateResult describes one update run for direct display to callers
type UpdateResult struct {
	Status         Status   `json:"status"`
	TotalRates     int      `json:"total_rates"`
	UpdatedSources []string `json:"updated_sources"`
	FailedSources  []string `json:"failed_sources"`
	ErrorMessages  []string `json:"error_messages"`
}

// RatesUpdater orchestrates one update cycle across the configured API
// clients and writes through to the cache and the history storage.
type RatesUpdater struct {
	clients []provider.RatesProvider
	cache   *cache.RatesCache
	history *history.HistoryStorage // nil disables the audit trail
	logger  *logrus.Logger

	now func() time.Time
}

// New creates an updater over the given clients, cache and optional history
func New(clients []provider.RatesProvider, ratesCache *cache.RatesCache, historyStorage *history.HistoryStorage, logger *logrus.Logger) *RatesUpdater {
	logger.Infof("rates updater initialized with %d clients", len(clients))
	return &RatesUpdater{
		clients: clients,
		cache:   ratesCache,
		history: historyStorage,
		logger:  logger,
		now:     time.Now,
	}
}

// RunUpdate fetches from every client sequentially. Per-client failures are
// contained: they are logged, recorded in the result, and the sweep moves
// on. Only when every client fails does RunUpdate return an error, and
// nothing is written.
func (updater *RatesUpdater) RunUpdate(ctx context.Context) (UpdateResult, error) {
	updater.logger.Info("starting full rates update")

	merged := map[string]cache.Entry{}
	result := UpdateResult{
		UpdatedSources: []string{},
		FailedSources:  []string{},
		ErrorMessages:  []string{},
	}

	for _, client := range updater.clients {
		fetched, err := updater.fetchOne(ctx, client)
		if err != nil {
			result.FailedSources = append(result.FailedSources, client.Name())
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}

		updater.mergeRates(merged, fetched.Rates, client.Name())
		result.UpdatedSources = append(result.UpdatedSources, client.Name())
		updater.saveHistory(client.Name(), fetched)
	}

	if len(result.UpdatedSources) == 0 {
		updater.logger.Error("all rate sources failed")
		result.Status = StatusFailed
		return result, fmt.Errorf("all rate sources failed: %s", strings.Join(result.ErrorMessages, "; "))
	}

	updatedCount, err := updater.cache.BulkUpdate(merged)
	if err != nil {
		return result, err
	}
	result.TotalRates = updatedCount

	if len(result.FailedSources) == 0 {
		result.Status = StatusSuccess
		updater.logger.Infof("update succeeded: %d rates from %d sources", updatedCount, len(result.UpdatedSources))
	} else {
		result.Status = StatusPartial
		updater.logger.Warnf("partial update: %d rates, %d sources failed", updatedCount, len(result.FailedSources))
	}

	return result, nil
}

// RunUpdateForSource runs the same flow restricted to one named client.
// Unlike the bulk path a fetch failure is not swallowed: the caller asked
// for exactly this source, so the error propagates after being recorded.
func (updater *RatesUpdater) RunUpdateForSource(ctx context.Context, sourceName string) (UpdateResult, error) {
	updater.logger.Infof("starting update for source: %s", sourceName)

	result := UpdateResult{
		UpdatedSources: []string{},
		FailedSources:  []string{},
		ErrorMessages:  []string{},
	}

	client := updater.findClient(sourceName)
	if client == nil {
		result.Status = StatusFailed
		return result, fmt.Errorf("%w: %q", ErrUnknownSource, sourceName)
	}

	fetched, err := updater.fetchOne(ctx, client)
	if err != nil {
		result.Status = StatusFailed
		result.FailedSources = append(result.FailedSources, client.Name())
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return result, err
	}

	merged := map[string]cache.Entry{}
	updater.mergeRates(merged, fetched.Rates, client.Name())
	result.UpdatedSources = append(result.UpdatedSources, client.Name())
	updater.saveHistory(client.Name(), fetched)

	updatedCount, err := updater.cache.BulkUpdate(merged)
	if err != nil {
		return result, err
	}

	result.Status = StatusSuccess
	result.TotalRates = updatedCount
	updater.logger.Infof("source update succeeded: %d rates from %s", updatedCount, client.Name())
	return result, nil
}

// SourceNames lists the names of all configured clients
func (updater *RatesUpdater) SourceNames() []string {
	names := make([]string, 0, len(updater.clients))
	for _, client := range updater.clients {
		names = append(names, client.Name())
	}
	return names
}

func (updater *RatesUpdater) findClient(sourceName string) provider.RatesProvider {
	for _, client := range updater.clients {
		if strings.EqualFold(client.Name(), sourceName) {
			return client
		}
	}
	return nil
}

func (updater *RatesUpdater) fetchOne(ctx context.Context, client provider.RatesProvider) (provider.FetchResult, error) {
	updater.logger.Infof("querying source: %s", client.Name())

	fetched, err := client.FetchRates(ctx)
	if err != nil {
		updater.logger.Errorf("source %s failed: %v", client.Name(), err)
		return fetched, err
	}

	updater.logger.Infof("source %s: fetched %d rates", client.Name(), len(fetched.Rates))
	return fetched, nil
}

// mergeRates folds one client's output into the merged batch. When two
// clients report the same pair within a run, the later (newer-stamped)
// observation wins, mirroring the cache's newer-wins rule.
func (updater *RatesUpdater) mergeRates(merged map[string]cache.Entry, rates map[string]float64, source string) {
	observedAt := updater.now().UTC().Format(time.RFC3339)
	for pair, rate := range rates {
		incoming := cache.Entry{
			Rate:      rate,
			UpdatedAt: observedAt,
			Source:    source,
		}

		existing, found := merged[pair]
		if found && existing.UpdatedAt > incoming.UpdatedAt {
			continue
		}
		merged[pair] = incoming
	}
}

// saveHistory appends the fetched observations to the audit trail. History
// persistence is best-effort: cache correctness takes priority over audit
// completeness, so failures here are logged and never abort the update.
func (updater *RatesUpdater) saveHistory(source string, fetched provider.FetchResult) {
	if updater.history == nil {
		return
	}

	observedAt := updater.now().UTC().Format(time.RFC3339)
	records := make([]history.Record, 0, len(fetched.Rates))
	for pair, rate := range fetched.Rates {
		fromCurrency, toCurrency, found := strings.Cut(pair, "_")
		if !found {
			updater.logger.Warnf("malformed pair from %s: %q", source, pair)
			continue
		}

		records = append(records, history.Record{
			FromCurrency: fromCurrency,
			ToCurrency:   toCurrency,
			Rate:         rate,
			Timestamp:    observedAt,
			Source:       source,
			Meta: history.Meta{
				RawID:      fetched.Meta.RawID,
				RequestMS:  fetched.Meta.RequestMS,
				StatusCode: fetched.Meta.StatusCode,
			},
		})
	}

	if len(records) == 0 {
		return
	}

	ids, err := updater.history.SaveBatch(records)
	if err != nil {
		updater.logger.Errorf("failed to save history for %s: %v", source, err)
		return
	}
	updater.logger.Debugf("saved %d history records for %s", len(ids), source)
}
