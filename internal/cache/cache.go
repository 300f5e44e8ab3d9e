package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/valutatrade/parser-service/internal/config"
	"github.com/valutatrade/parser-service/internal/currencies"
	"github.com/valutatrade/parser-service/internal/jsonfile"
)

// cacheVersion is the persisted format version of rates.json
const cacheVersion = "1.0"

var pairPattern = regexp.MustCompile(`^[A-Z]{2,5}_[A-Z]{2,5}$`)

// Entry is one currency pair's latest known state
type Entry struct {
	Rate      float64 `json:"rate"`
	UpdatedAt string  `json:"updated_at"`
	Source    string  `json:"source"`
}

// RateInfo is the collaborator-facing view of one cached rate
type RateInfo struct {
	Pair      string  `json:"pair"`
	Rate      float64 `json:"rate"`
	UpdatedAt string  `json:"updated_at"`
	Source    string  `json:"source"`
	Fresh     bool    `json:"is_fresh"`
}

// Info is a summary of the cache state
type Info struct {
	Filepath    string   `json:"filepath"`
	Version     string   `json:"version"`
	LastRefresh string   `json:"last_refresh"`
	TotalPairs  int      `json:"total_pairs"`
	FiatPairs   int      `json:"fiat_pairs"`
	CryptoPairs int      `json:"crypto_pairs"`
	OtherPairs  int      `json:"other_pairs"`
	StaleCount  int      `json:"stale_pairs_count"`
	StalePairs  []string `json:"stale_pairs"`
}

// CacheError wraps failures of cache operations
type CacheError struct {
	Op      string
	Message string
	Err     error
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("cache %s: %s", e.Op, e.Message)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// cacheFile is the persisted document owned exclusively by RatesCache
type cacheFile struct {
	Version     string           `json:"version"`
	LastRefresh string           `json:"last_refresh"`
	Pairs       map[string]Entry `json:"pairs"`
}

// RatesCache is the authoritative store of the latest known rate per pair,
// backed by a single JSON file with atomic writes.
type RatesCache struct {
	path   string
	logger *logrus.Logger

	fiatTTL    time.Duration
	cryptoTTL  time.Duration
	defaultTTL time.Duration

	loadOnce sync.Once
	mu       sync.RWMutex
	data     *cacheFile

	now func() time.Time
}

// New creates a rates cache over the configured file path. The file itself
// is loaded lazily on first access; only the directory is prepared here.
func New(cfg *config.Config, logger *logrus.Logger) (*RatesCache, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.RatesFilePath), 0o755); err != nil {
		return nil, &CacheError{Op: "init", Message: "failed to create data directory", Err: err}
	}

	ratesCache := &RatesCache{
		path:       cfg.RatesFilePath,
		logger:     logger,
		fiatTTL:    cfg.FiatTTL,
		cryptoTTL:  cfg.CryptoTTL,
		defaultTTL: cfg.DefaultTTL,
		now:        time.Now,
	}
	logger.Infof("rates cache initialized: %s", cfg.RatesFilePath)
	return ratesCache, nil
}

// GetRate looks up the latest known rate for a directed pair. A missing pair
// returns nil, not an error.
func (ratesCache *RatesCache) GetRate(fromCurrency, toCurrency string) *RateInfo {
	pair := currencies.Normalize(fromCurrency) + "_" + currencies.Normalize(toCurrency)

	ratesCache.ensureLoaded()
	ratesCache.mu.RLock()
	entry, found := ratesCache.data.Pairs[pair]
	ratesCache.mu.RUnlock()

	if !found {
		ratesCache.logger.Debugf("pair not found in cache: %s", pair)
		return nil
	}

	return &RateInfo{
		Pair:      pair,
		Rate:      entry.Rate,
		UpdatedAt: entry.UpdatedAt,
		Source:    entry.Source,
		Fresh:     ratesCache.IsFresh(pair, entry.UpdatedAt),
	}
}

// UpdateRate writes a single observation if it is newer than the cached one.
// Returns true when the cache changed. An empty timestamp means "now".
func (ratesCache *RatesCache) UpdateRate(pair string, rate float64, source, timestamp string) (bool, error) {
	pair = currencies.Normalize(pair)
	if err := validateEntry(pair, rate, source); err != nil {
		return false, err
	}

	if timestamp == "" {
		timestamp = ratesCache.now().UTC().Format(time.RFC3339)
	}

	ratesCache.ensureLoaded()
	ratesCache.mu.Lock()
	defer ratesCache.mu.Unlock()

	if !ratesCache.shouldReplaceLocked(pair, timestamp) {
		ratesCache.logger.Debugf("rate for %s not updated: incoming observation is not newer", pair)
		return false, nil
	}

	ratesCache.data.Pairs[pair] = Entry{
		Rate:      rate,
		UpdatedAt: timestamp,
		Source:    strings.TrimSpace(source),
	}

	if err := ratesCache.persistLocked("update_rate"); err != nil {
		return false, err
	}

	ratesCache.logger.Infof("rate updated: %s = %v from %s", pair, rate, source)
	return true, nil
}

// BulkUpdate applies the newer-wins rule to many pairs in one pass. Invalid
// entries are skipped with warnings; one atomic write covers the batch.
// Returns the number of pairs actually updated.
func (ratesCache *RatesCache) BulkUpdate(rates map[string]Entry) (int, error) {
	if len(rates) == 0 {
		ratesCache.logger.Warn("bulk update called with no rates")
		return 0, nil
	}

	ratesCache.ensureLoaded()
	ratesCache.mu.Lock()
	defer ratesCache.mu.Unlock()

	updated := 0
	for pair, incoming := range rates {
		pair = currencies.Normalize(pair)
		if err := validateEntry(pair, incoming.Rate, incoming.Source); err != nil {
			ratesCache.logger.Warnf("skipping invalid entry %s: %v", pair, err)
			continue
		}

		if incoming.UpdatedAt == "" {
			incoming.UpdatedAt = ratesCache.now().UTC().Format(time.RFC3339)
		}

		if !ratesCache.shouldReplaceLocked(pair, incoming.UpdatedAt) {
			continue
		}

		incoming.Source = strings.TrimSpace(incoming.Source)
		ratesCache.data.Pairs[pair] = incoming
		updated++
	}

	if updated == 0 {
		ratesCache.logger.Info("bulk update: no entries newer than cached state")
		return 0, nil
	}

	if err := ratesCache.persistLocked("bulk_update"); err != nil {
		return 0, err
	}

	ratesCache.logger.Infof("bulk update committed: %d of %d rates, %d pairs cached",
		updated, len(rates), len(ratesCache.data.Pairs))
	return updated, nil
}

// GetAllRates returns a defensive copy of every cached entry
func (ratesCache *RatesCache) GetAllRates() map[string]Entry {
	ratesCache.ensureLoaded()
	ratesCache.mu.RLock()
	defer ratesCache.mu.RUnlock()

	copied := make(map[string]Entry, len(ratesCache.data.Pairs))
	for pair, entry := range ratesCache.data.Pairs {
		copied[pair] = entry
	}
	return copied
}

// IsFresh reports whether an observation timestamp is within the TTL of the
// pair's base currency class. Empty or unparsable timestamps are never fresh.
func (ratesCache *RatesCache) IsFresh(pair, timestamp string) bool {
	if timestamp == "" || timestamp == "N/A" {
		return false
	}

	updatedAt, err := parseTimestamp(timestamp)
	if err != nil {
		ratesCache.logger.Warnf("unparsable timestamp for %s: %q", pair, timestamp)
		return false
	}

	baseCode, _, found := strings.Cut(pair, "_")
	if !found {
		ratesCache.logger.Warnf("malformed currency pair: %q", pair)
		return false
	}

	var ttl time.Duration
	switch currencies.ClassOrDefault(baseCode) {
	case currencies.ClassFiat:
		ttl = ratesCache.fiatTTL
	case currencies.ClassCrypto:
		ttl = ratesCache.cryptoTTL
	default:
		ttl = ratesCache.defaultTTL
	}

	return ratesCache.now().Sub(updatedAt) <= ttl
}

// StalePairs returns every cached pair failing the freshness check
func (ratesCache *RatesCache) StalePairs() []string {
	stale := []string{}
	for pair, entry := range ratesCache.GetAllRates() {
		if !ratesCache.IsFresh(pair, entry.UpdatedAt) {
			stale = append(stale, pair)
		}
	}
	return stale
}

// Info summarizes the cache state for the status surface
func (ratesCache *RatesCache) Info() Info {
	allRates := ratesCache.GetAllRates()

	ratesCache.mu.RLock()
	version := ratesCache.data.Version
	lastRefresh := ratesCache.data.LastRefresh
	ratesCache.mu.RUnlock()

	info := Info{
		Filepath:    ratesCache.path,
		Version:     version,
		LastRefresh: lastRefresh,
		TotalPairs:  len(allRates),
		StalePairs:  []string{},
	}

	for pair, entry := range allRates {
		baseCode, _, _ := strings.Cut(pair, "_")
		switch currencies.ClassOrDefault(baseCode) {
		case currencies.ClassFiat:
			info.FiatPairs++
		case currencies.ClassCrypto:
			info.CryptoPairs++
		default:
			info.OtherPairs++
		}

		if !ratesCache.IsFresh(pair, entry.UpdatedAt) {
			info.StalePairs = append(info.StalePairs, pair)
		}
	}
	info.StaleCount = len(info.StalePairs)
	return info
}

// shouldReplaceLocked implements newer-wins: replace when no entry exists,
// the incoming observation is strictly newer, or the existing timestamp is
// unparsable (always overwritten, with a warning).
func (ratesCache *RatesCache) shouldReplaceLocked(pair, incomingTimestamp string) bool {
	existing, found := ratesCache.data.Pairs[pair]
	if !found {
		return true
	}

	existingTime, err := parseTimestamp(existing.UpdatedAt)
	if err != nil {
		ratesCache.logger.Warnf("existing timestamp for %s is unparsable, overwriting", pair)
		return true
	}

	incomingTime, err := parseTimestamp(incomingTimestamp)
	if err != nil {
		// An unparsable incoming timestamp cannot be proven newer.
		ratesCache.logger.Warnf("incoming timestamp for %s is unparsable, keeping cached entry", pair)
		return false
	}

	return incomingTime.After(existingTime)
}

func validateEntry(pair string, rate float64, source string) error {
	if !pairPattern.MatchString(pair) {
		return fmt.Errorf("invalid currency pair format: %q", pair)
	}
	if rate <= 0 {
		return fmt.Errorf("invalid rate for %s: %v", pair, rate)
	}
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("source must not be empty for %s", pair)
	}
	return nil
}

func parseTimestamp(timestamp string) (time.Time, error) {
	return time.Parse(time.RFC3339, timestamp)
}

// ensureLoaded reads the cache file into memory once per instance. A missing
// or structurally invalid file is replaced with an empty default structure;
// load never fails.
func (ratesCache *RatesCache) ensureLoaded() {
	ratesCache.loadOnce.Do(func() {
		ratesCache.mu.Lock()
		defer ratesCache.mu.Unlock()
		ratesCache.data = ratesCache.loadFile()
	})
}

func (ratesCache *RatesCache) loadFile() *cacheFile {
	raw, err := os.ReadFile(ratesCache.path)
	if err != nil {
		if !os.IsNotExist(err) {
			ratesCache.logger.Errorf("failed to read cache file, starting empty: %v", err)
		} else {
			ratesCache.logger.Infof("cache file does not exist, starting empty: %s", ratesCache.path)
		}
		return ratesCache.defaultFile()
	}

	var parsed cacheFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		ratesCache.logger.Errorf("failed to parse cache file, starting empty: %v", err)
		return ratesCache.defaultFile()
	}

	if err := validateStructure(&parsed); err != nil {
		ratesCache.logger.Warnf("invalid cache file structure, starting empty: %v", err)
		return ratesCache.defaultFile()
	}

	ratesCache.logger.Debugf("loaded %d pairs from cache file", len(parsed.Pairs))
	return &parsed
}

func (ratesCache *RatesCache) defaultFile() *cacheFile {
	return &cacheFile{
		Version:     cacheVersion,
		LastRefresh: ratesCache.now().UTC().Format(time.RFC3339),
		Pairs:       map[string]Entry{},
	}
}

// persistLocked flushes the in-memory state through the atomic write
// sequence. The caller holds the write lock.
func (ratesCache *RatesCache) persistLocked(op string) error {
	ratesCache.data.Version = cacheVersion
	ratesCache.data.LastRefresh = ratesCache.now().UTC().Format(time.RFC3339)

	raw, err := json.MarshalIndent(ratesCache.data, "", "  ")
	if err != nil {
		return &CacheError{Op: op, Message: "failed to serialize cache", Err: err}
	}

	verify := func(written []byte) error {
		var reparsed cacheFile
		if err := json.Unmarshal(written, &reparsed); err != nil {
			return err
		}
		return validateStructure(&reparsed)
	}

	if err := jsonfile.WriteAtomic(ratesCache.path, raw, verify); err != nil {
		ratesCache.logger.Errorf("atomic cache write failed: %v", err)
		return &CacheError{Op: op, Message: "failed to persist cache", Err: err}
	}
	return nil
}

func validateStructure(parsed *cacheFile) error {
	if parsed.Pairs == nil {
		return fmt.Errorf("missing pairs mapping")
	}
	if parsed.LastRefresh == "" {
		return fmt.Errorf("missing last_refresh timestamp")
	}
	for pair, entry := range parsed.Pairs {
		if entry.Rate == 0 || entry.UpdatedAt == "" || entry.Source == "" {
			return fmt.Errorf("incomplete entry for pair %s", pair)
		}
	}
	return nil
}
