package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/valutatrade/parser-service/internal/currencies"
	"github.com/valutatrade/parser-service/internal/jsonfile"
)

// dataVersion is the persisted format version of exchange_rates.json
const dataVersion = "1.0"

// Meta is the diagnostic bag attached to every observation
type Meta struct {
	RawID      string `json:"raw_id"`
	RequestMS  int64  `json:"request_ms"`
	StatusCode int    `json:"status_code"`
}

// Record is one immutable rate observation
type Record struct {
	ID           string  `json:"id"`
	FromCurrency string  `json:"from_currency"`
	ToCurrency   string  `json:"to_currency"`
	Rate         float64 `json:"rate"`
	Timestamp    string  `json:"timestamp"`
	Source       string  `json:"source"`
	Meta         Meta    `json:"meta"`
}

// StorageError wraps failures of history storage operations
type StorageError struct {
	Op      string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("history %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("history %s: %s", e.Op, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

type historyFile struct {
	Version      string   `json:"version"`
	LastUpdated  string   `json:"last_updated"`
	TotalRecords int      `json:"total_records"`
	Records      []Record `json:"records"`
}

// HistoryStorage is the append-only audit trail of every observation ever
// ingested, independent of the latest-rate cache.
type HistoryStorage struct {
	path   string
	logger *logrus.Logger

	loadOnce sync.Once
	mu       sync.Mutex
	data     *historyFile

	now func() time.Time
}

// New creates a history storage over the given file path
func New(path string, logger *logrus.Logger) (*HistoryStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "init", Message: "failed to create data directory", Err: err}
	}

	storage := &HistoryStorage{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
	logger.Infof("history storage initialized: %s", path)
	return storage, nil
}

// GenerateID derives the deterministic record ID from the observation's
// identity, e.g. BTCUSD_20251010T120000Z. The same logical observation
// always maps to the same ID; uniqueness is not enforced on append.
func GenerateID(fromCurrency, toCurrency, timestamp string) (string, error) {
	parsed, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return "", fmt.Errorf("unparsable timestamp %q: %w", timestamp, err)
	}

	return fmt.Sprintf("%s%s_%s",
		currencies.Normalize(fromCurrency),
		currencies.Normalize(toCurrency),
		parsed.UTC().Format("20060102T150405Z"),
	), nil
}

// SaveRecord validates, IDs and appends one observation, persisting
// atomically. Returns the generated record ID.
func (storage *HistoryStorage) SaveRecord(record Record) (string, error) {
	prepared, err := prepareRecord(record)
	if err != nil {
		return "", &StorageError{Op: "save_record", Message: "invalid record", Err: err}
	}

	storage.ensureLoaded()
	storage.mu.Lock()
	defer storage.mu.Unlock()

	storage.data.Records = append(storage.data.Records, prepared)
	storage.data.TotalRecords = len(storage.data.Records)

	if err := storage.persistLocked("save_record"); err != nil {
		// Roll the in-memory append back so memory matches disk.
		storage.data.Records = storage.data.Records[:len(storage.data.Records)-1]
		storage.data.TotalRecords = len(storage.data.Records)
		return "", err
	}

	storage.logger.Infof("saved history record %s, total records: %d", prepared.ID, storage.data.TotalRecords)
	return prepared.ID, nil
}

// SaveBatch appends many observations in one atomic operation. Validation
// runs over the whole batch first; any invalid record rejects the entire
// batch with no partial write.
func (storage *HistoryStorage) SaveBatch(records []Record) ([]string, error) {
	if len(records) == 0 {
		storage.logger.Warn("save batch called with no records")
		return []string{}, nil
	}

	prepared := make([]Record, 0, len(records))
	ids := make([]string, 0, len(records))
	for i, record := range records {
		readyRecord, err := prepareRecord(record)
		if err != nil {
			return nil, &StorageError{
				Op:      "save_batch",
				Message: fmt.Sprintf("record %d is invalid", i),
				Err:     err,
			}
		}
		prepared = append(prepared, readyRecord)
		ids = append(ids, readyRecord.ID)
	}

	storage.ensureLoaded()
	storage.mu.Lock()
	defer storage.mu.Unlock()

	previousLength := len(storage.data.Records)
	storage.data.Records = append(storage.data.Records, prepared...)
	storage.data.TotalRecords = len(storage.data.Records)

	if err := storage.persistLocked("save_batch"); err != nil {
		storage.data.Records = storage.data.Records[:previousLength]
		storage.data.TotalRecords = previousLength
		return nil, err
	}

	storage.logger.Infof("saved batch of %d records, total records: %d", len(ids), storage.data.TotalRecords)
	return ids, nil
}

// ByCurrency returns records mentioning the code on either side of the pair,
// newest first, capped at limit.
func (storage *HistoryStorage) ByCurrency(code string, limit int) []Record {
	searchCode := currencies.Normalize(code)

	storage.ensureLoaded()
	storage.mu.Lock()
	defer storage.mu.Unlock()

	matches := []Record{}
	for _, record := range storage.data.Records {
		if record.FromCurrency == searchCode || record.ToCurrency == searchCode {
			matches = append(matches, record)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp > matches[j].Timestamp
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// ByPeriod returns records with start <= timestamp <= end in ascending order
func (storage *HistoryStorage) ByPeriod(start, end string) ([]Record, error) {
	startTime, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", start, err)
	}
	endTime, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", end, err)
	}
	if startTime.After(endTime) {
		return nil, fmt.Errorf("start date %s is after end date %s", start, end)
	}

	storage.ensureLoaded()
	storage.mu.Lock()
	defer storage.mu.Unlock()

	matches := []Record{}
	for _, record := range storage.data.Records {
		recordTime, err := time.Parse(time.RFC3339, record.Timestamp)
		if err != nil {
			continue
		}
		if recordTime.Before(startTime) || recordTime.After(endTime) {
			continue
		}
		matches = append(matches, record)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp < matches[j].Timestamp
	})
	return matches, nil
}

// TotalRecords returns the running record count
func (storage *HistoryStorage) TotalRecords() int {
	storage.ensureLoaded()
	storage.mu.Lock()
	defer storage.mu.Unlock()
	return storage.data.TotalRecords
}

// prepareRecord validates a record and stamps its deterministic ID
func prepareRecord(record Record) (Record, error) {
	record.FromCurrency = currencies.Normalize(record.FromCurrency)
	record.ToCurrency = currencies.Normalize(record.ToCurrency)
	record.Source = strings.TrimSpace(record.Source)

	if len(record.FromCurrency) < 2 || len(record.FromCurrency) > 5 {
		return record, fmt.Errorf("invalid from_currency: %q", record.FromCurrency)
	}
	if len(record.ToCurrency) < 2 || len(record.ToCurrency) > 5 {
		return record, fmt.Errorf("invalid to_currency: %q", record.ToCurrency)
	}
	if record.Rate <= 0 {
		return record, fmt.Errorf("invalid rate: %v", record.Rate)
	}
	if record.Source == "" {
		return record, fmt.Errorf("source must not be empty")
	}

	id, err := GenerateID(record.FromCurrency, record.ToCurrency, record.Timestamp)
	if err != nil {
		return record, err
	}
	record.ID = id
	return record, nil
}

func (storage *HistoryStorage) ensureLoaded() {
	storage.loadOnce.Do(func() {
		storage.mu.Lock()
		defer storage.mu.Unlock()
		storage.data = storage.loadFile()
	})
}

func (storage *HistoryStorage) loadFile() *historyFile {
	raw, err := os.ReadFile(storage.path)
	if err != nil {
		if !os.IsNotExist(err) {
			storage.logger.Errorf("failed to read history file, starting empty: %v", err)
		} else {
			storage.logger.Infof("history file does not exist, starting empty: %s", storage.path)
		}
		return storage.defaultFile()
	}

	var parsed historyFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		storage.logger.Errorf("failed to parse history file, starting empty: %v", err)
		return storage.defaultFile()
	}
	if parsed.Records == nil {
		storage.logger.Warn("history file is missing the records list, starting empty")
		return storage.defaultFile()
	}

	// Keep the counter consistent with the list regardless of what was on disk.
	parsed.TotalRecords = len(parsed.Records)
	storage.logger.Debugf("loaded %d history records", parsed.TotalRecords)
	return &parsed
}

func (storage *HistoryStorage) defaultFile() *historyFile {
	return &historyFile{
		Version:     dataVersion,
		LastUpdated: storage.now().UTC().Format(time.RFC3339),
		Records:     []Record{},
	}
}

// persistLocked flushes the in-memory state through the atomic write
// sequence. The caller holds the lock.
func (storage *HistoryStorage) persistLocked(op string) error {
	storage.data.Version = dataVersion
	storage.data.LastUpdated = storage.now().UTC().Format(time.RFC3339)

	raw, err := json.MarshalIndent(storage.data, "", "  ")
	if err != nil {
		return &StorageError{Op: op, Message: "failed to serialize history", Err: err}
	}

	verify := func(written []byte) error {
		var reparsed historyFile
		if err := json.Unmarshal(written, &reparsed); err != nil {
			return err
		}
		if reparsed.Records == nil {
			return fmt.Errorf("missing records list")
		}
		if reparsed.TotalRecords != len(reparsed.Records) {
			return fmt.Errorf("record counter out of sync")
		}
		return nil
	}

	if err := jsonfile.WriteAtomic(storage.path, raw, verify); err != nil {
		storage.logger.Errorf("atomic history write failed: %v", err)
		return &StorageError{Op: op, Message: "failed to persist history", Err: err}
	}
	return nil
}
