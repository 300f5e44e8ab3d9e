package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/valutatrade/parser-service/internal/testutils"
)

func newTestStorage(t *testing.T) *HistoryStorage {
	t.Helper()

	storage, err := New(filepath.Join(t.TempDir(), "exchange_rates.json"), testutils.MockLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return storage
}

func observation(pair string, rate float64, timestamp string) Record {
	from, to := pair[:3], pair[4:]
	return Record{
		FromCurrency: from,
		ToCurrency:   to,
		Rate:         rate,
		Timestamp:    timestamp,
		Source:       "CoinGecko",
		Meta: Meta{
			RawID:      "req-1",
			RequestMS:  120,
			StatusCode: 200,
		},
	}
}

func TestGenerateID(t *testing.T) {
	cases := []struct {
		name      string
		from      string
		to        string
		timestamp string
		want      string
		wantErr   bool
	}{
		{"crypto pair", "BTC", "USD", "2025-10-10T12:00:00Z", "BTCUSD_20251010T120000Z", false},
		{"lowercase input normalized", "eth", "usd", "2025-10-10T12:00:00Z", "ETHUSD_20251010T120000Z", false},
		{"offset converted to utc", "EUR", "USD", "2025-10-10T15:00:00+03:00", "EURUSD_20251010T120000Z", false},
		{"unparsable timestamp", "BTC", "USD", "yesterday", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := GenerateID(tc.from, tc.to, tc.timestamp)
			if tc.wantErr {
				if err == nil {
					t.Errorf("GenerateID(%q) error = nil, want error", tc.timestamp)
				}
				return
			}
			if err != nil {
				t.Fatalf("GenerateID() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("GenerateID() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSaveRecord(t *testing.T) {
	storage := newTestStorage(t)

	id, err := storage.SaveRecord(observation("BTC_USD", 59337.21, "2025-10-10T12:00:00Z"))
	if err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}
	if id != "BTCUSD_20251010T120000Z" {
		t.Errorf("SaveRecord() id = %q, want %q", id, "BTCUSD_20251010T120000Z")
	}
	if storage.TotalRecords() != 1 {
		t.Errorf("TotalRecords() = %d, want 1", storage.TotalRecords())
	}

	// Same logical observation maps to the same ID; duplicates still append.
	again, err := storage.SaveRecord(observation("BTC_USD", 59337.21, "2025-10-10T12:00:00Z"))
	if err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}
	if again != id {
		t.Errorf("SaveRecord() repeated id = %q, want %q", again, id)
	}
	if storage.TotalRecords() != 2 {
		t.Errorf("TotalRecords() = %d, want 2 after duplicate append", storage.TotalRecords())
	}
}

func TestSaveRecordValidation(t *testing.T) {
	storage := newTestStorage(t)

	cases := []struct {
		name   string
		mutate func(*Record)
	}{
		{"zero rate", func(r *Record) { r.Rate = 0 }},
		{"negative rate", func(r *Record) { r.Rate = -1 }},
		{"short currency code", func(r *Record) { r.FromCurrency = "B" }},
		{"long currency code", func(r *Record) { r.ToCurrency = "DOLLARS" }},
		{"empty source", func(r *Record) { r.Source = "  " }},
		{"unparsable timestamp", func(r *Record) { r.Timestamp = "not-a-time" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			record := observation("BTC_USD", 59337.21, "2025-10-10T12:00:00Z")
			tc.mutate(&record)
			if _, err := storage.SaveRecord(record); err == nil {
				t.Error("SaveRecord() error = nil, want validation error")
			}
		})
	}

	if storage.TotalRecords() != 0 {
		t.Errorf("TotalRecords() = %d after rejected saves, want 0", storage.TotalRecords())
	}
}

func TestSaveBatchAllOrNothing(t *testing.T) {
	storage := newTestStorage(t)

	valid := []Record{
		observation("BTC_USD", 59337.21, "2025-10-10T12:00:00Z"),
		observation("ETH_USD", 2604.85, "2025-10-10T12:00:00Z"),
	}
	ids, err := storage.SaveBatch(valid)
	if err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("SaveBatch() returned %d ids, want 2", len(ids))
	}

	// One invalid record rejects the whole batch; nothing is appended.
	broken := []Record{
		observation("SOL_USD", 144.5, "2025-10-10T12:05:00Z"),
		observation("BTC_USD", -1, "2025-10-10T12:05:00Z"),
	}
	if _, err := storage.SaveBatch(broken); err == nil {
		t.Error("SaveBatch() error = nil for a batch with an invalid record, want error")
	}
	if storage.TotalRecords() != 2 {
		t.Errorf("TotalRecords() = %d after rejected batch, want 2", storage.TotalRecords())
	}
}

func TestSaveBatchEmpty(t *testing.T) {
	storage := newTestStorage(t)

	ids, err := storage.SaveBatch(nil)
	if err != nil {
		t.Fatalf("SaveBatch(nil) error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("SaveBatch(nil) returned %d ids, want 0", len(ids))
	}
}

func TestByCurrency(t *testing.T) {
	storage := newTestStorage(t)

	records := []Record{
		observation("BTC_USD", 59000, "2025-10-10T10:00:00Z"),
		observation("BTC_USD", 59500, "2025-10-10T11:00:00Z"),
		observation("EUR_USD", 1.05, "2025-10-10T12:00:00Z"),
		observation("ETH_USD", 2600, "2025-10-10T13:00:00Z"),
	}
	if _, err := storage.SaveBatch(records); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	// Matches either side of the pair, newest first.
	matches := storage.ByCurrency("btc", 10)
	if len(matches) != 2 {
		t.Fatalf("ByCurrency(btc) returned %d records, want 2", len(matches))
	}
	if matches[0].Timestamp != "2025-10-10T11:00:00Z" {
		t.Errorf("ByCurrency() first record timestamp = %q, want newest first", matches[0].Timestamp)
	}

	// USD appears on the quote side of every record.
	if usdMatches := storage.ByCurrency("USD", 0); len(usdMatches) != 4 {
		t.Errorf("ByCurrency(USD) returned %d records, want 4", len(usdMatches))
	}

	// Limit caps the result.
	if limited := storage.ByCurrency("USD", 3); len(limited) != 3 {
		t.Errorf("ByCurrency(USD, 3) returned %d records, want 3", len(limited))
	}

	if none := storage.ByCurrency("JPY", 10); len(none) != 0 {
		t.Errorf("ByCurrency(JPY) returned %d records, want 0", len(none))
	}
}

func TestByPeriod(t *testing.T) {
	storage := newTestStorage(t)

	records := []Record{
		observation("BTC_USD", 59000, "2025-10-10T10:00:00Z"),
		observation("BTC_USD", 59500, "2025-10-10T12:00:00Z"),
		observation("BTC_USD", 60000, "2025-10-10T14:00:00Z"),
	}
	if _, err := storage.SaveBatch(records); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	// Window bounds are inclusive; results come back ascending.
	matches, err := storage.ByPeriod("2025-10-10T10:00:00Z", "2025-10-10T12:00:00Z")
	if err != nil {
		t.Fatalf("ByPeriod() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("ByPeriod() returned %d records, want 2", len(matches))
	}
	if matches[0].Rate != 59000 || matches[1].Rate != 59500 {
		t.Errorf("ByPeriod() order = [%v, %v], want ascending", matches[0].Rate, matches[1].Rate)
	}

	if _, err := storage.ByPeriod("garbage", "2025-10-10T12:00:00Z"); err == nil {
		t.Error("ByPeriod() error = nil for unparsable start, want error")
	}
	if _, err := storage.ByPeriod("2025-10-10T14:00:00Z", "2025-10-10T10:00:00Z"); err == nil {
		t.Error("ByPeriod() error = nil for inverted window, want error")
	}
}

func TestLoadFailOpenAndCounterResync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exchange_rates.json")

	// A counter that disagrees with the list is resynced on load.
	seeded := `{
  "version": "1.0",
  "last_updated": "2025-10-10T12:00:00Z",
  "total_records": 99,
  "records": [
    {
      "id": "BTCUSD_20251010T120000Z",
      "from_currency": "BTC",
      "to_currency": "USD",
      "rate": 59337.21,
      "timestamp": "2025-10-10T12:00:00Z",
      "source": "CoinGecko",
      "meta": {"raw_id": "req-1", "request_ms": 120, "status_code": 200}
    }
  ]
}`
	if err := os.WriteFile(path, []byte(seeded), 0o644); err != nil {
		t.Fatalf("failed to seed history file: %v", err)
	}

	storage, err := New(path, testutils.MockLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if storage.TotalRecords() != 1 {
		t.Errorf("TotalRecords() = %d, want counter resynced to 1", storage.TotalRecords())
	}

	// A corrupt file starts empty instead of failing.
	corruptPath := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corruptPath, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("failed to seed corrupt file: %v", err)
	}
	corrupt, err := New(corruptPath, testutils.MockLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if corrupt.TotalRecords() != 0 {
		t.Errorf("TotalRecords() = %d after corrupt load, want 0", corrupt.TotalRecords())
	}
}

func TestPersistedHistoryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchange_rates.json")
	logger := testutils.MockLogger()

	first, err := New(path, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := first.SaveRecord(observation("BTC_USD", 59337.21, "2025-10-10T12:00:00Z")); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}

	second, err := New(path, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	records := second.ByCurrency("BTC", 10)
	if len(records) != 1 {
		t.Fatalf("reloaded storage has %d BTC records, want 1", len(records))
	}
	if records[0].Meta.RequestMS != 120 || records[0].Meta.StatusCode != 200 {
		t.Errorf("reloaded meta = %+v, want request diagnostics preserved", records[0].Meta)
	}
}
