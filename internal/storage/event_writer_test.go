package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

func newTestWriter(cfg EventWriterConfig, insert func(context.Context, []eventRow) error) *EventWriter {
	w := &EventWriter{
		config: cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		buffer: make([]eventRow, 0, cfg.BatchSize),
	}
	w.insert = insert
	w.flushTimer = time.AfterFunc(time.Hour, func() {})
	return w
}

func testItem(id string) map[string]any {
	return map[string]any{
		"id":          id,
		"rid":         "0123456789abcdef0123456789abcdef",
		"source":      "prov.chan",
		"restriction": "need-to-know",
		"confidence":  "high",
		"category":    "bots",
		"time":        time.Date(2026, 5, 17, 10, 0, 0, 0, time.UTC),
		"ip":          "198.51.100.7",
		"asn":         int64(64500),
		"custom":      map[string]any{"description": "sinkhole hit"},
	}
}

func TestNewEventRow(t *testing.T) {
	row := newEventRow(testItem("ev-1"))

	if row.ID != "ev-1" || row.Source != "prov.chan" || row.Category != "bots" {
		t.Errorf("row identity fields = %+v", row)
	}
	if row.ASN != 64500 {
		t.Errorf("asn = %d, want 64500", row.ASN)
	}
	if row.Expires != nil {
		t.Errorf("expires = %v, want nil for events", row.Expires)
	}
	if row.Custom != `{"description":"sinkhole hit"}` {
		t.Errorf("custom = %q", row.Custom)
	}
}

func TestNewEventRowBlacklistExpires(t *testing.T) {
	item := testItem("bl-1")
	item["expires"] = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	row := newEventRow(item)

	if row.Expires == nil || !row.Expires.Equal(item["expires"].(time.Time)) {
		t.Errorf("expires = %v, want %v", row.Expires, item["expires"])
	}
}

func TestWriteFlushesFullBatch(t *testing.T) {
	var flushed [][]eventRow
	cfg := DefaultEventWriterConfig()
	cfg.BatchSize = 2
	w := newTestWriter(cfg, func(_ context.Context, rows []eventRow) error {
		flushed = append(flushed, rows)
		return nil
	})

	if err := w.Write(context.Background(), []map[string]any{testItem("a")}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(flushed) != 0 {
		t.Fatal("nothing should flush below the batch size")
	}

	if err := w.Write(context.Background(), []map[string]any{testItem("b")}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(flushed) != 1 || len(flushed[0]) != 2 {
		t.Fatalf("flushed = %v batches, want one batch of 2 rows", flushed)
	}
	if got := w.Metrics().Written; got != 2 {
		t.Errorf("written = %d, want 2", got)
	}
}

func TestWriteRetriesTransientErrors(t *testing.T) {
	attempts := 0
	cfg := DefaultEventWriterConfig()
	cfg.BatchSize = 1
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	w := newTestWriter(cfg, func(context.Context, []eventRow) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	if err := w.Write(context.Background(), []map[string]any{testItem("a")}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestFatalErrorStopsWriter(t *testing.T) {
	diskFull := &clickhouse.Exception{Code: chCodeNotEnoughSpace, Message: "no space left on device"}
	attempts := 0
	cfg := DefaultEventWriterConfig()
	cfg.BatchSize = 1
	cfg.MaxRetries = 3
	cfg.RetryDelay = time.Millisecond
	w := newTestWriter(cfg, func(context.Context, []eventRow) error {
		attempts++
		return diskFull
	})

	err := w.Write(context.Background(), []map[string]any{testItem("a")})
	if !IsFatal(err) {
		t.Fatalf("Write() error = %v, want fatal", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries on fatal conditions)", attempts)
	}

	// The writer refuses further work once storage is unusable.
	if err := w.Write(context.Background(), []map[string]any{testItem("b")}); !IsFatal(err) {
		t.Errorf("second Write() error = %v, want fatal", err)
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	var flushed int
	cfg := DefaultEventWriterConfig()
	cfg.BatchSize = 100
	w := newTestWriter(cfg, func(_ context.Context, rows []eventRow) error {
		flushed += len(rows)
		return nil
	})

	if err := w.Write(context.Background(), []map[string]any{testItem("a"), testItem("b")}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if flushed != 2 {
		t.Errorf("flushed = %d rows, want 2", flushed)
	}
	if err := w.Write(context.Background(), nil); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write() after Close error = %v, want ErrWriterClosed", err)
	}
}
