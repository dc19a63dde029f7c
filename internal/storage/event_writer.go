package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventWriterConfig holds configuration for the event writer.
type EventWriterConfig struct {
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultEventWriterConfig returns the default event writer
// configuration.
func DefaultEventWriterConfig() EventWriterConfig {
	return EventWriterConfig{
		Table:         "events",
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// eventRow is one storage item flattened onto the events table columns.
// A record with multiple addresses produces one row per address.
type eventRow struct {
	ID          string
	RID         string
	Source      string
	Restriction string
	Confidence  string
	Category    string
	Time        time.Time
	Expires     *time.Time
	Name        string
	FQDN        string
	URL         string
	IP          string
	CC          string
	ASN         uint32
	RDNS        string
	Origin      string
	Proto       string
	Custom      string
}

// newEventRow maps a storage item onto table columns. Custom keys
// arrive nested under "custom" and are kept as a JSON column.
func newEventRow(item map[string]any) eventRow {
	row := eventRow{
		ID:          stringAt(item, "id"),
		RID:         stringAt(item, "rid"),
		Source:      stringAt(item, "source"),
		Restriction: stringAt(item, "restriction"),
		Confidence:  stringAt(item, "confidence"),
		Category:    stringAt(item, "category"),
		Time:        timeAt(item, "time"),
		Name:        stringAt(item, "name"),
		FQDN:        stringAt(item, "fqdn"),
		URL:         stringAt(item, "url"),
		IP:          stringAt(item, "ip"),
		CC:          stringAt(item, "cc"),
		ASN:         uint32At(item, "asn"),
		RDNS:        stringAt(item, "rdns"),
		Origin:      stringAt(item, "origin"),
		Proto:       stringAt(item, "proto"),
	}
	if t := timeAt(item, "expires"); !t.IsZero() {
		row.Expires = &t
	}
	if custom, ok := item["custom"]; ok {
		if encoded, err := json.Marshal(custom); err == nil {
			row.Custom = string(encoded)
		}
	}
	return row
}

func stringAt(item map[string]any, key string) string {
	if s, ok := item[key].(string); ok {
		return s
	}
	return ""
}

func timeAt(item map[string]any, key string) time.Time {
	if t, ok := item[key].(time.Time); ok {
		return t
	}
	return time.Time{}
}

func uint32At(item map[string]any, key string) uint32 {
	switch v := item[key].(type) {
	case int:
		if v >= 0 {
			return uint32(v)
		}
	case int64:
		if v >= 0 {
			return uint32(v)
		}
	case uint32:
		return v
	case float64:
		if v >= 0 {
			return uint32(v)
		}
	}
	return 0
}

// EventWriter handles batched inserts of storage items to ClickHouse.
type EventWriter struct {
	client *ClickHouseClient
	config EventWriterConfig
	logger *slog.Logger

	// insert is swapped in tests.
	insert func(ctx context.Context, rows []eventRow) error

	buffer []eventRow
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool
	fatalErr   error

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewEventWriter creates an EventWriter and starts its flush timer.
func NewEventWriter(client *ClickHouseClient, cfg EventWriterConfig, logger *slog.Logger) *EventWriter {
	if logger == nil {
		logger = slog.Default()
	}
	w := &EventWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]eventRow, 0, cfg.BatchSize),
	}
	w.insert = w.insertBatch
	w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)
	return w
}

// Write adds the storage items of one record to the batch. A full
// buffer is flushed synchronously. A fatal storage condition observed
// by any earlier flush is surfaced here so the pipeline stops
// consuming.
func (w *EventWriter) Write(ctx context.Context, items []map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if w.fatalErr != nil {
		return w.fatalErr
	}

	for _, item := range items {
		w.buffer = append(w.buffer, newEventRow(item))
	}

	if len(w.buffer) >= w.config.BatchSize {
		return w.flushLocked(ctx)
	}
	return nil
}

func (w *EventWriter) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if len(w.buffer) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := w.flushLocked(ctx); err != nil {
			w.logger.Error("timed flush failed", "error", err)
		}
		cancel()
	}
	w.flushTimer.Reset(w.config.FlushInterval)
}

// flushLocked flushes the buffer with retries. Caller must hold the
// lock.
func (w *EventWriter) flushLocked(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}

	rows := w.buffer
	w.buffer = make([]eventRow, 0, w.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(w.config.RetryDelay * time.Duration(attempt)):
			}
			if ctx.Err() != nil {
				break
			}
		}

		if err := w.insert(ctx, rows); err != nil {
			lastErr = err
			if isFatalCause(err) {
				break
			}
			w.logger.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", w.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&w.totalWritten, uint64(len(rows)))
		atomic.AddUint64(&w.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&w.totalFailed, uint64(len(rows)))
	err := WrapInsertError("Flush", w.config.Table, lastErr, w.config.MaxRetries)
	if IsFatal(err) {
		w.fatalErr = err
	}
	return err
}

func (w *EventWriter) insertBatch(ctx context.Context, rows []eventRow) error {
	batch, err := w.client.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			id, rid, source, restriction, confidence, category,
			time, expires, name, fqdn, url,
			ip, cc, asn, rdns, origin, proto, custom
		)
	`, w.config.Table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, row := range rows {
		err := batch.Append(
			row.ID,
			row.RID,
			row.Source,
			row.Restriction,
			row.Confidence,
			row.Category,
			row.Time,
			row.Expires,
			row.Name,
			row.FQDN,
			row.URL,
			row.IP,
			row.CC,
			row.ASN,
			row.RDNS,
			row.Origin,
			row.Proto,
			row.Custom,
		)
		if err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	w.logger.Debug("batch inserted", "rows", len(rows))
	return nil
}

// Flush forces a flush of the current buffer.
func (w *EventWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// Close stops the flush timer and flushes what remains.
func (w *EventWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.flushTimer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// Metrics returns writer statistics.
func (w *EventWriter) Metrics() EventWriterMetrics {
	w.mu.Lock()
	pending := len(w.buffer)
	w.mu.Unlock()
	return EventWriterMetrics{
		Written: atomic.LoadUint64(&w.totalWritten),
		Failed:  atomic.LoadUint64(&w.totalFailed),
		Batches: atomic.LoadUint64(&w.batchCount),
		Pending: pending,
	}
}

// EventWriterMetrics holds event writer statistics.
type EventWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
