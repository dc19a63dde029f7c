package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ArchiverConfig configures raw-submission batching.
type ArchiverConfig struct {
	// BatchSize is the number of submissions per archive object.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is how often incomplete batches are uploaded.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultArchiverConfig returns the default archiver configuration.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		BatchSize:     5000,
		FlushInterval: 5 * time.Minute,
	}
}

// uploader is the S3 surface the archiver needs; satisfied by *Client.
type uploader interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
}

// Archiver batches raw collector submissions and uploads them gzipped,
// newline-delimited, one object per batch. Archival is best effort:
// upload failures are logged, never propagated into event processing.
type Archiver struct {
	client uploader
	config ArchiverConfig
	logger *slog.Logger

	mu      sync.Mutex
	buf     bytes.Buffer
	gz      *gzip.Writer
	count   int
	started time.Time

	flushTimer *time.Timer
	closed     bool
}

// NewArchiver creates an Archiver and starts its flush timer.
func NewArchiver(client uploader, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archiver{
		client: client,
		config: cfg,
		logger: logger,
	}
	a.gz = gzip.NewWriter(&a.buf)
	a.flushTimer = time.AfterFunc(cfg.FlushInterval, a.timerFlush)
	return a
}

// Archive appends one raw submission to the current batch.
func (a *Archiver) Archive(ctx context.Context, raw []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if a.count == 0 {
		a.started = time.Now().UTC()
	}

	a.gz.Write(raw)
	a.gz.Write([]byte("\n"))
	a.count++

	if a.count >= a.config.BatchSize {
		a.uploadLocked(ctx)
	}
}

func (a *Archiver) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if a.count > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		a.uploadLocked(ctx)
		cancel()
	}
	a.flushTimer.Reset(a.config.FlushInterval)
}

// uploadLocked closes out the current batch and uploads it. Caller must
// hold the lock.
func (a *Archiver) uploadLocked(ctx context.Context) {
	if err := a.gz.Close(); err != nil {
		a.logger.Error("archive compression failed", "error", err)
		a.resetLocked()
		return
	}

	key := archiveKey(a.started, a.count)
	body := make([]byte, a.buf.Len())
	copy(body, a.buf.Bytes())
	count := a.count
	a.resetLocked()

	if err := a.client.Put(ctx, key, "application/gzip", body); err != nil {
		a.logger.Error("raw archive upload failed",
			"key", key,
			"submissions", count,
			"error", err,
		)
		return
	}
	a.logger.Debug("raw archive uploaded", "key", key, "submissions", count)
}

func (a *Archiver) resetLocked() {
	a.buf.Reset()
	a.gz = gzip.NewWriter(&a.buf)
	a.count = 0
}

// Close uploads any buffered submissions and stops the timer.
func (a *Archiver) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.flushTimer.Stop()
	if a.count > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		a.uploadLocked(ctx)
		cancel()
	}
	a.closed = true
}

// archiveKey builds a date-partitioned object key:
// "2026/05/17/20260517T100000Z-5000-<uuid>.ndjson.gz".
func archiveKey(start time.Time, count int) string {
	return fmt.Sprintf("%s/%s-%d-%s.ndjson.gz",
		start.Format("2006/01/02"),
		start.Format("20060102T150405Z"),
		count,
		uuid.NewString(),
	)
}
