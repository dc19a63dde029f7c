package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer publishes per-recipient event copies to the events topic.
// The routing key becomes the message key, so all copies of an event
// for the same (resource, category, source) land on one partition.
type Producer struct {
	writer     *kafka.Writer
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// NewProducer creates a producer for the configured events topic.
func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	transport := &kafka.Transport{
		Dial:        dialer.DialFunc,
		DialTimeout: cfg.DialTimeout,
		TLS:         dialer.TLS,
		SASL:        dialer.SASLMechanism,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.EventsTopic,
		Balancer:     &kafka.Hash{},
		Compression:  cfg.GetCompression(),
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		BatchTimeout: cfg.ProducerBatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Transport:    transport,
	}

	return &Producer{
		writer:     writer,
		maxRetries: cfg.ProducerMaxRetries,
		backoff:    cfg.ProducerRetryBackoff,
		logger:     logger,
	}, nil
}

// Publish sends one message keyed by the routing key, with the given
// headers attached. Transient broker errors are retried with
// exponential backoff before the error is surfaced.
func (p *Producer) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error {
	msg := kafka.Message{
		Key:     []byte(routingKey),
		Value:   body,
		Headers: toKafkaHeaders(headers),
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Warn("retrying publish",
				"routing_key", routingKey,
				"attempt", attempt,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("kafka: publish with key %q failed after %d attempts: %w",
		routingKey, p.maxRetries+1, lastErr)
}

// Close flushes pending messages and releases the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// toKafkaHeaders converts a header map to wire headers in a stable
// order.
func toKafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}
