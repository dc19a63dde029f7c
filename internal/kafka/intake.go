package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// IntakeProducer publishes raw collector submissions onto the intake
// topic. It sits between the DTLS intake server and the pipeline
// consumer.
type IntakeProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewIntakeProducer creates a producer for the configured intake topic.
func NewIntakeProducer(cfg *Config, logger *slog.Logger) (*IntakeProducer, error) {
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
		Topic:        cfg.IntakeTopic,
		Balancer:     &kafka.LeastBytes{},
		Compression:  cfg.GetCompression(),
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		BatchTimeout: cfg.ProducerBatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Transport:    transport,
	}

	return &IntakeProducer{writer: writer, logger: logger}, nil
}

// Forward publishes one raw submission.
func (p *IntakeProducer) Forward(ctx context.Context, payload []byte) error {
	if err := p.writer.WriteMessages(ctx, kafka.Message{Value: payload}); err != nil {
		return fmt.Errorf("kafka: forward submission: %w", err)
	}
	return nil
}

// Close flushes pending messages and releases the writer.
func (p *IntakeProducer) Close() error {
	return p.writer.Close()
}
