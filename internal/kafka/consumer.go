package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// Message is one raw collector submission pulled from the intake topic.
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
}

// Consumer reads raw collector submissions from the intake topic as part
// of a consumer group. Offsets are committed explicitly after the
// pipeline has finished with a message.
type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger

	// last holds the raw message behind the most recent Fetch so Commit
	// can acknowledge it. The pipeline keeps a single message in flight.
	last kafka.Message
}

// NewConsumer creates an intake consumer.
func NewConsumer(cfg *Config, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.IntakeTopic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: cfg.ConsumerMinBytes,
		MaxBytes: cfg.ConsumerMaxBytes,
		MaxWait:  cfg.ConsumerMaxWait,
		Dialer:   dialer,
	})

	return &Consumer{reader: reader, logger: logger}, nil
}

// Fetch blocks until the next submission is available or the context is
// canceled. The message is not committed until Commit is called.
func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("kafka: fetch from intake topic: %w", err)
	}
	c.last = msg
	return Message{
		Key:       msg.Key,
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}, nil
}

// Commit acknowledges the message returned by the last Fetch.
func (c *Consumer) Commit(ctx context.Context) error {
	if err := c.reader.CommitMessages(ctx, c.last); err != nil {
		return fmt.Errorf("kafka: commit offset %d: %w", c.last.Offset, err)
	}
	return nil
}

// Close shuts the reader down and leaves the consumer group.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
