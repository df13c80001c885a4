package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Record is one keyed message.
type Record struct {
	Key   []byte
	Value []byte
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes records to the configured topic. Each call makes a
// single delivery attempt; callers own retry policy.
type Producer struct {
	writer messageWriter
	config Config
	logger *slog.Logger
	closed atomic.Bool

	produced atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
}

// NewProducer creates a Kafka producer.
func NewProducer(config Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport, err := config.transport()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: config.BatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.Compression(),
		Transport:    transport,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"compression", config.CompressionType,
	)
	return newProducer(writer, config, logger), nil
}

func newProducer(w messageWriter, config Config, logger *slog.Logger) *Producer {
	return &Producer{writer: w, config: config, logger: logger}
}

// Topic returns the destination topic.
func (p *Producer) Topic() string { return p.config.Topic }

// ProduceBatch writes records in one batch.
func (p *Producer) ProduceBatch(ctx context.Context, records []Record) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(records) == 0 {
		return nil
	}

	now := time.Now()
	msgs := make([]kafka.Message, len(records))
	var size int64
	for i, r := range records {
		msgs[i] = kafka.Message{Key: r.Key, Value: r.Value, Time: now}
		size += int64(len(r.Key) + len(r.Value))
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.errors.Add(1)
		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
		return fmt.Errorf("kafka: produce failed: %w", err)
	}

	p.produced.Add(int64(len(records)))
	p.bytes.Add(size)
	p.logger.Debug("produced messages", "count", len(records), "topic", p.config.Topic)
	return nil
}

// Metrics holds producer counters.
type Metrics struct {
	MessagesProduced int64 `json:"messages_produced"`
	BytesProduced    int64 `json:"bytes_produced"`
	Errors           int64 `json:"errors"`
}

// GetMetrics returns current producer metrics.
func (p *Producer) GetMetrics() Metrics {
	return Metrics{
		MessagesProduced: p.produced.Load(),
		BytesProduced:    p.bytes.Load(),
		Errors:           p.errors.Load(),
	}
}

// Close flushes buffered messages and closes the producer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka producer", "messages_produced", p.produced.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

// IsNonRetryable reports whether err will not be fixed by retrying.
func IsNonRetryable(err error) bool { return isNonRetryableError(err) }

func isNonRetryableError(err error) bool {
	for _, target := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
		kafka.SASLAuthenticationFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
