package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"flippercloud/internal/config"
	"flippercloud/internal/logger"
	"flippercloud/internal/metrics"
	"flippercloud/internal/models"
)

// Producer errors
var (
	ErrProducerClosed = errors.New("producer is closed")
	ErrNoBrokers      = errors.New("at least one broker is required")
	ErrNoTopic        = errors.New("topic is required")
)

// Writer is the subset of kafka.Writer the producer uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes collector envelopes to Kafka through a pool of writers
type Producer struct {
	cfg     config.ProducerTuning
	topic   string
	writers []Writer
	pool    chan Writer
	closed  atomic.Bool

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// ProducerOption is a functional option for configuring the producer
type ProducerOption func(*Producer)

// WithWriters replaces the pool with the given writers
func WithWriters(writers ...Writer) ProducerOption {
	return func(p *Producer) {
		p.writers = writers
		p.pool = make(chan Writer, len(writers))
		for _, w := range writers {
			p.pool <- w
		}
	}
}

// NewProducer creates a new Kafka producer with the given configuration
func NewProducer(brokers []string, topic string, cfg config.ProducerTuning, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if topic == "" {
		return nil, ErrNoTopic
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	p := &Producer{
		cfg:   cfg,
		topic: topic,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.writers == nil {
		codec := getCompression(cfg.Compression)
		p.writers = make([]Writer, cfg.PoolSize)
		p.pool = make(chan Writer, cfg.PoolSize)
		for i := 0; i < cfg.PoolSize; i++ {
			writer := &kafka.Writer{
				Addr:         kafka.TCP(brokers...),
				Topic:        topic,
				Balancer:     &kafka.Hash{}, // partition by feature
				BatchSize:    cfg.BatchSize,
				BatchTimeout: cfg.BatchTimeout,
				WriteTimeout: cfg.WriteTimeout,
				RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
				Compression:  codec,
				MaxAttempts:  cfg.MaxRetries + 1,
			}
			p.writers[i] = writer
			p.pool <- writer
		}
	}

	return p, nil
}

func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// message converts an envelope to a Kafka message
func message(envelope *models.Envelope) (kafka.Message, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize envelope: %w", err)
	}
	feature, _ := envelope.Event.Dimension(models.DimensionFeature)
	return kafka.Message{
		Key:   []byte(envelope.PartitionKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(envelope.Event.Type())},
			{Key: "feature", Value: []byte(feature)},
			{Key: "request_id", Value: []byte(envelope.RequestID)},
			{Key: "ingest_node", Value: []byte(envelope.IngestNode)},
		},
		Time: envelope.ReceivedAt,
	}, nil
}

// Publish sends a single envelope
func (p *Producer) Publish(ctx context.Context, envelope *models.Envelope) error {
	return p.PublishBatch(ctx, []*models.Envelope{envelope})
}

// PublishBatch sends envelopes in one write. Envelopes that cannot be
// serialized are logged and skipped.
func (p *Producer) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(envelopes) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	start := time.Now()

	messages := make([]kafka.Message, 0, len(envelopes))
	for _, envelope := range envelopes {
		msg, err := message(envelope)
		if err != nil {
			log.Error().
				Err(err).
				Str("request_id", envelope.RequestID).
				Msg("failed to serialize envelope")
			p.messagesFailed.Add(1)
			metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
			continue
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return nil
	}

	var writer Writer
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(uint64(len(messages)))
		return ctx.Err()
	}

	err := p.publishWithRetry(ctx, writer, messages)
	duration := time.Since(start)

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(messages)).
			Dur("duration", duration).
			Msg("failed to publish batch to kafka")
		p.messagesFailed.Add(uint64(len(messages)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return err
	}

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", duration).
		Msg("batch published to kafka")

	var bytesTotal uint64
	for _, msg := range messages {
		bytesTotal += uint64(len(msg.Value))
	}
	p.messagesSent.Add(uint64(len(messages)))
	p.bytesWritten.Add(bytesTotal)
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))
	metrics.KafkaBytesWritten.Add(float64(bytesTotal))

	return nil
}

// publishWithRetry writes messages with exponential backoff
func (p *Producer) publishWithRetry(ctx context.Context, writer Writer, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(messages)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("batch_size", len(messages)).
			Msg("kafka publish attempt failed")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HealthCheck reports whether the producer can still publish
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	return ctx.Err()
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64
	MessagesFailed uint64
	BytesWritten   uint64
}
