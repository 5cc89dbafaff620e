package collector

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"flippercloud/internal/logger"
	"flippercloud/internal/models"
)

// LogSink writes envelopes to the structured log
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink backed by the global logger
func NewLogSink() *LogSink {
	return &LogSink{log: logger.WithComponent("sink")}
}

func (s *LogSink) Publish(_ context.Context, envelope *models.Envelope) error {
	s.log.Info().
		Str("type", envelope.Event.Type()).
		Interface("dimensions", envelope.Event.Dimensions()).
		Int64("timestamp", envelope.Event.Timestamp()).
		Str("request_id", envelope.RequestID).
		Str("partition_key", envelope.PartitionKey).
		Msg("event")
	return nil
}

func (s *LogSink) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	for _, envelope := range envelopes {
		if err := s.Publish(ctx, envelope); err != nil {
			return err
		}
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// MemorySink keeps envelopes in memory
type MemorySink struct {
	mu        sync.Mutex
	envelopes []*models.Envelope
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Publish(_ context.Context, envelope *models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, envelope)
	return nil
}

func (s *MemorySink) PublishBatch(_ context.Context, envelopes []*models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, envelopes...)
	return nil
}

// Envelopes returns a copy of everything published so far
func (s *MemorySink) Envelopes() []*models.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Envelope, len(s.envelopes))
	copy(out, s.envelopes)
	return out
}

func (s *MemorySink) Close() error { return nil }
