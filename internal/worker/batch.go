package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"flippercloud/internal/httpclient"
	"flippercloud/internal/instrument"
	"flippercloud/internal/logger"
	"flippercloud/internal/metrics"
	"flippercloud/internal/models"
	"flippercloud/internal/retry"
	"flippercloud/internal/tracing"
)

// EventsPath is where batches are posted
const EventsPath = "/events"

// RequestContext tags errors swallowed while flushing a batch
const RequestContext = "cloud-request-perform"

// ResponseError is returned for a response status worth retrying
type ResponseError struct {
	Status int
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("request resulted in response with %d http status", e.Status)
}

// Retryable reports whether a response status should be retried. Only
// server errors are; anything else counts as a completed delivery attempt.
func Retryable(status int) bool {
	return status >= 500 && status <= 599
}

// BatchConfig holds batch configuration
type BatchConfig struct {
	Poster       httpclient.Poster
	Limit        int
	Retry        *retry.Strategy
	Instrumenter instrument.Instrumenter
}

// Batch accumulates events and delivers them in one request. It is not safe
// for concurrent use; the producer's worker goroutine owns it.
type Batch struct {
	poster       httpclient.Poster
	limit        int
	retry        *retry.Strategy
	instrumenter instrument.Instrumenter
	stats        *counters
	log          zerolog.Logger

	events []models.Event
}

// NewBatch creates an empty batch
func NewBatch(cfg BatchConfig) *Batch {
	return newBatch(cfg, &counters{})
}

func newBatch(cfg BatchConfig, stats *counters) *Batch {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultBatchSize
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.New()
	}
	return &Batch{
		poster:       cfg.Poster,
		limit:        cfg.Limit,
		retry:        cfg.Retry,
		instrumenter: instrument.OrNoop(cfg.Instrumenter),
		stats:        stats,
		log:          logger.WithComponent("batch"),
		events:       make([]models.Event, 0, cfg.Limit),
	}
}

// Len returns the number of buffered events
func (b *Batch) Len() int { return len(b.events) }

// Append buffers event and flushes when the batch is full
func (b *Batch) Append(ctx context.Context, event models.Event) {
	b.events = append(b.events, event)
	if len(b.events) >= b.limit {
		b.Flush(ctx)
	}
}

// Flush delivers the buffered events. Failures are reported through the
// instrumenter and never returned. The batch is empty afterwards whatever
// the outcome.
func (b *Batch) Flush(ctx context.Context) {
	if len(b.events) == 0 {
		return
	}

	defer b.reset()
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("batch").Inc()
			b.fail(ctx, fmt.Errorf("panic during flush: %v", r))
		}
	}()

	requestID := newRequestID()
	size := len(b.events)

	ctx, span := tracing.StartSpan(ctx, "cloud.flush",
		attribute.String("request_id", requestID),
		attribute.Int("batch_size", size),
	)
	defer span.End()

	metrics.BatchSize.Observe(float64(size))

	body, err := models.EncodeBatch(b.events)
	if err != nil {
		b.fail(ctx, fmt.Errorf("encode batch: %w", err))
		return
	}

	headers := map[string]string{httpclient.HeaderRequestID: requestID}
	tracing.InjectHeaders(ctx, headers)

	var (
		attempts  int
		status    int
		delivered bool
	)
	err = b.retry.Call(ctx, func() error {
		attempts++
		start := time.Now()
		code, postErr := b.poster.Post(ctx, EventsPath, body, headers)
		metrics.RequestDuration.WithLabelValues(strconv.Itoa(code)).Observe(time.Since(start).Seconds())

		if postErr != nil {
			metrics.RetriesTotal.WithLabelValues(classifyReason(postErr)).Inc()
			return postErr
		}

		status = code
		if Retryable(code) {
			metrics.RetriesTotal.WithLabelValues("http_5xx").Inc()
			return &ResponseError{Status: code}
		}

		delivered = true
		return nil
	})

	span.SetAttributes(
		attribute.Int("attempts", attempts),
		attribute.Int("http.status_code", status),
	)

	if err != nil {
		b.fail(ctx, err)
		return
	}

	if !delivered {
		// retries exhausted and swallowed by the strategy
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		b.stats.failed.Add(uint64(size))
		b.log.Warn().
			Str("request_id", requestID).
			Int("batch_size", size).
			Int("attempts", attempts).
			Msg("batch dropped after retries")
		return
	}

	metrics.BatchesTotal.WithLabelValues("delivered").Inc()
	b.stats.delivered.Add(uint64(size))
	b.log.Debug().
		Str("request_id", requestID).
		Int("batch_size", size).
		Int("status", status).
		Int("attempts", attempts).
		Msg("batch delivered")
}

func (b *Batch) fail(ctx context.Context, err error) {
	tracing.SetSpanError(ctx, err)
	metrics.BatchesTotal.WithLabelValues("error").Inc()
	b.stats.failed.Add(uint64(len(b.events)))
	b.log.Error().
		Err(err).
		Int("batch_size", len(b.events)).
		Msg("batch flush failed")
	instrument.ReportException(b.instrumenter, err, RequestContext)
}

func (b *Batch) reset() {
	b.events = make([]models.Event, 0, b.limit)
}

// newRequestID returns 32 hex characters, unique per flush
func newRequestID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}

// classifyReason buckets transport errors for the retries metric
func classifyReason(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host"):
		return "dns_error"
	default:
		return "network"
	}
}
