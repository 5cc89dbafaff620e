package collector

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"flippercloud/internal/logger"
	"flippercloud/internal/metrics"
	"flippercloud/internal/models"
)

// Sink receives envelopes accepted by the collector
type Sink interface {
	Publish(ctx context.Context, envelope *models.Envelope) error
	PublishBatch(ctx context.Context, envelopes []*models.Envelope) error
	Close() error
}

// Forwarder drains the envelope channel in batches into a Sink
type Forwarder struct {
	sink         Sink
	envelopeChan <-chan *models.Envelope
	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	forwarded atomic.Uint64
	failed    atomic.Uint64
}

// ForwarderConfig holds forwarder configuration
type ForwarderConfig struct {
	Sink         Sink
	EnvelopeChan <-chan *models.Envelope
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// ForwarderStats holds forwarder counters
type ForwarderStats struct {
	Forwarded uint64 `json:"forwarded"`
	Failed    uint64 `json:"failed"`
}

// NewForwarder creates a forwarder
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Forwarder{
		sink:         cfg.Sink,
		envelopeChan: cfg.EnvelopeChan,
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the forwarding goroutines
func (f *Forwarder) Start() {
	log := logger.WithComponent("forwarder")
	log.Info().
		Int("workers", f.workers).
		Int("batch_size", f.batchSize).
		Dur("batch_timeout", f.batchTimeout).
		Msg("starting forwarder")

	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.run(i)
	}
}

// Stop waits for the workers to exit. Close the envelope channel first
// to have them drain it; otherwise pending envelopes are abandoned.
func (f *Forwarder) Stop() {
	f.wg.Wait()
	f.cancel()
}

// Abort stops the workers without draining the channel
func (f *Forwarder) Abort() {
	f.cancel()
	f.wg.Wait()
}

func (f *Forwarder) run(id int) {
	defer f.wg.Done()

	log := logger.WithComponent("forwarder").With().Int("worker_id", id).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("forwarder panic recovered")
			metrics.PanicsRecovered.WithLabelValues("forwarder").Inc()
		}
	}()

	batch := make([]*models.Envelope, 0, f.batchSize)
	timer := time.NewTimer(f.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return

		case envelope, ok := <-f.envelopeChan:
			if !ok {
				f.forward(batch)
				return
			}
			metrics.ForwarderQueueSize.Set(float64(len(f.envelopeChan)))

			batch = append(batch, envelope)
			if len(batch) >= f.batchSize {
				f.forward(batch)
				batch = batch[:0]
				timer.Reset(f.batchTimeout)
			}

		case <-timer.C:
			f.forward(batch)
			batch = batch[:0]
			timer.Reset(f.batchTimeout)
		}
	}
}

// forward publishes a batch, falling back to one at a time on failure
func (f *Forwarder) forward(batch []*models.Envelope) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("forwarder")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := f.sink.PublishBatch(ctx, batch)
	metrics.ForwarderBatchDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		f.forwarded.Add(uint64(len(batch)))
		log.Debug().Int("batch_size", len(batch)).Msg("batch forwarded")
		return
	}

	log.Error().
		Err(err).
		Int("batch_size", len(batch)).
		Msg("failed to forward batch, retrying individually")

	for _, envelope := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := f.sink.Publish(ctx, envelope)
		cancel()

		if err != nil {
			f.failed.Add(1)
			log.Error().
				Err(err).
				Str("request_id", envelope.RequestID).
				Int("batch_index", envelope.BatchIndex).
				Msg("failed to forward envelope")
			continue
		}
		f.forwarded.Add(1)
	}
}

// Stats returns forwarder counters
func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Forwarded: f.forwarded.Load(),
		Failed:    f.failed.Load(),
	}
}
