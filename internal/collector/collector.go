package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flippercloud/internal/config"
	"flippercloud/internal/handlers"
	"flippercloud/internal/kafka"
	"flippercloud/internal/logger"
	"flippercloud/internal/metrics"
	"flippercloud/internal/middleware"
	"flippercloud/internal/models"
	"flippercloud/internal/state"
)

// Sink names accepted in collector.sink
const (
	SinkLog   = "log"
	SinkKafka = "kafka"
)

var ErrUnknownSink = errors.New("unknown sink")

// HealthChecker is implemented by sinks that can report connectivity
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Collector is a reference implementation of the endpoint producers post
// to. Batches are validated, deduplicated by delivery id and forwarded to
// a sink.
type Collector struct {
	cfg          *config.Config
	sink         Sink
	dedupe       state.DedupeStore
	forwarder    *Forwarder
	events       *handlers.EventsHandler
	envelopeChan chan *models.Envelope
	httpServer   *http.Server
	wg           sync.WaitGroup
}

// Option customizes a Collector
type Option func(*Collector)

// WithSink overrides the sink selected by the config
func WithSink(s Sink) Option {
	return func(c *Collector) { c.sink = s }
}

// WithDedupe overrides the dedupe store selected by the config
func WithDedupe(d state.DedupeStore) Option {
	return func(c *Collector) { c.dedupe = d }
}

// New constructs a Collector. Sinks and stores not supplied as options are
// built from cfg, which may dial Kafka or Redis.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Collector, error) {
	c := &Collector{
		cfg:          cfg,
		envelopeChan: make(chan *models.Envelope, cfg.Collector.QueueSize),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.sink == nil {
		sink, err := newSink(cfg)
		if err != nil {
			return nil, err
		}
		c.sink = sink
	}

	if c.dedupe == nil {
		dedupe, err := newDedupe(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.dedupe = dedupe
	}

	c.forwarder = NewForwarder(ForwarderConfig{
		Sink:         c.sink,
		EnvelopeChan: c.envelopeChan,
		Workers:      cfg.Kafka.Producer.PoolSize,
		BatchSize:    cfg.Collector.BatchSize,
		BatchTimeout: cfg.Collector.BatchTimeout,
	})

	c.events = handlers.NewEventsHandler(handlers.EventsConfig{
		EnvelopeChan: c.envelopeChan,
		Dedupe:       c.dedupe,
		NodeID:       cfg.Collector.NodeID,
		MaxBodySize:  cfg.Collector.MaxBodySize,
	})

	c.httpServer = &http.Server{
		Addr:         cfg.Collector.Addr,
		Handler:      c.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return c, nil
}

func newSink(cfg *config.Config) (Sink, error) {
	switch cfg.Collector.Sink {
	case SinkLog, "":
		return NewLogSink(), nil
	case SinkKafka:
		return kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, cfg.Collector.Sink)
	}
}

func newDedupe(ctx context.Context, cfg *config.Config) (state.DedupeStore, error) {
	if cfg.Redis.Addr == "" {
		return state.NewMemoryStore(cfg.Collector.DedupeTTL), nil
	}
	return state.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Collector.DedupeTTL)
}

// Handler returns the collector routes
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/events", middleware.Chain(
		c.events,
		middleware.Recovery,
		middleware.Logging,
		middleware.TokenAuth(c.cfg.Collector.Token),
	))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/stats", c.statsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Run serves until ctx is cancelled and then shuts down gracefully
func (c *Collector) Run(ctx context.Context) error {
	log := logger.WithComponent("collector")

	ln, err := net.Listen("tcp", c.cfg.Collector.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.cfg.Collector.Addr, err)
	}

	c.forwarder.Start()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		log.Info().Str("addr", ln.Addr().String()).Str("sink", c.cfg.Collector.Sink).Msg("starting HTTP server")
		if err := c.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return c.shutdown()
}

func (c *Collector) shutdown() error {
	log := logger.WithComponent("collector")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error

	// stop accepting batches before closing the channel handlers send on
	if err := c.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	close(c.envelopeChan)

	done := make(chan struct{})
	go func() {
		c.forwarder.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("forwarder drained")
	case <-time.After(15 * time.Second):
		log.Warn().Int("pending", len(c.envelopeChan)).Msg("forwarder drain timeout")
		c.forwarder.Abort()
	}

	if err := c.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}
	if err := c.dedupe.Close(); err != nil {
		errs = append(errs, fmt.Errorf("dedupe close: %w", err))
	}

	c.wg.Wait()
	log.Info().Msg("collector stopped")
	return errors.Join(errs...)
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if hc, ok := c.sink.(HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// Stats is the body of GET /stats
type Stats struct {
	Requests   uint64         `json:"requests"`
	Accepted   uint64         `json:"accepted"`
	Rejected   uint64         `json:"rejected"`
	Duplicates uint64         `json:"duplicates"`
	Forwarder  ForwarderStats `json:"forwarder"`
	Buffered   int            `json:"buffered"`
	Capacity   int            `json:"capacity"`
}

// Stats returns collector counters
func (c *Collector) Stats() Stats {
	hs := c.events.Stats()
	return Stats{
		Requests:   hs.Requests.Load(),
		Accepted:   hs.Accepted.Load(),
		Rejected:   hs.Rejected.Load(),
		Duplicates: hs.Duplicates.Load(),
		Forwarder:  c.forwarder.Stats(),
		Buffered:   len(c.envelopeChan),
		Capacity:   cap(c.envelopeChan),
	}
}

func (c *Collector) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := c.Stats()
	metrics.ForwarderQueueSize.Set(float64(stats.Buffered))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}
