package cloud

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"flippercloud/internal/config"
	"flippercloud/internal/httpclient"
	"flippercloud/internal/instrument"
	"flippercloud/internal/logger"
	"flippercloud/internal/retry"
	"flippercloud/internal/worker"
)

var ErrNilConfig = errors.New("cloud: config is required")

// Client ties the producer to the host instrumentation. Install the value
// returned by Instrumenter in place of the host instrumenter; every feature
// evaluation is then reported to the cloud.
type Client struct {
	producer     *worker.Producer
	instrumenter *Instrumenter

	closeOnce  sync.Once
	stopSignal func()
}

type options struct {
	instrumenter instrument.Instrumenter
	poster       httpclient.Poster
	generation   func() int
}

// Option customizes a Client
type Option func(*options)

// WithInstrumenter sets the host instrumenter to wrap
func WithInstrumenter(in instrument.Instrumenter) Option {
	return func(o *options) { o.instrumenter = in }
}

// WithPoster replaces the HTTP transport built from the config
func WithPoster(p httpclient.Poster) Option {
	return func(o *options) { o.poster = p }
}

// WithGeneration replaces the process identity used to detect forks
func WithGeneration(fn func() int) Option {
	return func(o *options) { o.generation = fn }
}

// New builds the delivery pipeline from cfg. Nothing runs until the first
// event is produced.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	// swallowed errors are logged before reaching the host instrumenter
	reporter := instrument.NewLog(o.instrumenter)

	poster := o.poster
	if poster == nil {
		hc, err := httpclient.New(httpclient.Config{
			URL:     cfg.Cloud.URL,
			Token:   cfg.Cloud.Token,
			Timeout: cfg.Cloud.Timeout,
			Gzip:    cfg.Cloud.Gzip,
		})
		if err != nil {
			return nil, err
		}
		poster = hc
	}

	strategy := retry.New(
		retry.WithLimit(cfg.Retry.Limit),
		retry.WithBase(cfg.Retry.Base),
		retry.WithMaxDelay(cfg.Retry.MaxDelay),
		retry.WithSleep(cfg.Retry.Sleep),
		retry.WithRaiseAtLimit(cfg.Retry.RaiseAtLimit),
		retry.WithInstrumenter(reporter),
	)

	producer, err := worker.NewProducer(worker.Config{
		Poster:          poster,
		Capacity:        cfg.Producer.Capacity,
		BatchSize:       cfg.Producer.BatchSize,
		FlushInterval:   cfg.Producer.FlushInterval,
		ShutdownTimeout: cfg.Producer.ShutdownTimeout,
		Retry:           strategy,
		Instrumenter:    reporter,
		Generation:      o.generation,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		producer:     producer,
		instrumenter: NewInstrumenter(producer, o.instrumenter),
		stopSignal:   func() {},
	}

	if cfg.Producer.AutomaticShutdown {
		c.shutdownOnSignal()
	}

	return c, nil
}

// Instrumenter returns the instrumenter to install in the host
func (c *Client) Instrumenter() *Instrumenter { return c.instrumenter }

// Producer returns the underlying producer
func (c *Client) Producer() *worker.Producer { return c.producer }

// Close flushes buffered events and stops background goroutines. It is
// safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.stopSignal()
		c.producer.Shutdown()
	})
}

// shutdownOnSignal flushes the producer on SIGINT or SIGTERM and then
// re-raises the signal so the process terminates as it would have.
func (c *Client) shutdownOnSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	c.stopSignal = func() {
		once.Do(func() {
			signal.Stop(sigs)
			cancel()
		})
	}

	go func() {
		select {
		case sig := <-sigs:
			log := logger.WithComponent("cloud")
			log.Info().
				Str("signal", sig.String()).
				Msg("signal received, flushing events")
			c.Close()
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				_ = proc.Signal(sig)
			}
		case <-ctx.Done():
		}
	}()
}
