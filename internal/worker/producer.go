package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"flippercloud/internal/httpclient"
	"flippercloud/internal/instrument"
	"flippercloud/internal/logger"
	"flippercloud/internal/metrics"
	"flippercloud/internal/models"
	"flippercloud/internal/retry"
)

const (
	DefaultCapacity        = 10_000
	DefaultBatchSize       = 1_000
	DefaultFlushInterval   = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Context tags for errors reported by the producer
const (
	ShutdownContext = "cloud-producer-shutdown"
	ProduceContext  = "cloud-producer-produce"
	WorkerContext   = "cloud-producer-worker"
)

var (
	ErrNilPoster            = errors.New("poster is required")
	ErrInvalidFlushInterval = errors.New("flush interval must be greater than zero")
	ErrShutdownTimeout      = errors.New("timed out waiting for worker to drain")
)

// Config holds producer configuration. Zero values select the defaults.
type Config struct {
	Poster          httpclient.Poster
	Capacity        int
	BatchSize       int
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration
	Retry           *retry.Strategy
	Instrumenter    instrument.Instrumenter

	// Generation identifies the current process. Defaults to os.Getpid.
	Generation func() int
}

// Producer hands events to a single background worker through a bounded
// queue. Produce never blocks and never fails; when the queue is full the
// event is dropped.
//
// Worker and timer goroutines start lazily on the first Produce and are
// bound to the process generation that started them. If Produce observes a
// different generation (the process was cloned after the producer was
// active) the inherited queue is abandoned and a fresh pair of goroutines
// is started.
type Producer struct {
	poster          httpclient.Poster
	capacity        int
	batchSize       int
	flushInterval   time.Duration
	shutdownTimeout time.Duration
	retry           *retry.Strategy
	instrumenter    instrument.Instrumenter
	generation      func() int

	queue atomic.Pointer[mailbox]
	owner atomic.Int64

	// held only while a new generation replaces the queue and guards
	resetMu sync.Mutex

	// startup guards, acquired with CompareAndSwap so racing producers
	// never wait on each other
	workerGuard atomic.Bool
	timerGuard  atomic.Bool

	worker atomic.Pointer[task]
	timer  atomic.Pointer[task]

	stats counters
}

type counters struct {
	produced  atomic.Uint64
	discarded atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// Stats holds producer counters
type Stats struct {
	Produced    uint64
	Discarded   uint64
	Delivered   uint64
	Failed      uint64
	QueueLength int
}

type messageKind int

const (
	kindProduce messageKind = iota + 1
	kindDeliver
	kindShutdown
)

type message struct {
	kind  messageKind
	event models.Event
}

type mailbox struct {
	ch chan message
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{ch: make(chan message, capacity)}
}

// task is a background goroutine tied to the generation that started it
type task struct {
	generation int
	mailbox    *mailbox
	done       chan struct{}
	cancel     context.CancelFunc
}

func (t *task) alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// runningIn reports whether t was started in generation gen and is alive
func (t *task) runningIn(gen int) bool {
	return t != nil && t.generation == gen && t.alive()
}

// NewProducer creates a producer. No goroutines are started until the first
// event is produced.
func NewProducer(cfg Config) (*Producer, error) {
	if cfg.Poster == nil {
		return nil, ErrNilPoster
	}
	if cfg.FlushInterval < 0 {
		return nil, ErrInvalidFlushInterval
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Generation == nil {
		cfg.Generation = os.Getpid
	}

	in := instrument.OrNoop(cfg.Instrumenter)
	if cfg.Retry == nil {
		cfg.Retry = retry.New(retry.WithInstrumenter(in))
	}

	p := &Producer{
		poster:          cfg.Poster,
		capacity:        cfg.Capacity,
		batchSize:       cfg.BatchSize,
		flushInterval:   cfg.FlushInterval,
		shutdownTimeout: cfg.ShutdownTimeout,
		retry:           cfg.Retry,
		instrumenter:    in,
		generation:      cfg.Generation,
	}
	p.queue.Store(newMailbox(p.capacity))
	p.owner.Store(int64(p.generation()))

	metrics.QueueCapacity.Set(float64(p.capacity))

	return p, nil
}

func (p *Producer) Capacity() int { return p.capacity }

func (p *Producer) BatchSize() int { return p.batchSize }

func (p *Producer) FlushInterval() time.Duration { return p.flushInterval }

func (p *Producer) ShutdownTimeout() time.Duration { return p.shutdownTimeout }

// Produce queues event for delivery, dropping it when the queue is full.
func (p *Producer) Produce(event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("producer").Inc()
			instrument.ReportException(p.instrumenter, fmt.Errorf("produce: %v", r), ProduceContext)
		}
	}()

	p.ensureTasks()

	mb := p.queue.Load()
	select {
	case mb.ch <- message{kind: kindProduce, event: event}:
		p.stats.produced.Add(1)
		metrics.EventsProducedTotal.Inc()
	default:
		p.stats.discarded.Add(1)
		metrics.EventsDiscardedTotal.Inc()
		p.instrumenter.Instrument(instrument.EventDiscarded, instrument.Payload{}, nil)
	}
	metrics.QueueSize.Set(float64(len(mb.ch)))
}

// Report is an alias for Produce
func (p *Producer) Report(event models.Event) {
	p.Produce(event)
}

// Flush asks the worker to deliver whatever it has buffered without waiting
// for the flush interval. It does not wait for the delivery.
func (p *Producer) Flush() {
	w := p.worker.Load()
	if !w.runningIn(p.generation()) {
		return
	}
	select {
	case w.mailbox.ch <- message{kind: kindDeliver}:
	default:
	}
}

// Shutdown stops the timer, asks the worker to flush what it holds and
// waits up to the shutdown timeout for it to finish. A timeout is reported
// through the instrumenter. Producing after Shutdown starts new goroutines.
func (p *Producer) Shutdown() {
	log := logger.WithComponent("producer")
	gen := p.generation()

	if t := p.timer.Load(); t != nil {
		t.cancel()
		if t.generation == gen {
			<-t.done
		}
	}

	w := p.worker.Load()
	if !w.runningIn(gen) {
		return
	}

	log.Debug().Int("generation", gen).Msg("shutting down producer")

	deadline := time.NewTimer(p.shutdownTimeout)
	defer deadline.Stop()

	select {
	case w.mailbox.ch <- message{kind: kindShutdown}:
	case <-w.done:
		return
	case <-deadline.C:
		p.abandon(w)
		return
	}

	select {
	case <-w.done:
		log.Debug().Msg("producer stopped")
	case <-deadline.C:
		p.abandon(w)
	}
}

func (p *Producer) abandon(w *task) {
	log := logger.WithComponent("producer")
	log.Warn().
		Dur("timeout", p.shutdownTimeout).
		Msg("worker did not drain before shutdown timeout")
	w.cancel()
	instrument.ReportException(p.instrumenter, ErrShutdownTimeout, ShutdownContext)
}

// Stats returns producer counters
func (p *Producer) Stats() Stats {
	return Stats{
		Produced:    p.stats.produced.Load(),
		Discarded:   p.stats.discarded.Load(),
		Delivered:   p.stats.delivered.Load(),
		Failed:      p.stats.failed.Load(),
		QueueLength: p.QueueLen(),
	}
}

// QueueLen returns the number of messages waiting for the worker
func (p *Producer) QueueLen() int {
	return len(p.queue.Load().ch)
}

func (p *Producer) ensureTasks() {
	gen := p.generation()
	p.checkGeneration(gen)
	p.ensureWorker(gen)
	p.ensureTimer(gen)
}

// checkGeneration reinitializes shared state when running in a process
// other than the one that created it. Guards are forced open since a
// goroutine of the parent may have held one when the process was cloned,
// and the inherited queue is replaced so its messages are not delivered by
// both processes.
func (p *Producer) checkGeneration(gen int) {
	if p.owner.Load() == int64(gen) {
		return
	}

	p.resetMu.Lock()
	defer p.resetMu.Unlock()

	owner := p.owner.Load()
	if owner == int64(gen) {
		return
	}

	// the owner is published last so that no producer of the new
	// generation starts a task before the queue is replaced
	p.workerGuard.Store(false)
	p.timerGuard.Store(false)
	old := p.queue.Swap(newMailbox(p.capacity))
	p.owner.Store(int64(gen))

	metrics.GenerationResetsTotal.Inc()
	log := logger.WithComponent("producer")
	log.Info().
		Int64("previous_generation", owner).
		Int("generation", gen).
		Int("discarded", len(old.ch)).
		Msg("process generation changed, producer reinitialized")
}

func (p *Producer) ensureWorker(gen int) {
	// Another goroutine is starting the worker; our event is enqueued
	// regardless so there is nothing to wait for.
	if !p.workerGuard.CompareAndSwap(false, true) {
		return
	}
	defer p.workerGuard.Store(false)

	if p.worker.Load().runningIn(gen) {
		return
	}

	ctx, t := p.newTask(gen)
	p.worker.Store(t)
	go p.work(ctx, t)
}

func (p *Producer) ensureTimer(gen int) {
	if !p.timerGuard.CompareAndSwap(false, true) {
		return
	}
	defer p.timerGuard.Store(false)

	if p.timer.Load().runningIn(gen) {
		return
	}

	ctx, t := p.newTask(gen)
	p.timer.Store(t)
	go p.tick(ctx, t)
}

func (p *Producer) newTask(gen int) (context.Context, *task) {
	ctx, cancel := context.WithCancel(context.Background())
	return ctx, &task{
		generation: gen,
		mailbox:    p.queue.Load(),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
}
