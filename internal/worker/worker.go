package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"flippercloud/internal/instrument"
	"flippercloud/internal/logger"
	"flippercloud/internal/metrics"
)

// work consumes the task's mailbox until a shutdown message arrives or the
// task is cancelled. It is the only goroutine touching the batch.
func (p *Producer) work(ctx context.Context, t *task) {
	defer close(t.done)

	log := logger.WithComponent("worker").With().Int("generation", t.generation).Logger()

	// An unknown message kind panics; that ends this worker and nothing else
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			instrument.ReportException(p.instrumenter, fmt.Errorf("worker: %v", r), WorkerContext)
		}
	}()

	log.Debug().
		Int("batch_size", p.batchSize).
		Int("capacity", p.capacity).
		Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	batch := newBatch(BatchConfig{
		Poster:       p.poster,
		Limit:        p.batchSize,
		Retry:        p.retry,
		Instrumenter: p.instrumenter,
	}, &p.stats)

	for {
		select {
		case <-ctx.Done():
			// abandoned after the shutdown timeout
			return

		case msg := <-t.mailbox.ch:
			metrics.QueueSize.Set(float64(len(t.mailbox.ch)))

			switch msg.kind {
			case kindProduce:
				batch.Append(ctx, msg.event)
			case kindDeliver:
				batch.Flush(ctx)
			case kindShutdown:
				batch.Flush(ctx)
				return
			default:
				panic(fmt.Sprintf("unknown operation: %d", msg.kind))
			}
		}
	}
}

// tick pushes a deliver message every flush interval so that events do not
// sit in a partially filled batch. A tick is skipped when the queue is full.
func (p *Producer) tick(ctx context.Context, t *task) {
	defer close(t.done)

	log := logger.WithComponent("timer").With().Int("generation", t.generation).Logger()

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case t.mailbox.ch <- message{kind: kindDeliver}:
			default:
				log.Debug().Msg("queue full, skipping deliver tick")
			}
		}
	}
}
