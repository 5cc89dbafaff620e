package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"flippercloud/internal/instrument"
	"flippercloud/internal/logger"
)

// ErrNoOperation is returned by Call when no operation is supplied
var ErrNoOperation = errors.New("retry: operation is required")

// Context is the context tag attached to exceptions reported by Call
const Context = "retry-strategy-call"

const (
	DefaultLimit    = 10
	DefaultBase     = 500 * time.Millisecond
	DefaultMaxDelay = 2 * time.Second
)

// Strategy executes an operation with bounded retries and jittered
// exponential backoff.
type Strategy struct {
	limit        int
	base         time.Duration
	maxDelay     time.Duration
	sleep        bool
	raiseAtLimit bool
	instrumenter instrument.Instrumenter
	random       func() float64
}

// Option is a functional option for configuring the strategy
type Option func(*Strategy)

// WithLimit sets the maximum number of attempts
func WithLimit(limit int) Option {
	return func(s *Strategy) { s.limit = limit }
}

// WithBase sets the starting delay between retries
func WithBase(base time.Duration) Option {
	return func(s *Strategy) { s.base = base }
}

// WithMaxDelay caps the delay between retries
func WithMaxDelay(maxDelay time.Duration) Option {
	return func(s *Strategy) { s.maxDelay = maxDelay }
}

// WithSleep toggles waiting between attempts. Tests turn it off.
func WithSleep(enabled bool) Option {
	return func(s *Strategy) { s.sleep = enabled }
}

// WithRaiseAtLimit makes Call return the last error once the limit is hit
// instead of swallowing it.
func WithRaiseAtLimit(raise bool) Option {
	return func(s *Strategy) { s.raiseAtLimit = raise }
}

// WithInstrumenter sets where failed attempts are reported
func WithInstrumenter(in instrument.Instrumenter) Option {
	return func(s *Strategy) { s.instrumenter = instrument.OrNoop(in) }
}

// WithRandom replaces the uniform [0,1) source used for jitter
func WithRandom(random func() float64) Option {
	return func(s *Strategy) {
		if random != nil {
			s.random = random
		}
	}
}

// New creates a strategy with defaults of 10 attempts, 0.5s base and 2s
// max delay, sleeping between attempts and swallowing the final error.
func New(opts ...Option) *Strategy {
	s := &Strategy{
		limit:        DefaultLimit,
		base:         DefaultBase,
		maxDelay:     DefaultMaxDelay,
		sleep:        true,
		instrumenter: instrument.Noop,
		random:       rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limit <= 0 {
		s.limit = 1
	}
	return s
}

func (s *Strategy) Limit() int { return s.limit }

func (s *Strategy) Base() time.Duration { return s.base }

func (s *Strategy) MaxDelay() time.Duration { return s.maxDelay }

func (s *Strategy) RaiseAtLimit() bool { return s.raiseAtLimit }

// Call runs op until it succeeds or the attempt limit is reached. Every
// failure is reported through the instrumenter with the attempt count.
// At the limit the last error is returned only when raise-at-limit is set.
// A cancelled ctx aborts a pending backoff and is returned as is.
func (s *Strategy) Call(ctx context.Context, op func() error) error {
	if op == nil {
		return ErrNoOperation
	}

	log := logger.WithComponent("retry")

	for attempts := 1; ; attempts++ {
		err := op()
		if err == nil {
			return nil
		}

		s.instrumenter.Instrument(instrument.Exception, instrument.Payload{
			instrument.KeyContext:   Context,
			instrument.KeyException: err,
			instrument.KeyAttempts:  attempts,
		}, nil)

		if attempts >= s.limit {
			log.Debug().
				Err(err).
				Int("attempts", attempts).
				Msg("retry limit reached")
			if s.raiseAtLimit {
				return err
			}
			return nil
		}

		if !s.sleep {
			continue
		}

		delay := s.Delay(attempts)
		log.Debug().
			Err(err).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Msg("retrying operation")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Delay returns the backoff before the attempt following attempt n
// (1-indexed). The result is never below base and never above max(base,
// maxDelay).
func (s *Strategy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	capped := float64(s.base) * math.Pow(2, float64(attempts-1))
	if capped > float64(s.maxDelay) {
		capped = float64(s.maxDelay)
	}
	jittered := capped * (0.5 + 0.5*s.random())
	if jittered < float64(s.base) {
		return s.base
	}
	return time.Duration(jittered)
}
