package instrument

import (
	"github.com/rs/zerolog"

	"flippercloud/internal/logger"
)

// Log writes swallowed errors and discarded events to a zerolog logger and
// then forwards every call to the wrapped instrumenter.
type Log struct {
	next Instrumenter
	log  zerolog.Logger
}

// NewLog wraps next. A nil next behaves like Noop. An instrumenter that
// already logs is returned as is.
func NewLog(next Instrumenter) *Log {
	if l, ok := next.(*Log); ok {
		return l
	}
	return &Log{
		next: OrNoop(next),
		log:  logger.WithComponent("instrumenter"),
	}
}

func (l *Log) Instrument(name string, payload Payload, fn func(Payload) any) any {
	result := l.next.Instrument(name, payload, fn)

	switch name {
	case Exception:
		ev := l.log.Warn()
		if err, ok := payload[KeyException].(error); ok {
			ev = ev.Err(err)
		}
		if ctx, ok := payload[KeyContext].(string); ok {
			ev = ev.Str("context", ctx)
		}
		if attempts, ok := payload[KeyAttempts].(int); ok {
			ev = ev.Int("attempts", attempts)
		}
		ev.Msg("cloud error swallowed")
	case EventDiscarded:
		l.log.Debug().Msg("event discarded, queue full")
	}

	return result
}
