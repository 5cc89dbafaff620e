package instrument

// Instrumentation names
const (
	// FeatureOperation is emitted by the host library for every feature operation
	FeatureOperation = "feature_operation.flipper"
	// Exception carries an error that was swallowed internally
	Exception = "exception.flipper"
	// EventDiscarded is emitted when the producer queue is full
	EventDiscarded = "event_discarded.flipper"
)

// Payload keys
const (
	KeyOperation   = "operation"
	KeyFeatureName = "feature_name"
	KeyResult      = "result"
	KeyThing       = "thing"
	KeyException   = "exception"
	KeyContext     = "context"
	KeyAttempts    = "attempts"
)

// OperationEvaluate is the feature operation that reports a flag check
const OperationEvaluate = "evaluate"

// Payload is the mutable data attached to an instrumentation event. The
// operation passed to Instrument may add keys (e.g. the result) before the
// instrumenter records it.
type Payload map[string]any

// Instrumenter is the generic instrumentation hook. Implementations must call
// fn exactly once when it is non-nil, passing the payload, and return its
// result.
type Instrumenter interface {
	Instrument(name string, payload Payload, fn func(Payload) any) any
}

// Func adapts an ordinary function to the Instrumenter interface
type Func func(name string, payload Payload, fn func(Payload) any) any

func (f Func) Instrument(name string, payload Payload, fn func(Payload) any) any {
	return f(name, payload, fn)
}

type noop struct{}

func (noop) Instrument(_ string, payload Payload, fn func(Payload) any) any {
	if fn == nil {
		return nil
	}
	return fn(payload)
}

// Noop invokes the operation and records nothing
var Noop Instrumenter = noop{}

// OrNoop returns in, or Noop when in is nil
func OrNoop(in Instrumenter) Instrumenter {
	if in == nil {
		return Noop
	}
	return in
}

// ReportException emits an Exception event for err with the given context tag
func ReportException(in Instrumenter, err error, context string) {
	OrNoop(in).Instrument(Exception, Payload{
		KeyException: err,
		KeyContext:   context,
	}, nil)
}
