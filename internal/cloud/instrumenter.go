package cloud

import (
	"errors"
	"fmt"

	"flippercloud/internal/instrument"
	"flippercloud/internal/metrics"
	"flippercloud/internal/models"
)

// InstrumentContext tags errors raised while turning an instrumentation
// event into a cloud event
const InstrumentContext = "cloud-instrumenter-instrument"

var ErrUnsupportedActor = errors.New("actor does not expose a flipper id")

// Producer accepts events for delivery
type Producer interface {
	Produce(event models.Event)
}

// Actor is anything that can be identified to flipper
type Actor interface {
	FlipperID() string
}

// Instrumenter wraps the host instrumenter and produces an "enabled" event
// for every feature evaluation. It is transparent: the wrapped
// instrumenter sees every call and its result is returned unchanged.
type Instrumenter struct {
	producer     Producer
	instrumenter instrument.Instrumenter
}

// NewInstrumenter wraps in, which may be nil
func NewInstrumenter(producer Producer, in instrument.Instrumenter) *Instrumenter {
	return &Instrumenter{
		producer:     producer,
		instrumenter: instrument.OrNoop(in),
	}
}

// Instrument forwards to the wrapped instrumenter, then produces an event
// when the call was a feature evaluation. Errors while producing are
// reported and never reach the caller.
func (i *Instrumenter) Instrument(name string, payload instrument.Payload, fn func(instrument.Payload) any) any {
	result := i.instrumenter.Instrument(name, payload, fn)

	if err := i.produce(name, payload); err != nil {
		instrument.ReportException(i.instrumenter, err, InstrumentContext)
	}

	return result
}

func (i *Instrumenter) produce(name string, payload instrument.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("instrumenter").Inc()
			err = fmt.Errorf("produce event: %v", r)
		}
	}()

	if name != instrument.FeatureOperation {
		return nil
	}
	if op, _ := payload[instrument.KeyOperation].(string); op != instrument.OperationEvaluate {
		return nil
	}

	dimensions := map[string]string{
		models.DimensionFeature: stringify(payload[instrument.KeyFeatureName]),
		models.DimensionResult:  stringify(payload[instrument.KeyResult]),
	}

	if thing, ok := payload[instrument.KeyThing]; ok && thing != nil {
		id, err := flipperID(thing)
		if err != nil {
			return err
		}
		dimensions[models.DimensionFlipperID] = id
	}

	i.producer.Produce(models.NewEvent(models.EventTypeEnabled, dimensions))
	return nil
}

func flipperID(thing any) (string, error) {
	switch v := thing.(type) {
	case Actor:
		return v.FlipperID(), nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedActor, thing)
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
