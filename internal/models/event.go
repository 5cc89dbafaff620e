package models

import (
	"encoding/json"
	"errors"
	"time"
)

// EventTypeEnabled is the type of events produced by feature checks
const EventTypeEnabled = "enabled"

// Well-known dimension keys
const (
	DimensionFeature   = "feature"
	DimensionResult    = "result"
	DimensionFlipperID = "flipper_id"
)

// Event is a single telemetry record. The zero value is not useful; build
// events with NewEvent or NewEventAt. Fields are unexported so an Event
// cannot change after it has been handed to the producer.
type Event struct {
	typ        string
	dimensions map[string]string
	timestamp  int64
}

// Validation errors
var (
	ErrEmptyType          = errors.New("event type cannot be empty")
	ErrZeroTimestamp      = errors.New("timestamp cannot be zero")
	ErrFutureTimestamp    = errors.New("timestamp cannot be in the future")
	ErrTooManyDimensions  = errors.New("too many dimensions")
	ErrDimensionTooLong   = errors.New("dimension value exceeds maximum length")
	ErrEmptyDimensionName = errors.New("dimension name cannot be empty")
)

const (
	MaxDimensions           = 50
	MaxDimensionValueLength = 1024
)

// NewEvent creates an event stamped with the current time
func NewEvent(typ string, dimensions map[string]string) Event {
	return NewEventAt(typ, dimensions, Timestamp(time.Now()))
}

// NewEventAt creates an event with an explicit millisecond timestamp
func NewEventAt(typ string, dimensions map[string]string, timestamp int64) Event {
	dims := make(map[string]string, len(dimensions))
	for k, v := range dimensions {
		dims[k] = v
	}
	return Event{typ: typ, dimensions: dims, timestamp: timestamp}
}

// Timestamp converts t to integer milliseconds since the epoch, rounding down.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

func (e Event) Type() string { return e.typ }

func (e Event) Timestamp() int64 { return e.timestamp }

// Dimensions returns a copy of the event dimensions
func (e Event) Dimensions() map[string]string {
	dims := make(map[string]string, len(e.dimensions))
	for k, v := range e.dimensions {
		dims[k] = v
	}
	return dims
}

// Dimension returns a single dimension value
func (e Event) Dimension(name string) (string, bool) {
	v, ok := e.dimensions[name]
	return v, ok
}

// eventJSON is the wire representation of an Event
type eventJSON struct {
	Type       string            `json:"type"`
	Dimensions map[string]string `json:"dimensions"`
	Timestamp  int64             `json:"timestamp"`
}

// MarshalJSON encodes the event as {"type","dimensions","timestamp"}.
// Dimension keys are emitted in sorted order.
func (e Event) MarshalJSON() ([]byte, error) {
	dims := e.dimensions
	if dims == nil {
		dims = map[string]string{}
	}
	return json.Marshal(eventJSON{
		Type:       e.typ,
		Dimensions: dims,
		Timestamp:  e.timestamp,
	})
}

// Validate checks an event received from a remote producer
func (e Event) Validate() error {
	if e.typ == "" {
		return ErrEmptyType
	}

	if e.timestamp == 0 {
		return ErrZeroTimestamp
	}

	if e.timestamp > Timestamp(time.Now().Add(time.Minute)) {
		return ErrFutureTimestamp
	}

	if len(e.dimensions) > MaxDimensions {
		return ErrTooManyDimensions
	}

	for k, v := range e.dimensions {
		if k == "" {
			return ErrEmptyDimensionName
		}
		if len(v) > MaxDimensionValueLength {
			return ErrDimensionTooLong
		}
	}

	return nil
}
