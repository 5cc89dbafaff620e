package models

import (
	"encoding/json"
	"strings"
)

// Batch is the request body posted to the collector
type Batch struct {
	Events []Event `json:"events"`
}

// EncodeBatch serializes events into the {"events":[...]} wire format
func EncodeBatch(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	return json.Marshal(Batch{Events: events})
}

// BatchInput is the decoded form of a batch received by the collector
type BatchInput struct {
	Events []EventInput `json:"events"`
}

// EventInput is the input format for a single received event
type EventInput struct {
	Type       string            `json:"type"`
	Dimensions map[string]string `json:"dimensions"`
	Timestamp  int64             `json:"timestamp"`
}

// Normalize trims the event type and dimension names.
// Dimension values are left untouched since flipper ids may be
// whitespace sensitive.
func (in *EventInput) Normalize() {
	in.Type = strings.ToLower(strings.TrimSpace(in.Type))

	if in.Dimensions != nil {
		normalized := make(map[string]string, len(in.Dimensions))
		for k, v := range in.Dimensions {
			normalized[strings.TrimSpace(k)] = v
		}
		in.Dimensions = normalized
	}
}

// ToEvent normalizes and validates the input and converts it to an Event
func (in EventInput) ToEvent() (Event, error) {
	in.Normalize()
	event := NewEventAt(in.Type, in.Dimensions, in.Timestamp)
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}
