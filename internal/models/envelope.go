package models

import (
	"time"
)

// Envelope wraps an Event received by the collector with internal metadata
// for forwarding
type Envelope struct {
	// Original event
	Event Event `json:"event"`

	// Internal processing metadata
	ReceivedAt   time.Time `json:"received_at"`
	IngestNode   string    `json:"ingest_node"`
	RequestID    string    `json:"request_id,omitempty"`
	BatchIndex   int       `json:"batch_index,omitempty"`
	PartitionKey string    `json:"partition_key"`
}

// NewEnvelope creates a new envelope wrapping an event
func NewEnvelope(event Event, ingestNode string) *Envelope {
	key, ok := event.Dimension(DimensionFeature)
	if !ok || key == "" {
		key = event.Type()
	}
	return &Envelope{
		Event:        event,
		ReceivedAt:   time.Now().UTC(),
		IngestNode:   ingestNode,
		PartitionKey: key, // partition by feature for per-feature ordering
	}
}

// WithRequest sets the delivery request metadata on the envelope
func (e *Envelope) WithRequest(requestID string, index int) *Envelope {
	e.RequestID = requestID
	e.BatchIndex = index
	return e
}
