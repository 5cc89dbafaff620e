package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"flippercloud/internal/httpclient"
	"flippercloud/internal/logger"
	"flippercloud/internal/metrics"
	"flippercloud/internal/models"
	"flippercloud/internal/state"
)

// EventsHandler accepts batches posted by producers
type EventsHandler struct {
	// Channel to push envelopes to the forwarder
	envelopeChan chan<- *models.Envelope

	dedupe      state.DedupeStore
	nodeID      string
	maxBodySize int64
	log         zerolog.Logger

	stats EventsStats
}

// EventsConfig holds configuration for the events handler
type EventsConfig struct {
	EnvelopeChan chan<- *models.Envelope
	Dedupe       state.DedupeStore
	NodeID       string
	MaxBodySize  int64
}

// EventsStats counts what the handler has seen
type EventsStats struct {
	Requests   atomic.Uint64
	Accepted   atomic.Uint64
	Rejected   atomic.Uint64
	Duplicates atomic.Uint64
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(cfg EventsConfig) *EventsHandler {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
		if nodeID == "" {
			nodeID = "unknown"
		}
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	dedupe := cfg.Dedupe
	if dedupe == nil {
		dedupe = state.NewNoopStore()
	}

	return &EventsHandler{
		envelopeChan: cfg.EnvelopeChan,
		dedupe:       dedupe,
		nodeID:       nodeID,
		maxBodySize:  maxBodySize,
		log:          logger.WithComponent("events_handler"),
	}
}

// EventsResponse is the response returned to producers
type EventsResponse struct {
	Accepted  int          `json:"accepted"`
	Rejected  int          `json:"rejected"`
	Duplicate bool         `json:"duplicate,omitempty"`
	Errors    []EventError `json:"errors,omitempty"`
}

// EventError describes a validation error for a specific event
type EventError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Stats returns the handler counters
func (h *EventsHandler) Stats() *EventsStats { return &h.stats }

// ServeHTTP handles POST /events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.stats.Requests.Add(1)

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var batch models.BatchInput
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: expected {\"events\":[...]}")
		return
	}
	if len(batch.Events) == 0 {
		writeError(w, http.StatusBadRequest, "no events provided")
		return
	}

	requestID := r.Header.Get(httpclient.HeaderRequestID)
	log := h.log.With().Str("request_id", requestID).Int("batch_size", len(batch.Events)).Logger()

	if requestID != "" {
		seen, err := h.dedupe.SeenBefore(r.Context(), requestID)
		if err != nil {
			// accept rather than make the producer resend everything
			log.Warn().Err(err).Msg("dedupe lookup failed")
		} else if seen {
			h.stats.Duplicates.Add(1)
			metrics.CollectorDuplicateBatches.Inc()
			log.Info().Msg("duplicate batch acknowledged")
			writeJSON(w, http.StatusCreated, EventsResponse{Duplicate: true})
			return
		}
	}

	response, queueFull := h.processEvents(batch.Events, requestID)

	if queueFull {
		if requestID != "" {
			if err := h.dedupe.Forget(r.Context(), requestID); err != nil {
				log.Warn().Err(err).Msg("failed to release request id")
			}
		}
		log.Warn().Int("accepted", response.Accepted).Msg("forward queue full")
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	status := http.StatusCreated
	if response.Accepted == 0 {
		status = http.StatusBadRequest
	}
	log.Debug().
		Int("accepted", response.Accepted).
		Int("rejected", response.Rejected).
		Msg("batch received")
	writeJSON(w, status, response)
}

// readBody limits and, if needed, decompresses the request body
func (h *EventsHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var reader io.Reader = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		defer gz.Close()
		reader = io.LimitReader(gz, h.maxBodySize+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > h.maxBodySize {
		return nil, fmt.Errorf("request body too large")
	}
	return body, nil
}

// processEvents validates events and pushes them to the forwarder. It stops
// at the first event the queue cannot take.
func (h *EventsHandler) processEvents(inputs []models.EventInput, requestID string) (EventsResponse, bool) {
	response := EventsResponse{}

	for i, input := range inputs {
		event, err := input.ToEvent()
		if err != nil {
			response.Errors = append(response.Errors, EventError{Index: i, Error: err.Error()})
			response.Rejected++
			h.stats.Rejected.Add(1)
			metrics.CollectorEventsTotal.WithLabelValues("rejected").Inc()
			continue
		}

		envelope := models.NewEnvelope(event, h.nodeID).WithRequest(requestID, i)

		select {
		case h.envelopeChan <- envelope:
			response.Accepted++
			h.stats.Accepted.Add(1)
			metrics.CollectorEventsTotal.WithLabelValues("accepted").Inc()
		default:
			response.Errors = append(response.Errors, EventError{Index: i, Error: "internal queue full, try again later"})
			return response, true
		}
	}

	return response, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
