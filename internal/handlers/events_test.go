package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"flippercloud/internal/httpclient"
	"flippercloud/internal/models"
	"flippercloud/internal/state"
)

type failingStore struct{}

func (failingStore) SeenBefore(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}
func (failingStore) Forget(context.Context, string) error { return nil }
func (failingStore) Close() error                         { return nil }

func batchBody(n int) string {
	ts := models.Timestamp(time.Now())
	events := make([]string, n)
	for i := range events {
		events[i] = fmt.Sprintf(`{"type":"enabled","dimensions":{"feature":"f%d","result":"true"},"timestamp":%d}`, i, ts)
	}
	body := `{"events":[`
	for i, e := range events {
		if i > 0 {
			body += ","
		}
		body += e
	}
	return body + `]}`
}

func post(h http.Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestEventsHandler_AcceptsBatch(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	handler := NewEventsHandler(EventsConfig{EnvelopeChan: ch, NodeID: "test-node"})

	w := post(handler, []byte(batchBody(2)), map[string]string{httpclient.HeaderRequestID: "req-1"})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp EventsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Accepted != 2 || resp.Rejected != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}

	for i := 0; i < 2; i++ {
		select {
		case envelope := <-ch:
			if envelope.RequestID != "req-1" || envelope.BatchIndex != i {
				t.Errorf("unexpected envelope metadata: %+v", envelope)
			}
			if envelope.IngestNode != "test-node" {
				t.Errorf("unexpected ingest node %q", envelope.IngestNode)
			}
			if envelope.PartitionKey != fmt.Sprintf("f%d", i) {
				t.Errorf("unexpected partition key %q", envelope.PartitionKey)
			}
		case <-time.After(time.Second):
			t.Fatal("no envelope received")
		}
	}
}

func TestEventsHandler_DeduplicatesByRequestID(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	handler := NewEventsHandler(EventsConfig{
		EnvelopeChan: ch,
		Dedupe:       state.NewMemoryStore(time.Minute),
	})
	headers := map[string]string{httpclient.HeaderRequestID: "abc"}

	first := post(handler, []byte(batchBody(3)), headers)
	second := post(handler, []byte(batchBody(3)), headers)

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("expected 201 twice, got %d and %d", first.Code, second.Code)
	}

	var resp EventsResponse
	_ = json.Unmarshal(second.Body.Bytes(), &resp)
	if !resp.Duplicate {
		t.Errorf("expected duplicate response, got %+v", resp)
	}
	if len(ch) != 3 {
		t.Errorf("expected 3 envelopes, got %d", len(ch))
	}
	if handler.Stats().Duplicates.Load() != 1 {
		t.Errorf("expected 1 duplicate, got %d", handler.Stats().Duplicates.Load())
	}
}

func TestEventsHandler_DedupeFailureStillAccepts(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	handler := NewEventsHandler(EventsConfig{EnvelopeChan: ch, Dedupe: failingStore{}})

	w := post(handler, []byte(batchBody(1)), map[string]string{httpclient.HeaderRequestID: "abc"})

	if w.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", w.Code)
	}
	if len(ch) != 1 {
		t.Errorf("expected 1 envelope, got %d", len(ch))
	}
}

func TestEventsHandler_GzipBody(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	handler := NewEventsHandler(EventsConfig{EnvelopeChan: ch})

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte(batchBody(2)))
	_ = gz.Close()

	w := post(handler, buf.Bytes(), map[string]string{"Content-Encoding": "gzip"})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(ch) != 2 {
		t.Errorf("expected 2 envelopes, got %d", len(ch))
	}
}

func TestEventsHandler_RejectsInvalidEvents(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	handler := NewEventsHandler(EventsConfig{EnvelopeChan: ch})

	body := fmt.Sprintf(`{"events":[{"type":"","timestamp":%d},{"type":"enabled","timestamp":0}]}`, models.Timestamp(time.Now()))
	w := post(handler, []byte(body), nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	var resp EventsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Rejected != 2 || len(resp.Errors) != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestEventsHandler_PartialBatch(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	handler := NewEventsHandler(EventsConfig{EnvelopeChan: ch})

	body := fmt.Sprintf(`{"events":[{"type":"enabled","timestamp":%d},{"type":"","timestamp":1}]}`, models.Timestamp(time.Now()))
	w := post(handler, []byte(body), nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var resp EventsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Accepted != 1 || resp.Rejected != 1 || resp.Errors[0].Index != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestEventsHandler_QueueFullReleasesRequestID(t *testing.T) {
	ch := make(chan *models.Envelope, 1)
	store := state.NewMemoryStore(time.Minute)
	handler := NewEventsHandler(EventsConfig{EnvelopeChan: ch, Dedupe: store})
	headers := map[string]string{httpclient.HeaderRequestID: "abc"}

	w := post(handler, []byte(batchBody(3)), headers)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if store.Len() != 0 {
		t.Error("expected request id to be released for the retry")
	}

	<-ch
	ch2 := make(chan *models.Envelope, 10)
	handler = NewEventsHandler(EventsConfig{EnvelopeChan: ch2, Dedupe: store})
	if w := post(handler, []byte(batchBody(3)), headers); w.Code != http.StatusCreated {
		t.Errorf("expected retry to be accepted, got %d", w.Code)
	}
}

func TestEventsHandler_BadRequests(t *testing.T) {
	handler := NewEventsHandler(EventsConfig{EnvelopeChan: make(chan *models.Envelope, 1)})

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		want        int
	}{
		{"wrong method", http.MethodGet, "application/json", "", http.StatusMethodNotAllowed},
		{"wrong content type", http.MethodPost, "text/plain", "{}", http.StatusUnsupportedMediaType},
		{"invalid json", http.MethodPost, "application/json", "{", http.StatusBadRequest},
		{"no events", http.MethodPost, "application/json", `{"events":[]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/events", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestEventsHandler_BodyTooLarge(t *testing.T) {
	handler := NewEventsHandler(EventsConfig{
		EnvelopeChan: make(chan *models.Envelope, 10),
		MaxBodySize:  16,
	})

	w := post(handler, []byte(batchBody(2)), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
