package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"flippercloud/internal/config"
	"flippercloud/internal/httpclient"
	"flippercloud/internal/models"
	"flippercloud/internal/state"
)

// flakySink fails every batch publish and accepts single envelopes
type flakySink struct {
	MemorySink
	batches atomic.Int64
}

func (f *flakySink) PublishBatch(context.Context, []*models.Envelope) error {
	f.batches.Add(1)
	return errors.New("batch rejected")
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Collector.QueueSize = 100
	cfg.Collector.BatchSize = 10
	cfg.Collector.BatchTimeout = 20 * time.Millisecond
	cfg.Kafka.Producer.PoolSize = 2
	return cfg
}

func batchBody(n int) []byte {
	events := make([]map[string]any, n)
	for i := range events {
		events[i] = map[string]any{
			"type":       "enabled",
			"dimensions": map[string]string{"feature": fmt.Sprintf("f%d", i)},
			"timestamp":  models.Timestamp(time.Now()),
		}
	}
	body, _ := json.Marshal(map[string]any{"events": events})
	return body
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestForwarder_BatchesToSink(t *testing.T) {
	ch := make(chan *models.Envelope, 100)
	sink := NewMemorySink()
	f := NewForwarder(ForwarderConfig{Sink: sink, EnvelopeChan: ch, Workers: 2, BatchSize: 10, BatchTimeout: 20 * time.Millisecond})
	f.Start()

	for i := 0; i < 25; i++ {
		ch <- models.NewEnvelope(models.NewEvent("enabled", nil), "node")
	}

	waitFor(t, time.Second, func() bool { return len(sink.Envelopes()) == 25 })

	close(ch)
	f.Stop()

	if f.Stats().Forwarded != 25 {
		t.Errorf("expected 25 forwarded, got %d", f.Stats().Forwarded)
	}
}

func TestForwarder_DrainsOnStop(t *testing.T) {
	ch := make(chan *models.Envelope, 100)
	sink := NewMemorySink()
	f := NewForwarder(ForwarderConfig{Sink: sink, EnvelopeChan: ch, Workers: 1, BatchSize: 100, BatchTimeout: time.Hour})
	f.Start()

	for i := 0; i < 5; i++ {
		ch <- models.NewEnvelope(models.NewEvent("enabled", nil), "node")
	}
	close(ch)
	f.Stop()

	if n := len(sink.Envelopes()); n != 5 {
		t.Errorf("expected 5 envelopes after drain, got %d", n)
	}
}

func TestForwarder_FallsBackToSinglePublish(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	sink := &flakySink{}
	f := NewForwarder(ForwarderConfig{Sink: sink, EnvelopeChan: ch, Workers: 1, BatchSize: 3})
	f.Start()

	for i := 0; i < 3; i++ {
		ch <- models.NewEnvelope(models.NewEvent("enabled", nil), "node")
	}
	close(ch)
	f.Stop()

	if sink.batches.Load() != 1 {
		t.Errorf("expected 1 batch attempt, got %d", sink.batches.Load())
	}
	if n := len(sink.Envelopes()); n != 3 {
		t.Errorf("expected 3 envelopes published individually, got %d", n)
	}
}

func TestCollector_EventsEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Collector.Token = "secret"
	sink := NewMemorySink()

	c, err := New(context.Background(), cfg, WithSink(sink), WithDedupe(state.NewMemoryStore(time.Minute)))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	c.forwarder.Start()
	defer c.forwarder.Abort()

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	client, _ := httpclient.New(httpclient.Config{URL: server.URL, Token: "secret", Gzip: true})
	headers := map[string]string{httpclient.HeaderRequestID: "abc"}

	status, err := client.Post(context.Background(), "/events", batchBody(3), headers)
	if err != nil || status != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", status, err)
	}

	// a retry of the same delivery is acknowledged but not forwarded twice
	status, err = client.Post(context.Background(), "/events", batchBody(3), headers)
	if err != nil || status != http.StatusCreated {
		t.Fatalf("expected 201 for duplicate, got %d (%v)", status, err)
	}

	waitFor(t, time.Second, func() bool { return len(sink.Envelopes()) == 3 })

	stats := c.Stats()
	if stats.Accepted != 3 || stats.Duplicates != 1 || stats.Requests != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	unauthorized, _ := httpclient.New(httpclient.Config{URL: server.URL, Token: "wrong"})
	status, _ = unauthorized.Post(context.Background(), "/events", batchBody(1), nil)
	if status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", status)
	}
}

func TestCollector_HealthAndStats(t *testing.T) {
	c, err := New(context.Background(), testConfig(), WithSink(NewMemorySink()))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	for _, path := range []string{"/health", "/stats", "/metrics"} {
		w := httptest.NewRecorder()
		c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
	}

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid stats body: %v", err)
	}
	if stats.Capacity != 100 {
		t.Errorf("expected capacity 100, got %d", stats.Capacity)
	}
}

func TestCollector_UnknownSink(t *testing.T) {
	cfg := testConfig()
	cfg.Collector.Sink = "carrier-pigeon"

	if _, err := New(context.Background(), cfg); !errors.Is(err, ErrUnknownSink) {
		t.Errorf("expected ErrUnknownSink, got %v", err)
	}
}

func TestCollector_RunAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig()
	cfg.Collector.Addr = addr
	sink := NewMemorySink()

	c, err := New(context.Background(), cfg, WithSink(sink))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	url := "http://" + addr + "/events"
	waitFor(t, 2*time.Second, func() bool {
		resp, err := http.Post(url, "application/json", bytes.NewReader(batchBody(2)))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusCreated
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}

	if n := len(sink.Envelopes()); n != 2 {
		t.Errorf("expected 2 forwarded envelopes after shutdown, got %d", n)
	}
}
