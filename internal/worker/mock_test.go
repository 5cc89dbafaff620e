package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type request struct {
	path    string
	body    []byte
	headers map[string]string
}

// mockPoster records requests and answers with statuses in order, repeating
// the last one. The zero value answers 201.
type mockPoster struct {
	mu       sync.Mutex
	requests []request
	statuses []int
	err      error

	// when set, Post signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (m *mockPoster) Post(ctx context.Context, path string, body []byte, headers map[string]string) (int, error) {
	m.mu.Lock()
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	m.requests = append(m.requests, request{path: path, body: append([]byte(nil), body...), headers: h})
	n := len(m.requests)
	status := 201
	if len(m.statuses) > 0 {
		idx := n - 1
		if idx >= len(m.statuses) {
			idx = len(m.statuses) - 1
		}
		status = m.statuses[idx]
	}
	err := m.err
	entered, release := m.entered, m.release
	m.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	if err != nil {
		return 0, err
	}
	return status, nil
}

func (m *mockPoster) Requests() []request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]request, len(m.requests))
	copy(out, m.requests)
	return out
}

type wireBatch struct {
	Events []struct {
		Type       string            `json:"type"`
		Dimensions map[string]string `json:"dimensions"`
		Timestamp  int64             `json:"timestamp"`
	} `json:"events"`
}

func decodeBatch(t *testing.T, body []byte) wireBatch {
	t.Helper()
	var b wireBatch
	if err := json.Unmarshal(body, &b); err != nil {
		t.Fatalf("failed to decode batch %s: %v", body, err)
	}
	return b
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
