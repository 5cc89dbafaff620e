package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Header names shared by the producer and the collector
const (
	HeaderToken     = "Flipper-Cloud-Token"
	HeaderRequestID = "FLIPPER_REQUEST_ID"
	HeaderVersion   = "Flipper-Cloud-Client-Version"
)

// Version is sent with every request
const Version = "1.0.0"

var (
	ErrEmptyURL  = errors.New("httpclient: url is required")
	ErrEmptyPath = errors.New("httpclient: path is required")
)

// Poster is the contract the producer needs from a collector transport.
// Post returns the response status code; err is non-nil only when no
// response was received.
type Poster interface {
	Post(ctx context.Context, path string, body []byte, headers map[string]string) (int, error)
}

// Config holds client configuration
type Config struct {
	URL        string
	Token      string
	Timeout    time.Duration
	Gzip       bool
	Headers    map[string]string
	HTTPClient *http.Client
}

// Client posts JSON bodies to the cloud collector
type Client struct {
	baseURL string
	token   string
	gzip    bool
	headers map[string]string
	http    *http.Client
}

// New creates a client. The base URL may carry a path prefix.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		gzip:    cfg.Gzip,
		headers: headers,
		http:    hc,
	}, nil
}

// URL returns the base URL requests are made against
func (c *Client) URL() string { return c.baseURL }

// Post sends body to baseURL+path and returns the response status
func (c *Client) Post(ctx context.Context, path string, body []byte, headers map[string]string) (int, error) {
	if path == "" {
		return 0, ErrEmptyPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	payload := body
	if c.gzip {
		compressed, err := compress(body)
		if err != nil {
			return 0, fmt.Errorf("gzip request body: %w", err)
		}
		payload = compressed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "flipper-cloud-go/"+Version)
	req.Header.Set(HeaderVersion, Version)
	if c.token != "" {
		req.Header.Set(HeaderToken, c.token)
	}
	if c.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
