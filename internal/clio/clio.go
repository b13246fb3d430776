// Package clio is the client for the external cluster summarizer. The
// core treats requests and responses as opaque bytes: whatever the
// dashboard sends is forwarded verbatim, whatever comes back is
// returned verbatim.
package clio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pulsed/internal/logging"
)

// ErrNotConfigured means no summarizer URL is set; the passthrough is
// disabled.
var ErrNotConfigured = errors.New("clio: no summarizer configured")

// maxResponseBytes bounds how much of an upstream response is relayed.
const maxResponseBytes = 16 * 1024 * 1024

// Client forwards processing requests to the configured summarizer.
type Client struct {
	url  string
	http *http.Client
	log  *logging.Logger
}

// Result carries an upstream response back to the caller untouched.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
}

// New creates a Client for url. An empty url yields a disabled client
// whose Process always returns ErrNotConfigured.
func New(url string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 60 * time.Second},
		log:  logger.WithComponent("clio"),
	}
}

// Configured reports whether a summarizer URL is set.
func (c *Client) Configured() bool { return c.url != "" }

// Process forwards body to the summarizer and relays its response.
func (c *Client) Process(ctx context.Context, body []byte, contentType string) (*Result, error) {
	if c.url == "" {
		return nil, ErrNotConfigured
	}
	if contentType == "" {
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("clio: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clio: summarizer unreachable: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("clio: read response: %w", err)
	}

	c.log.Debug("summarizer call",
		"status", resp.StatusCode,
		"request_bytes", len(body),
		"response_bytes", len(out),
		"elapsed_ms", time.Since(start).Milliseconds())

	return &Result{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        out,
	}, nil
}
