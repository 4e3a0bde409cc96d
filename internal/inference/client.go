// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Configuration constants for the inference API.
const (
	// DefaultTimeout bounds the wait for response headers. The body itself
	// is only bounded by the caller's context.
	DefaultTimeout = 60 * time.Second

	// MaxErrorBodySize caps how much of an error response is read.
	MaxErrorBodySize = 64 * 1024

	// HeaderConversationID carries the id assigned to a new conversation.
	HeaderConversationID = "X-Conversation-Id"

	// HeaderRequestID carries the server's correlation id for the request.
	HeaderRequestID = "X-Request-Id"

	chatPath  = "/chat"
	userAgent = "veilchat/0.1.0"
)

// =============================================================================
// CLIENT
// =============================================================================

// Response is an accepted streaming response. The caller must close Body.
type Response struct {
	Body           io.ReadCloser
	ConversationID string
	RequestID      string
}

// Client sends chat requests to the inference service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client, e.g. with an httptest client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithTimeout bounds the wait for response headers.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if t, ok := c.httpClient.Transport.(*http.Transport); ok && d > 0 {
			t.ResponseHeaderTimeout = d
		}
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: newStreamingClient(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newStreamingClient builds an HTTP client for long-lived streams. There is
// no overall timeout; cancellation comes from the request context.
func newStreamingClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: DefaultTimeout,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Stream posts req and returns the open event stream. A non-2xx status is
// returned as *TransportError after the body has been read and closed.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (*Response, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	requestID := resp.Header.Get(HeaderRequestID)
	c.logger.Debug("chat request accepted",
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", requestID),
		zap.String("conversation_id", req.ConversationID),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		return nil, newTransportError(resp.StatusCode, body, requestID)
	}

	return &Response{
		Body:           resp.Body,
		ConversationID: resp.Header.Get(HeaderConversationID),
		RequestID:      requestID,
	}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", userAgent)
}
