package courierq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Client is a CourierQ client
type Client struct {
	baseURL      string
	submitterKey string
	httpClient   *http.Client
}

// Option tunes a Client.
type Option func(*Client)

// WithSubmitterKey sets the identity sent for admission rate limiting.
func WithSubmitterKey(key string) Option {
	return func(c *Client) { c.submitterKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new CourierQ client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Message is one delivery request.
type Message struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	RequestID string `json:"requestId"`
	Priority  int    `json:"priority,omitempty"`
	DelayMs   int64  `json:"delayMs,omitempty"`
}

// Outcome is the terminal success payload of a delivery.
type Outcome struct {
	Transport  string    `json:"transport"`
	MessageID  string    `json:"message_id"`
	FinishedAt time.Time `json:"finished_at"`
}

// ErrorInfo is the terminal failure payload of a delivery.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitResult is the immediate outcome of a submission.
type SubmitResult struct {
	RequestID string     `json:"request_id"`
	Status    string     `json:"status"`
	JobID     string     `json:"job_id,omitempty"`
	Result    *Outcome   `json:"result,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// Status is the current state of one requestId.
type Status struct {
	RequestID   string     `json:"request_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Transport   string     `json:"transport,omitempty"`
	Result      *Outcome   `json:"result,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// QueueStats is a point-in-time view of queue occupancy.
type QueueStats struct {
	Queued       int  `json:"queued"`
	Processing   int  `json:"processing"`
	Completed    int  `json:"completed"`
	Failed       int  `json:"failed"`
	Concurrency  int  `json:"concurrency"`
	IsProcessing bool `json:"is_processing"`
}

// RateLimitedError is returned when the server rejects a submission at
// admission. RetryAfter comes from the Retry-After header.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Submit sends one delivery request.
func (c *Client) Submit(ctx context.Context, msg Message) (*SubmitResult, error) {
	var result SubmitResult
	if err := c.doRequest(ctx, "POST", "/v1/messages", msg, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status fetches the current state of a requestId.
func (c *Client) Status(ctx context.Context, requestID string) (*Status, error) {
	var st Status
	if err := c.doRequest(ctx, "GET", "/v1/messages/"+requestID, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// QueueStats returns queue occupancy.
func (c *Client) QueueStats(ctx context.Context) (*QueueStats, error) {
	var stats QueueStats
	if err := c.doRequest(ctx, "GET", "/v1/queue/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.submitterKey != "" {
		req.Header.Set("X-Submitter-Key", c.submitterKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := time.Second
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			wait = time.Duration(secs) * time.Second
		}
		return &RateLimitedError{RetryAfter: wait}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
