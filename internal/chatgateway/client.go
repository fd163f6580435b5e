// Package chatgateway posts and edits steering messages through an HTTP chat
// gateway (a Slack or Discord relay exposing a small JSON API).
package chatgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/metrics"
	"github.com/jordanhubbard/steerloop/internal/steering"
)

var (
	ErrNoBaseURL   = errors.New("chat gateway base URL is required")
	ErrNoMessageID = errors.New("chat gateway returned no message id")
)

// StatusError is returned for non-2xx gateway responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat gateway returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

const idempotencyKeyHeader = "Idempotency-Key"

// retryPost allows a new message to be resent only when the gateway cannot
// have created it: it rate limited the call or the connection never opened.
func retryPost(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// retryEdit covers server errors and transport failures; a PUT of the same
// text can be repeated safely.
func retryEdit(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.retryable()
	}
	return true
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration // first retry delay, doubled per attempt
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Client implements steering.Messenger over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

var _ steering.Messenger = (*Client)(nil)

type postRequest struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

type gatewayResponse struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// NewClient creates a chat gateway client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		logger:     cfg.Logger.Named("chat"),
		metrics:    cfg.Metrics,
	}, nil
}

// Post sends a new message and returns its handle. Every attempt carries the
// same Idempotency-Key, and attempts are only repeated when the gateway cannot
// have created the message.
func (c *Client) Post(ctx context.Context, channelID, text string) (string, error) {
	var resp gatewayResponse
	header := http.Header{idempotencyKeyHeader: []string{uuid.NewString()}}
	err := c.doWithRetry(ctx, "post", http.MethodPost, "/api/messages", header, retryPost, postRequest{ChannelID: channelID, Text: text}, &resp)
	c.metrics.RecordChatRequest("post", err == nil)
	if err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", ErrNoMessageID
	}
	return resp.MessageID, nil
}

// Edit replaces the text of a previously posted message.
func (c *Client) Edit(ctx context.Context, channelID, handle, text string) error {
	path := "/api/messages/" + url.PathEscape(handle)
	err := c.doWithRetry(ctx, "edit", http.MethodPut, path, nil, retryEdit, postRequest{ChannelID: channelID, Text: text}, nil)
	c.metrics.RecordChatRequest("edit", err == nil)
	return err
}

func (c *Client) doWithRetry(ctx context.Context, op, method, path string, header http.Header, retryable func(error) bool, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			c.logger.Debug("Retrying chat request", zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = c.do(ctx, method, path, header, payload, out)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(lastErr) {
			break
		}
	}
	return fmt.Errorf("chat %s failed: %w", op, lastErr)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if gr, ok := out.(*gatewayResponse); ok && !gr.OK && gr.Error != "" {
		return fmt.Errorf("chat gateway error: %s", gr.Error)
	}
	return nil
}

// Health checks the gateway's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}
