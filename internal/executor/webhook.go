// Package executor carries out approved prompts, either by calling an agent
// webhook or by running a local command.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/steering"
)

// WebhookExecutor POSTs {actor_id, prompt} to an agent endpoint. A 2xx reply
// with "success": false (or a non-2xx status) reports failure.
type WebhookExecutor struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ steering.Executor = (*WebhookExecutor)(nil)

// WebhookConfig configures a WebhookExecutor.
type WebhookConfig struct {
	URL        string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type executeRequest struct {
	ActorID string `json:"actor_id"`
	Prompt  string `json:"prompt"`
}

type executeResponse struct {
	Success *bool  `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewWebhookExecutor creates a webhook executor.
func NewWebhookExecutor(cfg WebhookConfig) (*WebhookExecutor, error) {
	if cfg.URL == "" {
		return nil, ErrNoWebhookURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
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
	return &WebhookExecutor{
		url:        cfg.URL,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     cfg.Logger.Named("executor"),
	}, nil
}

// Execute sends the prompt to the webhook.
func (e *WebhookExecutor) Execute(ctx context.Context, actorID, prompt string) (bool, error) {
	body, err := json.Marshal(executeRequest{ActorID: actorID, Prompt: prompt})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		var urlErr interface{ Timeout() bool }
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return false, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return false, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Warn("Webhook rejected prompt",
			zap.String("actor_id", actorID),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(data))),
		)
		return false, nil
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return true, nil
	}
	var result executeResponse
	if err := json.Unmarshal(data, &result); err != nil {
		// Non-JSON 2xx bodies are treated as success.
		return true, nil
	}
	if result.Success != nil && !*result.Success {
		e.logger.Warn("Webhook reported failure", zap.String("actor_id", actorID), zap.String("error", result.Error))
		return false, nil
	}
	return true, nil
}
