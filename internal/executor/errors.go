package executor

import "errors"

var (
	ErrNoCommand    = errors.New("executor command is required")
	ErrNoWebhookURL = errors.New("executor webhook URL is required")
	ErrTimeout      = errors.New("execution timed out")
)
