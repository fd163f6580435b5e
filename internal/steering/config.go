package steering

import (
	"fmt"
	"time"
)

// Config controls countdown and capacity policy for a Loop.
type Config struct {
	// AskPredictTimeout is the fixed trusted-tier countdown used when
	// sovereignty-driven timeouts are off.
	AskPredictTimeout time.Duration
	// RedirectGracePeriod rejects redirects when the remaining countdown is
	// at or below this window. Zero disables the check.
	RedirectGracePeriod time.Duration
	// MaxConcurrentPredictions is a soft cap; exceeding it only logs a warning.
	MaxConcurrentPredictions int
	// UseSovereigntyTimeouts selects the countdown from the requester's
	// sovereignty score instead of AskPredictTimeout.
	UseSovereigntyTimeouts bool
}

// DefaultConfig returns the policy used when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		AskPredictTimeout:        30 * time.Second,
		RedirectGracePeriod:      2 * time.Second,
		MaxConcurrentPredictions: 5,
		UseSovereigntyTimeouts:   true,
	}
}

// Validate reports malformed policy values.
func (c Config) Validate() error {
	if c.AskPredictTimeout <= 0 {
		return fmt.Errorf("%w: ask-predict timeout must be positive, got %s", ErrInvalidConfig, c.AskPredictTimeout)
	}
	if c.RedirectGracePeriod < 0 {
		return fmt.Errorf("%w: redirect grace period must not be negative, got %s", ErrInvalidConfig, c.RedirectGracePeriod)
	}
	if c.MaxConcurrentPredictions <= 0 {
		return fmt.Errorf("%w: max concurrent predictions must be positive, got %d", ErrInvalidConfig, c.MaxConcurrentPredictions)
	}
	return nil
}
