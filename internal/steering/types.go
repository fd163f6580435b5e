package steering

import (
	"fmt"
	"strings"
	"time"
)

// Tier classifies where a request came from and decides how it is executed.
type Tier string

const (
	// TierAdmin executes immediately, with no countdown and no posted message.
	TierAdmin Tier = "admin"
	// TierTrusted announces a prediction and executes when its countdown expires.
	TierTrusted Tier = "trusted"
	// TierGeneral queues a suggestion that only an admin blessing can execute.
	TierGeneral Tier = "general"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierAdmin, TierTrusted, TierGeneral:
		return true
	}
	return false
}

// ParseTier converts a string into a Tier, ignoring case.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// Status is the lifecycle state of a prediction. It only moves forward:
// pending -> completed or pending -> aborted.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Abort reasons recorded on predictions.
const (
	ReasonExecutionFailed = "Execution failed"
	ReasonPostFailed      = "Failed to post message"
	ReasonEmergencyAbort  = "Emergency abort"
)

// Request is a classified chat message asking the loop to act.
type Request struct {
	Tier      Tier
	ActorID   string
	ChannelID string
	Prompt    string
	// Requester is the display name shown in posted banners. Defaults to ActorID.
	Requester string
	Tags      []string
}

// Prediction is a snapshot of one request's lifecycle record. The loop owns the
// live record; callers always receive copies.
type Prediction struct {
	ID            string        `json:"id"`
	Tier          Tier          `json:"tier"`
	ActorID       string        `json:"actor_id"`
	ChannelID     string        `json:"channel_id"`
	Requester     string        `json:"requester"`
	Prompt        string        `json:"prompt"`
	Tags          []string      `json:"tags,omitempty"`
	Status        Status        `json:"status"`
	Timeout       time.Duration `json:"timeout"`
	TrustLabel    string        `json:"trust_label,omitempty"`
	MessageHandle string        `json:"message_handle,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	AbortReason   string        `json:"abort_reason,omitempty"`
	// ExecutingSince is set once the executor has been started.
	ExecutingSince time.Time `json:"executing_since,omitempty"`
}

// Executing reports whether the executor has been started for this prediction.
func (p Prediction) Executing() bool {
	return !p.ExecutingSince.IsZero()
}

// TimeoutMs returns the countdown length in milliseconds.
func (p Prediction) TimeoutMs() int64 {
	return p.Timeout.Milliseconds()
}

// entry is the live, mutex-guarded record behind a Prediction.
type entry struct {
	Prediction

	// executing latches once execute has been started so it is never called twice.
	executing bool
	// deadline is when the countdown is due to fire (trusted tier only).
	deadline  time.Time
	settledAt time.Time
}

func (e *entry) snapshot() Prediction {
	p := e.Prediction
	if e.Tags != nil {
		p.Tags = append([]string(nil), e.Tags...)
	}
	return p
}

func (e *entry) markExecuting(now time.Time) {
	e.executing = true
	e.ExecutingSince = now
}

func (e *entry) pending() bool {
	return e.Status == StatusPending
}
