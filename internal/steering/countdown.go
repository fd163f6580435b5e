package steering

import (
	"fmt"
	"math"
	"time"
)

// Sovereignty bands for the trusted-tier countdown. Lower bounds are inclusive.
const (
	HighTrustThreshold     = 0.8
	ModerateTrustThreshold = 0.6

	HighTrustTimeout     = 5 * time.Second
	ModerateTrustTimeout = 30 * time.Second
	LowTrustTimeout      = 60 * time.Second
)

// Labels shown to operators next to the countdown.
const (
	LabelHighTrust     = "🟢 High trust"
	LabelModerateTrust = "🟡 Moderate"
	LabelLowTrust      = "🔴 Low trust"
	LabelStandard      = "⏱️ Standard"
)

// Countdown is the chosen delay for a trusted-tier prediction.
type Countdown struct {
	Timeout time.Duration
	Label   string
	// Score is the sovereignty score that selected the band, or -1 when the
	// fixed timeout was used.
	Score float64
}

// Describe renders the countdown as shown in posted messages, e.g. "🟢 High trust — 5s".
func (c Countdown) Describe() string {
	return fmt.Sprintf("%s — %s", c.Label, formatSeconds(c.Timeout))
}

// CountdownForScore maps a sovereignty score to its band.
func CountdownForScore(score float64) Countdown {
	switch {
	case math.IsNaN(score):
		return Countdown{Timeout: LowTrustTimeout, Label: LabelLowTrust, Score: score}
	case score >= HighTrustThreshold:
		return Countdown{Timeout: HighTrustTimeout, Label: LabelHighTrust, Score: score}
	case score >= ModerateTrustThreshold:
		return Countdown{Timeout: ModerateTrustTimeout, Label: LabelModerateTrust, Score: score}
	default:
		return Countdown{Timeout: LowTrustTimeout, Label: LabelLowTrust, Score: score}
	}
}

// chooseCountdown picks the trusted-tier countdown. The sovereignty source is
// only consulted when sovereignty timeouts are enabled and a source exists.
func chooseCountdown(cfg Config, source SovereigntySource, actorID string) Countdown {
	if cfg.UseSovereigntyTimeouts && source != nil {
		return CountdownForScore(source.Score(actorID))
	}
	return Countdown{Timeout: cfg.AskPredictTimeout, Label: LabelStandard, Score: -1}
}

func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
