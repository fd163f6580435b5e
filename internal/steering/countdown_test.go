package steering

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountdownForScoreBands(t *testing.T) {
	tests := []struct {
		score   float64
		timeout time.Duration
		label   string
	}{
		{0.95, HighTrustTimeout, LabelHighTrust},
		{0.8, HighTrustTimeout, LabelHighTrust},
		{0.7999, ModerateTrustTimeout, LabelModerateTrust},
		{0.6, ModerateTrustTimeout, LabelModerateTrust},
		{0.5999, LowTrustTimeout, LabelLowTrust},
		{-1, LowTrustTimeout, LabelLowTrust},
		{math.NaN(), LowTrustTimeout, LabelLowTrust},
	}
	for _, tt := range tests {
		cd := CountdownForScore(tt.score)
		assert.Equal(t, tt.timeout, cd.Timeout, "score %v", tt.score)
		assert.Equal(t, tt.label, cd.Label, "score %v", tt.score)
	}
}

func TestCountdownDescribe(t *testing.T) {
	assert.Equal(t, "🟢 High trust — 5s", CountdownForScore(0.85).Describe())
	assert.Equal(t, "🔴 Low trust — 60s", CountdownForScore(0.1).Describe())
	assert.Equal(t, "⏱️ Standard — 1.5s", Countdown{Timeout: 1500 * time.Millisecond, Label: LabelStandard}.Describe())
}

func TestMessagesCarryPromptAndBanners(t *testing.T) {
	p := Prediction{
		Requester: "jordan",
		Prompt:    "line one\nline two",
		Tags:      []string{"security", "auth"},
	}

	pred := predictionMessage(p, CountdownForScore(0.9))
	assert.True(t, strings.HasPrefix(pred, BannerPrediction+" from @jordan"))
	assert.Contains(t, pred, "> line one\n> line two\n")
	assert.Contains(t, pred, "Tags: security, auth")

	sugg := suggestionMessage(Prediction{Requester: "guest", Prompt: "x"})
	assert.Contains(t, sugg, BannerSuggestion)
	assert.NotContains(t, sugg, "Tags:")
	assert.True(t, strings.HasSuffix(sugg, awaitingAdminLine))

	assert.Contains(t, outcomeMessage(p, true), BannerCompleted)
	assert.Contains(t, outcomeMessage(p, false), BannerFailed)
	assert.Contains(t, redirectedMessage(p, "new plan", "api"), "New course: new plan")
	assert.Contains(t, blessedMessage(p, "root"), "by @root")
	assert.Contains(t, abortedMessage(p, ReasonEmergencyAbort), BannerAborted+" — "+ReasonEmergencyAbort)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("Trusted")
	require.NoError(t, err)
	assert.Equal(t, TierTrusted, tier)

	_, err = ParseTier("superuser")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.RedirectGracePeriod = -time.Second
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultConfig()
	bad.MaxConcurrentPredictions = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}
