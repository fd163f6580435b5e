package steering

import (
	"fmt"
	"strings"
)

// Banners used for posted and edited messages.
const (
	BannerPrediction = "🔮 PREDICTION"
	BannerSuggestion = "💡 Suggestion"
	BannerExecuting  = "⚡ EXECUTING"
	BannerCompleted  = "✅ COMPLETED"
	BannerFailed     = "❌ EXECUTION FAILED"
	BannerRedirected = "🔄 REDIRECTED"
	BannerBlessed    = "👍 ADMIN BLESSED"
	BannerAborted    = "🛑 ABORTED"

	awaitingAdminLine = "_Awaiting Admin reaction to execute._"
)

func quotePrompt(sb *strings.Builder, prompt string) {
	for _, line := range strings.Split(prompt, "\n") {
		fmt.Fprintf(sb, "> %s\n", line)
	}
}

func writeTags(sb *strings.Builder, tags []string) {
	if len(tags) == 0 {
		return
	}
	fmt.Fprintf(sb, "Tags: %s\n", strings.Join(tags, ", "))
}

// predictionMessage is posted for trusted-tier requests.
func predictionMessage(p Prediction, cd Countdown) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s from @%s\n", BannerPrediction, p.Requester)
	quotePrompt(&sb, p.Prompt)
	writeTags(&sb, p.Tags)
	fmt.Fprintf(&sb, "%s\n", cd.Describe())
	sb.WriteString("_Redirect or ask an admin to abort before the countdown ends._")
	return sb.String()
}

// suggestionMessage is posted for general-tier requests.
func suggestionMessage(p Prediction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s from @%s\n", BannerSuggestion, p.Requester)
	quotePrompt(&sb, p.Prompt)
	writeTags(&sb, p.Tags)
	sb.WriteString(awaitingAdminLine)
	return sb.String()
}

func executingMessage(p Prediction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s for @%s\n", BannerExecuting, p.Requester)
	quotePrompt(&sb, p.Prompt)
	return strings.TrimRight(sb.String(), "\n")
}

func outcomeMessage(p Prediction, ok bool) string {
	var sb strings.Builder
	if ok {
		fmt.Fprintf(&sb, "%s for @%s\n", BannerCompleted, p.Requester)
	} else {
		fmt.Fprintf(&sb, "%s for @%s\n", BannerFailed, p.Requester)
	}
	quotePrompt(&sb, p.Prompt)
	return strings.TrimRight(sb.String(), "\n")
}

func redirectedMessage(p Prediction, newPrompt, source string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s via %s\n", BannerRedirected, source)
	fmt.Fprintf(&sb, "~~%s~~\n", strings.ReplaceAll(p.Prompt, "\n", " "))
	fmt.Fprintf(&sb, "New course: %s", strings.ReplaceAll(newPrompt, "\n", " "))
	return sb.String()
}

func blessedMessage(p Prediction, adminActorID string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s by @%s\n", BannerBlessed, adminActorID)
	quotePrompt(&sb, p.Prompt)
	return strings.TrimRight(sb.String(), "\n")
}

func abortedMessage(p Prediction, reason string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s — %s\n", BannerAborted, reason)
	fmt.Fprintf(&sb, "~~%s~~", strings.ReplaceAll(p.Prompt, "\n", " "))
	return sb.String()
}
