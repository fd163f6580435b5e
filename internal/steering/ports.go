package steering

import "context"

// Executor performs the action a prediction describes. Returning false or a
// non-nil error marks the prediction as failed.
type Executor interface {
	Execute(ctx context.Context, actorID, prompt string) (bool, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, actorID, prompt string) (bool, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, actorID, prompt string) (bool, error) {
	return f(ctx, actorID, prompt)
}

// Messenger publishes and updates human-visible messages. Post must return a
// handle that Edit accepts for the same channel.
type Messenger interface {
	Post(ctx context.Context, channelID, text string) (string, error)
	Edit(ctx context.Context, channelID, handle, text string) error
}

// SovereigntySource returns an actor's current sovereignty score in [0,1].
type SovereigntySource interface {
	Score(actorID string) float64
}

// SovereigntyFunc adapts a function to the SovereigntySource interface.
type SovereigntyFunc func(actorID string) float64

// Score calls f.
func (f SovereigntyFunc) Score(actorID string) float64 {
	return f(actorID)
}
