package steering

import "errors"

var (
	ErrUnknownTier   = errors.New("unknown tier")
	ErrInvalidConfig = errors.New("invalid steering config")
	ErrNoExecutor    = errors.New("executor is required")
	ErrNoMessenger   = errors.New("messenger is required")
	ErrEmptyPrompt   = errors.New("prompt is required")
	ErrEmptyActor    = errors.New("actor id is required")
	ErrLoopClosed    = errors.New("steering loop is shut down")

	ErrNothingToRedirect = errors.New("no pending trusted prediction to redirect")
	ErrInsideGracePeriod = errors.New("countdown is inside the redirect grace period")
)
