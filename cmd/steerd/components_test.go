package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/executor"
	"github.com/jordanhubbard/steerloop/internal/sovereignty"
	"github.com/jordanhubbard/steerloop/internal/steering"
	"github.com/jordanhubbard/steerloop/pkg/config"
)

func TestBuildExecutor(t *testing.T) {
	logger := zap.NewNop()

	exec, err := buildExecutor(config.ExecutorConfig{Type: "webhook", WebhookURL: "http://localhost:9/run"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &executor.WebhookExecutor{}, exec)

	exec, err = buildExecutor(config.ExecutorConfig{Type: "command", Command: "/bin/true", Timeout: time.Second}, logger)
	require.NoError(t, err)
	assert.IsType(t, &executor.CommandExecutor{}, exec)

	_, err = buildExecutor(config.ExecutorConfig{Type: "command"}, logger)
	assert.ErrorIs(t, err, executor.ErrNoCommand)

	_, err = buildExecutor(config.ExecutorConfig{Type: "carrier-pigeon"}, logger)
	assert.Error(t, err)
}

func TestBuildMessenger(t *testing.T) {
	_, err := buildMessenger(config.ChatConfig{BaseURL: "http://localhost:3000"}, zap.NewNop(), nil)
	assert.NoError(t, err)

	_, err = buildMessenger(config.ChatConfig{}, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestOpenLogStoreEmptyDSN(t *testing.T) {
	db, err := openLogStore("")
	require.NoError(t, err)
	assert.Nil(t, db)
}

type countingScores struct {
	invalidated int
	swept       int
}

func (c *countingScores) Invalidate() int { c.invalidated++; return 2 }
func (c *countingScores) Sweep() int      { c.swept++; return 0 }

func TestReloadTargetRefreshesScores(t *testing.T) {
	exec := steering.ExecutorFunc(func(context.Context, string, string) (bool, error) { return true, nil })
	loop, err := steering.New(steering.DefaultConfig(), exec, nopMessenger{})
	require.NoError(t, err)
	defer func() { _ = loop.Shutdown(context.Background()) }()

	scores := &countingScores{}
	target := reloadTarget{loop: loop, scores: scores, logger: zap.NewNop()}

	next := steering.DefaultConfig()
	next.AskPredictTimeout = 45 * time.Second
	require.NoError(t, target.UpdateConfig(next))
	assert.Equal(t, 45*time.Second, loop.Config().AskPredictTimeout)
	assert.Equal(t, 1, scores.invalidated)

	bad := next
	bad.MaxConcurrentPredictions = 0
	assert.ErrorIs(t, target.UpdateConfig(bad), steering.ErrInvalidConfig)
	assert.Equal(t, 1, scores.invalidated)

	reload(nil, target, zap.NewNop())
	assert.Equal(t, 2, scores.invalidated)

	reloadTarget{loop: loop, logger: zap.NewNop()}.refreshScores("no cache")
}

func TestCachedScores(t *testing.T) {
	assert.Nil(t, cachedScores(nil))
	assert.Nil(t, cachedScores(sovereignty.NewStatic(nil, 0.5)))

	src, closer, err := sovereignty.FromConfig(config.SovereigntyConfig{
		Backend:   sovereignty.BackendRedis,
		RedisURL:  "redis://127.0.0.1:1/0",
		KeyPrefix: "s:",
		CacheTTL:  time.Second,
	}, nil, nil)
	require.NoError(t, err)
	defer closer.Close()
	assert.NotNil(t, cachedScores(src))
}

type nopMessenger struct{}

func (nopMessenger) Post(context.Context, string, string) (string, error) { return "msg-1", nil }
func (nopMessenger) Edit(context.Context, string, string, string) error   { return nil }
