package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/chatgateway"
	"github.com/jordanhubbard/steerloop/internal/database"
	"github.com/jordanhubbard/steerloop/internal/eventbus"
	"github.com/jordanhubbard/steerloop/internal/executor"
	"github.com/jordanhubbard/steerloop/internal/messagebus"
	"github.com/jordanhubbard/steerloop/internal/metrics"
	"github.com/jordanhubbard/steerloop/internal/sovereignty"
	"github.com/jordanhubbard/steerloop/internal/steering"
	"github.com/jordanhubbard/steerloop/pkg/config"
)

func openLogStore(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := database.Open(dsn, database.PoolConfig{MaxOpenConns: 2})
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	return db, nil
}

func buildMessenger(cfg config.ChatConfig, logger *zap.Logger, m *metrics.Metrics) (*chatgateway.Client, error) {
	return chatgateway.NewClient(chatgateway.Config{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
		Metrics:    m,
	})
}

func buildExecutor(cfg config.ExecutorConfig, logger *zap.Logger) (steering.Executor, error) {
	switch cfg.Type {
	case "", "webhook":
		return executor.NewWebhookExecutor(executor.WebhookConfig{
			URL:     cfg.WebhookURL,
			Token:   cfg.Token,
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
	case "command":
		return executor.NewCommandExecutor(executor.CommandConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unknown executor type %q", cfg.Type)
	}
}

func startNATSBridge(ctx context.Context, cfg config.NATSConfig, eb *eventbus.EventBus, instanceID string, logger *zap.Logger, m *metrics.Metrics) (*messagebus.NatsMessageBus, *messagebus.Bridge, error) {
	bus, err := messagebus.NewNatsMessageBus(messagebus.Config{
		URL:           cfg.URL,
		StreamName:    cfg.StreamName,
		SubjectPrefix: cfg.SubjectPrefix,
		MaxAge:        cfg.MaxAge,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	bridge := messagebus.NewBridge(bus, bus, eb, instanceID, logger, m)
	if err := bridge.Start(ctx); err != nil {
		_ = bus.Close()
		return nil, nil, err
	}
	return bus, bridge, nil
}

// scoreCache is the part of a cached sovereignty source steerd maintains.
type scoreCache interface {
	Invalidate() int
	Sweep() int
}

// reloadTarget applies reloaded policy to the loop and drops cached scores so
// the next countdown reads fresh values from the backend.
type reloadTarget struct {
	loop   *steering.Loop
	scores scoreCache
	logger *zap.Logger
}

func (t reloadTarget) UpdateConfig(cfg steering.Config) error {
	if err := t.loop.UpdateConfig(cfg); err != nil {
		return err
	}
	t.refreshScores("config reload")
	return nil
}

func (t reloadTarget) refreshScores(reason string) {
	if t.scores == nil {
		return
	}
	n := t.scores.Invalidate()
	t.logger.Info("Dropped cached sovereignty scores", zap.String("reason", reason), zap.Int("count", n))
}

func cachedScores(src steering.SovereigntySource) *sovereignty.Cached {
	cached, _ := src.(*sovereignty.Cached)
	return cached
}
