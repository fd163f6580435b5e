package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. format is "json" or "console". When manager
// is non-nil every entry at or above level is also captured into it.
func New(level, format string, manager *Manager) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if manager != nil {
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, manager.Core(lvl))
		}))
	}
	return logger, nil
}

// Core returns a zapcore.Core that records entries into the manager. The
// logger name becomes the entry source and fields become metadata.
func (m *Manager) Core(enab zapcore.LevelEnabler) zapcore.Core {
	return &captureCore{LevelEnabler: enab, manager: m}
}

type captureCore struct {
	zapcore.LevelEnabler
	manager *Manager
	fields  []zapcore.Field
}

func (c *captureCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &captureCore{LevelEnabler: c.LevelEnabler, manager: c.manager}
	clone.fields = append(append(clone.fields, c.fields...), fields...)
	return clone
}

func (c *captureCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *captureCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	var metadata map[string]interface{}
	if len(c.fields)+len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range c.fields {
			f.AddTo(enc)
		}
		for _, f := range fields {
			f.AddTo(enc)
		}
		metadata = enc.Fields
	}

	source := ent.LoggerName
	if source == "" {
		source = "system"
	}
	c.manager.record(ent.Time, ent.Level.String(), source, ent.Message, metadata)
	return nil
}

func (c *captureCore) Sync() error { return nil }
