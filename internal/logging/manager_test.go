package logging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestGetRecentNewestFirst(t *testing.T) {
	m := NewManager(10, nil)
	defer m.Close()

	m.Info("steering", "first", nil)
	m.Warn("steering", "second", nil)
	m.Info("api", "third", nil)

	logs := m.GetRecent(0, Filter{})
	require.Len(t, logs, 3)
	assert.Equal(t, "third", logs[0].Message)
	assert.Equal(t, "first", logs[2].Message)

	warn := m.GetRecent(10, Filter{Level: LogLevelWarn})
	require.Len(t, warn, 1)
	assert.Equal(t, "second", warn[0].Message)

	api := m.GetRecent(10, Filter{Source: "api"})
	require.Len(t, api, 1)
	assert.Equal(t, "third", api[0].Message)
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	m := NewManager(3, nil)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		m.Debug("test", msg, nil)
	}

	logs := m.GetRecent(10, Filter{})
	require.Len(t, logs, 3)
	assert.Equal(t, []string{"e", "d", "c"}, []string{logs[0].Message, logs[1].Message, logs[2].Message})
}

func TestFilterByPredictionAndTime(t *testing.T) {
	m := NewManager(10, nil)
	m.Info("steering", "one", map[string]interface{}{"prediction_id": "pred-1"})
	m.Info("steering", "two", map[string]interface{}{"prediction_id": "pred-2"})

	logs := m.GetRecent(10, Filter{PredictionID: "pred-2"})
	require.Len(t, logs, 1)
	assert.Equal(t, "two", logs[0].Message)

	assert.Empty(t, m.GetRecent(10, Filter{Since: time.Now().Add(time.Hour)}))
}

func TestHandlersReceiveEntriesUntilRemoved(t *testing.T) {
	m := NewManager(10, nil)

	var mu sync.Mutex
	var got []string
	remove := m.AddHandler(func(e LogEntry) {
		mu.Lock()
		got = append(got, e.Message)
		mu.Unlock()
	})
	other := m.AddHandler(func(LogEntry) {})

	m.Error("x", "before", nil)
	remove()
	remove()
	m.Error("x", "after", nil)
	other()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"before"}, got)
}

func TestQueryWithoutDatabaseUsesBuffer(t *testing.T) {
	m := NewManager(10, nil)
	m.Info("steering", "hello", nil)

	logs, err := m.Query(context.Background(), 5, Filter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "hello", logs[0].Message)
}

func TestCoreCapturesZapEntries(t *testing.T) {
	m := NewManager(10, nil)
	logger := zap.New(m.Core(zapcore.InfoLevel)).Named("steering").With(zap.String("prediction_id", "pred-9"))

	logger.Debug("ignored")
	logger.Warn("capacity reached", zap.Int("active", 6), zap.Error(errors.New("boom")))

	logs := m.GetRecent(10, Filter{})
	require.Len(t, logs, 1)
	entry := logs[0]
	assert.Equal(t, "warn", entry.Level)
	assert.Equal(t, "steering", entry.Source)
	assert.Equal(t, "capacity reached", entry.Message)
	assert.Equal(t, "pred-9", entry.Metadata["prediction_id"])
	assert.Equal(t, int64(6), entry.Metadata["active"])
	assert.Equal(t, "boom", entry.Metadata["error"])
}

func TestNewLogger(t *testing.T) {
	m := NewManager(10, nil)

	logger, err := New("info", "json", m)
	require.NoError(t, err)
	logger.Named("api").Info("listening")
	assert.Len(t, m.GetRecent(10, Filter{Source: "api"}), 1)

	_, err = New("loud", "json", nil)
	assert.Error(t, err)

	_, err = New("info", "xml", nil)
	assert.Error(t, err)

	_, err = New("debug", "console", nil)
	assert.NoError(t, err)
}
