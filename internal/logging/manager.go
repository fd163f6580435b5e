package logging

import (
	"container/ring"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/database"
)

const (
	// DefaultBufferSize is the number of log entries kept in memory
	DefaultBufferSize = 10000

	// LogLevelDebug represents debug-level logs
	LogLevelDebug = "debug"
	// LogLevelInfo represents info-level logs
	LogLevelInfo = "info"
	// LogLevelWarn represents warning-level logs
	LogLevelWarn = "warn"
	// LogLevelError represents error-level logs
	LogLevelError = "error"

	persistQueueSize = 1024
)

// LogEntry represents a single log entry
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type logHandler struct {
	id uint64
	fn func(LogEntry)
}

// Manager keeps recent log entries in a ring buffer, fans them out to
// handlers and optionally persists them to Postgres.
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	size     int
	handlers []logHandler
	seq      atomic.Uint64

	nextHandler uint64

	db      *sql.DB
	persist chan LogEntry
	done    chan struct{}
	closed  bool
	once    sync.Once
}

// NewManager creates a new logging manager. db may be nil; when set, entries
// are written by a single background goroutine until Close is called.
func NewManager(size int, db *sql.DB) *Manager {
	if size <= 0 {
		size = DefaultBufferSize
	}
	m := &Manager{
		buffer: ring.New(size),
		size:   size,
		db:     db,
	}

	if db != nil {
		if err := m.initSchema(context.Background()); err != nil {
			zap.L().Warn("Failed to initialize logging schema", zap.Error(err))
		}
		m.persist = make(chan LogEntry, persistQueueSize)
		m.done = make(chan struct{})
		go m.persistLoop()
	}
	return m
}

func (m *Manager) initSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS steering_logs (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata_json TEXT,
			prediction_id TEXT,
			actor_id TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create steering_logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_steering_logs_timestamp ON steering_logs(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_steering_logs_prediction_id ON steering_logs(prediction_id)",
	}
	for _, indexSQL := range indexes {
		if _, err := m.db.ExecContext(ctx, indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Log adds a log entry to the buffer, notifies handlers and queues it for persistence.
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	m.record(time.Now(), level, source, message, metadata)
}

func (m *Manager) record(ts time.Time, level, source, message string, metadata map[string]interface{}) {
	entry := LogEntry{
		ID:        fmt.Sprintf("log-%d-%d", ts.UnixNano(), m.seq.Add(1)),
		Timestamp: ts,
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	handlers := m.handlers
	if m.persist != nil && !m.closed {
		select {
		case m.persist <- entry:
		default:
			// Queue full, drop rather than stall the caller
		}
	}
	m.mu.Unlock()

	// Handlers must not block; the websocket stream copies into its own queue.
	for _, h := range handlers {
		h.fn(entry)
	}
}

func (m *Manager) persistLoop() {
	defer close(m.done)
	for entry := range m.persist {
		if err := m.persistLog(entry); err != nil {
			zap.L().Debug("Failed to persist log entry", zap.Error(err))
		}
	}
}

func (m *Manager) persistLog(entry LogEntry) error {
	var metadataJSON *string
	if len(entry.Metadata) > 0 {
		if data, err := json.Marshal(entry.Metadata); err == nil {
			s := string(data)
			metadataJSON = &s
		}
	}

	predictionID := optionalString(entry.Metadata, "prediction_id")
	actorID := optionalString(entry.Metadata, "actor_id")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.db.ExecContext(ctx, database.Rebind(`
		INSERT INTO steering_logs (id, timestamp, level, source, message, metadata_json, prediction_id, actor_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Timestamp, entry.Level, entry.Source, entry.Message, metadataJSON, predictionID, actorID)
	return err
}

// Close stops the persistence goroutine after flushing queued entries.
func (m *Manager) Close() {
	m.once.Do(func() {
		if m.persist == nil {
			return
		}
		m.mu.Lock()
		m.closed = true
		close(m.persist)
		m.mu.Unlock()
		<-m.done
	})
}

// Filter narrows GetRecent and Query results. Zero values match everything.
type Filter struct {
	Level        string
	Source       string
	PredictionID string
	Since        time.Time
	Until        time.Time
}

func (f Filter) matches(entry LogEntry) bool {
	if f.Level != "" && entry.Level != f.Level {
		return false
	}
	if f.Source != "" && entry.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	if f.PredictionID != "" && getMetaString(entry.Metadata, "prediction_id") != f.PredictionID {
		return false
	}
	return true
}

// GetRecent returns the most recent log entries from the buffer, newest first
func (m *Manager) GetRecent(limit int, filter Filter) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > m.size {
		limit = 100
	}

	logs := make([]LogEntry, 0, limit)
	// Walk backwards from the most recently written slot.
	r := m.buffer.Prev()
	for i := 0; i < m.size && len(logs) < limit; i++ {
		if entry, ok := r.Value.(LogEntry); ok && filter.matches(entry) {
			logs = append(logs, entry)
		}
		r = r.Prev()
	}
	return logs
}

// Query returns persisted log entries, falling back to the buffer when no
// database is configured.
func (m *Manager) Query(ctx context.Context, limit int, filter Filter) ([]LogEntry, error) {
	if m.db == nil {
		return m.GetRecent(limit, filter), nil
	}

	query := `SELECT id, timestamp, level, source, message, metadata_json FROM steering_logs WHERE 1=1`
	args := make([]interface{}, 0)

	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.Until)
	}
	if filter.Level != "" {
		query += " AND level = ?"
		args = append(args, filter.Level)
	}
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.PredictionID != "" {
		query += " AND prediction_id = ?"
		args = append(args, filter.PredictionID)
	}

	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]LogEntry, 0)
	for rows.Next() {
		var entry LogEntry
		var metadataJSON sql.NullString

		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Level, &entry.Source, &entry.Message, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			_ = json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func getMetaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if val, ok := meta[key].(string); ok {
		return val
	}
	return ""
}

func optionalString(meta map[string]interface{}, key string) *string {
	if val := getMetaString(meta, key); val != "" {
		return &val
	}
	return nil
}

// AddHandler registers a handler to be called for each new log entry.
// It returns a function that removes the handler.
func (m *Manager) AddHandler(handler func(LogEntry)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextHandler++
	id := m.nextHandler
	m.handlers = append(m.handlers, logHandler{id: id, fn: handler})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		next := make([]logHandler, 0, len(m.handlers))
		for _, h := range m.handlers {
			if h.id != id {
				next = append(next, h)
			}
		}
		m.handlers = next
	}
}

// Debug logs a debug-level message
func (m *Manager) Debug(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelDebug, source, message, metadata)
}

// Info logs an info-level message
func (m *Manager) Info(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelInfo, source, message, metadata)
}

// Warn logs a warning-level message
func (m *Manager) Warn(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelWarn, source, message, metadata)
}

// Error logs an error-level message
func (m *Manager) Error(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelError, source, message, metadata)
}
