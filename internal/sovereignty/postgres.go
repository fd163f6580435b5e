package sovereignty

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/database"
	"github.com/jordanhubbard/steerloop/internal/metrics"
	"github.com/jordanhubbard/steerloop/internal/steering"
)

// PostgresConfig configures a Postgres score source.
type PostgresConfig struct {
	DSN          string
	Table        string
	DefaultScore float64
	Timeout      time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Postgres reads scores from a table with (actor_id TEXT, score DOUBLE PRECISION).
type Postgres struct {
	db           *sql.DB
	query        string
	defaultScore float64
	timeout      time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

var _ steering.SovereigntySource = (*Postgres)(nil)

// OpenPostgres opens a connection pool for cfg.DSN. The connection is not
// verified; call Ping for that.
func OpenPostgres(cfg PostgresConfig) (*Postgres, error) {
	db, err := database.Open(cfg.DSN, database.PoolConfig{})
	if err != nil {
		return nil, err
	}
	return NewPostgres(db, cfg), nil
}

// NewPostgres creates a source around an existing pool.
func NewPostgres(db *sql.DB, cfg PostgresConfig) *Postgres {
	if cfg.Table == "" {
		cfg.Table = "sovereignty_scores"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Postgres{
		db:           db,
		query:        scoreQuery(cfg.Table),
		defaultScore: Clamp(cfg.DefaultScore),
		timeout:      cfg.Timeout,
		logger:       cfg.Logger.Named("sovereignty"),
		metrics:      cfg.Metrics,
	}
}

func scoreQuery(table string) string {
	return fmt.Sprintf("SELECT score FROM %s WHERE actor_id = $1", pq.QuoteIdentifier(table))
}

// Score looks up the actor's score. Missing rows and errors return the default.
func (p *Postgres) Score(actorID string) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var score sql.NullFloat64
	err := p.db.QueryRowContext(ctx, p.query, actorID).Scan(&score)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		p.metrics.RecordSovereigntyLookup(BackendPostgres, true)
		return p.defaultScore
	case err != nil:
		p.logger.Warn("Sovereignty lookup failed, using default",
			zap.String("actor_id", actorID), zap.Float64("default", p.defaultScore), zap.Error(err))
		p.metrics.RecordSovereigntyLookup(BackendPostgres, false)
		return p.defaultScore
	}
	p.metrics.RecordSovereigntyLookup(BackendPostgres, true)
	if !score.Valid {
		return p.defaultScore
	}
	return Clamp(score.Float64)
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
