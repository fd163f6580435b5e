// Package sovereignty provides score sources for the trusted-tier countdown.
// Scores are computed elsewhere; these sources only read them.
package sovereignty

import (
	"errors"
	"fmt"
	"io"
	"math"

	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/cache"
	"github.com/jordanhubbard/steerloop/internal/metrics"
	"github.com/jordanhubbard/steerloop/internal/steering"
	"github.com/jordanhubbard/steerloop/pkg/config"
)

// Backend names.
const (
	BackendStatic   = "static"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

var ErrUnknownBackend = errors.New("unknown sovereignty backend")

// Clamp limits a score to [0,1]. NaN maps to 0.
func Clamp(score float64) float64 {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

// Static serves scores from a fixed map.
type Static struct {
	scores       map[string]float64
	defaultScore float64
}

var _ steering.SovereigntySource = (*Static)(nil)

// NewStatic creates a static source. The map is copied.
func NewStatic(scores map[string]float64, defaultScore float64) *Static {
	copied := make(map[string]float64, len(scores))
	for actor, score := range scores {
		copied[actor] = Clamp(score)
	}
	return &Static{scores: copied, defaultScore: Clamp(defaultScore)}
}

// Score returns the actor's configured score or the default.
func (s *Static) Score(actorID string) float64 {
	if score, ok := s.scores[actorID]; ok {
		return score
	}
	return s.defaultScore
}

// Cached fronts a remote source with a TTL cache.
type Cached struct {
	source steering.SovereigntySource
	cache  *cache.Cache
	prefix string
}

var _ steering.SovereigntySource = (*Cached)(nil)

// NewCached wraps source. prefix namespaces keys inside a shared cache.
func NewCached(source steering.SovereigntySource, c *cache.Cache, prefix string) *Cached {
	return &Cached{source: source, cache: c, prefix: prefix}
}

// Score returns the cached score or asks the wrapped source.
func (c *Cached) Score(actorID string) float64 {
	key := c.prefix + actorID
	if score, ok := c.cache.Get(key); ok {
		return score
	}
	score := c.source.Score(actorID)
	c.cache.Set(key, score, 0)
	return score
}

// Invalidate drops every cached score.
func (c *Cached) Invalidate() int {
	return c.cache.InvalidateByPattern(c.prefix)
}

// Sweep removes expired scores so idle actors do not pin memory.
func (c *Cached) Sweep() int {
	return c.cache.InvalidateExpired()
}

// Stats reports hit and miss counters of the underlying cache.
func (c *Cached) Stats() cache.Stats {
	return c.cache.GetStats()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// FromConfig builds the configured source. A nil source means sovereignty
// timeouts fall back to the fixed timeout. The returned Closer releases
// backend connections.
func FromConfig(cfg config.SovereigntyConfig, logger *zap.Logger, m *metrics.Metrics) (steering.SovereigntySource, io.Closer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case "", BackendNone:
		return nil, nopCloser{}, nil
	case BackendStatic:
		return NewStatic(cfg.Scores, cfg.DefaultScore), nopCloser{}, nil
	case BackendRedis:
		src, err := NewRedis(RedisConfig{
			URL:          cfg.RedisURL,
			KeyPrefix:    cfg.KeyPrefix,
			DefaultScore: cfg.DefaultScore,
			Timeout:      cfg.Timeout,
			Logger:       logger,
			Metrics:      m,
		})
		if err != nil {
			return nil, nil, err
		}
		return withCache(src, cfg, BackendRedis), src, nil
	case BackendPostgres:
		src, err := OpenPostgres(PostgresConfig{
			DSN:          cfg.PostgresDSN,
			Table:        cfg.Table,
			DefaultScore: cfg.DefaultScore,
			Timeout:      cfg.Timeout,
			Logger:       logger,
			Metrics:      m,
		})
		if err != nil {
			return nil, nil, err
		}
		return withCache(src, cfg, BackendPostgres), src, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

func withCache(src steering.SovereigntySource, cfg config.SovereigntyConfig, backend string) steering.SovereigntySource {
	if cfg.CacheTTL <= 0 {
		return src
	}
	c := cache.New(&cache.Config{Enabled: true, DefaultTTL: cfg.CacheTTL, MaxSize: 10000}, nil)
	return NewCached(src, c, backend+":")
}
