// Package healthwatchdog periodically probes steerd's dependencies and flags
// pending predictions that look stuck.
package healthwatchdog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/metrics"
	"github.com/jordanhubbard/steerloop/internal/steering"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// PredictionSource lists pending predictions. *steering.Loop satisfies it.
type PredictionSource interface {
	GetActivePredictions() []steering.Prediction
}

// Config configures a Watchdog.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// ZombieGrace is how long past its countdown a trusted prediction may
	// stay pending before it is reported.
	ZombieGrace time.Duration
	// BlessingAge reports general-tier suggestions waiting longer than this.
	BlessingAge time.Duration
	// LongExecution reports predictions whose executor has run longer than this.
	LongExecution time.Duration
	Checks        map[string]Check
	Predictions   PredictionSource
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// DependencyStatus is the last probe result for one dependency.
type DependencyStatus struct {
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Since     time.Time `json:"since"` // when Healthy last changed
}

// Report is the outcome of one watchdog pass.
type Report struct {
	CheckedAt        time.Time                   `json:"checked_at"`
	Dependencies     map[string]DependencyStatus `json:"dependencies"`
	Zombies          []string                    `json:"zombies,omitempty"`
	AwaitingBlessing []string                    `json:"awaiting_blessing,omitempty"`
	LongRunning      []string                    `json:"long_running,omitempty"`
}

// Watchdog runs health passes on an interval.
type Watchdog struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu   sync.RWMutex
	last Report
}

// NewWatchdog creates a new Watchdog instance.
func NewWatchdog(cfg Config) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ZombieGrace <= 0 {
		cfg.ZombieGrace = 30 * time.Second
	}
	if cfg.BlessingAge <= 0 {
		cfg.BlessingAge = time.Hour
	}
	if cfg.LongExecution <= 0 {
		cfg.LongExecution = 15 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Watchdog{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger.Named("watchdog"),
		last:   Report{Dependencies: map[string]DependencyStatus{}},
	}
}

// Run performs a pass immediately and then on every interval until ctx ends.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := w.clock.Ticker(w.cfg.Interval)
	defer ticker.Stop()

	w.CheckNow(ctx)
	for {
		select {
		case <-ticker.C:
			w.CheckNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckNow runs every probe and prediction check once.
func (w *Watchdog) CheckNow(ctx context.Context) Report {
	now := w.clock.Now()
	report := Report{
		CheckedAt:    now,
		Dependencies: w.probeAll(ctx, now),
	}
	w.checkPredictions(now, &report)

	w.mu.Lock()
	w.last = report
	w.mu.Unlock()
	return report
}

// Last returns the most recent report.
func (w *Watchdog) Last() Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	deps := make(map[string]DependencyStatus, len(w.last.Dependencies))
	for k, v := range w.last.Dependencies {
		deps[k] = v
	}
	r := w.last
	r.Dependencies = deps
	return r
}

func (w *Watchdog) probeAll(ctx context.Context, now time.Time) map[string]DependencyStatus {
	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(w.cfg.Checks))
	for name, check := range w.cfg.Checks {
		go func(name string, check Check) {
			probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
			defer cancel()
			results <- result{name: name, err: check(probeCtx)}
		}(name, check)
	}

	w.mu.RLock()
	previous := w.last.Dependencies
	w.mu.RUnlock()

	deps := make(map[string]DependencyStatus, len(w.cfg.Checks))
	for range w.cfg.Checks {
		r := <-results
		status := DependencyStatus{Healthy: r.err == nil, CheckedAt: now, Since: now}
		if r.err != nil {
			status.Error = r.err.Error()
		}

		prev, seen := previous[r.name]
		switch {
		case seen && prev.Healthy == status.Healthy:
			status.Since = prev.Since
		case !status.Healthy:
			w.logger.Warn("Dependency unhealthy", zap.String("dependency", r.name), zap.Error(r.err))
		case seen:
			w.logger.Info("Dependency recovered", zap.String("dependency", r.name),
				zap.Duration("down_for", now.Sub(prev.Since)))
		}
		w.cfg.Metrics.RecordDependencyUp(r.name, status.Healthy)
		deps[r.name] = status
	}
	return deps
}

// checkPredictions fills the stuck-prediction lists. An entry whose executor
// has started is past its countdown or blessing by definition, so it is only
// judged by how long the execution has been running.
func (w *Watchdog) checkPredictions(now time.Time, report *Report) {
	if w.cfg.Predictions == nil {
		return
	}
	var zombies, awaiting, longRunning []string
	for _, p := range w.cfg.Predictions.GetActivePredictions() {
		if p.Executing() {
			if running := now.Sub(p.ExecutingSince); running > w.cfg.LongExecution {
				longRunning = append(longRunning, p.ID)
				w.logger.Warn("Execution running long",
					zap.String("prediction_id", p.ID),
					zap.String("actor_id", p.ActorID),
					zap.Duration("running", running))
			}
			continue
		}

		age := now.Sub(p.CreatedAt)
		switch p.Tier {
		case steering.TierTrusted:
			if age > p.Timeout+w.cfg.ZombieGrace {
				zombies = append(zombies, p.ID)
				w.logger.Error("Trusted prediction still pending past its countdown",
					zap.String("prediction_id", p.ID),
					zap.String("actor_id", p.ActorID),
					zap.Duration("age", age),
					zap.Duration("timeout", p.Timeout))
			}
		case steering.TierGeneral:
			if age > w.cfg.BlessingAge {
				awaiting = append(awaiting, p.ID)
			}
		}
	}
	if len(awaiting) > 0 {
		w.logger.Info("Suggestions awaiting blessing", zap.Int("count", len(awaiting)), zap.Duration("older_than", w.cfg.BlessingAge))
	}
	sort.Strings(zombies)
	sort.Strings(awaiting)
	sort.Strings(longRunning)
	w.cfg.Metrics.SetStuckPredictions("zombie", len(zombies))
	w.cfg.Metrics.SetStuckPredictions("awaiting_blessing", len(awaiting))
	w.cfg.Metrics.SetStuckPredictions("executing_long", len(longRunning))
	report.Zombies, report.AwaitingBlessing, report.LongRunning = zombies, awaiting, longRunning
}
