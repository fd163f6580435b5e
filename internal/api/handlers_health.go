package api

import (
	"net/http"
	"time"

	"github.com/jordanhubbard/steerloop/internal/cache"
	"github.com/jordanhubbard/steerloop/internal/healthwatchdog"
)

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status       string               `json:"status"` // "healthy" or "degraded"
	Timestamp    time.Time            `json:"timestamp"`
	InstanceID   string               `json:"instance_id,omitempty"`
	Uptime       int64                `json:"uptime_seconds"`
	Version      string               `json:"version,omitempty"`
	CheckedAt    time.Time            `json:"checked_at,omitempty"`
	Dependencies map[string]DepHealth `json:"dependencies"`
	Predictions  PredictionStats      `json:"predictions"`
	ScoreCache   *cache.Stats         `json:"score_cache,omitempty"`
}

// DepHealth represents the health of a dependency.
type DepHealth struct {
	Status  string    `json:"status"` // "healthy" or "unhealthy"
	Message string    `json:"message,omitempty"`
	Since   time.Time `json:"since"`
}

// PredictionStats summarizes the loop's current load.
type PredictionStats struct {
	Pending          int      `json:"pending"`
	Tracked          int      `json:"tracked"`
	SoftCap          int      `json:"soft_cap"`
	Zombies          []string `json:"zombies,omitempty"`
	AwaitingBlessing []string `json:"awaiting_blessing,omitempty"`
	LongRunning      []string `json:"long_running,omitempty"`
}

// handleHealth handles GET /api/v1/health. It serves the watchdog's latest
// report and only probes when that report is missing or older than
// healthMaxAge. A failing dependency marks the service degraded and returns 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:       "healthy",
		Timestamp:    time.Now(),
		InstanceID:   s.instanceID,
		Uptime:       int64(time.Since(s.startTime).Seconds()),
		Version:      s.version,
		Dependencies: map[string]DepHealth{},
		Predictions: PredictionStats{
			Pending: len(s.loop.GetActivePredictions()),
			Tracked: len(s.loop.List()),
			SoftCap: s.loop.Config().MaxConcurrentPredictions,
		},
	}

	if s.health != nil {
		report := s.currentHealth(r)
		status.CheckedAt = report.CheckedAt
		for name, dep := range report.Dependencies {
			h := DepHealth{Status: "healthy", Since: dep.Since}
			if !dep.Healthy {
				h.Status = "unhealthy"
				h.Message = dep.Error
				status.Status = "degraded"
			}
			status.Dependencies[name] = h
		}
		status.Predictions.Zombies = report.Zombies
		status.Predictions.AwaitingBlessing = report.AwaitingBlessing
		status.Predictions.LongRunning = report.LongRunning
	}

	if s.scoreCache != nil {
		stats := s.scoreCache.Stats()
		status.ScoreCache = &stats
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

func (s *Server) currentHealth(r *http.Request) healthwatchdog.Report {
	report := s.health.Last()
	if report.CheckedAt.IsZero() || time.Since(report.CheckedAt) > s.healthMaxAge {
		report = s.health.CheckNow(r.Context())
	}
	return report
}
