// Package api exposes the steering loop over HTTP: sending requests,
// redirecting, blessing, emergency abort, prediction queries, logs and a
// websocket stream of lifecycle events.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/auth"
	"github.com/jordanhubbard/steerloop/internal/cache"
	"github.com/jordanhubbard/steerloop/internal/eventbus"
	"github.com/jordanhubbard/steerloop/internal/healthwatchdog"
	"github.com/jordanhubbard/steerloop/internal/logging"
	"github.com/jordanhubbard/steerloop/internal/metrics"
	"github.com/jordanhubbard/steerloop/internal/steering"
)

// HealthSource supplies dependency status. *healthwatchdog.Watchdog satisfies it.
type HealthSource interface {
	Last() healthwatchdog.Report
	CheckNow(ctx context.Context) healthwatchdog.Report
}

// ScoreCacheStats exposes sovereignty cache counters. *sovereignty.Cached satisfies it.
type ScoreCacheStats interface {
	Stats() cache.Stats
}

// Options configures a Server.
type Options struct {
	Loop           *steering.Loop
	Auth           *auth.Manager
	EventBus       *eventbus.EventBus
	LogManager     *logging.Manager
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	AllowedOrigins []string
	InstanceID     string
	Version        string
	Health         HealthSource
	// HealthMaxAge is how old the last health report may be before a request
	// probes again. Zero probes on every request.
	HealthMaxAge time.Duration
	ScoreCache   ScoreCacheStats
}

// Server represents the HTTP API server
type Server struct {
	loop           *steering.Loop
	auth           *auth.Manager
	authHandlers   *auth.Handlers
	eventBus       *eventbus.EventBus
	logManager     *logging.Manager
	metrics        *metrics.Metrics
	logger         *zap.Logger
	allowedOrigins []string
	instanceID     string
	version        string
	health         HealthSource
	healthMaxAge   time.Duration
	scoreCache     ScoreCacheStats
	startTime      time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		loop:           opts.Loop,
		auth:           opts.Auth,
		authHandlers:   auth.NewHandlers(opts.Auth),
		eventBus:       opts.EventBus,
		logManager:     opts.LogManager,
		metrics:        opts.Metrics,
		logger:         logger.Named("api"),
		allowedOrigins: opts.AllowedOrigins,
		instanceID:     opts.InstanceID,
		version:        opts.Version,
		health:         opts.Health,
		healthMaxAge:   opts.HealthMaxAge,
		scoreCache:     opts.ScoreCache,
		startTime:      time.Now(),
	}
}

var publicPaths = map[string]bool{
	"/api/v1/health": true,
	"/metrics":       true,
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	admin := func(h http.HandlerFunc) http.Handler { return auth.RequireAdmin(h) }

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Steering
	mux.HandleFunc("POST /api/v1/messages", s.handleMessage)
	mux.HandleFunc("POST /api/v1/redirects", s.handleRedirect)
	mux.Handle("POST /api/v1/blessings", admin(s.handleBless))
	mux.Handle("POST /api/v1/abort", admin(s.handleAbortAll))
	mux.HandleFunc("GET /api/v1/predictions", s.handleListPredictions)
	mux.HandleFunc("GET /api/v1/predictions/{id}", s.handleGetPrediction)
	mux.HandleFunc("GET /api/v1/actors/{id}/pending", s.handleActorPending)
	mux.HandleFunc("GET /api/v1/config", s.handleGetConfig)

	// Events and logs
	mux.HandleFunc("GET /api/v1/events", s.handleGetEvents)
	mux.HandleFunc("GET /api/v1/events/ws", s.handleEventSocket)
	mux.HandleFunc("GET /api/v1/logs", s.handleLogsRecent)

	// Auth
	mux.Handle("POST /api/v1/auth/token", admin(s.authHandlers.HandleToken))
	mux.HandleFunc("POST /api/v1/auth/refresh", s.authHandlers.HandleRefreshToken)
	mux.HandleFunc("GET /api/v1/auth/me", s.authHandlers.HandleWhoAmI)
	mux.Handle("/api/v1/auth/api-keys", admin(s.authHandlers.HandleAPIKeys))

	// Apply middleware
	var handler http.Handler = mux
	handler = s.auth.Middleware(publicPaths)(handler)
	handler = s.metricsMiddleware(mux, handler)
	handler = s.corsMiddleware(handler)
	return otelhttp.NewHandler(handler, "steerd",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// metricsMiddleware records request counts and latency per route pattern of mux.
func (s *Server) metricsMiddleware(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), duration.Seconds())
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", duration),
		)
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.matchOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// matchOrigin returns the Access-Control-Allow-Origin value for origin, or ""
// when it is not allowed.
func (s *Server) matchOrigin(origin string) string {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && allowed == origin {
			return origin
		}
	}
	return ""
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("Failed to encode response", zap.Error(err))
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
