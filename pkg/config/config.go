package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/steerloop/internal/steering"
)

const clientConfigFileName = ".steerctl.json"

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the main configuration for the steering daemon.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Steering    SteeringConfig    `yaml:"steering" json:"steering"`
	Sovereignty SovereigntyConfig `yaml:"sovereignty" json:"sovereignty"`
	Chat        ChatConfig        `yaml:"chat" json:"chat"`
	Executor    ExecutorConfig    `yaml:"executor" json:"executor"`
	Security    SecurityConfig    `yaml:"security" json:"security"`
	NATS        NATSConfig        `yaml:"nats" json:"nats"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	HotReload   HotReloadConfig   `yaml:"hot_reload" json:"hot_reload"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" json:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	PruneInterval   time.Duration `yaml:"prune_interval" json:"prune_interval"` // 0 disables pruning
	RetainSettled   time.Duration `yaml:"retain_settled" json:"retain_settled"` // how long settled predictions stay queryable
	EventBufferSize int           `yaml:"event_buffer_size" json:"event_buffer_size"`
	// WatchdogInterval is how often dependencies are probed; 0 disables periodic
	// probing and each health request probes instead.
	WatchdogInterval time.Duration `yaml:"watchdog_interval" json:"watchdog_interval"`
}

// SteeringConfig is the countdown and capacity policy
type SteeringConfig struct {
	AskPredictTimeout        time.Duration `yaml:"ask_predict_timeout" json:"ask_predict_timeout"`
	RedirectGracePeriod      time.Duration `yaml:"redirect_grace_period" json:"redirect_grace_period"`
	MaxConcurrentPredictions int           `yaml:"max_concurrent_predictions" json:"max_concurrent_predictions"`
	UseSovereigntyTimeouts   bool          `yaml:"use_sovereignty_timeouts" json:"use_sovereignty_timeouts"`
}

// SovereigntyConfig selects where trusted-tier scores come from
type SovereigntyConfig struct {
	Backend      string             `yaml:"backend" json:"backend"` // "static", "redis", "postgres" or "none"
	DefaultScore float64            `yaml:"default_score" json:"default_score"`
	Scores       map[string]float64 `yaml:"scores" json:"scores,omitempty"` // static backend
	RedisURL     string             `yaml:"redis_url" json:"redis_url,omitempty"`
	KeyPrefix    string             `yaml:"key_prefix" json:"key_prefix,omitempty"`
	PostgresDSN  string             `yaml:"postgres_dsn" json:"postgres_dsn,omitempty"`
	Table        string             `yaml:"table" json:"table,omitempty"`
	Timeout      time.Duration      `yaml:"timeout" json:"timeout"`
	CacheTTL     time.Duration      `yaml:"cache_ttl" json:"cache_ttl"` // 0 disables caching of remote scores
}

// ChatConfig configures the chat gateway used to post and edit messages
type ChatConfig struct {
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	Token      string        `yaml:"token" json:"-"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
}

// ExecutorConfig selects how approved prompts are carried out
type ExecutorConfig struct {
	Type       string        `yaml:"type" json:"type"` // "webhook" or "command"
	WebhookURL string        `yaml:"webhook_url" json:"webhook_url,omitempty"`
	Token      string        `yaml:"token" json:"-"`
	Command    string        `yaml:"command" json:"command,omitempty"`
	Args       []string      `yaml:"args" json:"args,omitempty"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// SecurityConfig configures authentication and authorization
type SecurityConfig struct {
	EnableAuth     bool           `yaml:"enable_auth" json:"enable_auth"`
	JWTSecret      string         `yaml:"jwt_secret" json:"-"`
	TokenTTL       time.Duration  `yaml:"token_ttl" json:"token_ttl"`
	APIKeys        []APIKeyConfig `yaml:"api_keys" json:"-"`
	AllowedOrigins []string       `yaml:"allowed_origins" json:"allowed_origins"` // CORS and websocket origin check
}

// APIKeyConfig binds a bcrypt-hashed API key to an actor and tier
type APIKeyConfig struct {
	ID      string `yaml:"id"`
	Hash    string `yaml:"hash"`
	ActorID string `yaml:"actor_id"`
	Tier    string `yaml:"tier"`
}

// NATSConfig configures the JetStream lifecycle event stream
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	URL           string        `yaml:"url" json:"url"`
	StreamName    string        `yaml:"stream_name" json:"stream_name"`
	SubjectPrefix string        `yaml:"subject_prefix" json:"subject_prefix"`
	MaxAge        time.Duration `yaml:"max_age" json:"max_age"`
}

// TelemetryConfig configures OpenTelemetry tracing
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" json:"format"` // json or console
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`
	// PersistDSN stores captured log entries in Postgres when set.
	PersistDSN string `yaml:"persist_dsn" json:"-"`
}

// HotReloadConfig configures reloading the steering policy when the file changes
type HotReloadConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
}

// LoadConfigFromFile loads configuration from a YAML file at the specified path.
// Values missing from the file keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of DefaultConfig.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables (e.g. ${CHAT_TOKEN}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	loop := steering.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			HTTPPort:         8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			ShutdownTimeout:  30 * time.Second,
			PruneInterval:    10 * time.Minute,
			RetainSettled:    time.Hour,
			EventBufferSize:  1000,
			WatchdogInterval: time.Minute,
		},
		Steering: SteeringConfig{
			AskPredictTimeout:        loop.AskPredictTimeout,
			RedirectGracePeriod:      loop.RedirectGracePeriod,
			MaxConcurrentPredictions: loop.MaxConcurrentPredictions,
			UseSovereigntyTimeouts:   loop.UseSovereigntyTimeouts,
		},
		Sovereignty: SovereigntyConfig{
			Backend:      "static",
			DefaultScore: 0.5,
			KeyPrefix:    "sovereignty:",
			Table:        "sovereignty_scores",
			Timeout:      500 * time.Millisecond,
			CacheTTL:     30 * time.Second,
		},
		Chat: ChatConfig{
			BaseURL:    "http://localhost:3000",
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Executor: ExecutorConfig{
			Type:    "webhook",
			Timeout: 10 * time.Minute,
		},
		Security: SecurityConfig{
			EnableAuth:     true,
			TokenTTL:       24 * time.Hour,
			AllowedOrigins: []string{"*"},
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			StreamName:    "STEERING",
			SubjectPrefix: "steering",
			MaxAge:        24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "steerd",
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			SampleRatio:  1.0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			BufferSize: 10000,
		},
		HotReload: HotReloadConfig{
			Enabled:  false,
			Debounce: 250 * time.Millisecond,
		},
	}
}

// ToLoop converts the steering section into the loop's policy.
func (s SteeringConfig) ToLoop() steering.Config {
	return steering.Config{
		AskPredictTimeout:        s.AskPredictTimeout,
		RedirectGracePeriod:      s.RedirectGracePeriod,
		MaxConcurrentPredictions: s.MaxConcurrentPredictions,
		UseSovereigntyTimeouts:   s.UseSovereigntyTimeouts,
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("%w: server.http_port %d out of range", ErrInvalid, c.Server.HTTPPort)
	}
	if err := c.Steering.ToLoop().Validate(); err != nil {
		return fmt.Errorf("%w: steering: %v", ErrInvalid, err)
	}

	switch c.Sovereignty.Backend {
	case "none", "static":
	case "redis":
		if c.Sovereignty.RedisURL == "" {
			return fmt.Errorf("%w: sovereignty.redis_url is required for the redis backend", ErrInvalid)
		}
	case "postgres":
		if c.Sovereignty.PostgresDSN == "" {
			return fmt.Errorf("%w: sovereignty.postgres_dsn is required for the postgres backend", ErrInvalid)
		}
		if !isIdentifier(c.Sovereignty.Table) {
			return fmt.Errorf("%w: sovereignty.table %q is not a valid identifier", ErrInvalid, c.Sovereignty.Table)
		}
	default:
		return fmt.Errorf("%w: unknown sovereignty backend %q", ErrInvalid, c.Sovereignty.Backend)
	}
	if c.Sovereignty.DefaultScore < 0 || c.Sovereignty.DefaultScore > 1 {
		return fmt.Errorf("%w: sovereignty.default_score must be within [0,1]", ErrInvalid)
	}

	if c.Chat.BaseURL == "" {
		return fmt.Errorf("%w: chat.base_url is required", ErrInvalid)
	}

	switch c.Executor.Type {
	case "webhook":
		if c.Executor.WebhookURL == "" {
			return fmt.Errorf("%w: executor.webhook_url is required for the webhook executor", ErrInvalid)
		}
	case "command":
		if c.Executor.Command == "" {
			return fmt.Errorf("%w: executor.command is required for the command executor", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown executor type %q", ErrInvalid, c.Executor.Type)
	}

	if c.Security.EnableAuth && c.Security.JWTSecret == "" && len(c.Security.APIKeys) == 0 {
		return fmt.Errorf("%w: security.enable_auth needs a jwt_secret or api_keys", ErrInvalid)
	}
	for _, key := range c.Security.APIKeys {
		if key.ID == "" || key.Hash == "" || key.ActorID == "" {
			return fmt.Errorf("%w: api key entries need id, hash and actor_id", ErrInvalid)
		}
		if _, err := steering.ParseTier(key.Tier); err != nil {
			return fmt.Errorf("%w: api key %s: %v", ErrInvalid, key.ID, err)
		}
	}

	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.StreamName == "" || c.NATS.SubjectPrefix == "") {
		return fmt.Errorf("%w: nats needs url, stream_name and subject_prefix when enabled", ErrInvalid)
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("%w: telemetry.otlp_endpoint is required when telemetry is enabled", ErrInvalid)
	}
	return nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// ClientConfig holds steerctl settings, stored at ~/.steerctl.json
type ClientConfig struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token,omitempty"`
}

// LoadClientConfig loads the user-specific steerctl configuration. A missing
// file yields an empty config.
func LoadClientConfig() (*ClientConfig, error) {
	configPath, err := getClientConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return &ClientConfig{}, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg ClientConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return &cfg, nil
}

// Save writes the client config with owner-only permissions.
func (c *ClientConfig) Save() error {
	configPath, err := getClientConfigPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0o600)
}

func getClientConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, clientConfigFileName), nil
}
