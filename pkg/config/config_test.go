package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Executor.WebhookURL = "http://executor.local/run"
	cfg.Security.JWTSecret = "test-secret"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTP port 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected 30s read timeout, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json log format, got %q", cfg.Logging.Format)
	}
	if cfg.NATS.Enabled {
		t.Error("NATS should be disabled by default")
	}
}

func TestDefaultConfig_Steering(t *testing.T) {
	loop := DefaultConfig().Steering.ToLoop()

	if loop.AskPredictTimeout != 30*time.Second {
		t.Errorf("expected 30s ask-predict timeout, got %v", loop.AskPredictTimeout)
	}
	if loop.RedirectGracePeriod != 2*time.Second {
		t.Errorf("expected 2s grace period, got %v", loop.RedirectGracePeriod)
	}
	if loop.MaxConcurrentPredictions != 5 {
		t.Errorf("expected cap 5, got %d", loop.MaxConcurrentPredictions)
	}
	if !loop.UseSovereigntyTimeouts {
		t.Error("sovereignty timeouts should be enabled by default")
	}
}

func TestLoadConfigFromFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steerd.yaml")
	content := `
server:
  http_port: 9000
steering:
  ask_predict_timeout: 45s
  redirect_grace_period: 0s
  max_concurrent_predictions: 3
sovereignty:
  backend: static
  default_score: 0.4
  scores:
    builder: 0.85
executor:
  type: command
  command: /usr/local/bin/run-agent
  args: ["--prompt-stdin"]
security:
  enable_auth: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}

	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.IdleTimeout != 120*time.Second {
		t.Errorf("expected default idle timeout to survive, got %v", cfg.Server.IdleTimeout)
	}
	if cfg.Steering.AskPredictTimeout != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.Steering.AskPredictTimeout)
	}
	if cfg.Steering.RedirectGracePeriod != 0 {
		t.Errorf("expected grace period 0, got %v", cfg.Steering.RedirectGracePeriod)
	}
	if !cfg.Steering.UseSovereigntyTimeouts {
		t.Error("omitted use_sovereignty_timeouts should keep its default")
	}
	if cfg.Sovereignty.Scores["builder"] != 0.85 {
		t.Errorf("expected builder score 0.85, got %v", cfg.Sovereignty.Scores["builder"])
	}
	if len(cfg.Executor.Args) != 1 || cfg.Executor.Args[0] != "--prompt-stdin" {
		t.Errorf("unexpected executor args %v", cfg.Executor.Args)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoadConfigFromFile_EnvExpansion(t *testing.T) {
	t.Setenv("STEER_CHAT_TOKEN", "xoxb-from-env")

	cfg, err := Parse([]byte("chat:\n  token: ${STEER_CHAT_TOKEN}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Chat.Token != "xoxb-from-env" {
		t.Errorf("expected token from env, got %q", cfg.Chat.Token)
	}
}

func TestLoadConfigFromFile_NotFound(t *testing.T) {
	if _, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadConfigFromFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("{{{{invalid yaml"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfigFromFile(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.HTTPPort = 70000 }},
		{"steering timeout", func(c *Config) { c.Steering.AskPredictTimeout = 0 }},
		{"steering cap", func(c *Config) { c.Steering.MaxConcurrentPredictions = 0 }},
		{"unknown backend", func(c *Config) { c.Sovereignty.Backend = "etcd" }},
		{"redis url", func(c *Config) { c.Sovereignty.Backend = "redis" }},
		{"postgres dsn", func(c *Config) { c.Sovereignty.Backend = "postgres" }},
		{"postgres table", func(c *Config) {
			c.Sovereignty.Backend = "postgres"
			c.Sovereignty.PostgresDSN = "postgres://localhost/steer"
			c.Sovereignty.Table = "scores; drop table x"
		}},
		{"default score", func(c *Config) { c.Sovereignty.DefaultScore = 1.5 }},
		{"chat url", func(c *Config) { c.Chat.BaseURL = "" }},
		{"executor type", func(c *Config) { c.Executor.Type = "carrier-pigeon" }},
		{"webhook url", func(c *Config) { c.Executor.WebhookURL = "" }},
		{"command", func(c *Config) { c.Executor.Type = "command" }},
		{"auth secret", func(c *Config) { c.Security.JWTSecret = "" }},
		{"api key tier", func(c *Config) {
			c.Security.APIKeys = []APIKeyConfig{{ID: "k1", Hash: "$2a$10$x", ActorID: "bot", Tier: "root"}}
		}},
		{"nats url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }},
		{"telemetry endpoint", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.OTLPEndpoint = "" }},
	}

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected base config to be valid, got %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestClientConfig_RoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	empty, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("LoadClientConfig on missing file: %v", err)
	}
	if empty.ServerURL != "" {
		t.Errorf("expected empty config, got %+v", empty)
	}

	want := &ClientConfig{ServerURL: "http://steer.local:8080/", Token: "tok"}
	if err := want.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if got.ServerURL != "http://steer.local:8080" || got.Token != "tok" {
		t.Errorf("unexpected client config %+v", got)
	}
}

func TestClientConfig_InvalidJSON(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.WriteFile(filepath.Join(home, clientConfigFileName), []byte("{invalid json}"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadClientConfig(); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
