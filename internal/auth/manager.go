// Package auth authenticates API callers and classifies them into steering
// tiers, from JWT claims or bcrypt-hashed API keys.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/jordanhubbard/steerloop/internal/steering"
	"github.com/jordanhubbard/steerloop/pkg/config"
)

const (
	issuer       = "steerd"
	apiKeyHeader = "X-API-Key"
	// Dev-mode headers honoured only when auth is disabled.
	actorHeader = "X-Actor-ID"
	tierHeader  = "X-Steering-Tier"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrKeyNotFound     = errors.New("API key not found")
)

// Config configures a Manager.
type Config struct {
	Enabled   bool
	JWTSecret string
	TokenTTL  time.Duration
	APIKeys   []config.APIKeyConfig
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Manager handles authentication and tier classification
type Manager struct {
	enabled   bool
	jwtSecret []byte
	tokenTTL  time.Duration
	clock     clock.Clock
	logger    *zap.Logger

	mu      sync.RWMutex
	apiKeys map[string]*APIKey // keyID -> APIKey
}

// NewManager creates a new auth manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}

	m := &Manager{
		enabled:  cfg.Enabled,
		tokenTTL: cfg.TokenTTL,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("auth"),
		apiKeys:  make(map[string]*APIKey),
	}

	if cfg.JWTSecret == "" {
		m.jwtSecret = []byte(generateRandomSecret(32))
		m.logger.Warn("Generated random JWT secret for session (not persistent)")
	} else {
		m.jwtSecret = []byte(cfg.JWTSecret)
	}

	for _, key := range cfg.APIKeys {
		if err := m.AddAPIKey(key); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Enabled reports whether requests must authenticate.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// TokenTTL is the default lifetime of minted tokens.
func (m *Manager) TokenTTL() time.Duration {
	return m.tokenTTL
}

// GenerateToken creates a signed JWT for an actor. A zero ttl uses the default.
func (m *Manager) GenerateToken(actorID string, tier steering.Tier, ttl time.Duration) (string, error) {
	if actorID == "" {
		return "", steering.ErrEmptyActor
	}
	if !tier.Valid() {
		return "", fmt.Errorf("%w: %q", steering.ErrUnknownTier, tier)
	}
	if ttl <= 0 {
		ttl = m.tokenTTL
	}

	now := m.clock.Now()
	claims := &Claims{
		ActorID: actorID,
		Tier:    string(tier),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   actorID,
			ID:        generateRandomSecret(8),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.jwtSecret)
}

// ValidateToken validates a JWT token and returns claims
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock.Now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ActorID == "" {
		return nil, fmt.Errorf("%w: missing actor_id", ErrInvalidToken)
	}
	if _, err := steering.ParseTier(claims.Tier); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// HashAPIKey returns the bcrypt hash operators put in the config file.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AddAPIKey registers a configured key.
func (m *Manager) AddAPIKey(cfg config.APIKeyConfig) error {
	tier, err := steering.ParseTier(cfg.Tier)
	if err != nil {
		return fmt.Errorf("api key %q: %w", cfg.ID, err)
	}
	if cfg.ID == "" || cfg.Hash == "" || cfg.ActorID == "" {
		return fmt.Errorf("api key %q: id, hash and actor_id are required", cfg.ID)
	}
	if _, err := bcrypt.Cost([]byte(cfg.Hash)); err != nil {
		return fmt.Errorf("api key %q: hash is not bcrypt: %w", cfg.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[cfg.ID] = &APIKey{
		ID:       cfg.ID,
		ActorID:  cfg.ActorID,
		Tier:     tier,
		KeyHash:  cfg.Hash,
		IsActive: true,
	}
	return nil
}

// CreateAPIKey generates a new key of the form "<id>.<secret>".
func (m *Manager) CreateAPIKey(actorID string, tier steering.Tier) (*CreateAPIKeyResponse, error) {
	keyID := "key-" + generateRandomSecret(6)
	keyValue := keyID + "." + generateRandomSecret(24)
	hash, err := HashAPIKey(keyValue)
	if err != nil {
		return nil, err
	}
	if err := m.AddAPIKey(config.APIKeyConfig{ID: keyID, Hash: hash, ActorID: actorID, Tier: string(tier)}); err != nil {
		return nil, err
	}

	m.logger.Info("Created API key", zap.String("key_id", keyID), zap.String("actor_id", actorID), zap.String("tier", string(tier)))
	return &CreateAPIKeyResponse{ID: keyID, Key: keyValue, ActorID: actorID, Tier: tier}, nil
}

// RevokeAPIKey marks an API key as inactive
func (m *Manager) RevokeAPIKey(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, exists := m.apiKeys[keyID]
	if !exists {
		return ErrKeyNotFound
	}
	k.IsActive = false
	return nil
}

// ListAPIKeys returns active keys; hashes are never serialized.
func (m *Manager) ListAPIKeys() []APIKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]APIKey, 0, len(m.apiKeys))
	for _, k := range m.apiKeys {
		if k.IsActive {
			keys = append(keys, *k)
		}
	}
	return keys
}

// ValidateAPIKey checks a presented key. Keys shaped "<id>.<secret>" are looked
// up directly; anything else is compared against every active key.
func (m *Manager) ValidateAPIKey(keyValue string) (*APIKey, error) {
	m.mu.RLock()
	candidates := make([]APIKey, 0, 1)
	if id, _, ok := strings.Cut(keyValue, "."); ok {
		if k, exists := m.apiKeys[id]; exists && k.IsActive {
			candidates = append(candidates, *k)
		}
	}
	if len(candidates) == 0 {
		for _, k := range m.apiKeys {
			if k.IsActive {
				candidates = append(candidates, *k)
			}
		}
	}
	m.mu.RUnlock()

	for _, k := range candidates {
		if err := bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(keyValue)); err != nil {
			continue
		}
		now := m.clock.Now()
		m.mu.Lock()
		live, exists := m.apiKeys[k.ID]
		active := exists && live.IsActive
		if active {
			live.LastUsed = now
		}
		m.mu.Unlock()
		if !active {
			break
		}
		k.LastUsed = now
		return &k, nil
	}
	return nil, ErrInvalidAPIKey
}

// Authenticate resolves the caller of r. With auth disabled every request is
// accepted; X-Actor-ID and X-Steering-Tier pick the identity (default
// "anonymous" at the general tier).
func (m *Manager) Authenticate(r *http.Request) (Principal, error) {
	if !m.enabled {
		p := Principal{ActorID: "anonymous", Tier: steering.TierGeneral, Method: MethodNone}
		if actor := r.Header.Get(actorHeader); actor != "" {
			p.ActorID = actor
		}
		if tier, err := steering.ParseTier(r.Header.Get(tierHeader)); err == nil {
			p.Tier = tier
		}
		return p, nil
	}

	if key := r.Header.Get(apiKeyHeader); key != "" {
		k, err := m.ValidateAPIKey(key)
		if err != nil {
			return Principal{}, err
		}
		return Principal{ActorID: k.ActorID, Tier: k.Tier, Method: MethodAPIKey, KeyID: k.ID}, nil
	}

	authHeader := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		// Browsers cannot set headers on websocket upgrades.
		token = r.URL.Query().Get("access_token")
		if token == "" {
			return Principal{}, ErrUnauthenticated
		}
	}

	claims, err := m.ValidateToken(strings.TrimSpace(token))
	if err != nil {
		return Principal{}, err
	}
	tier, _ := steering.ParseTier(claims.Tier)
	return Principal{ActorID: claims.ActorID, Tier: tier, Method: MethodJWT}, nil
}

// generateRandomSecret returns length random bytes, hex encoded
func generateRandomSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", bytes)
}
