package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jordanhubbard/steerloop/internal/steering"
	"github.com/jordanhubbard/steerloop/pkg/config"
)

func newTestManager(t *testing.T, keys ...config.APIKeyConfig) (*Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Add(1000 * time.Hour)
	m, err := NewManager(Config{
		Enabled:   true,
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
		APIKeys:   keys,
		Clock:     mock,
	})
	require.NoError(t, err)
	return m, mock
}

func cheapHash(t *testing.T, key string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestTokenRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)

	token, err := m.GenerateToken("builder", steering.TierTrusted, 0)
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "builder", claims.ActorID)
	assert.Equal(t, "trusted", claims.Tier)
	assert.Equal(t, "steerd", claims.Issuer)
	assert.Equal(t, "builder", claims.Subject)
}

func TestGenerateTokenValidation(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.GenerateToken("", steering.TierAdmin, 0)
	assert.ErrorIs(t, err, steering.ErrEmptyActor)

	_, err = m.GenerateToken("x", steering.Tier("root"), 0)
	assert.ErrorIs(t, err, steering.ErrUnknownTier)
}

func TestTokenExpires(t *testing.T) {
	m, mock := newTestManager(t)

	token, err := m.GenerateToken("builder", steering.TierGeneral, time.Minute)
	require.NoError(t, err)

	mock.Add(2 * time.Minute)
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	m, _ := newTestManager(t)
	other, err := NewManager(Config{Enabled: true, JWTSecret: "other", Clock: m.clock})
	require.NoError(t, err)

	token, err := other.GenerateToken("builder", steering.TierAdmin, 0)
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenWithUnknownTierRejected(t *testing.T) {
	m, mock := newTestManager(t)
	claims := &Claims{
		ActorID: "builder",
		Tier:    "root",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(mock.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAPIKeys(t *testing.T) {
	m, _ := newTestManager(t, config.APIKeyConfig{
		ID:      "ci",
		Hash:    cheapHash(t, "ci.s3cret"),
		ActorID: "ci-bot",
		Tier:    "Trusted",
	})

	key, err := m.ValidateAPIKey("ci.s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", key.ActorID)
	assert.Equal(t, steering.TierTrusted, key.Tier)
	assert.False(t, key.LastUsed.IsZero())

	_, err = m.ValidateAPIKey("ci.wrong")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	require.NoError(t, m.RevokeAPIKey("ci"))
	_, err = m.ValidateAPIKey("ci.s3cret")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	assert.ErrorIs(t, m.RevokeAPIKey("nope"), ErrKeyNotFound)
	assert.Empty(t, m.ListAPIKeys())
}

func TestAPIKeyWithoutIDPrefixIsScanned(t *testing.T) {
	m, _ := newTestManager(t, config.APIKeyConfig{
		ID:      "legacy",
		Hash:    cheapHash(t, "plainkey"),
		ActorID: "ops",
		Tier:    "admin",
	})

	key, err := m.ValidateAPIKey("plainkey")
	require.NoError(t, err)
	assert.Equal(t, "legacy", key.ID)
}

func TestAddAPIKeyValidation(t *testing.T) {
	m, _ := newTestManager(t)
	tests := []config.APIKeyConfig{
		{ID: "a", Hash: cheapHash(t, "x"), ActorID: "a", Tier: "root"},
		{ID: "", Hash: cheapHash(t, "x"), ActorID: "a", Tier: "admin"},
		{ID: "a", Hash: "plaintext", ActorID: "a", Tier: "admin"},
	}
	for _, tc := range tests {
		assert.Error(t, m.AddAPIKey(tc))
	}
}

func TestCreateAPIKey(t *testing.T) {
	m, _ := newTestManager(t)

	resp, err := m.CreateAPIKey("deployer", steering.TierTrusted)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Key, resp.ID+"."))

	key, err := m.ValidateAPIKey(resp.Key)
	require.NoError(t, err)
	assert.Equal(t, "deployer", key.ActorID)
	assert.Len(t, m.ListAPIKeys(), 1)
}

func TestAuthenticate(t *testing.T) {
	m, _ := newTestManager(t, config.APIKeyConfig{
		ID:      "ci",
		Hash:    cheapHash(t, "ci.s3cret"),
		ActorID: "ci-bot",
		Tier:    "general",
	})
	token, err := m.GenerateToken("alice", steering.TierAdmin, 0)
	require.NoError(t, err)

	t.Run("bearer", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		p, err := m.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, Principal{ActorID: "alice", Tier: steering.TierAdmin, Method: MethodJWT}, p)
		assert.True(t, p.IsAdmin())
	})

	t.Run("query token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)
		p, err := m.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "alice", p.ActorID)
	})

	t.Run("api key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-API-Key", "ci.s3cret")
		p, err := m.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, Principal{ActorID: "ci-bot", Tier: steering.TierGeneral, Method: MethodAPIKey, KeyID: "ci"}, p)
		assert.False(t, p.IsAdmin())
	})

	t.Run("missing", func(t *testing.T) {
		_, err := m.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("garbage", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer nope")
		_, err := m.Authenticate(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAuthenticateDisabled(t *testing.T) {
	m, err := NewManager(Config{Enabled: false})
	require.NoError(t, err)

	p, err := m.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, Principal{ActorID: "anonymous", Tier: steering.TierGeneral, Method: MethodNone}, p)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Actor-ID", "dev")
	r.Header.Set("X-Steering-Tier", "admin")
	p, err = m.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "dev", p.ActorID)
	assert.Equal(t, steering.TierAdmin, p.Tier)
}
