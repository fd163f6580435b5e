package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jordanhubbard/steerloop/internal/steering"
)

// Authentication methods recorded on a Principal.
const (
	MethodJWT    = "jwt"
	MethodAPIKey = "api_key"
	MethodNone   = "none"
)

// Claims are the JWT claims issued by steerd. Tier decides how the holder's
// requests are executed.
type Claims struct {
	ActorID string `json:"actor_id"`
	Tier    string `json:"tier"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller of an API request.
type Principal struct {
	ActorID string        `json:"actor_id"`
	Tier    steering.Tier `json:"tier"`
	Method  string        `json:"method"`
	KeyID   string        `json:"key_id,omitempty"`
}

// IsAdmin reports whether the principal may bless, abort and mint tokens.
func (p Principal) IsAdmin() bool {
	return p.Tier == steering.TierAdmin
}

// APIKey is a bcrypt-hashed key bound to an actor and tier.
type APIKey struct {
	ID       string        `json:"id"`
	ActorID  string        `json:"actor_id"`
	Tier     steering.Tier `json:"tier"`
	KeyHash  string        `json:"-"`
	IsActive bool          `json:"is_active"`
	LastUsed time.Time     `json:"last_used,omitempty"`
}

// TokenRequest asks for a token on behalf of an actor (admin only).
type TokenRequest struct {
	ActorID    string `json:"actor_id"`
	Tier       string `json:"tier"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// TokenResponse carries a freshly minted token.
type TokenResponse struct {
	Token     string        `json:"token"`
	ExpiresIn int64         `json:"expires_in"`
	ActorID   string        `json:"actor_id"`
	Tier      steering.Tier `json:"tier"`
}

// CreateAPIKeyResponse returns the plaintext key exactly once.
type CreateAPIKeyResponse struct {
	ID      string        `json:"id"`
	Key     string        `json:"key"`
	ActorID string        `json:"actor_id"`
	Tier    steering.Tier `json:"tier"`
}
