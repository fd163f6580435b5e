package auth

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jordanhubbard/steerloop/internal/steering"
)

// Handlers provides HTTP handlers for auth operations
type Handlers struct {
	manager *Manager
}

// NewHandlers creates auth HTTP handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// HandleToken handles POST /api/v1/auth/token (admin only). It mints a token
// for any actor and tier.
func (h *Handlers) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	tier, err := steering.ParseTier(req.Tier)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	token, err := h.manager.GenerateToken(req.ActorID, tier, ttl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ttl <= 0 {
		ttl = h.manager.TokenTTL()
	}

	writeJSON(w, http.StatusCreated, TokenResponse{
		Token:     token,
		ExpiresIn: int64(ttl.Seconds()),
		ActorID:   req.ActorID,
		Tier:      tier,
	})
}

// HandleRefreshToken handles POST /api/v1/auth/refresh (returns new token)
func (h *Handlers) HandleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p, ok := PrincipalFromContext(r.Context())
	if !ok || p.Method == MethodNone {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := h.manager.GenerateToken(p.ActorID, p.Tier, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresIn: int64(h.manager.TokenTTL().Seconds()),
		ActorID:   p.ActorID,
		Tier:      p.Tier,
	})
}

// HandleWhoAmI handles GET /api/v1/auth/me
func (h *Handlers) HandleWhoAmI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleAPIKeys handles GET and POST /api/v1/auth/api-keys (admin only)
func (h *Handlers) HandleAPIKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.manager.ListAPIKeys())
	case http.MethodPost:
		var req struct {
			ActorID string `json:"actor_id"`
			Tier    string `json:"tier"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		tier, err := steering.ParseTier(req.Tier)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ActorID == "" {
			http.Error(w, steering.ErrEmptyActor.Error(), http.StatusBadRequest)
			return
		}
		resp, err := h.manager.CreateAPIKey(req.ActorID, tier)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
