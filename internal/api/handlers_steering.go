package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/steering"
)

// MessageRequest is the body of POST /api/v1/messages.
type MessageRequest struct {
	ChannelID string   `json:"channel_id"`
	Prompt    string   `json:"prompt"`
	Tags      []string `json:"tags,omitempty"`
	Requester string   `json:"requester,omitempty"`
	// Tier and ActorID are honoured for admin callers only.
	Tier    string `json:"tier,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

// RedirectRequest is the body of POST /api/v1/redirects.
type RedirectRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Prompt  string `json:"prompt"`
	Source  string `json:"source,omitempty"`
}

// BlessRequest is the body of POST /api/v1/blessings.
type BlessRequest struct {
	MessageHandle string `json:"message_handle"`
}

// PredictionResponse wraps a prediction with an optional error.
type PredictionResponse struct {
	Prediction *steering.Prediction `json:"prediction,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// handleMessage handles POST /api/v1/messages. Tier and actor come from the
// caller's credentials.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p := principal(r)
	tier, actorID := p.Tier, p.ActorID
	if p.IsAdmin() {
		if req.Tier != "" {
			t, err := steering.ParseTier(req.Tier)
			if err != nil {
				s.respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			tier = t
		}
		if req.ActorID != "" {
			actorID = req.ActorID
		}
	}

	// Admin-tier execution runs inline; it must survive the client hanging up.
	ctx := context.WithoutCancel(r.Context())
	pred, err := s.loop.HandleMessage(ctx, steering.Request{
		Tier:      tier,
		ActorID:   actorID,
		ChannelID: req.ChannelID,
		Prompt:    req.Prompt,
		Requester: req.Requester,
		Tags:      req.Tags,
	})
	if err != nil {
		status := statusForError(err)
		if pred.ID != "" {
			s.respondJSON(w, status, PredictionResponse{Prediction: &pred, Error: err.Error()})
			return
		}
		s.respondError(w, status, err.Error())
		return
	}

	status := http.StatusAccepted
	if pred.Status != steering.StatusPending {
		status = http.StatusOK
	}
	s.respondJSON(w, status, PredictionResponse{Prediction: &pred})
}

// handleRedirect handles POST /api/v1/redirects. Non-admin callers can only
// redirect their own predictions.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	var req RedirectRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p := principal(r)
	actorID := p.ActorID
	if req.ActorID != "" && req.ActorID != actorID {
		if !p.IsAdmin() {
			s.respondError(w, http.StatusForbidden, "Only admins can redirect another actor's prediction")
			return
		}
		actorID = req.ActorID
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	next, err := s.loop.TryRedirect(r.Context(), actorID, req.Prompt, source)
	if err != nil {
		if next != nil {
			s.respondJSON(w, statusForError(err), PredictionResponse{Prediction: next, Error: err.Error()})
			return
		}
		s.respondError(w, statusForError(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, PredictionResponse{Prediction: next})
}

// handleBless handles POST /api/v1/blessings (admin only).
func (s *Server) handleBless(w http.ResponseWriter, r *http.Request) {
	var req BlessRequest
	if err := s.parseJSON(r, &req); err != nil || strings.TrimSpace(req.MessageHandle) == "" {
		s.respondError(w, http.StatusBadRequest, "message_handle is required")
		return
	}

	admin := principal(r)
	ctx := context.WithoutCancel(r.Context())
	if !s.loop.AdminBless(ctx, req.MessageHandle, admin.ActorID) {
		s.respondError(w, http.StatusNotFound, "No pending prediction for that message")
		return
	}

	resp := map[string]interface{}{"blessed": true}
	for _, pred := range s.loop.List() {
		if pred.MessageHandle == req.MessageHandle {
			pred := pred
			resp["prediction"] = &pred
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleAbortAll handles POST /api/v1/abort (admin only).
func (s *Server) handleAbortAll(w http.ResponseWriter, r *http.Request) {
	n := s.loop.AbortAll(context.WithoutCancel(r.Context()))
	s.logger.Warn("Emergency abort requested", zap.String("admin_id", principal(r).ActorID), zap.Int("aborted", n))
	s.respondJSON(w, http.StatusOK, map[string]int{"aborted": n})
}

// handleGetConfig handles GET /api/v1/config
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.loop.Config()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ask_predict_timeout_ms":     cfg.AskPredictTimeout.Milliseconds(),
		"redirect_grace_period_ms":   cfg.RedirectGracePeriod.Milliseconds(),
		"max_concurrent_predictions": cfg.MaxConcurrentPredictions,
		"use_sovereignty_timeouts":   cfg.UseSovereigntyTimeouts,
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, steering.ErrEmptyPrompt),
		errors.Is(err, steering.ErrEmptyActor),
		errors.Is(err, steering.ErrUnknownTier):
		return http.StatusBadRequest
	case errors.Is(err, steering.ErrNothingToRedirect):
		return http.StatusNotFound
	case errors.Is(err, steering.ErrInsideGracePeriod):
		return http.StatusConflict
	case errors.Is(err, steering.ErrLoopClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
