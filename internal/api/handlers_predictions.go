package api

import (
	"net/http"

	"github.com/jordanhubbard/steerloop/internal/steering"
)

// handleListPredictions handles GET /api/v1/predictions[?status=&actor_id=]
func (s *Server) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	status := steering.Status(r.URL.Query().Get("status"))
	actorID := r.URL.Query().Get("actor_id")

	var source []steering.Prediction
	if status == steering.StatusPending {
		source = s.loop.GetActivePredictions()
	} else {
		source = s.loop.List()
	}

	predictions := make([]steering.Prediction, 0, len(source))
	for _, p := range source {
		if status != "" && p.Status != status {
			continue
		}
		if actorID != "" && p.ActorID != actorID {
			continue
		}
		predictions = append(predictions, p)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"predictions": predictions,
		"count":       len(predictions),
	})
}

// handleGetPrediction handles GET /api/v1/predictions/{id}
func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loop.Get(r.PathValue("id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "Prediction not found")
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

// handleActorPending handles GET /api/v1/actors/{id}/pending
func (s *Server) handleActorPending(w http.ResponseWriter, r *http.Request) {
	actorID := r.PathValue("id")
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"actor_id": actorID,
		"pending":  s.loop.HasPendingPrediction(actorID),
	})
}
