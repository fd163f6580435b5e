package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jordanhubbard/steerloop/internal/logging"
)

// handleLogsRecent handles GET /api/v1/logs?limit=&level=&source=&prediction_id=&since=
// Requests with "since" are served from the persisted store when one exists.
func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request) {
	if s.logManager == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Log capture not enabled")
		return
	}

	q := r.URL.Query()
	limit := 100
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = l
	}

	filter := logging.Filter{
		Level:        q.Get("level"),
		Source:       q.Get("source"),
		PredictionID: q.Get("prediction_id"),
	}

	var logs []logging.LogEntry
	if sinceStr := q.Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid 'since' parameter: %v", err))
			return
		}
		filter.Since = since
		logs, err = s.logManager.Query(r.Context(), limit, filter)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to query logs: %v", err))
			return
		}
	} else {
		logs = s.logManager.GetRecent(limit, filter)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}
