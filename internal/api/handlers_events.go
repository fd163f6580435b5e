package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/eventbus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// handleGetEvents handles GET /api/v1/events?actor_id=&type=&limit= from the
// in-memory history.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventBus == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Event bus not available")
		return
	}
	q := r.URL.Query()
	limit := 100
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = l
	}
	events := s.eventBus.GetRecentEvents(limit, q.Get("actor_id"), q.Get("type"))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleEventSocket handles GET /api/v1/events/ws. Each lifecycle event is
// sent as one JSON text frame; actor_id and type query params filter the
// stream.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	if s.eventBus == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Event bus not available")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.matchOrigin(origin) != ""
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	actorID := r.URL.Query().Get("actor_id")
	eventType := r.URL.Query().Get("type")
	subscriberID := "ws-" + uuid.New().String()
	sub := s.eventBus.Subscribe(subscriberID, func(event *eventbus.Event) bool {
		if actorID != "" && event.ActorID != actorID {
			return false
		}
		if eventType != "" && string(event.Type) != eventType {
			return false
		}
		return true
	})
	defer s.eventBus.Unsubscribe(subscriberID)

	s.logger.Debug("Websocket client connected", zap.String("subscriber_id", subscriberID), zap.String("actor_id", principal(r).ActorID))

	// The read side only exists to process control frames and notice closes.
	closed := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Channel:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
