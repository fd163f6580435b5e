package messagebus

import "time"

// EventMessage is the wire form of a prediction lifecycle event.
type EventMessage struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Source       string                 `json:"source"`
	ActorID      string                 `json:"actor_id,omitempty"`
	PredictionID string                 `json:"prediction_id,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}
