package websocket

import (
	"context"
	"encoding/json"

	"github.com/pullbox/backend/internal/engine"
	"github.com/pullbox/backend/internal/logger"
)

// Sink adapts the hub to the engine's event sink: every event is marshaled
// once and fanned out to the owner's connections.
type Sink struct {
	hub *Hub
	log *logger.Logger
}

// NewSink creates an engine sink backed by the hub.
func NewSink(hub *Hub) *Sink {
	return &Sink{
		hub: hub,
		log: logger.Default().WithComponent("websocket"),
	}
}

// Publish implements engine.Sink.
func (s *Sink) Publish(event engine.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error(context.Background(), "failed to marshal event", err, map[string]interface{}{
			"type": string(event.Type),
		})
		return
	}
	s.hub.Broadcast(event.Owner, data)
}
