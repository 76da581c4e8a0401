package sync

import (
	"encoding/json"

	"github.com/mesapos/termsync/internal/models"
	"github.com/mesapos/termsync/pkg/metrics"
)

// route dispatches one inbound frame. Nothing in here may panic or surface
// an error to the application: a frame that cannot be parsed, fails the
// schema invariants or echoes our own terminal is dropped, counted and
// logged, and the client moves on to the next frame
func (c *Client) route(frame []byte) {
	var msg models.SyncMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		metrics.MessagesDiscarded.WithLabelValues("malformed").Inc()
		c.logger.Warn("Discarding malformed sync frame", "error", err, "bytes", len(frame))
		return
	}
	if err := msg.Validate(); err != nil {
		metrics.MessagesDiscarded.WithLabelValues("invalid_schema").Inc()
		c.logger.Warn("Discarding schema-invalid sync frame", "error", err)
		return
	}

	// Self-echo: the local mutation was already applied optimistically by
	// the originating call
	if msg.TerminalID == c.terminalID {
		metrics.MessagesDiscarded.WithLabelValues("self_echo").Inc()
		return
	}

	metrics.MessagesReceived.WithLabelValues(string(msg.Type), msg.Entity).Inc()

	switch msg.Type {
	case models.TypeCreate:
		c.cache.InvalidatePattern(msg.Entity)
		c.bus.Emit(entityTopic(msg.Entity, "create"), msg.Data)

	case models.TypeUpdate:
		c.cache.InvalidatePattern(msg.Entity)
		if c.policies.Resolve(msg.Entity) == models.ResolveManual {
			// Manual-resolution entities go to a human; the plain update
			// event is suppressed so UI code cannot auto-apply the remote
			// value before the prompt is answered
			metrics.Conflicts.WithLabelValues(msg.Entity).Inc()
			c.logger.Info("Remote update routed to manual resolution",
				"entity", msg.Entity,
				"entity_id", msg.EntityID,
				"origin", msg.TerminalID,
			)
			c.bus.Emit(EventConflict, models.ConflictEvent{
				Entity:    msg.Entity,
				Remote:    msg.Data,
				Timestamp: msg.Timestamp,
			})
			return
		}
		c.bus.Emit(entityTopic(msg.Entity, "update"), msg.Data)

	case models.TypeDelete:
		c.cache.InvalidatePattern(msg.Entity)
		c.bus.Emit(entityTopic(msg.Entity, "delete"), nil)

	case models.TypeInvalidateCache:
		if msg.EntityID != "" {
			c.cache.Invalidate(msg.CacheKey())
		} else {
			c.cache.InvalidatePattern(msg.Entity)
		}
	}
}
