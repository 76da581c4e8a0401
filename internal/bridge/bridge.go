package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"

	"github.com/mesapos/termsync/internal/models"
)

// EventBus is the subset of the application bus the bridge needs
type EventBus interface {
	On(topic string, h func(payload any)) string
	Off(topic, token string)
}

// Notifier is the outbound face of the sync client
type Notifier interface {
	NotifyCreate(ctx context.Context, entity string, data any) error
	NotifyUpdate(ctx context.Context, entity, entityID string, data any) error
	NotifyDelete(ctx context.Context, entity, entityID string) error
}

type route struct {
	topic  string
	typ    models.MessageType
	entity string
}

// routes is the static subscription table bridging local application events
// into sync broadcasts, so page code never calls the sync API directly
var routes = []route{
	{"order:created", models.TypeCreate, "order"},
	{"order:updated", models.TypeUpdate, "order"},
	{"order:deleted", models.TypeDelete, "order"},
	{"table:status:changed", models.TypeUpdate, "table"},
	{"product:created", models.TypeCreate, "product"},
	{"product:updated", models.TypeUpdate, "product"},
	{"cashier:balance:changed", models.TypeUpdate, "cashier"},
}

type subscription struct {
	topic string
	token string
}

// Bridge forwards the table above for the lifetime of the terminal process
type Bridge struct {
	bus      EventBus
	notifier Notifier
	logger   *slog.Logger
	subs     []subscription
}

// New subscribes every route. Teardown happens in Destroy
func New(bus EventBus, notifier Notifier, logger *slog.Logger) *Bridge {
	b := &Bridge{bus: bus, notifier: notifier, logger: logger}
	for _, r := range routes {
		r := r
		token := bus.On(r.topic, func(payload any) { b.forward(r, payload) })
		b.subs = append(b.subs, subscription{r.topic, token})
	}
	return b
}

func (b *Bridge) forward(r route, payload any) {
	ctx := context.Background()

	var err error
	switch r.typ {
	case models.TypeCreate:
		err = b.notifier.NotifyCreate(ctx, r.entity, payload)
	case models.TypeUpdate:
		id := extractID(payload)
		if id == "" {
			b.logger.Warn("Dropping auto-broadcast without an id field", "topic", r.topic, "entity", r.entity)
			return
		}
		err = b.notifier.NotifyUpdate(ctx, r.entity, id, payload)
	case models.TypeDelete:
		id := extractID(payload)
		if id == "" {
			b.logger.Warn("Dropping auto-broadcast without an id field", "topic", r.topic, "entity", r.entity)
			return
		}
		err = b.notifier.NotifyDelete(ctx, r.entity, id)
	}

	if err != nil {
		b.logger.Error("Auto-broadcast failed", "topic", r.topic, "entity", r.entity, "error", err)
	}
}

// extractID pulls the instance identifier out of an arbitrary event payload
func extractID(payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	switch v := probe.ID.(type) {
	case string:
		return v
	case float64:
		// JSON numbers arrive as float64; only whole values are usable as
		// identifiers, anything fractional is a malformed event payload
		if v != math.Trunc(v) {
			return ""
		}
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}

// Destroy removes every subscription installed by New
func (b *Bridge) Destroy() {
	for _, s := range b.subs {
		b.bus.Off(s.topic, s.token)
	}
	b.subs = nil
}
