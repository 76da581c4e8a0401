package bus

import (
	"sync"

	"github.com/google/uuid"
)

// Handler receives the payload published on a topic. It is an alias so
// that consumers can declare bus interfaces against plain function types
type Handler = func(payload any)

// Bus is the in-process application event bus shared by the UI layers and
// the sync client. Publication is fire-and-forget: handlers run on the
// emitting goroutine and there is no delivery guarantee or backpressure
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[string]Handler)}
}

// On subscribes a handler to a topic and returns a token for Off.
// Tokens stand in for handler identity, which Go functions do not have
func (b *Bus) On(topic string, h Handler) string {
	token := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]Handler)
	}
	b.subs[topic][token] = h
	return token
}

// Off removes a single subscription. Unknown tokens are ignored
func (b *Bus) Off(topic, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handlers, ok := b.subs[topic]; ok {
		delete(handlers, token)
		if len(handlers) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Emit publishes a payload to every handler subscribed to the topic
func (b *Bus) Emit(topic string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// RemoveAllListeners drops every subscription on every topic
func (b *Bus) RemoveAllListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[string]Handler)
}
