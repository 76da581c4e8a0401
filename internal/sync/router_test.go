package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/mesapos/termsync/internal/models"
)

// mockCache records invalidation calls made by the router
type mockCache struct {
	mu       sync.Mutex
	points   []string
	patterns []string
}

func (m *mockCache) Invalidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, key)
}

func (m *mockCache) InvalidatePattern(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, prefix)
}

func (m *mockCache) calls() (points, patterns []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.points...), append([]string(nil), m.patterns...)
}

type emission struct {
	topic   string
	payload any
}

// mockBus records publications and hands out dummy subscription tokens
type mockBus struct {
	mu      sync.Mutex
	emitted []emission
	tokens  int
}

func (m *mockBus) Emit(topic string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted = append(m.emitted, emission{topic, payload})
}

func (m *mockBus) On(topic string, h func(payload any)) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens++
	return fmt.Sprintf("token-%d", m.tokens)
}

func (m *mockBus) Off(topic, token string) {}

func (m *mockBus) emissions() []emission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]emission(nil), m.emitted...)
}

// mockOutbox is an in-memory stand-in for the durable queue
type mockOutbox struct {
	mu      sync.Mutex
	entries []models.OutboxEntry
	seq     int
	failing bool
}

func (m *mockOutbox) Enqueue(_ context.Context, frame []byte, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("outbox unavailable")
	}
	m.seq++
	m.entries = append(m.entries, models.OutboxEntry{
		ID:    fmt.Sprintf("%09d", m.seq),
		Frame: append([]byte(nil), frame...),
	})
	return nil
}

func (m *mockOutbox) FetchPending(_ context.Context, limit int) ([]models.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(limit, len(m.entries))
	return append([]models.OutboxEntry(nil), m.entries[:n]...), nil
}

func (m *mockOutbox) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockOutbox) depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

const localTerminal = "POS-1700000000000-local"

func newTestClient(manual ...string) (*Client, *mockCache, *mockBus, *mockOutbox) {
	mc := &mockCache{}
	mb := &mockBus{}
	mo := &mockOutbox{}
	c := New(Options{
		URL:                      "ws://127.0.0.1:1/ws/sync",
		TerminalID:               localTerminal,
		UserID:                   "user-1",
		Cache:                    mc,
		Bus:                      mb,
		Outbox:                   mo,
		ManualResolutionEntities: manual,
		Logger:                   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return c, mc, mb, mo
}

func TestRoute_CreateInvalidatesAndEmits(t *testing.T) {
	c, mc, mb, _ := newTestClient()
	defer c.Destroy()

	c.route([]byte(`{"type":"CREATE","entity":"order","data":{"id":"o1"},"timestamp":1,"terminalId":"POS-2-other"}`))

	points, patterns := mc.calls()
	if len(points) != 0 {
		t.Errorf("Expected no point invalidation, got %v", points)
	}
	if len(patterns) != 1 || patterns[0] != "order" {
		t.Errorf("Expected exactly one pattern invalidation of order, got %v", patterns)
	}

	emitted := mb.emissions()
	if len(emitted) != 1 {
		t.Fatalf("Expected exactly one bus emission, got %d", len(emitted))
	}
	if emitted[0].topic != "sync:order:create" {
		t.Errorf("Expected topic sync:order:create, got %s", emitted[0].topic)
	}
	if string(emitted[0].payload.(json.RawMessage)) != `{"id":"o1"}` {
		t.Errorf("Expected data payload, got %v", emitted[0].payload)
	}
}

func TestRoute_UpdateEmitsUpdateEvent(t *testing.T) {
	c, mc, mb, _ := newTestClient()
	defer c.Destroy()

	c.route([]byte(`{"type":"UPDATE","entity":"table","entityId":"table-7","data":{"status":"occupied"},"timestamp":2,"terminalId":"POS-2-other"}`))

	_, patterns := mc.calls()
	if len(patterns) != 1 || patterns[0] != "table" {
		t.Errorf("Expected pattern invalidation of table, got %v", patterns)
	}

	emitted := mb.emissions()
	if len(emitted) != 1 || emitted[0].topic != "sync:table:update" {
		t.Fatalf("Expected single sync:table:update emission, got %v", emitted)
	}
	if string(emitted[0].payload.(json.RawMessage)) != `{"status":"occupied"}` {
		t.Errorf("Expected remote data as payload, got %v", emitted[0].payload)
	}
}

func TestRoute_DeleteEmitsNilPayload(t *testing.T) {
	c, mc, mb, _ := newTestClient()
	defer c.Destroy()

	c.route([]byte(`{"type":"DELETE","entity":"order","entityId":"o1","timestamp":3,"terminalId":"POS-2-other"}`))

	_, patterns := mc.calls()
	if len(patterns) != 1 || patterns[0] != "order" {
		t.Errorf("Expected pattern invalidation of order, got %v", patterns)
	}

	emitted := mb.emissions()
	if len(emitted) != 1 || emitted[0].topic != "sync:order:delete" {
		t.Fatalf("Expected single sync:order:delete emission, got %v", emitted)
	}
	if emitted[0].payload != nil {
		t.Errorf("Expected nil payload for delete, got %v", emitted[0].payload)
	}
}

func TestRoute_SelfEchoSuppressed(t *testing.T) {
	c, mc, mb, _ := newTestClient()
	defer c.Destroy()

	frame := fmt.Sprintf(`{"type":"UPDATE","entity":"table","entityId":"t1","data":{"x":1},"timestamp":4,"terminalId":%q}`, localTerminal)
	c.route([]byte(frame))

	points, patterns := mc.calls()
	if len(points) != 0 || len(patterns) != 0 {
		t.Errorf("Expected no invalidation for self-echo, got %v / %v", points, patterns)
	}
	if emitted := mb.emissions(); len(emitted) != 0 {
		t.Errorf("Expected no bus emission for self-echo, got %v", emitted)
	}
}

func TestRoute_MalformedFrameIsDropped(t *testing.T) {
	c, mc, mb, _ := newTestClient()
	defer c.Destroy()

	// Scenario D: literal garbage must neither panic nor dispatch
	c.route([]byte(`invalid json {]`))
	c.route([]byte(``))
	c.route([]byte(`42`))

	points, patterns := mc.calls()
	if len(points) != 0 || len(patterns) != 0 {
		t.Errorf("Expected no invalidation for malformed frames, got %v / %v", points, patterns)
	}
	if emitted := mb.emissions(); len(emitted) != 0 {
		t.Errorf("Expected no bus emission for malformed frames, got %v", emitted)
	}
}

func TestRoute_SchemaInvalidFrameIsDropped(t *testing.T) {
	c, mc, mb, _ := newTestClient()
	defer c.Destroy()

	frames := []string{
		`{"type":"UPSERT","entity":"order","terminalId":"POS-2-other"}`,
		`{"type":"CREATE","terminalId":"POS-2-other"}`,
		`{"type":"UPDATE","entity":"order","data":{"x":1},"terminalId":"POS-2-other"}`,
		`{"type":"CREATE","entity":"order","terminalId":"POS-2-other"}`,
	}
	for _, f := range frames {
		c.route([]byte(f))
	}

	points, patterns := mc.calls()
	if len(points) != 0 || len(patterns) != 0 {
		t.Errorf("Expected no invalidation for schema-invalid frames, got %v / %v", points, patterns)
	}
	if emitted := mb.emissions(); len(emitted) != 0 {
		t.Errorf("Expected no bus emission for schema-invalid frames, got %v", emitted)
	}
}

func TestRoute_TargetedInvalidation(t *testing.T) {
	c, mc, mb, _ := newTestClient()
	defer c.Destroy()

	c.route([]byte(`{"type":"INVALIDATE_CACHE","entity":"product","entityId":"X","timestamp":5,"terminalId":"POS-2-other"}`))

	points, patterns := mc.calls()
	if len(points) != 1 || points[0] != "product-X" {
		t.Errorf("Expected exactly key product-X invalidated, got %v", points)
	}
	if len(patterns) != 0 {
		t.Errorf("Expected no pattern invalidation, got %v", patterns)
	}
	if emitted := mb.emissions(); len(emitted) != 0 {
		t.Errorf("Expected INVALIDATE_CACHE to publish nothing, got %v", emitted)
	}
}

func TestRoute_BroadInvalidation(t *testing.T) {
	c, mc, _, _ := newTestClient()
	defer c.Destroy()

	c.route([]byte(`{"type":"INVALIDATE_CACHE","entity":"product","timestamp":6,"terminalId":"POS-2-other"}`))

	points, patterns := mc.calls()
	if len(points) != 0 {
		t.Errorf("Expected no point invalidation, got %v", points)
	}
	if len(patterns) != 1 || patterns[0] != "product" {
		t.Errorf("Expected pattern invalidation of product, got %v", patterns)
	}
}

func TestRoute_ManualResolutionConflict(t *testing.T) {
	c, mc, mb, _ := newTestClient("cashier")
	defer c.Destroy()

	c.route([]byte(`{"type":"UPDATE","entity":"cashier","entityId":"cashier-1","data":{"id":"cashier-1","balance":500},"timestamp":99,"terminalId":"POS-2-other"}`))

	// The cached copy is stale either way, so invalidation still happens
	_, patterns := mc.calls()
	if len(patterns) != 1 || patterns[0] != "cashier" {
		t.Errorf("Expected cashier cache invalidated, got %v", patterns)
	}

	emitted := mb.emissions()
	if len(emitted) != 1 {
		t.Fatalf("Expected only the conflict event, got %v", emitted)
	}
	if emitted[0].topic != EventConflict {
		t.Errorf("Expected %s, got %s", EventConflict, emitted[0].topic)
	}

	conflict, ok := emitted[0].payload.(models.ConflictEvent)
	if !ok {
		t.Fatalf("Expected ConflictEvent payload, got %T", emitted[0].payload)
	}
	if conflict.Entity != "cashier" || conflict.Timestamp != 99 {
		t.Errorf("Unexpected conflict envelope: %+v", conflict)
	}
	if string(conflict.Remote) != `{"id":"cashier-1","balance":500}` {
		t.Errorf("Expected remote data carried verbatim, got %s", conflict.Remote)
	}
}

func TestRoute_ManualResolutionDoesNotAffectOtherEntities(t *testing.T) {
	c, _, mb, _ := newTestClient("cashier")
	defer c.Destroy()

	c.route([]byte(`{"type":"UPDATE","entity":"order","entityId":"o1","data":{"id":"o1"},"timestamp":7,"terminalId":"POS-2-other"}`))

	emitted := mb.emissions()
	if len(emitted) != 1 || emitted[0].topic != "sync:order:update" {
		t.Errorf("Expected plain update for non-manual entity, got %v", emitted)
	}
}
