package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mesapos/termsync/internal/models"
	"github.com/mesapos/termsync/pkg/infra"
	"github.com/mesapos/termsync/pkg/metrics"

	"github.com/gorilla/websocket"
)

const (
	flushBatchSize = 100

	heavyMessageThresholdKB = 256
)

// ErrDestroyed is returned by operations on a torn-down client
var ErrDestroyed = errors.New("sync client is destroyed")

// Cache defines the contract for the request cache collaborator
type Cache interface {
	Invalidate(key string)
	InvalidatePattern(prefix string)
}

// EventBus defines the contract for the application event bus collaborator
type EventBus interface {
	Emit(topic string, payload any)
	On(topic string, h func(payload any)) string
	Off(topic, token string)
}

// Outbox defines the contract for durable queueing of not-yet-sent messages
type Outbox interface {
	Enqueue(ctx context.Context, frame []byte, enqueuedAt int64) error
	FetchPending(ctx context.Context, limit int) ([]models.OutboxEntry, error)
	Delete(ctx context.Context, id string) error
}

type subscription struct {
	topic string
	token string
}

// Options configures a Client. One client is constructed per terminal
// process and injected where needed; there is no package-level singleton
type Options struct {
	URL                      string
	TerminalID               string
	UserID                   string
	Cache                    Cache
	Bus                      EventBus
	Outbox                   Outbox
	ManualResolutionEntities []string
	ReconnectBaseDelay       time.Duration
	ReconnectMaxDelay        time.Duration
	Logger                   *slog.Logger
}

// Client keeps this terminal's caches and the other terminals' caches
// mutually coherent over one WebSocket link to the sync endpoint.
// Outbound mutations flow through Broadcast and the Notify helpers;
// inbound frames are routed into cache invalidations and bus events
type Client struct {
	url        string
	terminalID string
	cache      Cache
	bus        EventBus
	outbox     Outbox
	policies   models.PolicyTable
	logger     *slog.Logger
	backoff    *infra.Backoff
	dialer     *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conn           *websocket.Conn
	userID         string
	reconnectTimer *time.Timer
	gen            int
	destroyed      bool
	subs           []subscription

	// sendMu serializes everything that decides between live transmission
	// and queueing: Broadcast's transmit-or-enqueue step and the whole
	// outbox drain. This is what keeps a single terminal's messages in
	// program order across a reconnect, and it doubles as the transport's
	// single-writer guarantee
	sendMu    sync.Mutex
	connected atomic.Bool
}

// New builds a client and registers its host-connectivity subscriptions.
// It does not dial; call Connect to bring the link up
func New(opts Options) *Client {
	base := opts.ReconnectBaseDelay
	if base <= 0 {
		base = 3 * time.Second
	}
	maxDelay := opts.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:        opts.URL,
		terminalID: opts.TerminalID,
		cache:      opts.Cache,
		bus:        opts.Bus,
		outbox:     opts.Outbox,
		policies:   models.NewPolicyTable(opts.ManualResolutionEntities),
		logger:     logger,
		backoff:    infra.NewBackoff(base, maxDelay),
		dialer:     websocket.DefaultDialer,
		userID:     opts.UserID,
		ctx:        ctx,
		cancel:     cancel,
	}

	c.subs = append(c.subs,
		subscription{TopicNetworkOnline, c.bus.On(TopicNetworkOnline, func(any) { c.Online() })},
		subscription{TopicNetworkOffline, c.bus.On(TopicNetworkOffline, func(any) { c.Offline() })},
	)
	return c
}

// Connect dials the sync endpoint, closing any prior socket first so a
// repeated call never leaves duplicate connections behind. On success the
// queued outbox is drained before Connect returns; the client only reports
// connected once the backlog is gone, so a broadcast made during the drain
// queues behind it instead of overtaking it. A dial failure is not fatal:
// it arms the reconnect schedule and the terminal keeps queueing
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		c.logger.Error("Sync endpoint unreachable", "url", c.url, "error", err)
		c.bus.Emit(EventError, err)
		c.scheduleReconnect()
		return fmt.Errorf("failed to dial sync endpoint: %v", err)
	}

	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return ErrDestroyed
	}
	c.conn = conn
	c.mu.Unlock()

	c.backoff.Reset()
	c.logger.Info("Sync link established 🚀", "url", c.url, "terminal_id", c.terminalID)
	c.bus.Emit(EventConnected, nil)

	go c.readPump(conn, gen)

	if err := c.flush(); err != nil {
		// The backlog must clear before live traffic may resume. Dropping
		// the socket routes recovery through the normal disconnect path
		c.logger.Warn("Outbox drain failed, resetting the link", "error", err)
		conn.Close()
		return fmt.Errorf("failed to drain outbox: %v", err)
	}
	return nil
}

// readPump consumes frames until the socket dies, then hands control to the
// disconnect path. Exactly one pump runs per connection generation
func (c *Client) readPump(conn *websocket.Conn, gen int) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.route(frame)
	}
}

func (c *Client) handleDisconnect(gen int, cause error) {
	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.connected.Store(false)
	metrics.ConnectionStatus.Set(0)

	if !isExpectedClose(cause) {
		c.bus.Emit(EventError, cause)
	}

	c.logger.Warn("Sync link lost", "error", cause)
	c.bus.Emit(EventDisconnected, nil)
	c.scheduleReconnect()
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
	) || errors.Is(err, net.ErrClosed)
}

// scheduleReconnect arms at most one pending attempt. The timer is stored
// so an immediate Online() reconnect can cancel it instead of stacking a
// second attempt on top
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.reconnectTimer != nil || c.connected.Load() {
		return
	}

	wait := c.backoff.Next()
	metrics.Reconnections.Inc()
	c.logger.Info("Reconnect scheduled", "wait", wait, "attempt", c.backoff.Attempts())

	c.reconnectTimer = time.AfterFunc(wait, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		if c.connected.Load() {
			return
		}
		_ = c.Connect()
	})
}

// Online is invoked when the host reports network connectivity restored.
// Any pending backoff timer is cancelled in favor of an immediate dial
func (c *Client) Online() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	destroyed := c.destroyed
	c.mu.Unlock()

	if !destroyed && !c.connected.Load() {
		_ = c.Connect()
	}
}

// Offline is invoked when the host reports network loss. The socket is left
// alone; if the link actually dropped the read pump will surface it
func (c *Client) Offline() {
	c.logger.Info("Host network reported offline")
	c.bus.Emit(EventOffline, nil)
}

// Connected reports whether the sync link is currently up
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// SetUser records the acting user stamped on subsequent outbound messages
func (c *Client) SetUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// Broadcast stamps and transmits a mutation notification, or queues it in
// the durable outbox while the link is down. A live send that fails at the
// transport is queued rather than dropped
func (c *Client) Broadcast(ctx context.Context, t models.MessageType, entity, entityID string, data any) error {
	payload, err := marshalPayload(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	userID := c.userID
	c.mu.Unlock()

	msg := models.SyncMessage{
		Type:       t,
		Entity:     entity,
		EntityID:   entityID,
		Data:       payload,
		Timestamp:  time.Now().UnixMilli(),
		TerminalID: c.terminalID,
		UserID:     userID,
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to broadcast: %w", err)
	}

	if kb := msg.EstimateBytes() / 1024; kb > heavyMessageThresholdKB {
		c.logger.Warn("Heavy sync payload: entity bodies should stay small",
			"entity", entity,
			"size_kb", kb,
			"threshold_kb", heavyMessageThresholdKB,
		)
	}

	frame, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to serialize sync message: %v", err)
	}

	// The transmit-or-queue decision happens under sendMu so it cannot
	// interleave with an in-progress outbox drain: while flush holds the
	// lock this blocks, and afterwards either the link is live with an
	// empty backlog or the message queues behind whatever remains
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.connected.Load() {
		if err := c.send(frame); err == nil {
			metrics.MessagesSent.WithLabelValues(string(t), entity).Inc()
			return nil
		} else {
			c.logger.Warn("Transport write failed, queueing message",
				"type", string(t),
				"entity", entity,
				"error", err,
			)
		}
	}

	if err := c.outbox.Enqueue(ctx, frame, msg.Timestamp); err != nil {
		return fmt.Errorf("failed to queue sync message: %v", err)
	}
	return nil
}

// NotifyCreate announces a locally created entity
func (c *Client) NotifyCreate(ctx context.Context, entity string, data any) error {
	return c.Broadcast(ctx, models.TypeCreate, entity, "", data)
}

// NotifyUpdate announces a locally updated entity instance
func (c *Client) NotifyUpdate(ctx context.Context, entity, entityID string, data any) error {
	return c.Broadcast(ctx, models.TypeUpdate, entity, entityID, data)
}

// NotifyDelete announces a locally deleted entity instance
func (c *Client) NotifyDelete(ctx context.Context, entity, entityID string) error {
	return c.Broadcast(ctx, models.TypeDelete, entity, entityID, nil)
}

// InvalidateCache asks the other terminals to drop their cached copy of an
// entity. An empty entityID widens the invalidation to the whole category
func (c *Client) InvalidateCache(ctx context.Context, entity, entityID string) error {
	return c.Broadcast(ctx, models.TypeInvalidateCache, entity, entityID, nil)
}

// send writes one frame. Callers hold sendMu, which satisfies the
// transport's single-concurrent-writer requirement
func (c *Client) send(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("sync link is down")
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// flush drains the outbox strictly in enqueue order and flips the client
// to connected once the final fetch comes back empty. Holding sendMu for
// the whole drain means at most one drain runs at a time (so a queued
// message is transmitted exactly once) and any Broadcast racing the drain
// waits its turn rather than overtaking the backlog. An entry is deleted
// only after the transport accepts it; the first failure aborts the drain
// and leaves the remainder queued for the next reconnection
func (c *Client) flush() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	start := time.Now()
	flushed := 0
	defer func() {
		if flushed > 0 {
			metrics.FlushDuration.Observe(time.Since(start).Seconds())
			metrics.FlushSize.Observe(float64(flushed))
			c.logger.Info("Outbox drained",
				"count", flushed,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}()

	for {
		pending, err := c.outbox.FetchPending(c.ctx, flushBatchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch queued messages: %v", err)
		}
		if len(pending) == 0 {
			c.connected.Store(true)
			metrics.ConnectionStatus.Set(1)
			return nil
		}

		for _, p := range pending {
			if err := c.send(p.Frame); err != nil {
				return fmt.Errorf("transport rejected queued message: %v", err)
			}
			if err := c.outbox.Delete(c.ctx, p.ID); err != nil {
				return fmt.Errorf("failed to dequeue sent message: %v", err)
			}

			var m models.SyncMessage
			if json.Unmarshal(p.Frame, &m) == nil {
				metrics.MessagesSent.WithLabelValues(string(m.Type), m.Entity).Inc()
			}
			flushed++
		}
	}
}

// Destroy tears the client down: pending reconnects are cancelled, the
// socket is closed and every bus subscription owned by the client is
// removed. Safe to call on a client that never connected
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.connected.Store(false)
	metrics.ConnectionStatus.Set(0)

	for _, s := range subs {
		c.bus.Off(s.topic, s.token)
	}
	c.logger.Info("Sync client destroyed", "terminal_id", c.terminalID)
}

func marshalPayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize payload: %v", err)
		}
		return b, nil
	}
}
