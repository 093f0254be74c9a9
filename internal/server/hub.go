package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/registry"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// teardownTimeout bounds store calls made after a connection has closed.
const teardownTimeout = 5 * time.Second

// Hub manages the lifecycle of every WebSocket connection: authentication,
// registration, history and backlog replay, frame dispatch and departure.
type Hub struct {
	cfg      config.Config
	registry *registry.Registry
	engine   *relay.Engine
	store    store.MessageStore
	verifier auth.Verifier
	metrics  *Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mutex   sync.Mutex
	clients map[*Client]struct{}

	backlogMu    sync.Mutex
	backlogLocks map[int64]*sync.Mutex

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a Hub ready to serve connections. A nil metrics or logger
// gets an unregistered or default one.
func NewHub(cfg config.Config, st store.MessageStore, verifier auth.Verifier, metrics *Metrics, logger *slog.Logger) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = config.Sanitize(cfg)
	reg := registry.New()
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		cfg:      cfg,
		registry: reg,
		engine:   relay.New(reg, st, logger.With("component", "relay")),
		store:    st,
		verifier: verifier,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		clients:      make(map[*Client]struct{}),
		backlogLocks: make(map[int64]*sync.Mutex),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// ServeWS upgrades the request and serves the connection on its own
// goroutine. The bearer token is read from the token query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if h.ctx.Err() != nil {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(h.ctx, conn, r.RemoteAddr, h.cfg, h.metrics, h.logger)
	if !h.track(client) {
		client.close()
		return
	}

	go func() {
		defer h.wg.Done()
		defer h.untrack(client)
		h.serve(client, token)
	}()
}

// track adds client to the live set. It fails once shutdown has begun.
func (h *Hub) track(client *Client) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.clients[client] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(client *Client) {
	h.mutex.Lock()
	delete(h.clients, client)
	h.mutex.Unlock()
}

// serve runs one connection from authentication to teardown.
func (h *Hub) serve(c *Client, token string) {
	if token == "" {
		h.metrics.authFailures.Inc()
		c.logger.Warn("rejecting connection without token")
		c.reject(websocket.ClosePolicyViolation, "missing token")
		return
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.metrics.authFailures.Inc()
		c.logger.Warn("rejecting connection with invalid token", "error", err)
		c.reject(websocket.ClosePolicyViolation, "invalid token")
		return
	}
	c.setIdentity(identity)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()

	h.metrics.connections.Inc()
	defer h.metrics.connections.Dec()
	defer h.teardown(c)

	h.activate(c)
	c.readPump(func(frame []byte) { h.dispatch(c, frame) })
}

// activate registers c, replays history and the offline backlog, then
// announces the join.
func (h *Hub) activate(c *Client) {
	identity := c.Identity()
	h.registry.Register(identity.ID, c)
	c.logger.Info("client connected", "online", h.registry.Len())

	h.sendHistory(c)
	h.flushBacklog(c)

	h.engine.Broadcast(protocol.StatusEvent{
		Message: fmt.Sprintf("%s joined the chat", identity.Name),
		Users:   h.registry.Snapshot(),
	})
}

func (h *Hub) sendHistory(c *Client) {
	messages, err := h.store.RecentMessages(c.ctx, h.cfg.HistoryLimit)
	if err != nil {
		h.metrics.relayErrors.WithLabelValues("store_failure").Inc()
		c.logger.Error("failed to load history", "error", err)
	}
	payload, err := protocol.Encode(protocol.HistoryEvent{Messages: messages})
	if err != nil {
		c.logger.Error("failed to encode history", "error", err)
		return
	}
	if err := c.Deliver(c.ctx, payload); err != nil {
		c.logger.Debug("history not delivered", "error", err)
	}
}

// flushBacklog writes every undelivered private message to c, marking each
// delivered once written. The per-user lock keeps two connections of the
// same user from replaying the same backlog concurrently.
func (h *Hub) flushBacklog(c *Client) {
	identity := c.Identity()
	lock := h.backlogLock(identity.ID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := h.store.UndeliveredFor(c.ctx, identity.ID)
	if err != nil {
		h.metrics.relayErrors.WithLabelValues("store_failure").Inc()
		c.logger.Error("failed to load undelivered messages", "error", err)
		return
	}

	for _, msg := range pending {
		payload, err := protocol.Encode(protocol.PrivateEvent{
			ID:   msg.ID,
			From: msg.SenderName,
			Text: msg.Content,
			Time: msg.CreatedAt,
		})
		if err != nil {
			c.logger.Error("failed to encode backlog message", "message_id", msg.ID, "error", err)
			continue
		}
		if err := c.Deliver(c.ctx, payload); err != nil {
			c.logger.Info("backlog flush interrupted", "message_id", msg.ID, "error", err)
			return
		}
		if err := h.store.MarkDelivered(c.ctx, msg.ID); err != nil {
			h.metrics.relayErrors.WithLabelValues("store_failure").Inc()
			c.logger.Error("failed to mark backlog message delivered", "message_id", msg.ID, "error", err)
			continue
		}
		h.engine.Notify(msg.SenderID, protocol.DeliveredEvent{MessageID: msg.ID})
	}
	if len(pending) > 0 {
		c.logger.Info("flushed offline backlog", "count", len(pending))
	}
}

func (h *Hub) backlogLock(id int64) *sync.Mutex {
	h.backlogMu.Lock()
	defer h.backlogMu.Unlock()
	lock, ok := h.backlogLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		h.backlogLocks[id] = lock
	}
	return lock
}

// dispatch decodes one frame and hands it to the relay engine.
func (h *Hub) dispatch(c *Client, frame []byte) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		h.metrics.frames.WithLabelValues(frameMalformed).Inc()
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	h.metrics.frames.WithLabelValues(string(ev.Type())).Inc()

	if err := h.engine.Handle(c.ctx, c.Identity(), ev); err != nil {
		kind := errorKind(err)
		h.metrics.relayErrors.WithLabelValues(kind).Inc()
		level := slog.LevelWarn
		if kind == "store_failure" {
			level = slog.LevelError
		}
		c.logger.Log(c.ctx, level, "relay failed", "type", ev.Type(), "kind", kind, "error", err)
	}
}

// teardown runs after the read loop ends, whatever the cause.
func (h *Hub) teardown(c *Client) {
	identity := c.Identity()
	removed := h.registry.Unregister(identity.ID, c)
	c.close()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := h.store.UpdateLastSeen(ctx, identity.ID); err != nil {
		h.metrics.relayErrors.WithLabelValues("store_failure").Inc()
		c.logger.Error("failed to update last seen", "error", err)
	}

	if !removed {
		c.logger.Info("stale connection closed after reconnect")
		return
	}
	c.logger.Info("client disconnected", "online", h.registry.Len())
	h.engine.Broadcast(protocol.StatusEvent{
		Message: fmt.Sprintf("%s left the chat", identity.Name),
		Users:   h.registry.Snapshot(),
	})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, relay.ErrUnresolvedRecipient):
		return "unresolved_recipient"
	case errors.Is(err, relay.ErrStoreFailure):
		return "store_failure"
	case errors.Is(err, relay.ErrForbidden):
		return "forbidden"
	case errors.Is(err, errClientClosed), errors.Is(err, context.Canceled):
		return "delivery"
	default:
		return "other"
	}
}

// Shutdown stops accepting connections, closes every client with a
// going-away frame and waits for all connection goroutines to finish, or for
// the timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.mutex.Lock()
	h.cancel()
	count := len(h.clients)
	h.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed", "closed_clients", count)
		return nil
	case <-time.After(timeout):
		h.mutex.Lock()
		for client := range h.clients {
			client.close()
		}
		h.mutex.Unlock()
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
