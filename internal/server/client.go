package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client is one WebSocket connection. It implements registry.Conn once
// authenticated.
type Client struct {
	conn           *websocket.Conn
	send           chan outbound
	addr           string
	identity       models.Identity
	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      config.RateLimitConfig
	metrics        *Metrics
	logger         *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewClient creates a Client for conn. The client is closed when parent is
// cancelled.
func NewClient(parent context.Context, conn *websocket.Conn, addr string, cfg config.Config, metrics *Metrics, logger *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)

	return &Client{
		conn:           conn,
		send:           make(chan outbound, sendBufferSize),
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		metrics:        metrics,
		logger:         logger.With("remote_addr", addr),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Identity returns the authenticated user of this connection.
func (c *Client) Identity() models.Identity {
	return c.identity
}

// setIdentity must be called before the pumps start.
func (c *Client) setIdentity(identity models.Identity) {
	c.identity = identity
	c.logger = c.logger.With("user_id", identity.ID, "user", identity.Name)
}

// Send enqueues payload for the write pump. It never blocks: a full buffer
// is reported as an error and the frame is dropped.
func (c *Client) Send(payload []byte) error {
	if c.ctx.Err() != nil {
		return errClientClosed
	}
	select {
	case c.send <- outbound{payload: payload}:
		return nil
	case <-c.ctx.Done():
		return errClientClosed
	default:
		return errSendBufferFull
	}
}

// Deliver enqueues payload and waits until the write pump has written it.
func (c *Client) Deliver(ctx context.Context, payload []byte) error {
	if c.ctx.Err() != nil {
		return errClientClosed
	}
	msg := outbound{payload: payload, written: make(chan error, 1)}
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-msg.written:
		return err
	case <-c.ctx.Done():
		select {
		case err := <-msg.written:
			return err
		default:
			return errClientClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close cancels the client and closes the socket. It is safe to call more
// than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection", "error", err)
		}
	})
}

// reject sends a close frame with code and reason, then closes the client.
// It must only be used before the write pump starts.
func (c *Client) reject(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error writing close message", "error", err)
	}
	c.close()
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the reason the read loop ended.
func (c *Client) handleReadError(err error) {
	if c.ctx.Err() != nil {
		c.logger.Debug("connection closed by server", "error", err)
		return
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Warn("message exceeded maximum size", "max_bytes", c.maxMessageSize)
		return
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.logger.Info("client disconnected", "error", err)
		return
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.logger.Info("client connection closed", "error", err)
		return
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.logger.Warn("unexpected websocket error", "error", err)
		return
	}

	c.logger.Warn("websocket read error", "error", err)
}

// checkRateLimit reports whether the frame should be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter.Allow() {
		return true
	}
	c.metrics.frames.WithLabelValues(frameRateLimited).Inc()
	c.logger.Warn("rate limit exceeded; discarding message",
		"burst", c.rateLimit.Burst, "refill_interval", c.rateLimit.RefillInterval)
	return false
}

// readPump passes every frame within the rate limit to handle until the
// connection fails. It runs on the connection's serving goroutine.
func (c *Client) readPump(handle func(frame []byte)) {
	c.setupReadConnection()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		handle(frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case msg := <-c.send:
		return c.writeFrame(msg)
	case <-ticker.C:
		return c.handlePing()
	case <-c.ctx.Done():
		return c.writeCloseMessage()
	}
}

// writeFrame writes one text frame and reports the result to a waiting
// Deliver call.
func (c *Client) writeFrame(msg outbound) bool {
	err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err == nil {
		err = c.conn.WriteMessage(websocket.TextMessage, msg.payload)
	}
	if msg.written != nil {
		msg.written <- err
	}
	if err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a going-away close frame during shutdown.
func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("error writing close message", "error", err)
		}
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("error writing ping message", "error", err)
		return false
	}
	return true
}
