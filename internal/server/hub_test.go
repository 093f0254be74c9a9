package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/models"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const (
	testSecret  = "test-secret"
	testOrigin  = "http://chat.example"
	readTimeout = 2 * time.Second
)

type testEnv struct {
	store   *store.Memory
	jwt     *auth.JWT
	metrics *Metrics
	hub     *Hub
	server  *httptest.Server
}

// newTestEnv starts a hub and router behind an httptest server. mutate may
// adjust the configuration before the hub is built.
func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.JWT.Secret = testSecret
	if mutate != nil {
		mutate(&cfg)
	}

	verifier, err := auth.NewJWT(cfg.JWT.Secret, time.Hour)
	if err != nil {
		t.Fatalf("NewJWT failed: %v", err)
	}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	st := store.NewMemory()
	hub := NewHub(cfg, st, verifier, metrics, slog.New(slog.DiscardHandler))
	srv := httptest.NewServer(SetupRoutes(hub, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	t.Cleanup(func() {
		_ = hub.Shutdown(readTimeout)
		srv.Close()
	})

	return &testEnv{store: st, jwt: verifier, metrics: metrics, hub: hub, server: srv}
}

func (e *testEnv) user(name string) models.Identity {
	return models.Identity{ID: e.store.AddUser(name), Name: name}
}

func (e *testEnv) token(t *testing.T, identity models.Identity) string {
	t.Helper()
	token, err := e.jwt.Issue(identity, "", 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return token
}

func (e *testEnv) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

func (e *testEnv) dialRaw(token, origin string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(e.wsURL(token), header)
}

// dial connects as identity and consumes the history frame and the status
// frame announcing the join.
func (e *testEnv) dial(t *testing.T, identity models.Identity) *websocket.Conn {
	t.Helper()
	conn, resp, err := e.dialRaw(e.token(t, identity), testOrigin)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	readType(t, conn, "history")
	status := readType(t, conn, "status")
	if want := identity.Name + " joined the chat"; status["message"] != want {
		t.Fatalf("Expected status %q, got %v", want, status)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Frame is not JSON: %v (%s)", err, data)
	}
	return frame
}

// readUntil skips frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		if match(frame) {
			return frame
		}
	}
}

func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	return readUntil(t, conn, func(f map[string]any) bool { return f["type"] == typ })
}

func readStatus(t *testing.T, conn *websocket.Conn, message string) map[string]any {
	t.Helper()
	return readUntil(t, conn, func(f map[string]any) bool {
		return f["type"] == "status" && f["message"] == message
	})
}

// readClose reads until the connection fails and returns the error.
func readClose(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatal(err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("Connection was not closed: %v", err)
			}
			return err
		}
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func users(frame map[string]any) []string {
	raw, _ := frame["users"].([]any)
	names := make([]string, 0, len(raw))
	for _, name := range raw {
		names = append(names, fmt.Sprint(name))
	}
	return names
}

// TestOfflineBacklogDelivery tests the full offline delivery scenario.
// It verifies that two users can chat, that a private message to a user who
// disconnected is stored undelivered, and that it is delivered and marked on
// reconnect with a receipt to the sender.
func TestOfflineBacklogDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("A")
	bob := env.user("B")

	a := env.dial(t, alice)
	b := env.dial(t, bob)

	joined := readStatus(t, a, "B joined the chat")
	if got := users(joined); !slices.Equal(got, []string{"A", "B"}) {
		t.Errorf("Expected users [A B], got %v", got)
	}

	sendJSON(t, a, map[string]any{"type": "chat", "text": "hi"})
	for name, conn := range map[string]*websocket.Conn{"A": a, "B": b} {
		chat := readType(t, conn, "chat")
		if chat["from"] != "A" || chat["text"] != "hi" {
			t.Errorf("%s received unexpected chat frame: %v", name, chat)
		}
	}

	_ = b.Close()
	left := readStatus(t, a, "B left the chat")
	if got := users(left); !slices.Equal(got, []string{"A"}) {
		t.Errorf("Expected users [A] after departure, got %v", got)
	}

	sendJSON(t, a, map[string]any{"type": "private", "to": bob.ID, "text": "later"})

	var queued *models.Message
	eventually(t, "private message to be stored", func() bool {
		for _, msg := range env.store.Messages() {
			if msg.ReceiverID != nil {
				queued = msg
				return true
			}
		}
		return false
	})
	if queued.Delivered {
		t.Fatal("Private message to offline user stored as delivered")
	}

	conn, resp, err := env.dialRaw(env.token(t, bob), testOrigin)
	if err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	history := readType(t, conn, "history")
	if msgs, _ := history["messages"].([]any); len(msgs) != 1 {
		t.Errorf("Expected 1 broadcast message in history, got %v", history["messages"])
	}

	private := readType(t, conn, "private")
	if private["from"] != "A" || private["text"] != "later" || private["id"] != float64(queued.ID) {
		t.Errorf("Unexpected backlog frame: %v", private)
	}

	eventually(t, "backlog message to be marked delivered", func() bool {
		msg, ok := env.store.Message(queued.ID)
		return ok && msg.Delivered
	})

	receipt := readType(t, a, "delivered")
	if receipt["messageId"] != float64(queued.ID) {
		t.Errorf("Unexpected delivered receipt: %v", receipt)
	}
}

// TestPrivateMessageOnline tests private delivery between connected users.
func TestPrivateMessageOnline(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("A")
	bob := env.user("B")
	a := env.dial(t, alice)
	b := env.dial(t, bob)

	sendJSON(t, a, map[string]any{"type": "private", "to": "B", "text": "psst"})

	private := readType(t, b, "private")
	if private["from"] != "A" || private["text"] != "psst" {
		t.Errorf("Unexpected private frame: %v", private)
	}
	eventually(t, "private message to be marked delivered", func() bool {
		for _, msg := range env.store.Messages() {
			if msg.ReceiverID != nil && msg.Delivered {
				return true
			}
		}
		return false
	})
}

// TestHistoryFrameLimit tests that the history frame carries the newest
// broadcast messages, oldest first.
func TestHistoryFrameLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.HistoryLimit = 2 })
	alice := env.user("A")
	for _, text := range []string{"one", "two", "three"} {
		if _, err := env.store.SaveMessage(context.Background(), alice.ID, nil, text, true); err != nil {
			t.Fatal(err)
		}
	}

	conn, resp, err := env.dialRaw(env.token(t, alice), testOrigin)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	history := readFrame(t, conn)
	if history["type"] != "history" {
		t.Fatalf("Expected history as first frame, got %v", history)
	}
	msgs, _ := history["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 history messages, got %d", len(msgs))
	}
	var contents []string
	for _, m := range msgs {
		contents = append(contents, fmt.Sprint(m.(map[string]any)["content"]))
	}
	if !slices.Equal(contents, []string{"two", "three"}) {
		t.Errorf("Expected [two three], got %v", contents)
	}
}

// TestWebSocketAuthentication tests rejection of unauthenticated connections.
// It verifies that a missing or invalid token yields a policy violation close
// frame and registers nothing.
func TestWebSocketAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{name: "missing token", token: "", reason: "missing token"},
		{name: "invalid token", token: "not-a-jwt", reason: "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := env.dialRaw(tt.token, testOrigin)
			if err != nil {
				t.Fatalf("Dial failed: %v", err)
			}
			_ = resp.Body.Close()
			defer func() { _ = conn.Close() }()

			err = readClose(t, conn)
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				t.Fatalf("Expected close error, got %v", err)
			}
			if closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != tt.reason {
				t.Errorf("Expected close 1008 %q, got %d %q", tt.reason, closeErr.Code, closeErr.Text)
			}
		})
	}

	if n := env.hub.Registry().Len(); n != 0 {
		t.Errorf("Expected empty registry, got %d", n)
	}
	if got := testutil.ToFloat64(env.metrics.authFailures); got != 2 {
		t.Errorf("Expected 2 auth failures, got %v", got)
	}
}

// TestMalformedFramesIgnored tests that malformed frames are dropped without
// closing the connection.
func TestMalformedFramesIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t, env.user("A"))

	for _, raw := range []string{"not json", `{"type":"bogus"}`, `{"type":"chat"}`, `{"text":"no type"}`} {
		if err := a.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}
	sendJSON(t, a, map[string]any{"type": "chat", "text": "still here"})

	chat := readType(t, a, "chat")
	if chat["text"] != "still here" {
		t.Errorf("Unexpected chat frame: %v", chat)
	}
	if got := testutil.ToFloat64(env.metrics.frames.WithLabelValues(frameMalformed)); got != 4 {
		t.Errorf("Expected 4 malformed frames, got %v", got)
	}
	if got := testutil.ToFloat64(env.metrics.frames.WithLabelValues("chat")); got != 1 {
		t.Errorf("Expected 1 chat frame, got %v", got)
	}
}

// TestReconnectNotEvictedByStaleClose tests that the close of a replaced
// connection neither removes the newer one nor announces a departure.
func TestReconnectNotEvictedByStaleClose(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("A")

	first := env.dial(t, alice)
	second := env.dial(t, alice)

	_ = first.Close()
	eventually(t, "stale connection teardown", func() bool {
		return testutil.ToFloat64(env.metrics.connections) == 1
	})

	if _, ok := env.hub.Registry().Lookup(alice.ID); !ok {
		t.Fatal("Reconnected user evicted by stale connection close")
	}

	sendJSON(t, second, map[string]any{"type": "chat", "text": "after"})
	frame := readUntil(t, second, func(f map[string]any) bool {
		return f["type"] == "chat" || (f["type"] == "status" && f["message"] == "A left the chat")
	})
	if frame["type"] != "chat" {
		t.Errorf("Unexpected departure announced: %v", frame)
	}
}

// TestWebSocketOriginValidation tests the origin policy at upgrade time.
func TestWebSocketOriginValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, env.user("A"))

	for _, origin := range []string{"", "http://evil.example", "not-a-url"} {
		t.Run("origin "+origin, func(t *testing.T) {
			conn, resp, err := env.dialRaw(token, origin)
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected connection to be rejected")
			}
			if resp == nil {
				t.Fatalf("Expected HTTP response, got %v", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected status %d, got %d", http.StatusForbidden, resp.StatusCode)
			}
		})
	}

	t.Run("allowed origin with different case", func(t *testing.T) {
		conn, resp, err := env.dialRaw(token, "HTTP://Chat.Example")
		if err != nil {
			t.Fatalf("Expected connection to succeed: %v", err)
		}
		_ = resp.Body.Close()
		_ = conn.Close()
	})
}

// TestWebSocketRateLimiting tests that frames beyond the burst are dropped.
func TestWebSocketRateLimiting(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	a := env.dial(t, env.user("A"))

	for i := 0; i < 5; i++ {
		sendJSON(t, a, map[string]any{"type": "chat", "text": fmt.Sprintf("msg %d", i)})
	}

	eventually(t, "rate limited frames to be counted", func() bool {
		return testutil.ToFloat64(env.metrics.frames.WithLabelValues(frameRateLimited)) == 3
	})
	if n := len(env.store.Messages()); n != 2 {
		t.Errorf("Expected 2 stored messages, got %d", n)
	}
}

// TestWebSocketMessageSizeLimit tests that an oversized frame closes the
// connection.
func TestWebSocketMessageSizeLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.MaxMessageSize = 64 })
	a := env.dial(t, env.user("A"))

	sendJSON(t, a, map[string]any{"type": "chat", "text": strings.Repeat("x", 200)})
	_ = readClose(t, a)

	eventually(t, "oversized connection teardown", func() bool {
		return env.hub.Registry().Len() == 0
	})
}

// TestWebSocketMethodValidation tests that non-GET requests are refused.
func TestWebSocketMethodValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.server.URL+"/ws", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, resp.StatusCode)
	}
}

// TestGracefulShutdownWithClients tests hub shutdown with connected clients.
// It verifies that clients receive a going-away close frame and that new
// connections are refused afterwards.
func TestGracefulShutdownWithClients(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("A")
	a := env.dial(t, alice)
	b := env.dial(t, env.user("B"))

	if err := env.hub.Shutdown(readTimeout); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		err := readClose(t, conn)
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Errorf("Expected going-away close, got %v", err)
		}
	}
	if n := env.hub.Registry().Len(); n != 0 {
		t.Errorf("Expected empty registry after shutdown, got %d", n)
	}
	if _, ok := env.store.LastSeen(alice.ID); !ok {
		t.Error("Expected last seen to be recorded on disconnect")
	}

	_, resp, err := env.dialRaw(env.token(t, alice), testOrigin)
	if err == nil {
		t.Fatal("Expected dial after shutdown to fail")
	}
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, resp.StatusCode)
		}
	}
}

// TestNoClientsShutdown tests shutting down an idle hub.
func TestNoClientsShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.hub.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

// TestBacklogFlushStopsAtFailedWrite tests that a write failure in the middle
// of a backlog flush leaves the remaining messages undelivered.
func TestBacklogFlushStopsAtFailedWrite(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("A")
	bob := env.user("B")
	ctx := context.Background()

	var ids []int64
	for _, text := range []string{"one", "two", "three"} {
		msg, err := env.store.SaveMessage(ctx, alice.ID, &bob.ID, text, false)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, msg.ID)
	}

	c := newDetachedClient(t)
	c.setIdentity(bob)
	go func() {
		msg := <-c.send
		msg.written <- nil
		msg = <-c.send
		msg.written <- errors.New("connection dropped")
	}()

	env.hub.flushBacklog(c)

	for i, id := range ids {
		msg, ok := env.store.Message(id)
		if !ok {
			t.Fatalf("Message %d missing", id)
		}
		if want := i == 0; msg.Delivered != want {
			t.Errorf("Message %q delivered = %v, want %v", msg.Content, msg.Delivered, want)
		}
	}
	backlog, _ := env.store.UndeliveredFor(ctx, bob.ID)
	if len(backlog) != 2 || backlog[0].Content != "two" || backlog[1].Content != "three" {
		t.Errorf("Unexpected remaining backlog: %+v", backlog)
	}
}
