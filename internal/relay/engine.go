// Package relay routes inbound chat events to their recipients.
//
// Every event that mirrors a Message is persisted first and delivered
// second. The two steps are not atomic: a store failure does not undo a
// delivery that already happened, and a failed delivery leaves a private
// message in the recipient's backlog. Delivery is at-least-once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrowin/chatrelay/internal/models"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/registry"
	"github.com/Tyrowin/chatrelay/internal/store"
)

var (
	// ErrUnresolvedRecipient means the addressed user does not exist.
	ErrUnresolvedRecipient = errors.New("unresolved recipient")
	// ErrStoreFailure wraps errors returned by the message store.
	ErrStoreFailure = errors.New("store failure")
	// ErrForbidden means the sender tried to act on another user's messages.
	ErrForbidden = errors.New("forbidden")
	// ErrUnhandledEvent is returned for inbound types the engine does not know.
	ErrUnhandledEvent = errors.New("unhandled event")
)

// deliverTimeout bounds how long a sender waits for a recipient's socket to
// take a private message. A timed-out message stays in the backlog.
const deliverTimeout = 2 * time.Second

// Registry is the view of the connection registry the engine routes with.
type Registry interface {
	Lookup(id int64) (registry.Conn, bool)
	Conns() []registry.Conn
}

// Engine applies inbound events: it persists, resolves recipients through
// the registry and emits outbound events.
type Engine struct {
	registry Registry
	store    store.MessageStore
	logger   *slog.Logger
	now      func() time.Time

	deliverTimeout time.Duration
}

// New creates an engine. A nil logger uses slog.Default.
func New(reg Registry, st store.MessageStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: reg,
		store:    st,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },

		deliverTimeout: deliverTimeout,
	}
}

// Handle applies one inbound event sent by sender.
func (e *Engine) Handle(ctx context.Context, sender models.Identity, ev protocol.Inbound) error {
	switch ev := ev.(type) {
	case protocol.Chat:
		return e.chat(ctx, sender, ev)
	case protocol.Private:
		return e.private(ctx, sender, ev)
	case protocol.Typing:
		return e.typing(ctx, sender, ev)
	case protocol.Delivered:
		return e.delivered(ctx, ev)
	case protocol.Seen:
		return e.seen(ctx, sender, ev)
	case protocol.FriendRequest:
		return e.notifyByRecipient(ctx, ev.To, protocol.FriendRequestEvent{
			From:    sender.Name,
			Message: fmt.Sprintf("%s sent you a friend request!", sender.Name),
		})
	case protocol.FriendAccepted:
		return e.notifyByRecipient(ctx, ev.To, protocol.FriendAcceptedEvent{
			From:    sender.Name,
			Message: fmt.Sprintf("%s accepted your friend request!", sender.Name),
		})
	default:
		return fmt.Errorf("%w: %T", ErrUnhandledEvent, ev)
	}
}

// Broadcast sends ev to every registered connection and returns how many
// accepted it. A full or closed connection is skipped without affecting the
// others.
func (e *Engine) Broadcast(ev protocol.Outbound) int {
	payload, err := protocol.Encode(ev)
	if err != nil {
		e.logger.Error("failed to encode broadcast", "error", err)
		return 0
	}

	sent := 0
	for _, conn := range e.registry.Conns() {
		if err := conn.Send(payload); err != nil {
			e.logger.Debug("broadcast skipped connection", "user_id", conn.Identity().ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Notify sends ev to id if it is registered and reports whether the event was
// accepted for sending.
func (e *Engine) Notify(id int64, ev protocol.Outbound) bool {
	conn, ok := e.registry.Lookup(id)
	if !ok {
		return false
	}
	return e.send(conn, ev)
}

func (e *Engine) chat(ctx context.Context, sender models.Identity, ev protocol.Chat) error {
	out := protocol.ChatEvent{From: sender.Name, Text: ev.Text, Time: e.now()}

	var storeErr error
	msg, err := e.store.SaveMessage(ctx, sender.ID, nil, ev.Text, true)
	if err != nil {
		storeErr = storeFailure("save chat message", err)
	} else {
		out.ID = msg.ID
		out.Time = msg.CreatedAt
	}

	e.Broadcast(out)
	return storeErr
}

func (e *Engine) private(ctx context.Context, sender models.Identity, ev protocol.Private) error {
	receiverID, err := e.resolve(ctx, ev.To)
	if err != nil {
		return err
	}
	out := protocol.PrivateEvent{From: sender.Name, To: ev.To.String(), Text: ev.Text, Time: e.now()}

	// Stored undelivered; flipped only once the frame reaches the socket.
	var storeErr error
	msg, err := e.store.SaveMessage(ctx, sender.ID, &receiverID, ev.Text, false)
	if err != nil {
		storeErr = storeFailure("save private message", err)
	} else {
		out.ID = msg.ID
		out.Time = msg.CreatedAt
	}

	// Looked up after the save so a recipient registering meanwhile is
	// either found here or sees the row in its backlog flush.
	target, online := e.registry.Lookup(receiverID)
	if !online {
		e.logger.Debug("private message recipient offline, queued for later delivery",
			"sender_id", sender.ID, "receiver_id", receiverID, "message_id", out.ID)
		return storeErr
	}

	payload, err := protocol.Encode(out)
	if err != nil {
		return errors.Join(storeErr, err)
	}
	deliverCtx, cancel := context.WithTimeout(ctx, e.deliverTimeout)
	defer cancel()
	if err := target.Deliver(deliverCtx, payload); err != nil {
		return errors.Join(storeErr, fmt.Errorf("deliver message %d to %d: %w", out.ID, receiverID, err))
	}
	if storeErr != nil {
		return storeErr
	}
	if err := e.store.MarkDelivered(ctx, msg.ID); err != nil {
		return storeFailure("mark delivered", err)
	}
	return nil
}

func (e *Engine) typing(ctx context.Context, sender models.Identity, ev protocol.Typing) error {
	return e.notifyByRecipient(ctx, ev.To, protocol.TypingEvent{User: sender.Name})
}

func (e *Engine) delivered(ctx context.Context, ev protocol.Delivered) error {
	if err := e.store.MarkDelivered(ctx, ev.MessageID); err != nil {
		return storeFailure("mark delivered", err)
	}
	return nil
}

func (e *Engine) seen(ctx context.Context, sender models.Identity, ev protocol.Seen) error {
	if ev.ToID != 0 && ev.ToID != sender.ID {
		return fmt.Errorf("%w: user %d cannot mark messages to %d as seen", ErrForbidden, sender.ID, ev.ToID)
	}
	if err := e.store.MarkSeen(ctx, ev.FromID, sender.ID); err != nil {
		return storeFailure("mark seen", err)
	}
	e.Notify(ev.FromID, protocol.SeenEvent{From: sender.Name})
	return nil
}

// notifyByRecipient forwards an ephemeral event. Offline recipients are
// dropped silently.
func (e *Engine) notifyByRecipient(ctx context.Context, to protocol.Recipient, ev protocol.Outbound) error {
	id, err := e.resolve(ctx, to)
	if err != nil {
		return err
	}
	e.Notify(id, ev)
	return nil
}

func (e *Engine) resolve(ctx context.Context, to protocol.Recipient) (int64, error) {
	if to.ID > 0 {
		return to.ID, nil
	}
	if to.Name == "" {
		return 0, fmt.Errorf("%w: empty recipient", ErrUnresolvedRecipient)
	}
	id, err := e.store.UserIDByName(ctx, to.Name)
	if errors.Is(err, store.ErrNotFound) {
		if id, ok := e.connectedByName(to.Name); ok {
			return id, nil
		}
		return 0, fmt.Errorf("%w: %q", ErrUnresolvedRecipient, to.Name)
	}
	if err != nil {
		return 0, storeFailure("resolve recipient", err)
	}
	return id, nil
}

// connectedByName finds a registered connection whose verified identity
// carries name. Stores that do not know every user fall back to it.
func (e *Engine) connectedByName(name string) (int64, bool) {
	for _, conn := range e.registry.Conns() {
		if identity := conn.Identity(); identity.Name == name {
			return identity.ID, true
		}
	}
	return 0, false
}

func (e *Engine) send(conn registry.Conn, ev protocol.Outbound) bool {
	payload, err := protocol.Encode(ev)
	if err != nil {
		e.logger.Error("failed to encode event", "error", err)
		return false
	}
	if err := conn.Send(payload); err != nil {
		e.logger.Debug("send skipped connection", "user_id", conn.Identity().ID, "error", err)
		return false
	}
	return true
}

func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}
