// Package store provides durable message storage for the relay.
//
// Two implementations back the MessageStore interface: a PostgreSQL store
// built on sqlx with embedded migrations, and an in-memory store used for
// development and tests.
package store

import (
	"context"
	"errors"

	"github.com/Tyrowin/chatrelay/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// MessageStore is the persistence collaborator of the relay core.
type MessageStore interface {
	// SaveMessage persists a message. A nil receiverID stores a broadcast.
	SaveMessage(ctx context.Context, senderID int64, receiverID *int64, content string, delivered bool) (*models.Message, error)
	// RecentMessages returns the newest broadcast messages, oldest first.
	RecentMessages(ctx context.Context, limit int) ([]*models.Message, error)
	// UndeliveredFor returns undelivered private messages addressed to the
	// user in ascending creation order.
	UndeliveredFor(ctx context.Context, userID int64) ([]*models.Message, error)
	// PrivateMessages returns the conversation between two users in both
	// directions, oldest first.
	PrivateMessages(ctx context.Context, userA, userB int64, limit int) ([]*models.Message, error)
	MarkDelivered(ctx context.Context, messageID int64) error
	// MarkSeen marks every message from fromID to toID as seen.
	MarkSeen(ctx context.Context, fromID, toID int64) error
	UpdateLastSeen(ctx context.Context, userID int64) error
	// UserIDByName resolves a display name, returning ErrNotFound if no user
	// has it.
	UserIDByName(ctx context.Context, name string) (int64, error)
}
