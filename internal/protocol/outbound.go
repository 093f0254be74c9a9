package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Tyrowin/chatrelay/internal/models"
)

// Outbound is an event sent to a client.
type Outbound interface {
	outbound()
}

// ChatEvent relays a group chat message.
type ChatEvent struct {
	Type      Type      `json:"type"`
	ID        int64     `json:"id,omitempty"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Time      time.Time `json:"time"`
	IsHistory bool      `json:"isHistory"`
}

// PrivateEvent relays a direct message, live or from the offline backlog.
type PrivateEvent struct {
	Type      Type      `json:"type"`
	ID        int64     `json:"id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Text      string    `json:"text"`
	Time      time.Time `json:"time"`
	IsHistory bool      `json:"isHistory"`
}

// TypingEvent tells a user that User is typing to them.
type TypingEvent struct {
	Type Type   `json:"type"`
	User string `json:"user"`
}

// DeliveredEvent tells a sender that a message reached its recipient.
type DeliveredEvent struct {
	Type      Type  `json:"type"`
	MessageID int64 `json:"messageId"`
}

// SeenEvent tells a sender that From read their messages.
type SeenEvent struct {
	Type Type   `json:"type"`
	From string `json:"from"`
}

// FriendRequestEvent notifies a user of an incoming friend request.
type FriendRequestEvent struct {
	Type    Type   `json:"type"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// FriendAcceptedEvent notifies a user that a friend request was accepted.
type FriendAcceptedEvent struct {
	Type    Type   `json:"type"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// StatusEvent announces presence changes with the current user list.
type StatusEvent struct {
	Type    Type     `json:"type"`
	Message string   `json:"message"`
	Users   []string `json:"users"`
}

// HistoryEvent carries recent group chat messages, oldest first.
type HistoryEvent struct {
	Type     Type              `json:"type"`
	Messages []*models.Message `json:"messages"`
}

func (ChatEvent) outbound()           {}
func (PrivateEvent) outbound()        {}
func (TypingEvent) outbound()         {}
func (DeliveredEvent) outbound()      {}
func (SeenEvent) outbound()           {}
func (FriendRequestEvent) outbound()  {}
func (FriendAcceptedEvent) outbound() {}
func (StatusEvent) outbound()         {}
func (HistoryEvent) outbound()        {}

// Encode stamps the event's type field and marshals it.
func Encode(ev Outbound) ([]byte, error) {
	switch e := ev.(type) {
	case ChatEvent:
		e.Type = TypeChat
		return json.Marshal(e)
	case PrivateEvent:
		e.Type = TypePrivate
		return json.Marshal(e)
	case TypingEvent:
		e.Type = TypeTyping
		return json.Marshal(e)
	case DeliveredEvent:
		e.Type = TypeDelivered
		return json.Marshal(e)
	case SeenEvent:
		e.Type = TypeSeen
		return json.Marshal(e)
	case FriendRequestEvent:
		e.Type = TypeFriendRequest
		return json.Marshal(e)
	case FriendAcceptedEvent:
		e.Type = TypeFriendAccepted
		return json.Marshal(e)
	case StatusEvent:
		e.Type = TypeStatus
		if e.Users == nil {
			e.Users = []string{}
		}
		return json.Marshal(e)
	case HistoryEvent:
		e.Type = TypeHistory
		if e.Messages == nil {
			e.Messages = []*models.Message{}
		}
		return json.Marshal(e)
	default:
		return nil, fmt.Errorf("encode: unsupported outbound event %T", ev)
	}
}
