// Package models defines the value types shared by the store, relay and
// server layers.
package models

import "time"

// Identity is an authenticated user reference. It is immutable for the life
// of a connection.
type Identity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Message is a persisted chat or private message. A nil ReceiverID marks a
// broadcast (group chat) message.
type Message struct {
	ID         int64     `db:"id" json:"id"`
	SenderID   int64     `db:"sender_id" json:"sender_id"`
	SenderName string    `db:"sender_name" json:"sender_name,omitempty"`
	ReceiverID *int64    `db:"receiver_id" json:"receiver_id"`
	Content    string    `db:"content" json:"content"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	Delivered  bool      `db:"delivered" json:"delivered"`
	Seen       bool      `db:"seen" json:"seen"`
}

// IsBroadcast reports whether the message was sent to the group chat.
func (m *Message) IsBroadcast() bool {
	return m.ReceiverID == nil
}
