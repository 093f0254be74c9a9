// Package protocol defines the JSON frames exchanged over a chat connection.
//
// Inbound frames and outbound events are closed unions: the set of concrete
// types is fixed by this package, and Decode and Encode reject anything
// outside it.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Type is the value of the "type" field that selects a frame variant.
type Type string

// Frame types shared by inbound frames and outbound events.
const (
	TypeChat           Type = "chat"
	TypePrivate        Type = "private"
	TypeTyping         Type = "typing"
	TypeDelivered      Type = "delivered"
	TypeSeen           Type = "seen"
	TypeFriendRequest  Type = "friend_request"
	TypeFriendAccepted Type = "friend_accepted"
	TypeStatus         Type = "status"
	TypeHistory        Type = "history"
)

// ErrMalformedFrame is returned by Decode for payloads that are not valid
// JSON, carry an unknown type, or miss required fields.
var ErrMalformedFrame = errors.New("malformed frame")

// Inbound is a frame received from a client.
type Inbound interface {
	Type() Type
	inbound()
}

// Recipient addresses another user either by numeric id or by display name.
type Recipient struct {
	ID   int64
	Name string
}

// UnmarshalJSON accepts a JSON number, a numeric string or a display name.
func (r *Recipient) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = Recipient{}
		return nil
	}
	if data[0] != '"' {
		id, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("recipient id %s: %w", data, err)
		}
		*r = Recipient{ID: id}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		*r = Recipient{ID: id}
		return nil
	}
	*r = Recipient{Name: s}
	return nil
}

// MarshalJSON writes the id when set and the name otherwise.
func (r Recipient) MarshalJSON() ([]byte, error) {
	if r.ID > 0 {
		return json.Marshal(r.ID)
	}
	return json.Marshal(r.Name)
}

// IsZero reports whether the recipient is unset.
func (r Recipient) IsZero() bool {
	return r.ID <= 0 && r.Name == ""
}

// String returns the form the client used to address the recipient.
func (r Recipient) String() string {
	if r.ID > 0 {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.Name
}

// Chat is a group chat message.
type Chat struct {
	Text string `json:"text"`
}

// Private is a direct message to one recipient.
type Private struct {
	To   Recipient `json:"to"`
	Text string    `json:"text"`
}

// Typing signals that the sender is typing to a recipient.
type Typing struct {
	To Recipient `json:"to"`
}

// Delivered confirms a message reached the client.
type Delivered struct {
	MessageID int64 `json:"messageId"`
}

// Seen marks every message from FromID to ToID as read.
type Seen struct {
	FromID int64 `json:"fromId"`
	ToID   int64 `json:"toId"`
}

// FriendRequest notifies a user of a new friend request.
type FriendRequest struct {
	To Recipient `json:"to"`
}

// FriendAccepted notifies a user that their friend request was accepted.
type FriendAccepted struct {
	To Recipient `json:"to"`
}

func (Chat) Type() Type           { return TypeChat }
func (Private) Type() Type        { return TypePrivate }
func (Typing) Type() Type         { return TypeTyping }
func (Delivered) Type() Type      { return TypeDelivered }
func (Seen) Type() Type           { return TypeSeen }
func (FriendRequest) Type() Type  { return TypeFriendRequest }
func (FriendAccepted) Type() Type { return TypeFriendAccepted }

func (Chat) inbound()           {}
func (Private) inbound()        {}
func (Typing) inbound()         {}
func (Delivered) inbound()      {}
func (Seen) inbound()           {}
func (FriendRequest) inbound()  {}
func (FriendAccepted) inbound() {}

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses a raw client frame into one of the inbound variants.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case TypeChat:
		var f Chat
		if err := unmarshalFrame(data, &f); err != nil {
			return nil, err
		}
		if f.Text == "" {
			return nil, missingField(env.Type, "text")
		}
		return f, nil
	case TypePrivate:
		var f Private
		if err := unmarshalFrame(data, &f); err != nil {
			return nil, err
		}
		if f.To.IsZero() {
			return nil, missingField(env.Type, "to")
		}
		if f.Text == "" {
			return nil, missingField(env.Type, "text")
		}
		return f, nil
	case TypeTyping:
		var f Typing
		if err := unmarshalFrame(data, &f); err != nil {
			return nil, err
		}
		if f.To.IsZero() {
			return nil, missingField(env.Type, "to")
		}
		return f, nil
	case TypeDelivered:
		var f Delivered
		if err := unmarshalFrame(data, &f); err != nil {
			return nil, err
		}
		if f.MessageID <= 0 {
			return nil, missingField(env.Type, "messageId")
		}
		return f, nil
	case TypeSeen:
		var f Seen
		if err := unmarshalFrame(data, &f); err != nil {
			return nil, err
		}
		if f.FromID <= 0 {
			return nil, missingField(env.Type, "fromId")
		}
		return f, nil
	case TypeFriendRequest:
		var f FriendRequest
		if err := unmarshalFrame(data, &f); err != nil {
			return nil, err
		}
		if f.To.IsZero() {
			return nil, missingField(env.Type, "to")
		}
		return f, nil
	case TypeFriendAccepted:
		var f FriendAccepted
		if err := unmarshalFrame(data, &f); err != nil {
			return nil, err
		}
		if f.To.IsZero() {
			return nil, missingField(env.Type, "to")
		}
		return f, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
	}
}

func unmarshalFrame(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

func missingField(t Type, field string) error {
	return fmt.Errorf("%w: %s frame requires %q", ErrMalformedFrame, t, field)
}
