package store

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/models"
)

type memoryUser struct {
	name     string
	lastSeen time.Time
}

// Memory is an in-process MessageStore. Messages are kept in insertion
// order, which is also creation order.
type Memory struct {
	mu       sync.RWMutex
	users    map[int64]*memoryUser
	byName   map[string]int64
	messages []*models.Message
	nextUser int64
	nextMsg  int64
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:  make(map[int64]*memoryUser),
		byName: make(map[string]int64),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AddUser registers a user name and returns its id. Adding an existing name
// returns the existing id.
func (m *Memory) AddUser(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byName[name]; ok {
		return id
	}
	m.nextUser++
	m.users[m.nextUser] = &memoryUser{name: name}
	m.byName[name] = m.nextUser
	return m.nextUser
}

// Message returns a copy of the stored message with the given id.
func (m *Memory) Message(id int64) (*models.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			return m.copyMessage(msg), true
		}
	}
	return nil, false
}

// Messages returns copies of every stored message in creation order.
func (m *Memory) Messages() []*models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, m.copyMessage(msg))
	}
	return out
}

// LastSeen returns the last-seen timestamp recorded for the user.
func (m *Memory) LastSeen(userID int64) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok || u.lastSeen.IsZero() {
		return time.Time{}, false
	}
	return u.lastSeen, true
}

func (m *Memory) SaveMessage(_ context.Context, senderID int64, receiverID *int64, content string, delivered bool) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextMsg++
	msg := &models.Message{
		ID:        m.nextMsg,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: m.now(),
		Delivered: delivered,
	}
	if receiverID != nil {
		id := *receiverID
		msg.ReceiverID = &id
	}
	m.messages = append(m.messages, msg)
	return m.copyMessage(msg), nil
}

func (m *Memory) RecentMessages(_ context.Context, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Message
	for i := len(m.messages) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.messages[i].IsBroadcast() {
			out = append(out, m.copyMessage(m.messages[i]))
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *Memory) UndeliveredFor(_ context.Context, userID int64) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Message
	for _, msg := range m.messages {
		if msg.ReceiverID != nil && *msg.ReceiverID == userID && !msg.Delivered {
			out = append(out, m.copyMessage(msg))
		}
	}
	return out, nil
}

func (m *Memory) PrivateMessages(_ context.Context, userA, userB int64, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Message
	for _, msg := range m.messages {
		if msg.ReceiverID == nil {
			continue
		}
		r := *msg.ReceiverID
		if (msg.SenderID == userA && r == userB) || (msg.SenderID == userB && r == userA) {
			out = append(out, m.copyMessage(msg))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkDelivered(_ context.Context, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == messageID {
			msg.Delivered = true
			return nil
		}
	}
	return nil
}

func (m *Memory) MarkSeen(_ context.Context, fromID, toID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.SenderID == fromID && msg.ReceiverID != nil && *msg.ReceiverID == toID {
			msg.Seen = true
		}
	}
	return nil
}

func (m *Memory) UpdateLastSeen(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		u = &memoryUser{}
		m.users[userID] = u
	}
	u.lastSeen = m.now()
	return nil
}

func (m *Memory) UserIDByName(_ context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byName[name]; ok {
		return id, nil
	}
	return 0, ErrNotFound
}

// copyMessage must be called with m.mu held.
func (m *Memory) copyMessage(msg *models.Message) *models.Message {
	c := *msg
	if msg.ReceiverID != nil {
		id := *msg.ReceiverID
		c.ReceiverID = &id
	}
	if u, ok := m.users[msg.SenderID]; ok {
		c.SenderName = u.name
	}
	return &c
}

var _ MessageStore = (*Memory)(nil)
