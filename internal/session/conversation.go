package session

import (
	"sync"

	"github.com/ashureev/sqlsight/internal/domain"
)

// Conversation is the append-only history of one session.
type Conversation struct {
	mu       sync.Mutex
	messages []domain.Message
}

// NewConversation returns an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds messages in order.
func (c *Conversation) Append(messages ...domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, messages...)
}

// Snapshot returns a copy of the history.
func (c *Conversation) Snapshot() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.messages...)
}
