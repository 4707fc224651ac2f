// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/sqlsight/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository persists anonymous users and the durable copy of their
// conversations.
type Repository interface {
	// GetUser retrieves a user by their user ID. A missing user is (nil, nil).
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateConversation records a new conversation header.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// AppendMessages adds messages to the end of a conversation, in order.
	AppendMessages(ctx context.Context, conversationID string, messages []domain.Message) error

	// ListMessages returns a conversation's messages in append order.
	ListMessages(ctx context.Context, conversationID string) ([]domain.StoredMessage, error)

	// ListConversations returns a user's conversations, newest first.
	ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error)

	// CleanupConversations removes conversations not updated within ttl.
	CleanupConversations(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
