// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/vaultchat/internal/domain"
)

var (
	// ErrNotFound is returned when a conversation or card does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a row changed since it was read.
	ErrVersionConflict = errors.New("optimistic lock failed: row version changed")
)

// Repository defines the interface for persisting conversations and messages.
type Repository interface {
	// CreateConversation inserts a new conversation at row version 1.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation without its messages.
	// Returns nil, nil when it does not exist.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns conversations newest first. An empty userID lists all.
	ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*domain.Conversation, error)

	// UpdateConversation writes conversation fields if conv.RowVersion is still current.
	// Returns ErrVersionConflict when another writer got there first.
	UpdateConversation(ctx context.Context, conv *domain.Conversation) error

	// DeleteConversation removes a conversation and everything it owns.
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage persists a message with its file operation and action card,
	// bumping the conversation's updated_at and row version.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns the messages of a conversation in insertion order.
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)

	// GetActionCardByKey finds the card carrying a confirmation token.
	// Returns nil, nil when no card matches.
	GetActionCardByKey(ctx context.Context, reflectionKey string) (*domain.ActionCard, error)

	// UpdateActionCard stores the status fields of a card.
	UpdateActionCard(ctx context.Context, card *domain.ActionCard) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
