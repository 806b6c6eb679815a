// Package chat runs streaming chat turns: it drives the model, routes tool
// calls through the middleware pipeline and persists the resulting transcript.
package chat

import (
	"errors"

	"github.com/ashureev/vaultchat/internal/domain"
)

var (
	// ErrMessageRequired is returned when a turn has no user message.
	ErrMessageRequired = errors.New("message is required")
	// ErrConversationNotFound is returned when a turn names an unknown conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConfirmationNotFound is returned when a token is unknown, expired or already used.
	ErrConfirmationNotFound = errors.New("confirmation not found")
)

// EventKind discriminates Event.
type EventKind int

const (
	EventText EventKind = iota
	EventToolCall
	EventActionCard
	EventMetadata
	EventError
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventToolCall:
		return "tool_call"
	case EventActionCard:
		return "action_card"
	case EventMetadata:
		return "metadata"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one increment of a turn, delivered in production order.
type Event struct {
	Kind     EventKind
	Text     string
	ToolName string
	Card     *domain.ActionCard
	Metadata *Metadata
	Err      error
}

// Metadata closes a successful turn.
type Metadata struct {
	ConversationID     string                `json:"conversationId"`
	UserMessageID      string                `json:"userMessageId"`
	AssistantMessageID string                `json:"assistantMessageId"`
	FileOperation      *domain.FileOperation `json:"fileOperation,omitempty"`
}

// Turn is one user message and the context it is sent with.
type Turn struct {
	Message        string
	ConversationID string
	UserID         string
	// History overrides the persisted conversation history when non-nil.
	History []domain.StoredMessage
	// Instructions are appended to the system prompt for this turn only.
	Instructions string
}

// Reply is the drained result of a turn.
type Reply struct {
	Text           string
	ConversationID string
	FileOperation  *domain.FileOperation
	ActionCard     *domain.ActionCard
}

// ConfirmResult reports how a paused tool call was resolved.
type ConfirmResult struct {
	Success bool                    `json:"success"`
	Status  domain.ActionCardStatus `json:"status"`
	Message string                  `json:"message"`
	Card    *domain.ActionCard      `json:"actionCard,omitempty"`
}
