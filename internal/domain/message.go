package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrMessageFinalized is returned when content is appended to a finished message.
var ErrMessageFinalized = errors.New("message is finalized")

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks messages written by the user.
	RoleUser Role = "User"
	// RoleAssistant marks messages produced by the model.
	RoleAssistant Role = "Assistant"
)

// Message is a single entry of a conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"createdAt"`
	TokenCount     *int           `json:"tokenCount,omitempty"`
	IsProcessing   bool           `json:"isProcessing"`
	FileOperation  *FileOperation `json:"fileOperation,omitempty"`
	ActionCard     *ActionCard    `json:"actionCard,omitempty"`
}

// AppendContent adds a streamed delta to the message content.
func (m *Message) AppendContent(delta string) error {
	if !m.IsProcessing {
		return ErrMessageFinalized
	}
	m.Content += delta
	return nil
}

// Finalize freezes the message content.
func (m *Message) Finalize() {
	m.IsProcessing = false
}

// FileAction is the kind of change described by a FileOperation.
type FileAction string

const (
	FileCreated  FileAction = "Created"
	FileModified FileAction = "Modified"
	FileAppended FileAction = "Appended"
	FileDeleted  FileAction = "Deleted"
	FileMoved    FileAction = "Moved"
)

// FileOperation records the file change an assistant message claims to have made.
type FileOperation struct {
	Action    FileAction `json:"action"`
	FilePath  string     `json:"filePath"`
	Timestamp time.Time  `json:"timestamp"`
}

// StoredMessage is a serialized chat history entry supplied by clients.
type StoredMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IsAssistant reports whether the entry was produced by the model.
func (m StoredMessage) IsAssistant() bool {
	return strings.EqualFold(m.Role, "assistant")
}
