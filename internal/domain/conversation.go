// Package domain contains core domain types for the vault chat assistant.
package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultConversationTitle is the placeholder title used until a better one is known.
const DefaultConversationTitle = "New Conversation"

// MaxTitleLength is the number of characters kept from a user message when deriving a title.
const MaxTitleLength = 80

// Conversation is a chat thread owned (optionally) by a user.
type Conversation struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId,omitempty"`
	Title      string     `json:"title"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`
	ThreadID   string     `json:"threadId,omitempty"`
	Archived   bool       `json:"archived"`
	RowVersion int64      `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	Messages   []*Message `json:"messages,omitempty"`
}

// HasDefaultTitle reports whether the title is still the generated placeholder.
func (c *Conversation) HasDefaultTitle() bool {
	return c.Title == "" || c.Title == DefaultConversationTitle
}

// Touch advances UpdatedAt, never moving it before CreatedAt.
func (c *Conversation) Touch(now time.Time) {
	if now.Before(c.CreatedAt) {
		now = c.CreatedAt
	}
	c.UpdatedAt = now
}

// TitleFromMessage derives a conversation title from a user message.
// Messages longer than MaxTitleLength characters are cut and get a single ellipsis.
func TitleFromMessage(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if title == "" {
		return DefaultConversationTitle
	}
	if utf8.RuneCountInString(title) <= MaxTitleLength {
		return title
	}
	runes := []rune(title)
	return string(runes[:MaxTitleLength]) + "…"
}
