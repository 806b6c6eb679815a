package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestTitleFromMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty falls back", input: "   ", want: DefaultConversationTitle},
		{name: "short kept", input: "list my notes", want: "list my notes"},
		{name: "whitespace collapsed", input: "  list\n my   notes ", want: "list my notes"},
		{name: "exactly eighty", input: strings.Repeat("b", 80), want: strings.Repeat("b", 80)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TitleFromMessage(tt.input); got != tt.want {
				t.Errorf("TitleFromMessage(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTitleFromMessageTruncatesLongMessages(t *testing.T) {
	t.Parallel()

	title := TitleFromMessage(strings.Repeat("a", 100))
	if n := utf8.RuneCountInString(title); n != 81 {
		t.Fatalf("expected 81 characters, got %d", n)
	}
	if !strings.HasSuffix(title, "…") {
		t.Fatalf("expected ellipsis suffix, got %q", title)
	}
	if strings.Count(title, "…") != 1 {
		t.Fatalf("expected a single ellipsis, got %q", title)
	}
}

func TestMessageAppendContentOnlyWhileProcessing(t *testing.T) {
	t.Parallel()

	msg := &Message{Role: RoleAssistant, IsProcessing: true}
	if err := msg.AppendContent("Hello "); err != nil {
		t.Fatalf("AppendContent failed: %v", err)
	}
	if err := msg.AppendContent("world"); err != nil {
		t.Fatalf("AppendContent failed: %v", err)
	}
	msg.Finalize()

	if err := msg.AppendContent("!"); !errors.Is(err, ErrMessageFinalized) {
		t.Fatalf("expected ErrMessageFinalized, got %v", err)
	}
	if msg.Content != "Hello world" {
		t.Fatalf("unexpected content %q", msg.Content)
	}
}

func TestConversationTouchNeverPrecedesCreation(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	conv := &Conversation{CreatedAt: created, UpdatedAt: created}
	conv.Touch(created.Add(-time.Hour))
	if conv.UpdatedAt.Before(conv.CreatedAt) {
		t.Fatalf("UpdatedAt %v precedes CreatedAt %v", conv.UpdatedAt, conv.CreatedAt)
	}

	conv.Touch(created.Add(time.Minute))
	if !conv.UpdatedAt.Equal(created.Add(time.Minute)) {
		t.Fatalf("unexpected UpdatedAt %v", conv.UpdatedAt)
	}
}
