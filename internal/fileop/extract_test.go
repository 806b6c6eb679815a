package fileop

import (
	"reflect"
	"testing"
	"time"

	"github.com/ashureev/vaultchat/internal/domain"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantAction domain.FileAction
		wantPath   string
	}{
		{"created backticks", "I created the file `notes/ideas.md` for you.", domain.FileCreated, "notes/ideas.md"},
		{"deleted bare path", "Done. I deleted notes/old.md.", domain.FileDeleted, "notes/old.md"},
		{"updated maps to modified", "I have updated the note 'Daily Log.md' with today's entry.", domain.FileModified, "Daily Log.md"},
		{"modified double quotes", `Modified file "projects/plan.md" as requested.`, domain.FileModified, "projects/plan.md"},
		{"appended to", "I appended to `journal/2024-05-01.md` the meeting notes.", domain.FileAppended, "journal/2024-05-01.md"},
		{"moved keeps first path", "I moved the file `inbox/a.md` to `archive/a.md`.", domain.FileMoved, "inbox/a.md"},
		{"case insensitive", "DELETED THE FILE `Temp.md`", domain.FileDeleted, "Temp.md"},
		{"first mention wins", "I created `a.md` and then deleted `b.md`.", domain.FileCreated, "a.md"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.text)
			if got == nil {
				t.Fatalf("Extract(%q) = nil, want %s %s", tt.text, tt.wantAction, tt.wantPath)
			}
			if got.Action != tt.wantAction {
				t.Errorf("Action = %s, want %s", got.Action, tt.wantAction)
			}
			if got.FilePath != tt.wantPath {
				t.Errorf("FilePath = %q, want %q", got.FilePath, tt.wantPath)
			}
			if !got.Timestamp.IsZero() {
				t.Errorf("Timestamp = %v, want zero", got.Timestamp)
			}
		})
	}
}

func TestExtractNoOperation(t *testing.T) {
	texts := []string{
		"",
		"Here are the files in your vault: a.md, b.md",
		"I created a new plan for your week.",
		"The note was deleted yesterday by someone else",
		"Let me know if you want me to delete anything.",
	}
	for _, text := range texts {
		if got := Extract(text); got != nil {
			t.Errorf("Extract(%q) = %+v, want nil", text, got)
		}
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	text := "I moved the note `inbox/todo.md` to `done/todo.md`."
	first := Extract(text)
	time.Sleep(2 * time.Millisecond)
	second := Extract(text)
	if first == nil || second == nil {
		t.Fatal("expected an operation")
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Extract not stable: %+v vs %+v", first, second)
	}
}
