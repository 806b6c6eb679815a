// Package fileop recognizes file changes described in assistant replies.
package fileop

import (
	"regexp"
	"strings"

	"github.com/ashureev/vaultchat/internal/domain"
)

// operationPattern matches phrases like "I deleted the file `notes/a.md`" or
// "moved note 'Daily Log.md'". The path is quoted (spaces allowed) or a bare token.
var operationPattern = regexp.MustCompile(
	`(?i)\b(created|modified|updated|appended(?:\s+to)?|deleted|moved)\s+` +
		`(?:the\s+)?(?:(?:file|note)\s+)?` +
		"(?:[`\"'“]([^`\"'”\\n]+)[`\"'”]|([\\w./-]+\\.[A-Za-z0-9]+))",
)

var actions = map[string]domain.FileAction{
	"created":  domain.FileCreated,
	"modified": domain.FileModified,
	"updated":  domain.FileModified,
	"appended": domain.FileAppended,
	"deleted":  domain.FileDeleted,
	"moved":    domain.FileMoved,
}

// Extract returns the first file operation described in text, or nil.
// The result depends only on text; callers stamp Timestamp themselves.
func Extract(text string) *domain.FileOperation {
	for _, m := range operationPattern.FindAllStringSubmatch(text, -1) {
		verb := strings.ToLower(strings.Fields(m[1])[0])
		action, ok := actions[verb]
		if !ok {
			continue
		}

		path := strings.TrimSpace(m[2])
		if path == "" {
			path = m[3]
		}
		path = strings.TrimRight(path, ".,;:")
		if path == "" {
			continue
		}

		return &domain.FileOperation{
			Action:   action,
			FilePath: path,
		}
	}
	return nil
}
