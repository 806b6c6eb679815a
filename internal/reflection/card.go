package reflection

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/vaultchat/internal/domain"
	"github.com/ashureev/vaultchat/internal/gateway"
	"github.com/ashureev/vaultchat/internal/pipeline"
)

// StatusAwaitingConfirmation is the status message of a freshly built card.
const StatusAwaitingConfirmation = "Awaiting your confirmation"

// BuildActionCard summarizes a paused tool call for the user.
func BuildActionCard(call *pipeline.Call, verdict domain.Verdict, token string, now time.Time) *domain.ActionCard {
	source := firstArg(call, "filepath", "path", "source")
	destination := firstArg(call, "destination", "new_path", "target_path")

	actionType, title := describe(call.Name, source, destination)
	description := verdict.ActionDescription
	if description == "" {
		description = title
	}

	warnings := verdict.Warnings
	if warnings == nil {
		warnings = []string{}
	}

	return &domain.ActionCard{
		ID:            uuid.NewString(),
		Title:         title,
		Status:        domain.CardPending,
		Operation:     call.Name,
		StatusMessage: StatusAwaitingConfirmation,
		CreatedAt:     now,
		PlannedActions: []domain.PlannedAction{{
			ID:          uuid.NewString(),
			Type:        actionType,
			Source:      source,
			Destination: destination,
			Description: description,
			Operation:   firstArg(call, "operation"),
			Content:     firstArg(call, "content"),
			SortOrder:   0,
		}},
		ReflectionMetadata: domain.ReflectionMetadata{
			Reasoning:         verdict.Reason,
			Warnings:          warnings,
			NeedsConfirmation: true,
			ReflectionKey:     token,
		},
	}
}

func describe(tool, source, destination string) (actionType, title string) {
	switch tool {
	case ToolDeleteFile:
		return "delete", fmt.Sprintf("Delete %s", source)
	case ToolMoveFile:
		return "move", fmt.Sprintf("Move %s to %s", source, destination)
	case ToolPatchContent:
		return "modify", fmt.Sprintf("Modify %s", source)
	default:
		return "other", fmt.Sprintf("Run %s", tool)
	}
}

func firstArg(call *pipeline.Call, keys ...string) string {
	for _, k := range keys {
		if v := gateway.StringArg(call.Arguments, k); v != "" {
			return v
		}
	}
	return ""
}
