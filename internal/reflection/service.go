// Package reflection runs a model-driven safety review over risky tool calls
// and gates them behind user confirmation.
package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/vaultchat/internal/domain"
	"github.com/ashureev/vaultchat/internal/gateway"
	"github.com/ashureev/vaultchat/internal/llm"
)

// Destructive tool names. Calls to these always need user confirmation.
const (
	ToolDeleteFile   = "obsidian_delete_file"
	ToolPatchContent = "obsidian_patch_content"
	ToolMoveFile     = "obsidian_move_file"
)

// ToolAppendContent adds to a file without touching existing content, so it is not reviewed.
const ToolAppendContent = "obsidian_append_content"

var destructiveTools = map[string]struct{}{
	ToolDeleteFile:   {},
	ToolPatchContent: {},
	ToolMoveFile:     {},
}

// IsDestructive reports whether tool deletes, rewrites or moves files.
func IsDestructive(tool string) bool {
	_, ok := destructiveTools[tool]
	return ok
}

// ErrMalformedVerdict is returned when the model reply is not a verdict object.
var ErrMalformedVerdict = errors.New("malformed reflection verdict")

// Reflector reviews a tool call before it runs.
type Reflector interface {
	Reflect(ctx context.Context, tool string, args *structpb.Struct) (domain.Verdict, error)
}

const systemPrompt = "You are a safety reviewer for file operations in a personal note vault. " +
	"You never execute anything. You answer with a single JSON object and nothing else."

const rubric = `Rules:
1. The target file path must be unambiguous. Reject operations on wildcard, empty or relative-escape paths.
2. The operation must be reversible or explicitly confirmed by the user through the UI.
3. No bulk or irreversible changes without explicit confirmation.
4. No access to system paths or files outside the vault.
5. Deleting, patching or moving a file ALWAYS needs user confirmation.

Respond with JSON of exactly this shape:
{"shouldReject": bool, "needsUserConfirmation": bool, "reason": string, "actionDescription": string, "safetyChecks": [string], "warnings": [string]}`

// Service asks a model to review tool calls.
type Service struct {
	model  llm.Model
	logger *slog.Logger
}

// NewService creates a reflection Service backed by model.
func NewService(model llm.Model, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{model: model, logger: logger}
}

// BuildPrompt renders the review request. Equal inputs always produce the same prompt.
func BuildPrompt(tool string, args *structpb.Struct) string {
	var sb strings.Builder
	sb.WriteString("Review this tool call.\n\n")
	sb.WriteString("Tool: ")
	sb.WriteString(tool)
	sb.WriteString("\nArguments: ")
	sb.WriteString(gateway.CanonicalJSON(args))
	sb.WriteString("\n\n")
	sb.WriteString(rubric)
	return sb.String()
}

// Reflect reviews one tool call. Destructive tools always come back needing confirmation.
func (s *Service) Reflect(ctx context.Context, tool string, args *structpb.Struct) (domain.Verdict, error) {
	reply, err := s.model.Complete(ctx, llm.Request{
		System:    systemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: BuildPrompt(tool, args)}},
		MaxTokens: 512,
	})
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("reflection model call: %w", err)
	}

	verdict, err := ParseVerdict(reply)
	if err != nil {
		return domain.Verdict{}, err
	}
	if IsDestructive(tool) && !verdict.NeedsUserConfirmation {
		s.logger.Info("Reflection verdict overridden: destructive tool needs confirmation", "tool", tool)
		verdict.NeedsUserConfirmation = true
	}

	s.logger.Debug("Reflection verdict",
		"tool", tool,
		"reject", verdict.ShouldReject,
		"confirm", verdict.NeedsUserConfirmation,
		"reason", verdict.Reason)
	return verdict, nil
}

// ParseVerdict decodes a verdict from a model reply. A fenced ```json block or
// prose around the object is tolerated.
func ParseVerdict(reply string) (domain.Verdict, error) {
	body := strings.TrimSpace(reply)
	if i := strings.Index(body, "```"); i >= 0 {
		rest := body[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		body = strings.TrimSpace(rest)
	}

	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return domain.Verdict{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedVerdict)
	}

	var raw struct {
		ShouldReject          *bool    `json:"shouldReject"`
		NeedsUserConfirmation *bool    `json:"needsUserConfirmation"`
		Reason                string   `json:"reason"`
		ActionDescription     string   `json:"actionDescription"`
		SafetyChecks          []string `json:"safetyChecks"`
		Warnings              []string `json:"warnings"`
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
		return domain.Verdict{}, fmt.Errorf("%w: %w", ErrMalformedVerdict, err)
	}
	if raw.ShouldReject == nil || raw.NeedsUserConfirmation == nil {
		return domain.Verdict{}, fmt.Errorf("%w: missing decision fields", ErrMalformedVerdict)
	}

	return domain.Verdict{
		ShouldReject:          *raw.ShouldReject,
		NeedsUserConfirmation: *raw.NeedsUserConfirmation,
		Reason:                raw.Reason,
		ActionDescription:     raw.ActionDescription,
		SafetyChecks:          raw.SafetyChecks,
		Warnings:              raw.Warnings,
	}, nil
}
