// Package llm adapts chat model providers to a single streaming interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrMissingAPIKey is returned when a hosted provider has no API key configured.
var ErrMissingAPIKey = errors.New("missing API key")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the prompt history.
type Message struct {
	Role    string
	Content string
	// ToolCalls are the calls an assistant message requested.
	ToolCalls []ToolCall
	// ToolCallID and IsError are set on tool result messages.
	ToolCallID string
	IsError    bool
}

// ToolCall is a model request to run a tool. Arguments is a JSON object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec advertises a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is a single model invocation.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// ChunkKind discriminates Chunk.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	// ChunkToolCall carries a complete call, ready to execute.
	ChunkToolCall
	ChunkUsage
	// ChunkToolStart announces a call as soon as its name is known. Backends
	// that send it follow up with a ChunkToolCall for the same call.
	ChunkToolStart
)

// Chunk is one increment of a streamed response.
type Chunk struct {
	Kind         ChunkKind
	Text         string
	ToolCall     ToolCall
	OutputTokens int
}

// Model is a chat model capable of streaming text and tool calls.
type Model interface {
	// Provider returns the provider identifier, e.g. "openai".
	Provider() string
	ModelName() string
	// Stream yields text, tool calls and usage in arrival order. A non-nil error ends the stream.
	Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error]
	// Complete returns the full text of a non-streaming response.
	Complete(ctx context.Context, req Request) (string, error)
}

// Config selects and authenticates a model.
type Config struct {
	Provider        string
	Model           string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	AnthropicURL    string
	MaxTokens       int
}

// New creates the model named by cfg.Provider.
func New(cfg Config) (Model, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		// Local OpenAI-compatible servers usually run without a key.
		if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
			return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
		}
		return NewOpenAI(cfg), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic: %w", ErrMissingAPIKey)
		}
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// CollectText drains a stream and returns the concatenated text.
func CollectText(seq iter.Seq2[Chunk, error]) (string, error) {
	var sb strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		if chunk.Kind == ChunkText {
			sb.WriteString(chunk.Text)
		}
	}
	return sb.String(), nil
}
