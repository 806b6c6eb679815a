package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicModel talks to the Anthropic Messages API.
type AnthropicModel struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropic creates an Anthropic model.
func NewAnthropic(cfg Config) *AnthropicModel {
	opts := []option.RequestOption{option.WithAPIKey(cfg.AnthropicAPIKey)}
	if cfg.AnthropicURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.AnthropicURL))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &AnthropicModel{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

// Provider returns "anthropic".
func (m *AnthropicModel) Provider() string { return "anthropic" }

// ModelName returns the configured model.
func (m *AnthropicModel) ModelName() string { return m.model }

func (m *AnthropicModel) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages := convertAnthropicMessages(req.Messages)
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic request requires at least one message")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if sys := strings.TrimSpace(req.System); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}
	return params, nil
}

// convertAnthropicMessages maps history onto alternating user/assistant turns.
// Consecutive tool results are grouped into one user message.
func convertAnthropicMessages(history []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		out = append(out, anthropic.NewUserMessage(pendingResults...))
		pendingResults = nil
	}

	for _, msg := range history {
		switch msg.Role {
		case RoleTool:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		case RoleAssistant:
			flushResults()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, decodeArguments(call.Arguments), call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			flushResults()
			if msg.Content == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushResults()
	return out
}

func decodeArguments(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return map[string]any{}
	}
	return decoded
}

func convertAnthropicTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Schema["properties"]; ok {
			schema.Properties = props
		}
		if required, ok := t.Schema["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}

		tool := &anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: tool})
	}
	return out
}

// Stream streams a message. Tool calls are yielded when their content block closes.
func (m *AnthropicModel) Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		params, err := m.buildParams(req)
		if err != nil {
			yield(Chunk{}, err)
			return
		}

		stream := m.client.Messages.NewStreaming(ctx, params)
		if stream == nil {
			yield(Chunk{}, fmt.Errorf("anthropic stream failed: no stream returned"))
			return
		}
		defer stream.Close()

		type toolBlock struct {
			id    string
			name  string
			input strings.Builder
		}
		blocks := make(map[int64]*toolBlock)
		outputTokens := 0

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if ev.ContentBlock.Type == "tool_use" {
					blocks[ev.Index] = &toolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					if !yield(Chunk{Kind: ChunkText, Text: delta.Text}, nil) {
						return
					}
				case anthropic.InputJSONDelta:
					if b, ok := blocks[ev.Index]; ok {
						b.input.WriteString(delta.PartialJSON)
					}
				}
			case anthropic.ContentBlockStopEvent:
				b, ok := blocks[ev.Index]
				if !ok {
					continue
				}
				delete(blocks, ev.Index)
				args := b.input.String()
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				call := ToolCall{ID: b.id, Name: b.name, Arguments: args}
				if !yield(Chunk{Kind: ChunkToolCall, ToolCall: call}, nil) {
					return
				}
			case anthropic.MessageDeltaEvent:
				outputTokens = int(ev.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			yield(Chunk{}, fmt.Errorf("anthropic stream failed: %w", err))
			return
		}
		if outputTokens > 0 {
			yield(Chunk{Kind: ChunkUsage, OutputTokens: outputTokens}, nil)
		}
	}
}

// Complete sends a non-streaming request and joins the text blocks of the reply.
func (m *AnthropicModel) Complete(ctx context.Context, req Request) (string, error) {
	params, err := m.buildParams(req)
	if err != nil {
		return "", err
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(block.Text)
	}
	return sb.String(), nil
}

var _ Model = (*AnthropicModel)(nil)
