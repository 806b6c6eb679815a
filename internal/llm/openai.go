package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"

	"github.com/sashabaranov/go-openai"
)

const defaultMaxTokens = 4096

// OpenAIModel talks to the OpenAI chat completions API or a compatible server.
type OpenAIModel struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAI creates an OpenAI-compatible model.
func NewOpenAI(cfg Config) *OpenAIModel {
	clientConfig := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAIBaseURL
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &OpenAIModel{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

// Provider returns "openai".
func (m *OpenAIModel) Provider() string { return "openai" }

// ModelName returns the configured model.
func (m *OpenAIModel) ModelName() string { return m.model }

func (m *OpenAIModel) buildRequest(req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, convertOpenAIMessage(msg))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}

	out := openai.ChatCompletionRequest{
		Model:     m.model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	for _, tool := range req.Tools {
		schema := tool.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func convertOpenAIMessage(msg Message) openai.ChatCompletionMessage {
	switch msg.Role {
	case RoleTool:
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
	case RoleAssistant:
		out := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: msg.Content,
		}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		return out
	default:
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: msg.Content,
		}
	}
}

// Stream streams a chat completion. Tool calls are yielded once their arguments are complete.
func (m *OpenAIModel) Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		body := m.buildRequest(req)
		body.Stream = true
		body.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

		stream, err := m.client.CreateChatCompletionStream(ctx, body)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("create stream: %w", err))
			return
		}
		defer stream.Close()

		calls := make(map[int]*ToolCall)
		outputTokens := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(Chunk{}, fmt.Errorf("stream error: %w", err))
				return
			}

			if resp.Usage != nil {
				outputTokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}

			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				if !yield(Chunk{Kind: ChunkText, Text: delta.Content}, nil) {
					return
				}
			}
			for i, tc := range delta.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := calls[idx]
				if !ok {
					call = &ToolCall{}
					calls[idx] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				announce := call.Name == "" && tc.Function.Name != ""
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				call.Arguments += tc.Function.Arguments
				if announce {
					if !yield(Chunk{Kind: ChunkToolStart, ToolCall: ToolCall{ID: call.ID, Name: call.Name}}, nil) {
						return
					}
				}
			}
		}

		indexes := make([]int, 0, len(calls))
		for idx := range calls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			call := calls[idx]
			if call.Name == "" {
				continue
			}
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d", idx)
			}
			if !yield(Chunk{Kind: ChunkToolCall, ToolCall: *call}, nil) {
				return
			}
		}

		if outputTokens > 0 {
			yield(Chunk{Kind: ChunkUsage, OutputTokens: outputTokens}, nil)
		}
	}
}

// Complete runs a non-streaming chat completion.
func (m *OpenAIModel) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, m.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no response from model")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Model = (*OpenAIModel)(nil)
