package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/vaultchat/internal/chatlog"
	"github.com/ashureev/vaultchat/internal/confirm"
	"github.com/ashureev/vaultchat/internal/domain"
	"github.com/ashureev/vaultchat/internal/fileop"
	"github.com/ashureev/vaultchat/internal/gateway"
	"github.com/ashureev/vaultchat/internal/llm"
	"github.com/ashureev/vaultchat/internal/pipeline"
	"github.com/ashureev/vaultchat/internal/shared"
	"github.com/ashureev/vaultchat/internal/store"
)

// ToolSource lists and runs gateway tools. *gateway.Provider satisfies it.
type ToolSource interface {
	ListTools(ctx context.Context) []gateway.Tool
	InvokeTool(ctx context.Context, name string, args *structpb.Struct) (gateway.Result, error)
}

// Options tunes the turn loop.
type Options struct {
	SystemPrompt  string
	MaxToolRounds int
	EventBuffer   int
	MaxTokens     int
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Repo          store.Repository
	Model         llm.Model
	Tools         ToolSource
	Confirmations *confirm.Store
	Middleware    []pipeline.Middleware
	Transcript    chatlog.Logger
	Logger        *slog.Logger
}

// Orchestrator runs chat turns.
type Orchestrator struct {
	repo          store.Repository
	model         llm.Model
	tools         ToolSource
	confirmations *confirm.Store
	handler       pipeline.Handler
	transcript    chatlog.Logger
	logger        *slog.Logger
	opts          Options
	now           func() time.Time
	newID         func() string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Transcript == nil {
		deps.Transcript = chatlog.Noop{}
	}
	if deps.Confirmations == nil {
		deps.Confirmations = confirm.NewStore(0)
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 8
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	o := &Orchestrator{
		repo:          deps.Repo,
		model:         deps.Model,
		tools:         deps.Tools,
		confirmations: deps.Confirmations,
		transcript:    deps.Transcript,
		logger:        deps.Logger,
		opts:          opts,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	o.handler = pipeline.Chain(o.invokeTool, deps.Middleware...)
	return o
}

// Provider returns the provider and model name of the chat model.
func (o *Orchestrator) Provider() (provider, model string) {
	return o.model.Provider(), o.model.ModelName()
}

type turnState string

const (
	stateToolDiscovery   turnState = "tool_discovery"
	stateModelInvocation turnState = "model_invocation"
	stateStreaming       turnState = "streaming"
	statePersisting      turnState = "persisting"
	stateComplete        turnState = "complete"
	stateError           turnState = "error"
	stateAbandoned       turnState = "abandoned"
)

// turn is the mutable state of one Execute call, owned by its producer goroutine.
type turn struct {
	Turn
	conv      *domain.Conversation
	userMsg   *domain.Message
	history   []llm.Message
	events    chan Event
	text      strings.Builder
	card      *domain.ActionCard
	tokens    int
	startedAt time.Time
}

// Execute validates t, persists the user message and starts the turn. The
// returned channel yields events in production order and is closed when the
// turn ends. A successful turn ends with exactly one EventMetadata; a failed
// one with an EventError. Canceling ctx abandons the turn without persisting
// an assistant message.
func (o *Orchestrator) Execute(ctx context.Context, t Turn) (<-chan Event, error) {
	t.Message = strings.TrimSpace(t.Message)
	if t.Message == "" {
		return nil, ErrMessageRequired
	}

	conv, err := o.resolveConversation(ctx, t)
	if err != nil {
		return nil, err
	}

	history, err := o.loadHistory(ctx, conv.ID, t.History)
	if err != nil {
		return nil, err
	}

	userMsg := &domain.Message{
		ID:             o.newID(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        t.Message,
		CreatedAt:      o.now(),
	}
	if err := o.repo.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	o.transcript.Log(chatlog.Event{
		UserID:         t.UserID,
		ConversationID: conv.ID,
		Channel:        "chat",
		Direction:      "outbound",
		EventType:      "chat_user_message",
		ContentRaw:     t.Message,
	})

	st := &turn{
		Turn:      t,
		conv:      conv,
		userMsg:   userMsg,
		history:   append(history, llm.Message{Role: llm.RoleUser, Content: t.Message}),
		events:    make(chan Event, o.opts.EventBuffer),
		startedAt: o.now(),
	}
	go o.run(ctx, st)
	return st.events, nil
}

func (o *Orchestrator) resolveConversation(ctx context.Context, t Turn) (*domain.Conversation, error) {
	if t.ConversationID != "" {
		conv, err := o.repo.GetConversation(ctx, t.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		if conv == nil || (conv.UserID != "" && conv.UserID != t.UserID) {
			return nil, ErrConversationNotFound
		}
		return conv, nil
	}

	now := o.now()
	conv := &domain.Conversation{
		ID:        o.newID(),
		UserID:    t.UserID,
		Title:     domain.TitleFromMessage(t.Message),
		Provider:  o.model.Provider(),
		Model:     o.model.ModelName(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.repo.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	o.logger.Info("Conversation created", "conversation_id", conv.ID, "user_id", t.UserID)
	return conv, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, conversationID string, supplied []domain.StoredMessage) ([]llm.Message, error) {
	if supplied != nil {
		history := make([]llm.Message, 0, len(supplied))
		for _, m := range supplied {
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			role := llm.RoleUser
			if m.IsAssistant() {
				role = llm.RoleAssistant
			}
			history = append(history, llm.Message{Role: role, Content: m.Content})
		}
		return history, nil
	}

	stored, err := o.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		if m.Content == "" {
			continue
		}
		role := llm.RoleUser
		if m.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: m.Content})
	}
	return history, nil
}

func (o *Orchestrator) setState(st *turn, s turnState) {
	o.logger.Debug("Chat turn state", "conversation_id", st.conv.ID, "state", s)
}

// emit delivers ev unless the turn was canceled first.
func (o *Orchestrator) emit(ctx context.Context, st *turn, ev Event) bool {
	select {
	case st.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) fail(ctx context.Context, st *turn, err error) {
	o.setState(st, stateError)
	o.logger.Error("Chat turn failed", "conversation_id", st.conv.ID, "error", err)
	o.transcript.Log(chatlog.Event{
		UserID:         st.UserID,
		ConversationID: st.conv.ID,
		Channel:        "chat",
		Direction:      "inbound",
		EventType:      "chat_assistant_error",
		ContentRaw:     st.text.String(),
		Meta:           map[string]any{"error": err.Error()},
	})
	o.emit(ctx, st, Event{Kind: EventError, Err: err})
}

func (o *Orchestrator) abandon(ctx context.Context, st *turn) {
	o.setState(st, stateAbandoned)
	o.logger.Info("Chat turn canceled", "conversation_id", st.conv.ID, "reason", context.Cause(ctx))
}

func (o *Orchestrator) run(ctx context.Context, st *turn) {
	defer close(st.events)
	defer func() {
		if r := recover(); r != nil {
			o.fail(ctx, st, fmt.Errorf("chat turn panic: %v", r))
		}
	}()

	o.setState(st, stateToolDiscovery)
	specs := o.toolSpecs(ctx)

	system := o.opts.SystemPrompt
	if st.Instructions != "" {
		system = strings.TrimSpace(system + "\n\n" + st.Instructions)
	}

	for round := 0; round < o.opts.MaxToolRounds; round++ {
		o.setState(st, stateModelInvocation)
		calls, roundText, err := o.streamRound(ctx, st, llm.Request{
			System:    system,
			Messages:  st.history,
			Tools:     specs,
			MaxTokens: o.opts.MaxTokens,
		})
		if ctx.Err() != nil {
			o.abandon(ctx, st)
			return
		}
		if err != nil {
			o.fail(ctx, st, err)
			return
		}
		if len(calls) == 0 {
			break
		}

		st.history = append(st.history, llm.Message{Role: llm.RoleAssistant, Content: roundText, ToolCalls: calls})
		for _, call := range calls {
			outcome, err := o.runTool(ctx, st, call)
			if err != nil {
				o.abandon(ctx, st)
				return
			}
			if outcome.Kind == pipeline.Pending && outcome.Card != nil {
				if st.card == nil {
					st.card = outcome.Card
				} else {
					o.logger.Warn("Additional confirmation in one turn; only the first card is attached",
						"conversation_id", st.conv.ID, "tool", call.Name)
				}
				if !o.emit(ctx, st, Event{Kind: EventActionCard, Card: outcome.Card}) {
					o.abandon(ctx, st)
					return
				}
			}
			st.history = append(st.history, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    outcome.ModelFeedback(),
				IsError:    outcome.IsError || outcome.Kind == pipeline.Rejected,
			})
		}

		if round == o.opts.MaxToolRounds-1 {
			o.logger.Warn("Tool round limit reached", "conversation_id", st.conv.ID, "rounds", o.opts.MaxToolRounds)
		}
	}

	o.finish(ctx, st)
}

// streamRound runs one model invocation, forwarding text and tool calls as they arrive.
func (o *Orchestrator) streamRound(ctx context.Context, st *turn, req llm.Request) ([]llm.ToolCall, string, error) {
	var calls []llm.ToolCall
	var roundText strings.Builder
	streaming := false
	announced := 0

	for chunk, err := range o.model.Stream(ctx, req) {
		if err != nil {
			return nil, "", fmt.Errorf("model stream: %w", err)
		}
		if !streaming {
			o.setState(st, stateStreaming)
			streaming = true
		}

		switch chunk.Kind {
		case llm.ChunkText:
			if chunk.Text == "" {
				continue
			}
			st.text.WriteString(chunk.Text)
			roundText.WriteString(chunk.Text)
			if !o.emit(ctx, st, Event{Kind: EventText, Text: chunk.Text}) {
				return nil, "", ctx.Err()
			}
		case llm.ChunkToolStart:
			announced++
			if !o.emit(ctx, st, Event{Kind: EventToolCall, ToolName: chunk.ToolCall.Name}) {
				return nil, "", ctx.Err()
			}
		case llm.ChunkToolCall:
			calls = append(calls, chunk.ToolCall)
			if announced > 0 {
				announced--
				continue
			}
			if !o.emit(ctx, st, Event{Kind: EventToolCall, ToolName: chunk.ToolCall.Name}) {
				return nil, "", ctx.Err()
			}
		case llm.ChunkUsage:
			st.tokens += chunk.OutputTokens
		}
	}
	return calls, roundText.String(), nil
}

// runTool sends one call through the middleware pipeline. The only error
// returned is cancellation; every other failure becomes an error result for the model.
func (o *Orchestrator) runTool(ctx context.Context, st *turn, call llm.ToolCall) (pipeline.Outcome, error) {
	args, err := gateway.ArgsFromJSON(call.Arguments)
	if err != nil {
		return pipeline.Proceed("Invalid tool arguments: "+err.Error(), true), nil
	}

	outcome, err := o.handler(ctx, &pipeline.Call{
		ID:             call.ID,
		Name:           call.Name,
		Arguments:      args,
		ConversationID: st.conv.ID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.Outcome{}, ctx.Err()
		}
		o.logger.Warn("Tool pipeline failed", "tool", call.Name, "error", err)
		return pipeline.Proceed("Tool failed: "+err.Error(), true), nil
	}

	o.logger.Info("Tool call handled",
		"conversation_id", st.conv.ID,
		"tool", call.Name,
		"outcome", outcome.Kind.String())
	return outcome, nil
}

// invokeTool is the terminal pipeline handler: it runs the tool on the gateway.
func (o *Orchestrator) invokeTool(ctx context.Context, call *pipeline.Call) (pipeline.Outcome, error) {
	if o.tools == nil {
		return pipeline.Proceed("Tool gateway unavailable", true), nil
	}
	res, err := o.tools.InvokeTool(ctx, call.Name, call.Arguments)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.Outcome{}, ctx.Err()
		}
		return pipeline.Proceed("Tool gateway unavailable: "+err.Error(), true), nil
	}
	return pipeline.Proceed(res.Text, res.IsError), nil
}

func (o *Orchestrator) toolSpecs(ctx context.Context) []llm.ToolSpec {
	if o.tools == nil {
		return nil
	}
	tools := o.tools.ListTools(ctx)
	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	return specs
}

func (o *Orchestrator) finish(ctx context.Context, st *turn) {
	o.setState(st, statePersisting)

	content := st.text.String()
	now := o.now()
	op := fileop.Extract(content)
	if op != nil {
		op.Timestamp = now
	}
	assistant := &domain.Message{
		ID:             o.newID(),
		ConversationID: st.conv.ID,
		Role:           domain.RoleAssistant,
		CreatedAt:      now,
		IsProcessing:   true,
		FileOperation:  op,
		ActionCard:     st.card,
	}
	if err := assistant.AppendContent(content); err != nil {
		o.fail(ctx, st, err)
		return
	}
	if st.tokens > 0 {
		tokens := st.tokens
		assistant.TokenCount = &tokens
	}
	assistant.Finalize()

	if ctx.Err() != nil {
		o.abandon(ctx, st)
		return
	}
	if err := o.repo.AppendMessage(ctx, assistant); err != nil {
		if ctx.Err() != nil {
			o.abandon(ctx, st)
			return
		}
		o.fail(ctx, st, fmt.Errorf("persist assistant message: %w", err))
		return
	}
	o.refreshTitle(ctx, st.conv.ID, st.Message)

	o.transcript.Log(chatlog.Event{
		UserID:         st.UserID,
		ConversationID: st.conv.ID,
		Channel:        "chat",
		Direction:      "inbound",
		EventType:      "chat_assistant_message",
		ContentRaw:     content,
		Meta: map[string]any{
			"message_id":    assistant.ID,
			"output_tokens": st.tokens,
			"action_card":   st.card != nil,
			"duration_ms":   o.now().Sub(st.startedAt).Milliseconds(),
		},
	})

	o.setState(st, stateComplete)
	o.emit(ctx, st, Event{Kind: EventMetadata, Metadata: &Metadata{
		ConversationID:     st.conv.ID,
		UserMessageID:      st.userMsg.ID,
		AssistantMessageID: assistant.ID,
		FileOperation:      assistant.FileOperation,
	}})
}

var titleRetryPolicy = shared.RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   10 * time.Millisecond,
	Retryable: func(err error) bool {
		return errors.Is(err, store.ErrVersionConflict) || shared.IsSQLiteConflictError(err)
	},
}

// refreshTitle replaces a placeholder title with one derived from message.
// Conversations created by a turn are already titled from their first message,
// so this only touches rows stored with an empty or default title.
func (o *Orchestrator) refreshTitle(ctx context.Context, conversationID, message string) {
	err := shared.Retry(ctx, titleRetryPolicy, "refresh_title", func(ctx context.Context) error {
		conv, err := o.repo.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv == nil || !conv.HasDefaultTitle() {
			return nil
		}
		conv.Title = domain.TitleFromMessage(message)
		if conv.HasDefaultTitle() {
			return nil
		}
		conv.Touch(o.now())
		return o.repo.UpdateConversation(ctx, conv)
	})
	if err != nil {
		o.logger.Warn("Failed to update conversation title", "conversation_id", conversationID, "error", err)
	}
}

// Complete runs a turn to the end and returns its text.
func (o *Orchestrator) Complete(ctx context.Context, t Turn) (Reply, error) {
	events, err := o.Execute(ctx, t)
	if err != nil {
		return Reply{}, err
	}

	var reply Reply
	var text strings.Builder
	var turnErr error
	for ev := range events {
		switch ev.Kind {
		case EventText:
			text.WriteString(ev.Text)
		case EventActionCard:
			if reply.ActionCard == nil {
				reply.ActionCard = ev.Card
			}
		case EventMetadata:
			reply.ConversationID = ev.Metadata.ConversationID
			reply.FileOperation = ev.Metadata.FileOperation
		case EventError:
			turnErr = ev.Err
		}
	}
	reply.Text = text.String()

	if turnErr != nil {
		return reply, turnErr
	}
	if reply.ConversationID == "" {
		if ctx.Err() != nil {
			return reply, ctx.Err()
		}
		return reply, errors.New("chat turn ended without result")
	}
	return reply, nil
}
