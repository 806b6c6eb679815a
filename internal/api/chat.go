package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/vaultchat/internal/chat"
	"github.com/ashureev/vaultchat/internal/domain"
	"github.com/ashureev/vaultchat/internal/identity"
	"github.com/ashureev/vaultchat/internal/transport"
)

// ChatService runs chat turns. *chat.Orchestrator satisfies it.
type ChatService interface {
	Execute(ctx context.Context, t chat.Turn) (<-chan chat.Event, error)
	Complete(ctx context.Context, t chat.Turn) (chat.Reply, error)
	Confirm(ctx context.Context, token string, approved bool) (chat.ConfirmResult, error)
	Provider() (provider, model string)
}

// ChatRequest is the body of /chat and /chat/stream.
type ChatRequest struct {
	Message        string                 `json:"message"`
	ConversationID string                 `json:"conversationId,omitempty"`
	History        []domain.StoredMessage `json:"history,omitempty"`
	Instructions   string                 `json:"instructions,omitempty"`
}

// ChatResponse is the body returned by /chat.
type ChatResponse struct {
	Text                string                `json:"text"`
	FileOperationResult *domain.FileOperation `json:"fileOperationResult,omitempty"`
	ConversationID      string                `json:"conversationId"`
	ActionCard          *domain.ActionCard    `json:"actionCard,omitempty"`
}

// ConfirmRequest is the body of /chat/confirm.
type ConfirmRequest struct {
	Token    string `json:"token"`
	Approved bool   `json:"approved"`
}

// ChatHandler serves the chat endpoints.
type ChatHandler struct {
	chat        ChatService
	limiter     *RateLimiter
	maxBodySize int64
	logger      *slog.Logger
}

// NewChatHandler creates a ChatHandler. A nil limiter disables rate limiting.
func NewChatHandler(svc ChatService, limiter *RateLimiter, maxBodySize int64, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		chat:        svc,
		limiter:     limiter,
		maxBodySize: maxBodySize,
		logger:      logger,
	}
}

// allow rate-limits by user ID, falling back to the client IP.
func (h *ChatHandler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	key := identity.UserIDFromContext(r.Context())
	if key == "" {
		key = identity.IPFromRequest(r)
	}
	if !h.limiter.Allow(key) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (h *ChatHandler) readTurn(w http.ResponseWriter, r *http.Request) (chat.Turn, bool) {
	var req ChatRequest
	if err := decodeJSON(w, r, h.maxBodySize, &req); err != nil {
		writeDecodeError(w, err)
		return chat.Turn{}, false
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return chat.Turn{}, false
	}

	userID := identity.UserIDFromContext(r.Context())
	h.logger.Info("Chat request",
		"user_id", userID,
		"conversation_id", req.ConversationID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)
	return chat.Turn{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		UserID:         userID,
		History:        req.History,
		Instructions:   req.Instructions,
	}, true
}

// writeTurnError maps errors returned before a turn starts.
func writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrMessageRequired):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrConversationNotFound):
		Error(w, http.StatusNotFound, err.Error())
	default:
		Error(w, http.StatusInternalServerError, "chat failed")
	}
}

// HandleChat handles POST /chat: a full turn returned as one JSON body.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	turn, ok := h.readTurn(w, r)
	if !ok {
		return
	}

	reply, err := h.chat.Complete(r.Context(), turn)
	if err != nil {
		h.logger.Error("Chat turn failed", "error", err)
		writeTurnError(w, err)
		return
	}

	JSON(w, http.StatusOK, ChatResponse{
		Text:                reply.Text,
		FileOperationResult: reply.FileOperation,
		ConversationID:      reply.ConversationID,
		ActionCard:          reply.ActionCard,
	})
}

// HandleStream handles POST /chat/stream: a turn streamed as server-sent events.
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	turn, ok := h.readTurn(w, r)
	if !ok {
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := h.chat.Execute(r.Context(), turn)
	if err != nil {
		writeTurnError(w, err)
		return
	}

	sse, err := transport.NewSSEWriter(w)
	if err != nil {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if err := transport.StreamSSE(r.Context(), sse, events, h.logger); err != nil {
		h.logger.Debug("Chat stream ended early", "error", err)
	}
}

// HandleConfirm handles POST /chat/confirm.
func (h *ChatHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := decodeJSON(w, r, h.maxBodySize, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		Error(w, http.StatusBadRequest, "token is required")
		return
	}

	result, err := h.chat.Confirm(r.Context(), req.Token, req.Approved)
	if err != nil {
		if errors.Is(err, chat.ErrConfirmationNotFound) {
			Error(w, http.StatusNotFound, "confirmation not found or expired")
			return
		}
		h.logger.Error("Confirmation failed", "error", err)
		Error(w, http.StatusInternalServerError, "confirmation failed")
		return
	}
	JSON(w, http.StatusOK, result)
}

// HandleProvider handles GET /api/llm/provider.
func (h *ChatHandler) HandleProvider(w http.ResponseWriter, _ *http.Request) {
	provider, model := h.chat.Provider()
	JSON(w, http.StatusOK, map[string]string{"provider": provider, "model": model})
}
