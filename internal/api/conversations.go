package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/vaultchat/internal/domain"
	"github.com/ashureev/vaultchat/internal/identity"
	"github.com/ashureev/vaultchat/internal/store"
)

// ConversationHandler serves conversation history.
type ConversationHandler struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(repo store.Repository, logger *slog.Logger) *ConversationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationHandler{repo: repo, logger: logger}
}

// RegisterRoutes registers conversation routes.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Delete("/{id}", h.Delete)
		r.Post("/{id}/archive", h.Archive)
	})
}

// List handles GET /api/conversations.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("includeArchived"))
	convs, err := h.repo.ListConversations(r.Context(), identity.UserIDFromContext(r.Context()), includeArchived)
	if err != nil {
		h.logger.Error("Failed to list conversations", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	JSON(w, http.StatusOK, convs)
}

// load fetches a conversation the caller owns. It writes the response on failure.
func (h *ConversationHandler) load(w http.ResponseWriter, r *http.Request) (*domain.Conversation, bool) {
	conv, err := h.repo.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("Failed to load conversation", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	}
	userID := identity.UserIDFromContext(r.Context())
	if conv == nil || (conv.UserID != "" && conv.UserID != userID) {
		Error(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}

// Get handles GET /api/conversations/{id}, messages included.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	messages, err := h.repo.ListMessages(r.Context(), conv.ID)
	if err != nil {
		h.logger.Error("Failed to load messages", "conversation_id", conv.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	conv.Messages = messages
	JSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/conversations/{id}.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.repo.DeleteConversation(r.Context(), conv.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("Failed to delete conversation", "conversation_id", conv.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type archiveRequest struct {
	Archived *bool `json:"archived"`
}

// Archive handles POST /api/conversations/{id}/archive. The body is optional;
// {"archived": false} restores the conversation.
func (h *ConversationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	archived := true
	if r.ContentLength != 0 {
		var req archiveRequest
		if err := decodeJSON(w, r, defaultMaxRequestBodySize, &req); err != nil {
			writeDecodeError(w, err)
			return
		}
		if req.Archived != nil {
			archived = *req.Archived
		}
	}

	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	conv.Archived = archived
	conv.Touch(time.Now())
	if err := h.repo.UpdateConversation(r.Context(), conv); err != nil {
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			Error(w, http.StatusConflict, "conversation was modified concurrently")
		case errors.Is(err, store.ErrNotFound):
			Error(w, http.StatusNotFound, "conversation not found")
		default:
			h.logger.Error("Failed to archive conversation", "conversation_id", conv.ID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to archive conversation")
		}
		return
	}
	JSON(w, http.StatusOK, conv)
}
