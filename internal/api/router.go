package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/vaultchat/internal/identity"
	"github.com/ashureev/vaultchat/internal/middleware"
	"github.com/ashureev/vaultchat/internal/store"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Chat           ChatService
	Tools          ToolInvoker
	Repo           store.Repository
	Gateway        HealthChecker
	ChatSocket     http.Handler
	Limiter        *RateLimiter
	MaxBodySize    int64
	AllowedOrigins []string
	IsDev          bool
	AccessLog      bool
	Logger         *slog.Logger
}

// NewRouter builds the chi router with global middleware and every route.
func NewRouter(cfg RouterConfig) chi.Router {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if cfg.AccessLog {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDev))

	NewHealthHandler(cfg.Repo, cfg.Gateway).RegisterHealth(r)

	chatHandler := NewChatHandler(cfg.Chat, cfg.Limiter, cfg.MaxBodySize, cfg.Logger)
	r.Post("/chat", chatHandler.HandleChat)
	r.Post("/chat/stream", chatHandler.HandleStream)
	r.Post("/chat/confirm", chatHandler.HandleConfirm)
	r.Get("/api/llm/provider", chatHandler.HandleProvider)

	vaultHandler := NewVaultHandler(cfg.Tools, cfg.MaxBodySize, cfg.Logger)
	r.Route("/vault", func(r chi.Router) {
		r.Post("/modify", vaultHandler.HandleModify)
		r.Post("/search", HandleNotImplemented)
		r.Post("/reorganize", HandleNotImplemented)
	})

	NewConversationHandler(cfg.Repo, cfg.Logger).RegisterRoutes(r)

	if cfg.ChatSocket != nil {
		r.Get("/ws/chat", cfg.ChatSocket.ServeHTTP)
	}

	return r
}
