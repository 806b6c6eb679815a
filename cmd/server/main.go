// Vault chat assistant server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/vaultchat/internal/api"
	"github.com/ashureev/vaultchat/internal/chat"
	"github.com/ashureev/vaultchat/internal/chatlog"
	"github.com/ashureev/vaultchat/internal/config"
	"github.com/ashureev/vaultchat/internal/confirm"
	"github.com/ashureev/vaultchat/internal/gateway"
	"github.com/ashureev/vaultchat/internal/llm"
	"github.com/ashureev/vaultchat/internal/pipeline"
	"github.com/ashureev/vaultchat/internal/reflection"
	"github.com/ashureev/vaultchat/internal/store"
	"github.com/ashureev/vaultchat/internal/transport"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider, "llm_model", cfg.LLM.Model)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	chatModel, err := llm.New(llmConfig(cfg.LLM, cfg.LLM.Provider, cfg.LLM.Model))
	if err != nil {
		slog.Error("Failed to initialize chat model", "error", err)
		os.Exit(1)
	}
	reviewModel, err := llm.New(llmConfig(cfg.LLM, cfg.Reflection.Provider, cfg.Reflection.Model))
	if err != nil {
		slog.Error("Failed to initialize reflection model", "error", err)
		os.Exit(1)
	}

	// The gateway connects on first use; a failure here only degrades tools.
	gwCfg := gateway.DefaultGrpcClientConfig(cfg.Gateway.Addr)
	gwCfg.ConnectTimeout = cfg.Gateway.ConnectTimeout
	gwCfg.CallTimeout = cfg.Gateway.CallTimeout
	tools := gateway.NewGrpcProvider(gwCfg, cfg.Gateway.RetryAfter, logger)
	defer func() {
		if closeErr := tools.Close(); closeErr != nil {
			slog.Warn("Failed to close tool gateway client", "error", closeErr)
		}
	}()

	transcript, err := chatlog.New(chatlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	confirmations := confirm.NewStore(cfg.Reflection.ConfirmationTTL)
	gate := reflection.NewGate(
		reflection.NewService(reviewModel, logger),
		confirmations,
		reflection.FailMode(cfg.Reflection.FailMode),
		logger,
	)

	orchestrator := chat.NewOrchestrator(chat.Deps{
		Repo:          repo,
		Model:         chatModel,
		Tools:         tools,
		Confirmations: confirmations,
		Middleware:    []pipeline.Middleware{gate.Middleware()},
		Transcript:    transcript,
		Logger:        logger,
	}, chat.Options{
		SystemPrompt:  cfg.Chat.SystemPrompt,
		MaxToolRounds: cfg.Chat.MaxToolRounds,
		EventBuffer:   cfg.Chat.EventBuffer,
		MaxTokens:     cfg.LLM.MaxTokens,
	})

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" && !cfg.IsDevelopment() {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	r := api.NewRouter(api.RouterConfig{
		Chat:           orchestrator,
		Tools:          tools,
		Repo:           repo,
		Gateway:        tools,
		ChatSocket:     transport.NewChatSocket(orchestrator, cfg.FrontendURL, cfg.IsDevelopment(), logger),
		Limiter:        limiter,
		MaxBodySize:    cfg.SSE.MaxBodySize,
		AllowedOrigins: allowedOrigins,
		IsDev:          cfg.IsDevelopment(),
		AccessLog:      true,
		Logger:         logger,
	})

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Reflection.ConfirmationTTL > 0 {
		confirmations.StartEvictor(ctx, evictionInterval(cfg.Reflection.ConfirmationTTL))
		slog.Info("Confirmation evictor started", "ttl", cfg.Reflection.ConfirmationTTL)
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func llmConfig(base config.LLMConfig, provider, model string) llm.Config {
	return llm.Config{
		Provider:        provider,
		Model:           model,
		OpenAIAPIKey:    base.OpenAIAPIKey,
		OpenAIBaseURL:   base.OpenAIBaseURL,
		AnthropicAPIKey: base.AnthropicAPIKey,
		MaxTokens:       base.MaxTokens,
	}
}

// evictionInterval sweeps a few times per TTL, at most once a minute.
func evictionInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
