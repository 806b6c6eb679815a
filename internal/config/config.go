// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	Gateway         GatewayConfig
	LLM             LLMConfig
	Reflection      ReflectionConfig
	Chat            ChatConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
}

// GatewayConfig controls the connection to the tool gateway.
type GatewayConfig struct {
	Addr           string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	// RetryAfter is how long a failed connection attempt is remembered before
	// the next access tries again.
	RetryAfter time.Duration
}

// LLMConfig selects the chat model.
type LLMConfig struct {
	Provider        string // "openai" or "anthropic"
	Model           string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	MaxTokens       int
}

// ReflectionConfig controls the safety review of destructive tool calls.
type ReflectionConfig struct {
	Provider string
	Model    string
	// FailMode is "open" (proceed when reflection fails) or "closed" (ask the user).
	FailMode        string
	ConfirmationTTL time.Duration
}

// ChatConfig controls the turn loop.
type ChatConfig struct {
	MaxToolRounds int
	EventBuffer   int
	SystemPrompt  string
}

// RateLimitConfig controls per-user request limits on chat endpoints.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// SSEConfig controls the streaming endpoint.
type SSEConfig struct {
	MaxBodySize int64
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

const defaultSystemPrompt = "You are an assistant that manages the user's Obsidian vault. " +
	"Use the available tools to read, create, modify, move and delete notes. " +
	"When you change a file, say which file you changed and quote its path."

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	provider := strings.ToLower(getEnv("LLM_PROVIDER", "openai"))

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/vaultchat.db"),
		Gateway: GatewayConfig{
			Addr:           getEnv("TOOL_GATEWAY_ADDR", "localhost:50051"),
			ConnectTimeout: getEnvDuration("TOOL_GATEWAY_CONNECT_TIMEOUT", 5*time.Second),
			RetryAfter:     getEnvDuration("TOOL_GATEWAY_RETRY_AFTER", 30*time.Second),
			CallTimeout:    getEnvDuration("TOOL_GATEWAY_CALL_TIMEOUT", 60*time.Second),
		},
		LLM: LLMConfig{
			Provider:        provider,
			Model:           getEnv("LLM_MODEL", defaultModel(provider)),
			OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			MaxTokens:       getEnvInt("LLM_MAX_TOKENS", 4096),
		},
		Chat: ChatConfig{
			MaxToolRounds: getEnvInt("CHAT_MAX_TOOL_ROUNDS", 8),
			EventBuffer:   getEnvInt("CHAT_EVENT_BUFFER", 64),
			SystemPrompt:  getEnv("SYSTEM_PROMPT", defaultSystemPrompt),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			MaxBodySize: int64(getEnvInt("SSE_MAX_BODY_SIZE", 1<<20)),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	reflectionProvider := strings.ToLower(getEnv("REFLECTION_PROVIDER", provider))
	reflectionModel := cfg.LLM.Model
	if reflectionProvider != provider {
		reflectionModel = defaultModel(reflectionProvider)
	}
	cfg.Reflection = ReflectionConfig{
		Provider:        reflectionProvider,
		Model:           getEnv("REFLECTION_MODEL", reflectionModel),
		FailMode:        strings.ToLower(getEnv("REFLECTION_FAIL_MODE", "open")),
		ConfirmationTTL: getEnvDuration("CONFIRMATION_TTL", 30*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultModel(provider string) string {
	if provider == "anthropic" {
		return "claude-sonnet-4-5"
	}
	return "gpt-4o-mini"
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Gateway.Addr == "" {
		return fmt.Errorf("TOOL_GATEWAY_ADDR cannot be empty")
	}
	if !validProvider(c.LLM.Provider) {
		return fmt.Errorf("LLM_PROVIDER must be openai or anthropic, got %q", c.LLM.Provider)
	}
	if !validProvider(c.Reflection.Provider) {
		return fmt.Errorf("REFLECTION_PROVIDER must be openai or anthropic, got %q", c.Reflection.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM_MODEL cannot be empty")
	}
	if c.Reflection.FailMode != "open" && c.Reflection.FailMode != "closed" {
		return fmt.Errorf("REFLECTION_FAIL_MODE must be open or closed, got %q", c.Reflection.FailMode)
	}
	if c.Reflection.ConfirmationTTL < 0 {
		return fmt.Errorf("CONFIRMATION_TTL cannot be negative")
	}
	if c.Chat.MaxToolRounds <= 0 {
		return fmt.Errorf("CHAT_MAX_TOOL_ROUNDS must be > 0")
	}
	if c.Chat.EventBuffer <= 0 {
		return fmt.Errorf("CHAT_EVENT_BUFFER must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_BODY_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

func validProvider(p string) bool {
	return p == "openai" || p == "anthropic"
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
