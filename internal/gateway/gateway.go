// Package gateway connects to the external tool gateway that executes vault operations.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnavailable is returned when the tool gateway could not be reached.
var ErrUnavailable = errors.New("tool gateway unavailable")

// Tool describes one operation offered by the gateway.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Result is the outcome of a tool invocation.
type Result struct {
	IsError bool   `json:"isError"`
	Text    string `json:"text"`
}

// ToolClient talks to a connected tool gateway.
type ToolClient interface {
	ListTools(ctx context.Context) ([]Tool, error)
	// InvokeTool runs a tool. Failures of the call itself come back as a
	// Result with IsError set, never as a successful result.
	InvokeTool(ctx context.Context, name string, args *structpb.Struct) (Result, error)
	Health(ctx context.Context) error
}

// DialFunc opens a connection to the gateway.
type DialFunc func(ctx context.Context) (ToolClient, error)

// Provider hands out a lazily connected ToolClient.
//
// The first caller performs the connection attempt while concurrent callers
// wait on the same mutex. A successful client is kept for the lifetime of the
// Provider. A failure is remembered for RetryAfter; the first access after that
// window tries again.
type Provider struct {
	dial       DialFunc
	retryAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	client   ToolClient
	lastErr  error
	failedAt time.Time
}

// NewProvider creates a Provider that uses dial to connect.
func NewProvider(dial DialFunc, retryAfter time.Duration, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		dial:       dial,
		retryAfter: retryAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// NewGrpcProvider creates a Provider that dials the gRPC gateway at cfg.Address.
func NewGrpcProvider(cfg GrpcClientConfig, retryAfter time.Duration, logger *slog.Logger) *Provider {
	return NewProvider(func(ctx context.Context) (ToolClient, error) {
		return NewGrpcClient(ctx, cfg, logger)
	}, retryAfter, logger)
}

// GetClient returns the connected client or an error wrapping ErrUnavailable.
func (p *Provider) GetClient(ctx context.Context) (ToolClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	if p.lastErr != nil && p.now().Sub(p.failedAt) < p.retryAfter {
		return nil, p.lastErr
	}

	// A canceled caller must not be recorded as an unreachable gateway.
	client, err := p.dial(context.WithoutCancel(ctx))
	if err != nil {
		p.lastErr = fmt.Errorf("%w: %w", ErrUnavailable, err)
		p.failedAt = p.now()
		p.logger.Warn("Tool gateway connection failed",
			"error", err,
			"retry_after", p.retryAfter)
		return nil, p.lastErr
	}

	p.client = client
	p.lastErr = nil
	p.logger.Info("Tool gateway client ready")
	return client, nil
}

// ListTools returns the gateway's tool manifest, or an empty manifest when the
// gateway cannot be reached.
func (p *Provider) ListTools(ctx context.Context) []Tool {
	client, err := p.GetClient(ctx)
	if err != nil {
		return []Tool{}
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		p.logger.Warn("Failed to list gateway tools", "error", err)
		return []Tool{}
	}
	return tools
}

// InvokeTool runs a tool through the connected client.
func (p *Provider) InvokeTool(ctx context.Context, name string, args *structpb.Struct) (Result, error) {
	client, err := p.GetClient(ctx)
	if err != nil {
		return Result{}, err
	}
	return client.InvokeTool(ctx, name, args)
}

// Health reports whether the gateway is connected and serving.
func (p *Provider) Health(ctx context.Context) error {
	client, err := p.GetClient(ctx)
	if err != nil {
		return err
	}
	return client.Health(ctx)
}

// Close releases the underlying connection, if any.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if closer, ok := p.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
