package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("tool gateway not serving")
)

// GrpcClient is a ToolClient backed by a gRPC connection.
type GrpcClient struct {
	conn        *grpc.ClientConn
	health      healthpb.HealthClient
	addr        string
	callTimeout time.Duration
	logger      *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	CallTimeout      time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults; tests use them for bufconn.
	DialOptions []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		CallTimeout:      60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the tool gateway and waits until the connection is ready.
func NewGrpcClient(ctx context.Context, cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(kacp))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gateway client for %s: %w", cfg.Address, err)
	}

	// Force a connection attempt so a bad endpoint fails here rather than on the first tool call.
	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("tool gateway at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to tool gateway", "address", cfg.Address)

	return &GrpcClient{
		conn:        conn,
		health:      healthpb.NewHealthClient(conn),
		addr:        cfg.Address,
		callTimeout: cfg.CallTimeout,
		logger:      logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close gateway connection: %w", err)
	}
	return nil
}

// Health checks the gateway through the standard gRPC health service.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// ListTools fetches the tool manifest.
func (c *GrpcClient) ListTools(ctx context.Context) ([]Tool, error) {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, listToolsMethod, &structpb.Struct{}, resp); err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return decodeTools(resp), nil
}

// InvokeTool calls a tool. Transport failures are reported as error results.
func (c *GrpcClient) InvokeTool(ctx context.Context, name string, args *structpb.Struct) (Result, error) {
	if args == nil {
		args = &structpb.Struct{}
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"name":      structpb.NewStringValue(name),
		"arguments": structpb.NewStructValue(args),
	}}
	resp := new(structpb.Struct)

	start := time.Now()
	if err := c.conn.Invoke(ctx, callToolMethod, req, resp); err != nil {
		c.logger.Warn("Tool call failed", "tool", name, "error", err)
		return Result{IsError: true, Text: err.Error()}, nil
	}

	result := decodeResult(resp)
	c.logger.Debug("Tool call finished",
		"tool", name,
		"is_error", result.IsError,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func decodeTools(resp *structpb.Struct) []Tool {
	values := resp.GetFields()["tools"].GetListValue().GetValues()
	tools := make([]Tool, 0, len(values))
	for _, v := range values {
		fields := v.GetStructValue().GetFields()
		name := fields["name"].GetStringValue()
		if name == "" {
			continue
		}
		tool := Tool{
			Name:        name,
			Description: fields["description"].GetStringValue(),
			InputSchema: fields["inputSchema"].GetStructValue().AsMap(),
		}
		tools = append(tools, tool)
	}
	return tools
}

func decodeResult(resp *structpb.Struct) Result {
	fields := resp.GetFields()
	var parts []string
	for _, item := range fields["content"].GetListValue().GetValues() {
		block := item.GetStructValue().GetFields()
		if t := block["type"].GetStringValue(); t != "" && t != "text" {
			continue
		}
		parts = append(parts, block["text"].GetStringValue())
	}
	return Result{
		IsError: fields["isError"].GetBoolValue(),
		Text:    strings.Join(parts, "\n"),
	}
}

var _ ToolClient = (*GrpcClient)(nil)
