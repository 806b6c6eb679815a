package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeGateway struct {
	calls atomic.Int32
}

func (f *fakeGateway) ListTools(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return ToolList([]Tool{
		{Name: "obsidian_list_files_in_vault", Description: "List files"},
		{Name: "obsidian_delete_file", Description: "Delete a file", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"filepath": map[string]any{"type": "string"}},
			"required":   []any{"filepath"},
		}},
	})
}

func (f *fakeGateway) CallTool(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.calls.Add(1)
	name := StringArg(req, "name")
	args := req.GetFields()["arguments"].GetStructValue()
	switch name {
	case "obsidian_delete_file":
		path := StringArg(args, "filepath")
		if path == "missing.md" {
			return TextResult("not found", true), nil
		}
		return TextResult("deleted "+path, false), nil
	case "boom":
		return nil, status.Error(codes.Internal, "gateway exploded")
	default:
		return TextResult("ok", false), nil
	}
}

func startGateway(t *testing.T, fake *fakeGateway) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterToolGatewayServer(srv, fake)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func bufConfig(lis *bufconn.Listener) GrpcClientConfig {
	cfg := DefaultGrpcClientConfig("passthrough:///bufnet")
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	return cfg
}

func TestGrpcClientRoundTrip(t *testing.T) {
	fake := &fakeGateway{}
	lis := startGateway(t, fake)
	ctx := context.Background()

	client, err := NewGrpcClient(ctx, bufConfig(lis), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Health(ctx))

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "obsidian_delete_file", tools[1].Name)
	assert.Equal(t, []any{"filepath"}, tools[1].InputSchema["required"])

	args, err := ArgsFromJSON(`{"filepath":"notes/a.md"}`)
	require.NoError(t, err)
	res, err := client.InvokeTool(ctx, "obsidian_delete_file", args)
	require.NoError(t, err)
	assert.Equal(t, Result{Text: "deleted notes/a.md"}, res)

	args, err = ArgsFromJSON(`{"filepath":"missing.md"}`)
	require.NoError(t, err)
	res, err = client.InvokeTool(ctx, "obsidian_delete_file", args)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "not found", res.Text)
}

func TestGrpcClientTransportErrorIsErrorResult(t *testing.T) {
	lis := startGateway(t, &fakeGateway{})
	ctx := context.Background()

	client, err := NewGrpcClient(ctx, bufConfig(lis), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	res, err := client.InvokeTool(ctx, "boom", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "gateway exploded")
}

type stubClient struct{}

func (stubClient) ListTools(context.Context) ([]Tool, error) { return []Tool{{Name: "t"}}, nil }
func (stubClient) InvokeTool(context.Context, string, *structpb.Struct) (Result, error) {
	return Result{Text: "ok"}, nil
}
func (stubClient) Health(context.Context) error { return nil }

func TestProviderConcurrentFirstAccessDialsOnce(t *testing.T) {
	var dials atomic.Int32
	p := NewProvider(func(context.Context) (ToolClient, error) {
		dials.Add(1)
		time.Sleep(20 * time.Millisecond)
		return stubClient{}, nil
	}, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := p.GetClient(context.Background())
			assert.NoError(t, err)
			assert.NotNil(t, client)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, dials.Load())
}

func TestProviderCachesFailureUntilRetryAfter(t *testing.T) {
	var dials atomic.Int32
	fail := true
	p := NewProvider(func(context.Context) (ToolClient, error) {
		dials.Add(1)
		if fail {
			return nil, errors.New("connection refused")
		}
		return stubClient{}, nil
	}, time.Minute, nil)

	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }

	_, err := p.GetClient(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = p.GetClient(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 1, dials.Load())
	assert.Empty(t, p.ListTools(context.Background()))

	fail = false
	now = now.Add(2 * time.Minute)
	client, err := p.GetClient(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.EqualValues(t, 2, dials.Load())
	assert.Len(t, p.ListTools(context.Background()), 1)
}

func TestProviderIgnoresCallerCancellation(t *testing.T) {
	var dials atomic.Int32
	p := NewProvider(func(ctx context.Context) (ToolClient, error) {
		dials.Add(1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return stubClient{}, nil
	}, time.Minute, nil)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.GetClient(canceled)
	require.NoError(t, err)

	client, err := p.GetClient(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.EqualValues(t, 1, dials.Load())
}

func TestProviderInvokeWhenUnavailable(t *testing.T) {
	p := NewProvider(func(context.Context) (ToolClient, error) {
		return nil, errors.New("down")
	}, time.Minute, nil)

	_, err := p.InvokeTool(context.Background(), "obsidian_delete_file", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, p.Health(context.Background()), ErrUnavailable)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := ArgsFromJSON(`{"b":1,"a":{"d":true,"c":"x"}}`)
	require.NoError(t, err)
	b, err := ArgsFromMap(map[string]any{"a": map[string]any{"c": "x", "d": true}, "b": 1})
	require.NoError(t, err)

	assert.Equal(t, `{"a":{"c":"x","d":true},"b":1}`, CanonicalJSON(a))
	assert.Equal(t, CanonicalJSON(a), CanonicalJSON(b))
	assert.Equal(t, "{}", CanonicalJSON(nil))

	_, err = ArgsFromJSON(`[1,2]`)
	assert.Error(t, err)

	empty, err := ArgsFromJSON("  ")
	require.NoError(t, err)
	assert.Equal(t, "{}", CanonicalJSON(empty))
}
