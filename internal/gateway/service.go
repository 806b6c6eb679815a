package gateway

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the tool gateway.
const ServiceName = "vault.tools.v1.ToolGateway"

const (
	listToolsMethod = "/" + ServiceName + "/ListTools"
	callToolMethod  = "/" + ServiceName + "/CallTool"
)

// ToolGatewayServer is the server side of the tool gateway protocol.
// Requests and responses are Struct documents shaped like MCP tool messages.
type ToolGatewayServer interface {
	ListTools(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CallTool(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterToolGatewayServer registers srv on s.
func RegisterToolGatewayServer(s grpc.ServiceRegistrar, srv ToolGatewayServer) {
	s.RegisterService(&toolGatewayServiceDesc, srv)
}

var toolGatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListTools", Handler: listToolsHandler},
		{MethodName: "CallTool", Handler: callToolHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vault/tools/v1/gateway.proto",
}

func listToolsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolGatewayServer).ListTools(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listToolsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolGatewayServer).ListTools(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func callToolHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolGatewayServer).CallTool(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callToolMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolGatewayServer).CallTool(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// TextResult builds a CallTool response carrying a single text block.
func TextResult(text string, isError bool) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"isError": structpb.NewBoolValue(isError),
		"content": structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
			structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				"type": structpb.NewStringValue("text"),
				"text": structpb.NewStringValue(text),
			}}),
		}}),
	}}
}

// ToolList builds a ListTools response from tools.
func ToolList(tools []Tool) (*structpb.Struct, error) {
	values := make([]any, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		values = append(values, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": schema,
		})
	}
	return structpb.NewStruct(map[string]any{"tools": values})
}
