// ABOUTME: Service descriptor and client for nestedset.v1.TreeService
// ABOUTME: Messages are google.protobuf.Struct so no generated code is needed

package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "nestedset.v1.TreeService"

// TreeServiceServer is the server API for TreeService
type TreeServiceServer interface {
	InsertNode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MoveNode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetNode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDescendants(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InsertTree(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Rebuild(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PartialRebuild(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(TreeServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TreeServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(TreeServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// TreeServiceDesc describes TreeService for grpc.ServiceRegistrar
var TreeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TreeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("InsertNode", TreeServiceServer.InsertNode),
		unaryHandler("MoveNode", TreeServiceServer.MoveNode),
		unaryHandler("GetNode", TreeServiceServer.GetNode),
		unaryHandler("GetDescendants", TreeServiceServer.GetDescendants),
		unaryHandler("InsertTree", TreeServiceServer.InsertTree),
		unaryHandler("Rebuild", TreeServiceServer.Rebuild),
		unaryHandler("PartialRebuild", TreeServiceServer.PartialRebuild),
		unaryHandler("Check", TreeServiceServer.Check),
	},
	Metadata: "nestedset/v1/tree.proto",
}

// RegisterTreeServiceServer registers srv with s
func RegisterTreeServiceServer(s grpc.ServiceRegistrar, srv TreeServiceServer) {
	s.RegisterService(&TreeServiceDesc, srv)
}

// Client calls TreeService over a connection
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes one TreeService method by name
func (c *Client) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
