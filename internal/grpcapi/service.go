package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	MethodSignIn = "/" + serviceName + "/SignIn"
	MethodRenew  = "/" + serviceName + "/Renew"
	MethodWhoami = "/" + serviceName + "/Whoami"
)

// publicMethods skip access-token authentication.
var publicMethods = []string{
	MethodSignIn,
	MethodRenew,
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
	"/grpc.health.v1.Health/List",
}

// SessionServer is implemented by Server.
type SessionServer interface {
	SignIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Renew(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Whoami(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SignIn", Handler: signInHandler},
		{MethodName: "Renew", Handler: renewHandler},
		{MethodName: "Whoami", Handler: whoamiHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "webtasks/v1/session.proto",
}

func signInHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).SignIn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSignIn}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionServer).SignIn(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func renewHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).Renew(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRenew}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionServer).Renew(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func whoamiHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).Whoami(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodWhoami}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionServer).Whoami(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
