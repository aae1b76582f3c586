package api

import (
	"context"

	"google.golang.org/grpc"
)

// Fully-qualified service names.
const (
	ChatServiceName    = "chatsync.v1.ChatService"
	MessageServiceName = "chatsync.v1.MessageService"
)

// FullMethod returns the gRPC method path of method on service.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary builds the MethodDesc of a unary call from a method expression such
// as (*ChatService).ListChats.
func unary[S any, Req any, Resp any](service, method string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*Req))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(service, method)}
			return interceptor(ctx, in, info, call)
		},
	}
}

// serverStream builds the StreamDesc of a server-streaming call. The handler
// receives the decoded request and a send function.
func serverStream[S any, Req any, Resp any](method string, fn func(S, *Req, ServerStream[Resp]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return fn(srv.(S), in, typedStream[Resp]{stream})
		},
	}
}

// ServerStream is the sending side of a server-streaming call.
type ServerStream[T any] interface {
	Send(*T) error
	Context() context.Context
}

type typedStream[T any] struct {
	grpc.ServerStream
}

func (s typedStream[T]) Send(m *T) error { return s.SendMsg(m) }
