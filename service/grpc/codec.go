package grpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

const serviceName = "guestscope.Prowler"

// jsonCodec carries the plain Go messages below; there is no protobuf
// schema for the service.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

type PingRequest struct{}

type PingReply struct {
	Version string `json:"version"`
	BuildID string `json:"build_id"`
}

type ExprRequest struct {
	ID   string `json:"id"`
	Cmd  int    `json:"cmd"`
	Args string `json:"args"`
}

type ExprReply struct {
	Output string `json:"output"`
}

type CompleteRequest struct {
	Prefix string `json:"prefix"`
}

type CompleteReply struct {
	Names []string `json:"names"`
}

type prowlerServer interface {
	Ping(context.Context, *PingRequest) (*PingReply, error)
	Exec(context.Context, *ExprRequest) (*ExprReply, error)
	Complete(context.Context, *CompleteRequest) (*CompleteReply, error)
}

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

// unary adapts a typed method of prowlerServer to a grpc.MethodDesc
// handler.
func unary[Req, Reply any](name string, call func(prowlerServer, context.Context, *Req) (*Reply, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(prowlerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(prowlerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*prowlerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Ping", prowlerServer.Ping),
		unary("Exec", prowlerServer.Exec),
		unary("Complete", prowlerServer.Complete),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "guestscope/prowler",
}
