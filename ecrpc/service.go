package ecrpc

import (
	"context"

	"google.golang.org/grpc"
)

// Service is implemented by a peer parity shard to receive EC_AGGREGATE /
// EC_REPLICATE calls from the shard running aggregation.
type Service interface {
	Aggregate(ctx context.Context, req *AggregateRequest) (*AggregateReply, error)
	Replicate(ctx context.Context, req *ReplicateRequest) (*ReplicateReply, error)
}

// ServiceDesc is the hand-authored equivalent of a protoc-generated
// grpc.ServiceDesc for Service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "ecagg.ecrpc.PeerParity",
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Aggregate", Handler: aggregateHandler},
		{MethodName: "Replicate", Handler: replicateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ecrpc",
}

// RegisterService attaches a Service implementation to a gRPC server.
func RegisterService(s *grpc.Server, srv Service) {
	s.RegisterService(&ServiceDesc, srv)
}

func aggregateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AggregateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Aggregate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ecagg.ecrpc.PeerParity/Aggregate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Service).Aggregate(ctx, req.(*AggregateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func replicateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReplicateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Replicate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ecagg.ecrpc.PeerParity/Replicate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Service).Replicate(ctx, req.(*ReplicateRequest))
	}
	return interceptor(ctx, in, info, handler)
}
