// service.go implements the gRPC service definition for remote compaction.
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aalhour/rockyardkv-compaction/internal/compaction"
)

// ServiceName is the gRPC service the worker registers.
const ServiceName = "rockyardkv.compaction.v1.CompactionService"

const compactMethod = "/" + ServiceName + "/Compact"

// CompactionServer runs one remote subcompaction and returns the encoded
// CompactionServiceResult. Job failures belong in the result's status; an
// error return means the request itself could not be served.
type CompactionServer interface {
	Compact(ctx context.Context, info compaction.CompactionServiceJobInfo, input []byte) ([]byte, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CompactionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Compact", Handler: compactHandler},
	},
	Metadata: "rockyardkv/compaction/v1/service",
}

// RegisterCompactionServer registers srv on s.
func RegisterCompactionServer(s grpc.ServiceRegistrar, srv CompactionServer) {
	s.RegisterService(&serviceDesc, srv)
}

func compactHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(frame)
	if err := dec(req); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		info, input, err := decodeRequest(req.(*frame).data)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		out, err := srv.(CompactionServer).Compact(ctx, info, input)
		if err != nil {
			return nil, err
		}
		return &frame{data: out}, nil
	}
	if interceptor == nil {
		return call(ctx, req)
	}
	return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: compactMethod}, call)
}
