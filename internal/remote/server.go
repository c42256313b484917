// server.go implements Server which exposes a Worker and the standard
// health service over gRPC.
package remote

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aalhour/rockyardkv-compaction/internal/logging"
)

// Server exposes a Worker over gRPC together with the standard health
// service.
type Server struct {
	server *grpc.Server
	health *health.Server
	worker *Worker
	logger logging.Logger
}

// NewServer registers w on a new gRPC server.
func NewServer(w *Worker, logger logging.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		server: grpc.NewServer(opts...),
		health: health.NewServer(),
		worker: w,
		logger: logging.OrDefault(logger),
	}
	RegisterCompactionServer(s.server, w)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infof("%sserving %s on %s", logging.NSRemote, ServiceName, lis.Addr())
	return s.server.Serve(lis)
}

// Stop cancels running jobs and waits for their responses to be sent.
func (s *Server) Stop() {
	s.logger.Infof("%sstopping", logging.NSRemote)
	s.worker.Shutdown()
	s.health.Shutdown()
	s.server.GracefulStop()
}
