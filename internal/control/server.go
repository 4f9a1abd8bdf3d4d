// Package control exposes a running simulation to orchestration over gRPC.
// It serves the standard health-checking protocol; the simulation service
// reports SERVING while the scenario runs.
package control

import (
	"context"
	"net"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-check service name of the simulation run.
const ServiceName = "handover.Simulation"

// Server is the gRPC control endpoint.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    logging.Logger
}

// NewServer builds a control server. The simulation service starts out
// NOT_SERVING until SetRunning(true).
func NewServer(log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestLoggingUnaryServerInterceptor(log),
			TracingUnaryServerInterceptor(),
		),
	)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return &Server{grpc: srv, health: hs, log: log}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info(context.Background(), "starting control server", logging.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// SetRunning flips the simulation service between SERVING and NOT_SERVING.
func (s *Server) SetRunning(running bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
