// Package server builds the gRPC server and the Prometheus metrics endpoint of the auth process.
package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"enterprise-auth/backend/internal/server/interceptors"
)

// Deps holds the services registered on the gRPC server.
type Deps struct {
	// Health is the component health service. If nil, nothing is registered.
	Health healthpb.HealthServer
	Logger *zap.Logger
}

// quietMethods are polled often and not worth a log line per call.
var quietMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// NewGRPCServer returns a server with tracing, panic recovery, request ids and request logging,
// with deps registered.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.RecoveryUnary(deps.Logger),
			interceptors.RequestIDUnary(),
			interceptors.LoggingUnary(deps.Logger, quietMethods),
		),
	}
	s := grpc.NewServer(append(base, opts...)...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers every non-nil service in deps.
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	if deps.Health != nil {
		healthpb.RegisterHealthServer(s, deps.Health)
	}
}
