// ABOUTME: gRPC server exposing the standard health service for the channel
// ABOUTME: Service "channel" is SERVING only while the messaging channel is connected

package gateway

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/channel"
)

// healthService is the service name probes ask about.
const healthService = "channel"

func newGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

func servingStatus(s channel.Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == channel.StatusConnected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
