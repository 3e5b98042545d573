package api

import (
	"Go2FlowGuard/internal/classifier"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ClassifierService is the health service name that tracks model readiness.
const ClassifierService = "flowguard.Classifier"

// Health exposes the standard gRPC health service. Both the overall status
// and ClassifierService report SERVING only while a model is ready; without
// one the controller only forwards traffic.
type Health struct {
	server *grpc.Server
	health *health.Server
}

// NewHealth creates the gRPC server and follows the readiness of holder.
func NewHealth(holder *classifier.Holder) *Health {
	h := &Health{server: grpc.NewServer(), health: health.NewServer()}
	healthpb.RegisterHealthServer(h.server, h.health)
	reflection.Register(h.server)

	holder.Watch(h.setReady)
	return h
}

func (h *Health) setReady(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ClassifierService, status)
	slog.Debug("Health status updated", "status", status.String())
}

// Serve accepts gRPC connections on addr until Stop is called.
func (h *Health) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	slog.Info("gRPC health server starting", "addr", addr)
	return h.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (h *Health) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
