package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/crossing.report/internal/monitoring"
)

// ServiceName is the gRPC health service name for the counter.
const ServiceName = "crossing.Counter"

// GRPCHealth mirrors the Board's health onto the standard gRPC health
// service so orchestrators can probe the process.
type GRPCHealth struct {
	srv  *health.Server
	logf monitoring.Logger

	mu      sync.Mutex
	serving *bool
}

// NewGRPCHealth creates a health server reporting NOT_SERVING until the
// first Update.
func NewGRPCHealth() *GRPCHealth {
	h := &GRPCHealth{srv: health.NewServer(), logf: monitoring.Component("health")}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Update sets the serving status from s. It is usable as a Board hook.
func (h *GRPCHealth) Update(s Status) {
	h.mu.Lock()
	changed := h.serving == nil || *h.serving != s.Healthy
	healthy := s.Healthy
	h.serving = &healthy
	h.mu.Unlock()
	if !changed {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.Healthy {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
	h.logf("health %s (capture=%s breaker=%s)", st, s.ConnectionStatus, s.Sync.Breaker.State)
}

// Serve runs a gRPC server with the health service on addr until ctx is
// cancelled.
func (h *GRPCHealth) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (h *GRPCHealth) ServeListener(ctx context.Context, lis net.Listener) error {
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, h.srv)

	errCh := make(chan error, 1)
	go func() {
		h.logf("gRPC health listening on %s", lis.Addr())
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		h.srv.Shutdown()
		server.GracefulStop()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
