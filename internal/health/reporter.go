// Package health publishes component health over the standard gRPC health
// protocol so supervisors can check the companion.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ashureev/basesociety/internal/provision"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names reported by the health server.
const (
	ServiceStore    = "store"
	ServiceRegistry = "registry"
)

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reporter owns the gRPC health server and the per-service statuses.
type Reporter struct {
	server *grpchealth.Server
}

// NewReporter creates a reporter with every service SERVING.
func NewReporter() *Reporter {
	srv := grpchealth.NewServer()
	srv.SetServingStatus(ServiceStore, healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(ServiceRegistry, healthpb.HealthCheckResponse_SERVING)
	return &Reporter{server: srv}
}

// Status returns the current status of a service.
func (r *Reporter) Status(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := r.server.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// ObserveProvision tracks registry availability from pipeline outcomes.
func (r *Reporter) ObserveProvision(st provision.State) {
	switch st.Kind {
	case provision.KindDone:
		r.server.SetServingStatus(ServiceRegistry, healthpb.HealthCheckResponse_SERVING)
	case provision.KindFallenBack:
		r.server.SetServingStatus(ServiceRegistry, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// CheckStore pings the store and records the outcome.
func (r *Reporter) CheckStore(ctx context.Context, store Pinger) error {
	if err := store.Ping(ctx); err != nil {
		r.server.SetServingStatus(ServiceStore, healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	r.server.SetServingStatus(ServiceStore, healthpb.HealthCheckResponse_SERVING)
	return nil
}

// WatchStore re-checks the store every interval until ctx is done.
func (r *Reporter) WatchStore(ctx context.Context, store Pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			if err := r.CheckStore(pingCtx, store); err != nil {
				slog.Warn("Store health check failed", "error", err)
			}
			cancel()
		}
	}
}

// Serve runs a gRPC server exposing only the health service on addr until
// ctx is cancelled.
func (r *Reporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return r.serve(ctx, lis)
}

func (r *Reporter) serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, r.server)

	go func() {
		<-ctx.Done()
		r.server.Shutdown()
		srv.GracefulStop()
	}()

	slog.Info("gRPC health listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}
