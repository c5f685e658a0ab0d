// Package grpcapi exposes the standard gRPC health service for the progress
// service, backed by a database ping.
package grpcapi

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name reported to health checks alongside the overall
// ("") status.
const ServiceName = "progress"

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	GRPC     *grpc.Server
	health   *health.Server
	pinger   Pinger
	log      *zap.Logger
	interval time.Duration
}

func New(log *zap.Logger, pinger Pinger, interval time.Duration) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	s := &Server{GRPC: srv, health: hs, pinger: pinger, log: log, interval: interval}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("grpc server starting", zap.String("addr", addr))
	return s.Serve(ctx, lis)
}

// Serve serves on lis, refreshing health status every interval, and stops
// gracefully (at most ten seconds) once ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				s.health.Shutdown()
				stopped := make(chan struct{})
				go func() {
					s.GRPC.GracefulStop()
					close(stopped)
				}()
				select {
				case <-stopped:
				case <-time.After(10 * time.Second):
					s.GRPC.Stop()
				}
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	if err := s.GRPC.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Refresh pings the database and publishes the result.
func (s *Server) Refresh(ctx context.Context) {
	if s.pinger == nil {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.pinger.Ping(pingCtx); err != nil {
		s.log.Warn("health: database ping failed", zap.Error(err))
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
