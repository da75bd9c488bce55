// Package health reports over the standard gRPC health protocol whether the
// REST backend behind this service is reachable.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is reported next to the overall ("") status.
const ServiceName = "gasorder"

type Pinger interface {
	Ping(ctx context.Context) error
}

type Checker struct {
	srv      *health.Server
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	serving  bool
}

func NewChecker(pinger Pinger, interval time.Duration, logger *slog.Logger) *Checker {
	c := &Checker{
		srv:      health.NewServer(),
		pinger:   pinger,
		interval: interval,
		timeout:  interval / 2,
		logger:   logger,
	}
	c.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return c
}

func (c *Checker) Server() healthpb.HealthServer {
	return c.srv
}

func (c *Checker) set(st healthpb.HealthCheckResponse_ServingStatus) {
	c.srv.SetServingStatus("", st)
	c.srv.SetServingStatus(ServiceName, st)
}

// Check pings the backend once and updates the served status.
func (c *Checker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.pinger.Ping(ctx)
	serving := err == nil
	if serving != c.serving {
		if serving {
			c.logger.Info("backend reachable")
		} else {
			c.logger.Warn("backend unreachable", "err", err)
		}
	}
	c.serving = serving
	if serving {
		c.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		c.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return err
}

// Run checks right away and then every interval. When ctx is done every
// service is reported NOT_SERVING.
func (c *Checker) Run(ctx context.Context) {
	_ = c.Check(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.Check(ctx)
		case <-ctx.Done():
			c.srv.Shutdown()
			return
		}
	}
}

func NewGRPCServer(checker *Checker) *grpc.Server {
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              2 * time.Minute,
			Timeout:           20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ConnectionTimeout(10*time.Second),
	)
	healthpb.RegisterHealthServer(s, checker.Server())
	return s
}

// Serve runs s on lis until ctx is done, then stops it gracefully.
func Serve(ctx context.Context, s *grpc.Server, lis net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("grpc server listening", "addr", lis.Addr().String())
		errCh <- s.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.GracefulStop()
		<-errCh
		return nil
	}
}
