// Package grpchealth serves the standard grpc_health_v1 service so load
// balancers and orchestrators can gate traffic on kernel and provider
// health without scraping the HTTP control plane. The empty service name
// reflects overall readiness; each provider is published under its own
// service name so a prober can watch a single backend.
package grpchealth

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/helioslabs/helios/internal/kernel"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/provider"
)

const (
	// DefaultRefreshInterval is how often serving statuses are recomputed
	// from the provider registry.
	DefaultRefreshInterval = 10 * time.Second

	// refreshTimeout bounds one status recomputation so a slow provider
	// probe cannot wedge the watch loop.
	refreshTimeout = 5 * time.Second
)

// ProviderService returns the health service name under which one
// provider's status is published.
func ProviderService(id string) string {
	return "helios.provider." + id
}

// Server runs a gRPC endpoint exposing grpc_health_v1 plus reflection.
// Overall status ("") is SERVING while the kernel accepts work and at
// least one provider can serve; each registered provider additionally
// reports under ProviderService(id).
type Server struct {
	kernel    *kernel.Kernel
	providers *provider.Registry
	interval  time.Duration

	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithRefreshInterval overrides how often statuses are recomputed.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New builds the health server. The kernel and provider registry are
// read on every refresh; both may be nil in tests, in which case the
// overall status reports NOT_SERVING.
func New(k *kernel.Kernel, providers *provider.Registry, opts ...Option) *Server {
	s := &Server{
		kernel:    k,
		providers: providers,
		interval:  DefaultRefreshInterval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := 0; i < len(opts); i++ {
		opts[i](s)
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			loggingInterceptor,
			errorInterceptor,
		),
	)
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	return s
}

// Start binds addr and serves until Stop. The first status refresh runs
// synchronously so a probe that races the listener sees real state, not
// the default SERVING.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpchealth: listen %s: %w", addr, err)
	}
	s.listener = lis

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	s.refresh(ctx)
	cancel()

	go s.watch()
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			logging.Op().Error("grpc health server exited", "error", err)
		}
	}()

	logging.Op().Info("grpc health server started", "addr", addr)
	return nil
}

// Stop flips every status to NOT_SERVING, then drains in-flight RPCs.
// Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.listener != nil {
			<-s.done
		}
		s.health.Shutdown()
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		if s.listener != nil {
			s.listener.Close()
		}
		logging.Op().Info("grpc health server stopped")
	})
}

func (s *Server) watch() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			s.refresh(ctx)
			cancel()
		}
	}
}

// refresh recomputes serving statuses from the kernel drain flag and the
// provider registry's health snapshots. A provider counts as serving
// unless it is UNHEALTHY, matching the HTTP readiness probe.
func (s *Server) refresh(ctx context.Context) {
	serving := 0
	if s.providers != nil {
		for id, snap := range s.providers.HealthAll(ctx) {
			st := grpc_health_v1.HealthCheckResponse_SERVING
			if snap.State == provider.HealthUnhealthy {
				st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			} else {
				serving++
			}
			s.health.SetServingStatus(ProviderService(id), st)
		}
	}

	overall := grpc_health_v1.HealthCheckResponse_SERVING
	if serving == 0 {
		overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	if s.kernel != nil && s.kernel.Draining() {
		overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
}
