// Package admin serves the operator surface of a node: an HTTP API with status, job
// lookups and Prometheus metrics, and a standard gRPC health service for load balancers
// and orchestrators.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/raft-jobdist/internal/config"
	"github.com/ChuLiYu/raft-jobdist/internal/metrics"
)

// ServiceName is the gRPC health service name reported alongside the empty overall name.
const ServiceName = "jobdist"

// Server runs the admin listeners. Either may be disabled by an empty address.
type Server struct {
	cfg    config.AdminConfig
	node   Node
	logger *slog.Logger

	httpSrv *http.Server
	httpLn  net.Listener

	grpcSrv *grpc.Server
	grpcLn  net.Listener
	health  *health.Server

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// New creates the admin server.
func New(cfg config.AdminConfig, node Node, m *metrics.Collector) *Server {
	gin.SetMode(gin.ReleaseMode)
	logger := slog.With("component", "admin")
	s := &Server{
		cfg:      cfg,
		node:     node,
		logger:   logger,
		interval: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	if cfg.HTTPAddr != "" {
		s.httpSrv = &http.Server{
			Handler:           NewRouter(node, m, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	if cfg.GRPCHealthAddr != "" {
		s.grpcSrv = grpc.NewServer()
		s.health = health.NewServer()
		healthpb.RegisterHealthServer(s.grpcSrv, s.health)
		s.setServing(false)
	}
	return s
}

// Start binds the configured listeners and serves in the background.
func (s *Server) Start() error {
	if s.httpSrv != nil {
		ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("admin http listen: %w", err)
		}
		s.httpLn = ln
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Admin HTTP server failed", "error", err)
			}
		}()
		s.logger.Info("Admin HTTP listening", "addr", ln.Addr().String())
	}

	if s.grpcSrv != nil {
		ln, err := net.Listen("tcp", s.cfg.GRPCHealthAddr)
		if err != nil {
			s.closeHTTP(context.Background())
			return fmt.Errorf("admin grpc listen: %w", err)
		}
		s.grpcLn = ln
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			if err := s.grpcSrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error("gRPC health server failed", "error", err)
			}
		}()
		go func() {
			defer s.wg.Done()
			s.healthLoop()
		}()
		s.logger.Info("gRPC health listening", "addr", ln.Addr().String())
	}
	return nil
}

// HTTPAddr returns the bound HTTP address, empty when disabled.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// GRPCAddr returns the bound gRPC health address, empty when disabled.
func (s *Server) GRPCAddr() string {
	if s.grpcLn == nil {
		return ""
	}
	return s.grpcLn.Addr().String()
}

// healthLoop mirrors node health into the gRPC health service.
func (s *Server) healthLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := false
	for {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		ok := s.node.Health(ctx) == nil
		cancel()
		if ok != last {
			s.setServing(ok)
			s.logger.Info("Health changed", "serving", ok)
			last = ok
		}

		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) closeHTTP(ctx context.Context) {
	if s.httpSrv == nil || s.httpLn == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("Admin HTTP shutdown", "error", err)
	}
}

// Close stops both listeners.
func (s *Server) Close(ctx context.Context) error {
	s.once.Do(func() {
		close(s.stopCh)
		s.closeHTTP(ctx)
		if s.grpcSrv != nil {
			s.health.Shutdown()
			s.grpcSrv.GracefulStop()
		}
		s.wg.Wait()
	})
	return nil
}
