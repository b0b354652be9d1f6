package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthServiceName is the service identifier load balancers and probes
// ask the standard gRPC health protocol about.
const healthServiceName = "konsensus.node"

// GRPCServer is the node's gRPC surface: the standard health service,
// driven by the node's sync state. The query API stays on the JSON/HTTP
// server; this exists for infrastructure that speaks gRPC health checks
// natively (load balancers, orchestrators).
type GRPCServer struct {
	addr   string
	ready  func() bool
	logger *zap.Logger

	grpcServer   *grpc.Server
	healthServer *health.Server
	lis          net.Listener
	done         chan struct{}
}

// NewGRPCServer creates the gRPC health endpoint. ready reports whether
// the node is caught up; it is polled while serving.
func NewGRPCServer(addr string, ready func() bool, logger *zap.Logger) *GRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &GRPCServer{
		addr:   addr,
		ready:  ready,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins serving and starts the readiness poll loop.
func (g *GRPCServer) Start(ctx context.Context) error {
	var err error
	g.lis, err = net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("rpc: grpc listen on %s: %w", g.addr, err)
	}

	g.grpcServer = grpc.NewServer()
	g.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(g.grpcServer, g.healthServer)
	g.setStatus()

	g.logger.Info("grpc health server starting", zap.String("addr", g.lis.Addr().String()))

	go func() {
		if err := g.grpcServer.Serve(g.lis); err != nil {
			g.logger.Error("grpc server error", zap.Error(err))
		}
	}()
	go g.pollReadiness()

	return nil
}

// pollReadiness re-evaluates the ready callback so probes see NOT_SERVING
// while the node is catching up.
func (g *GRPCServer) pollReadiness() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.setStatus()
		}
	}
}

func (g *GRPCServer) setStatus() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.healthServer.SetServingStatus(healthServiceName, status)
	g.healthServer.SetServingStatus("", status)
}

// Stop shuts the server down, failing open health checks first.
func (g *GRPCServer) Stop() error {
	select {
	case <-g.done:
	default:
		close(g.done)
	}
	if g.healthServer != nil {
		g.healthServer.Shutdown()
	}
	if g.grpcServer != nil {
		g.grpcServer.GracefulStop()
	}
	return nil
}

// Name returns the service name.
func (g *GRPCServer) Name() string {
	return "grpc"
}

// Addr returns the bound listen address.
func (g *GRPCServer) Addr() string {
	if g.lis != nil {
		return g.lis.Addr().String()
	}
	return g.addr
}
