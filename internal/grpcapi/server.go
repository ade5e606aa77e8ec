package grpcapi

import (
	"context"
	"net"
	"net/netip"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
	"authgate.org/internal/gate"
	"authgate.org/internal/obs"
)

// requestIDHeader carries the correlation id in both directions.
const requestIDHeader = "x-request-id"

// policyAdminMethods are always checked by the gate, even without a grant.
var policyAdminMethods = []string{"GetProcedureAccess", "GetRoleAccess"}

// ServerConfig assembles the interceptor chain.
type ServerConfig struct {
	Gate    gate.Gate
	Limiter *RateLimiter
	Logger  *zap.Logger
}

// Server is the gRPC endpoint with the standard health service attached.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewServer registers svc behind the chain metrics → request id → logging →
// errors → peer ip → rate limit → gate.
func NewServer(svc AuthServiceServer, cfg ServerConfig, opts ...grpc.ServerOption) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	chain := []grpc.UnaryServerInterceptor{
		obs.UnaryServerMetrics(),
		unaryRequestID(),
		obs.UnaryServerLogging(logger),
		UnaryServerErrors(logger),
		unaryPeerIP(),
	}
	if cfg.Limiter != nil {
		chain = append(chain, cfg.Limiter.Unary())
	}
	if cfg.Gate != nil {
		chain = append(chain, gate.UnaryServerInterceptor(cfg.Gate, gate.Require(policyAdminMethods...)))
	}

	srv := grpc.NewServer(append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(chain...)}, opts...)...)
	srv.RegisterService(&ServiceDesc, svc)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{grpc: srv, health: hs}
}

// SetServing toggles the health status of the service and the ready gauge.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	obs.SetReady(ok)
}

func (s *Server) Serve(lis net.Listener) error { return s.grpc.Serve(lis) }

// Shutdown drains in-flight calls until ctx ends, then forces the stop.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

func unaryPeerIP() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if ip := parsePeerIP(peerHost(ctx)); ip != nil {
			ctx = auth.ContextWithPeerIP(ctx, ip)
		}
		return handler(ctx, req)
	}
}

// parsePeerIP accepts zoned IPv6 hosts such as fe80::1%eth0; the zone is dropped
// and IPv4-mapped addresses are reduced to IPv4.
func parsePeerIP(host string) net.IP {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	addr = addr.WithZone("").Unmap()
	return net.IP(addr.AsSlice())
}

// unaryRequestID keeps a valid incoming x-request-id or mints one, and echoes
// it in the response header.
func unaryRequestID() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var supplied string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDHeader); len(vals) > 0 {
				supplied = vals[0]
			}
		}
		ctx, id := audit.EnsureRequestID(ctx, supplied)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, id))
		return handler(ctx, req)
	}
}
