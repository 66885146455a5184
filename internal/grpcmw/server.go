package grpcmw

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// Server is the gRPC listener: the standard health service behind the
// admission interceptors.
type Server struct {
	srv    *grpc.Server
	health *health.Server
}

func NewServer(l *ratelimit.Limiter, opts ...Option) *Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(l, opts...)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor(l, opts...)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &Server{srv: srv, health: hs}
}

// GRPC exposes the server so more services can be registered before Start.
func (s *Server) GRPC() *grpc.Server { return s.srv }

// SetServing flips the overall health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// Start listens on port and returns stop(ctx). stop marks the server not
// serving, then drains, forcing a stop if ctx ends first.
func (s *Server) Start(ctx context.Context, L log.Logger, port int) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on grpc addr %s", addr)
	}
	return s.serve(ctx, L, ln), nil
}

func (s *Server) serve(ctx context.Context, L log.Logger, ln net.Listener) func(context.Context) error {
	s.SetServing(true)
	go func() {
		L.Info(ctx, "grpc server listening", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil {
			L.Error(ctx, err, "grpc server error")
		}
	}()

	var once sync.Once
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "grpc server shutting down")
			s.health.Shutdown()
			done := make(chan struct{})
			go func() {
				s.srv.GracefulStop()
				close(done)
			}()
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			select {
			case <-done:
			case <-c.Done():
				s.srv.Stop()
			}
		})
		return nil
	}
}
