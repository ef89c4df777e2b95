package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/KevoDB/nvparam/pkg/common/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

// Options configures a Server
type Options struct {
	Address string
	TLS     TLSConfig
	Logger  log.Logger
}

// Server hosts the parameter service on a gRPC listener.
type Server struct {
	backend    Backend
	options    Options
	logger     log.Logger
	listener   net.Listener
	grpcServer *grpc.Server
}

// NewServer creates a new server instance
func NewServer(backend Backend, options Options) *Server {
	logger := options.Logger
	if logger == nil {
		logger = log.Component("server")
	}
	return &Server{
		backend: backend,
		options: options,
		logger:  logger,
	}
}

// Start listens on the configured address and registers the service.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.options.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.options.Address, err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener registers the service on an existing listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	var serverOpts []grpc.ServerOption

	if s.options.TLS.Enabled {
		tlsConfig, err := LoadServerTLSConfig(s.options.TLS.CertFile, s.options.TLS.KeyFile, s.options.TLS.CAFile)
		if err != nil {
			listener.Close()
			return err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	kaProps := keepalive.ServerParameters{
		MaxConnectionIdle:     60 * time.Second,
		MaxConnectionAge:      5 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Second,
		Time:                  15 * time.Second,
		Timeout:               5 * time.Second,
	}

	kaPolicy := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}

	serverOpts = append(serverOpts,
		grpc.KeepaliveParams(kaProps),
		grpc.KeepaliveEnforcementPolicy(kaPolicy),
		grpc.ChainUnaryInterceptor(s.logCalls),
	)

	s.listener = listener
	s.grpcServer = grpc.NewServer(serverOpts...)
	RegisterParamServiceServer(s.grpcServer, NewParamService(s.backend, s.logger))

	s.logger.Info("Parameter service listening on %s", listener.Addr())
	return nil
}

// Serve starts serving requests (blocking)
func (s *Server) Serve() error {
	if s.grpcServer == nil {
		return fmt.Errorf("server not initialized, call Start() first")
	}
	return s.grpcServer.Serve(s.listener)
}

// Addr returns the listening address once started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully stops the server, forcing it down when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
			s.logger.Info("Parameter service stopped gracefully")
		case <-ctx.Done():
			s.logger.Warn("Shutdown deadline exceeded, forcing server stop")
			s.grpcServer.Stop()
		}
	}

	return nil
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("%s failed after %s: %v", info.FullMethod, time.Since(start), err)
	} else {
		s.logger.Debug("%s completed in %s", info.FullMethod, time.Since(start))
	}
	return resp, err
}
