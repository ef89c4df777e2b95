package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/KevoDB/nvparam/pkg/common/log"
	"github.com/KevoDB/nvparam/pkg/config"
	"github.com/KevoDB/nvparam/pkg/server"
)

// serverOptions maps the server section of the configuration onto the gRPC server.
func serverOptions(cfg *config.Config) server.Options {
	return server.Options{
		Address: cfg.Server.Address,
		TLS: server.TLSConfig{
			Enabled:  cfg.Server.TLSEnabled,
			CertFile: cfg.Server.TLSCertFile,
			KeyFile:  cfg.Server.TLSKeyFile,
			CAFile:   cfg.Server.TLSCAFile,
		},
		Logger: log.Component("server"),
	}
}

// runServer serves the local registry until SIGINT or SIGTERM. Start and
// serve failures are returned so the caller can release the device.
func runServer(n *node, cfg *config.Config) error {
	srv := server.NewServer(n.registry, serverOptions(cfg))

	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Printf("nvparam server started on %s (loaded from %s)\n", srv.Addr(), n.registry.Source())

	timeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	done, stop := setupGracefulShutdown(srv, timeout)
	defer stop()

	if err := srv.Serve(); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	<-done
	return nil
}

// setupGracefulShutdown stops srv on a signal. The returned channel closes
// once shutdown has finished; stop detaches the signal handler.
func setupGracefulShutdown(srv *server.Server, timeout time.Duration) (<-chan struct{}, func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	quit := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case sig := <-sigChan:
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		case <-quit:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down server: %v\n", err)
		}
		fmt.Println("Shutdown complete")
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(quit)
		})
	}
	return done, stop
}
