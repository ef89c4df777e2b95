package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/nvparam/pkg/config"
	"github.com/KevoDB/nvparam/pkg/param"
	"github.com/KevoDB/nvparam/pkg/server"
)

func TestRunServerReturnsStartErrors(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(cfg *config.Config)
	}{
		{"bad address", func(cfg *config.Config) { cfg.Server.Address = "no-port" }},
		{"missing tls files", func(cfg *config.Config) {
			cfg.Server.Address = "127.0.0.1:0"
			cfg.Server.TLSEnabled = true
			cfg.Server.TLSCertFile = filepath.Join(t.TempDir(), "missing.crt")
			cfg.Server.TLSKeyFile = filepath.Join(t.TempDir(), "missing.key")
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := buildConfig(Options{Image: filepath.Join(t.TempDir(), "flash.img")})
			require.NoError(t, err)
			tc.modify(cfg)

			n, err := openNode(context.Background(), cfg)
			require.NoError(t, err)

			err = runServer(n, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "starting server")

			// The caller still owns the node and can persist before releasing it.
			require.NoError(t, n.registry.SetInt(context.Background(), param.BootDelay, 6))
			require.NoError(t, n.Close())

			reopened, err := openNode(context.Background(), cfg)
			require.NoError(t, err)
			defer reopened.Close()
			delay, ok := reopened.registry.Int(param.BootDelay)
			require.True(t, ok)
			assert.Equal(t, int32(6), delay)
		})
	}
}

func TestGracefulShutdownStop(t *testing.T) {
	srv := server.NewServer(nil, server.Options{Address: "127.0.0.1:0"})
	done, stop := setupGracefulShutdown(srv, time.Second)

	stop()
	stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown handler did not exit after stop")
	}
}
