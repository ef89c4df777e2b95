package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/KevoDB/nvparam/pkg/common/log"
	"github.com/KevoDB/nvparam/pkg/device"
	"github.com/KevoDB/nvparam/pkg/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

type harness struct {
	dev      *device.Flash
	registry *param.Registry
	client   *Client
}

func newHarness(t *testing.T, profile param.Profile) *harness {
	t.Helper()

	dev, err := device.NewMemory(device.DefaultGeometry(), 16,
		device.Partition{ID: param.DefaultPartitionID, FirstBlock: 8, Blocks: 4})
	require.NoError(t, err)

	engine, err := param.NewEngine(dev, param.WithLogger(log.NewDiscardLogger()))
	require.NoError(t, err)

	registry, err := param.Open(context.Background(), engine, param.DefaultSchema(), profile,
		param.WithRegistryLogger(log.NewDiscardLogger()))
	require.NoError(t, err)

	lis := bufconn.Listen(bufSize)
	srv := NewServer(registry, Options{Logger: log.NewDiscardLogger()})
	require.NoError(t, srv.StartWithListener(lis))
	go func() {
		_ = srv.Serve()
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &harness{dev: dev, registry: registry, client: NewClient(conn)}
}

func TestGetDefaults(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	v, err := h.client.Get(ctx, "SERIAL_SPEED")
	require.NoError(t, err)
	assert.Equal(t, param.IntValue(param.DefaultSerialSpeed), v)

	v, err = h.client.Get(ctx, "cmdline")
	require.NoError(t, err)
	assert.Equal(t, param.StringValue(param.DefaultCommandLine), v)

	v, err = h.client.Get(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, param.IntValue(param.DefaultBootDelay), v)
}

func TestGetErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.client.Get(ctx, "NO_SUCH_PARAM")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Get(ctx, "9999")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.Get(ctx, "0")
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "zero marks unused slots")

	// Conditional entries are absent without a matching profile.
	_, err = h.client.Get(ctx, "TSP_FACTORY_CAL")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestSetPersists(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.client.Set(ctx, "REBOOT_MODE", 3))
	require.NoError(t, h.client.Set(ctx, "LCD_LEVEL", "0x40"))
	require.NoError(t, h.client.Set(ctx, "VERSION", "I8315XXIE01"))

	mode, ok := h.registry.Int(param.RebootMode)
	require.True(t, ok)
	assert.Equal(t, int32(3), mode)

	level, ok := h.registry.Int(param.LCDLevel)
	require.True(t, ok)
	assert.Equal(t, int32(0x40), level)

	v, err := h.client.Get(ctx, "VERSION")
	require.NoError(t, err)
	assert.Equal(t, "I8315XXIE01", v.Str)

	assert.Equal(t, 1+2+2, h.dev.Counters().Erases, "first save writes MAIN only, later ones promote")
}

func TestSetNumberForStringParameter(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.client.Set(ctx, "VERSION", 8315))

	version, ok := h.registry.String(param.VersionLine)
	require.True(t, ok)
	assert.Equal(t, "8315", version)

	v, err := h.client.Get(ctx, "VERSION")
	require.NoError(t, err)
	assert.Equal(t, param.StringValue("8315"), v)
}

func TestSetInvalidArguments(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	testCases := []struct {
		name  string
		param string
		value any
	}{
		{"empty name", "", 1},
		{"unknown name", "NOT_A_PARAM", 1},
		{"fractional", "BOOT_DELAY", 1.5},
		{"out of range", "BOOT_DELAY", float64(1 << 40)},
		{"unparsable", "BOOT_DELAY", "soon"},
		{"bool", "BOOT_DELAY", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.client.Set(ctx, tc.param, tc.value)
			assert.Equal(t, codes.InvalidArgument, status.Code(err), "got %v", err)
		})
	}

	assert.Zero(t, h.dev.Counters().Erases)
}

func TestSaveAndDump(t *testing.T) {
	h := newHarness(t, param.Profile{"machine": "cygnus"})
	ctx := context.Background()

	require.NoError(t, h.client.Save(ctx))

	dump, err := h.client.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(param.DefaultLCDLevel), dump["LCD_LEVEL"])
	assert.Equal(t, param.DefaultVersionLine, dump["VERSION"])
	assert.Contains(t, dump, "TSP_FACTORY_CAL_DONE")
	assert.NotContains(t, dump, "AUTO_RAMDUMP_MODE")
}

func TestInspect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.client.Save(ctx))
	require.NoError(t, h.client.Save(ctx))

	report, err := h.client.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(param.DefaultPartitionID), report["partition_id"])
	assert.Equal(t, float64(8), report["first_block"])

	blocks, ok := report["blocks"].([]any)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	for _, b := range blocks {
		info := b.(map[string]any)
		assert.Equal(t, true, info["valid"], "block %v", info["offset"])
	}
}

func TestInterceptorSeesFullMethod(t *testing.T) {
	dev, err := device.NewMemory(device.DefaultGeometry(), 16,
		device.Partition{ID: param.DefaultPartitionID, FirstBlock: 8, Blocks: 4})
	require.NoError(t, err)
	engine, err := param.NewEngine(dev, param.WithLogger(log.NewDiscardLogger()))
	require.NoError(t, err)
	registry, err := param.Open(context.Background(), engine, nil, nil,
		param.WithRegistryLogger(log.NewDiscardLogger()))
	require.NoError(t, err)

	var seen []string
	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen = append(seen, info.FullMethod)
		return handler(ctx, req)
	}))
	RegisterParamServiceServer(gs, NewParamService(registry, log.NewDiscardLogger()))
	go gs.Serve(lis)
	defer gs.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	_, err = NewClient(conn).Get(context.Background(), "BOOT_DELAY")
	require.NoError(t, err)
	assert.Equal(t, []string{"/nvparam.v1.ParamService/Get"}, seen)
}

func TestServeBeforeStart(t *testing.T) {
	srv := NewServer(nil, Options{})
	assert.Error(t, srv.Serve())
	assert.Nil(t, srv.Addr())
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestStartWithMissingTLSFiles(t *testing.T) {
	srv := NewServer(nil, Options{Address: "127.0.0.1:0", TLS: TLSConfig{Enabled: true}})
	assert.Error(t, srv.Start())
}

func TestDumpFieldsPrecedence(t *testing.T) {
	fields := DumpFields([]param.Record{
		{ID: 77, Name: "77", Value: param.IntValue(1)},
		{ID: 77, Name: "77", Value: param.IntValue(2)},
		{ID: 77, Name: "77", Value: param.StringValue("shadowed")},
		{ID: param.VersionLine, Name: "VERSION", Value: param.StringValue("old")},
		{ID: param.VersionLine, Name: "VERSION", Value: param.StringValue("new")},
	})

	assert.Equal(t, map[string]any{"77": float64(2), "VERSION": "new"}, fields)
}
