package server

import (
	"context"
	"fmt"
	"time"

	"github.com/KevoDB/nvparam/pkg/param"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a remote parameter service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to a parameter service at address.
func Dial(address string, tlsConfig TLSConfig) (*Client, error) {
	dialOptions := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                15 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if tlsConfig.Enabled {
		cfg, err := LoadClientTLSConfig(tlsConfig.CertFile, tlsConfig.KeyFile, tlsConfig.CAFile, tlsConfig.SkipVerify)
		if err != nil {
			return nil, err
		}
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// Close closes a connection opened by Dial
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Get returns the value of a parameter named by name or decimal identifier.
func (c *Client) Get(ctx context.Context, name string) (param.Value, error) {
	out := new(structpb.Value)
	if err := c.cc.Invoke(ctx, fullMethod("Get"), wrapperspb.String(name), out); err != nil {
		return param.Value{}, err
	}
	return fromProto(out)
}

// Set assigns value, which may be an integer or a string, to name.
func (c *Client) Set(ctx context.Context, name string, value any) error {
	req, err := structpb.NewStruct(map[string]any{"name": name, "value": value})
	if err != nil {
		return fmt.Errorf("%w: %v", param.ErrInvalidArgument, err)
	}
	return c.cc.Invoke(ctx, fullMethod("Set"), req, new(emptypb.Empty))
}

// Save asks the service to persist its current parameters
func (c *Client) Save(ctx context.Context) error {
	return c.cc.Invoke(ctx, fullMethod("Save"), new(emptypb.Empty), new(emptypb.Empty))
}

// Dump returns every populated record keyed by name
func (c *Client) Dump(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Dump"), new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Inspect returns the block report of the remote store
func (c *Client) Inspect(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Inspect"), new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func fromProto(v *structpb.Value) (param.Value, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return param.IntValue(int32(kind.NumberValue)), nil
	case *structpb.Value_StringValue:
		return param.StringValue(kind.StringValue), nil
	default:
		return param.Value{}, fmt.Errorf("unexpected value kind %T", kind)
	}
}
