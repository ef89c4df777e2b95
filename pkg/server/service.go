// Package server exposes a parameter registry over gRPC.
//
// The service is described by hand with well-known protobuf message types, so
// no generated code is needed:
//
//	service nvparam.v1.ParamService {
//	  rpc Get(google.protobuf.StringValue) returns (google.protobuf.Value);
//	  rpc Set(google.protobuf.Struct) returns (google.protobuf.Empty);
//	  rpc Save(google.protobuf.Empty) returns (google.protobuf.Empty);
//	  rpc Dump(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc Inspect(google.protobuf.Empty) returns (google.protobuf.Struct);
//	}
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/KevoDB/nvparam/pkg/common/log"
	"github.com/KevoDB/nvparam/pkg/param"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "nvparam.v1.ParamService"

// ParamServiceServer is the server API for the parameter service.
type ParamServiceServer interface {
	Get(context.Context, *wrapperspb.StringValue) (*structpb.Value, error)
	Set(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Save(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Dump(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Inspect(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ParamServiceDesc is the grpc.ServiceDesc for the parameter service.
var ParamServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ParamServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Get",
			Handler: unary("Get", func(s ParamServiceServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.Get(ctx, in)
			}),
		},
		{
			MethodName: "Set",
			Handler: unary("Set", func(s ParamServiceServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.Set(ctx, in)
			}),
		},
		{
			MethodName: "Save",
			Handler: unary("Save", func(s ParamServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Save(ctx, in)
			}),
		},
		{
			MethodName: "Dump",
			Handler: unary("Dump", func(s ParamServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Dump(ctx, in)
			}),
		},
		{
			MethodName: "Inspect",
			Handler: unary("Inspect", func(s ParamServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Inspect(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nvparam/v1/param.proto",
}

// RegisterParamServiceServer registers srv with s
func RegisterParamServiceServer(s grpc.ServiceRegistrar, srv ParamServiceServer) {
	s.RegisterService(&ParamServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds a method handler that decodes a Req and dispatches through the
// interceptor chain, as generated handlers do.
func unary[Req any, PReq interface {
	*Req
}](method string, call func(ParamServiceServer, context.Context, PReq) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ParamServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ParamServiceServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Backend is what the service needs from a parameter registry.
// *param.Registry implements it.
type Backend interface {
	param.Accessor
	Schema() *param.Schema
	Dump() []param.Record
	Inspect(ctx context.Context) (*param.Inspection, error)
}

var _ Backend = (*param.Registry)(nil)

// ParamService implements ParamServiceServer over a Backend.
type ParamService struct {
	backend Backend
	logger  log.Logger
}

// NewParamService creates the service
func NewParamService(backend Backend, logger log.Logger) *ParamService {
	if logger == nil {
		logger = log.Component("server")
	}
	return &ParamService{backend: backend, logger: logger}
}

// Get returns the value of a parameter named by name or decimal identifier.
func (s *ParamService) Get(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Value, error) {
	id, err := s.backend.Schema().Resolve(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}

	var v param.Value
	if err := s.backend.Get(id, &v); err != nil {
		return nil, toStatus(err)
	}

	switch v.Kind {
	case param.KindInt:
		return structpb.NewNumberValue(float64(v.Int)), nil
	case param.KindString:
		return structpb.NewStringValue(v.Str), nil
	default:
		return nil, status.Errorf(codes.NotFound, "no record for %s", req.GetValue())
	}
}

// Set expects {"name": <name or id>, "value": <number or string>}. Values are
// coerced to the declared kind: strings are parsed for integer parameters and
// numbers are formatted for string parameters.
func (s *ParamService) Set(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	name := fields["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}

	schema := s.backend.Schema()
	id, err := schema.Resolve(name)
	if err != nil {
		return nil, toStatus(err)
	}

	var v param.Value
	switch raw := fields["value"].GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := raw.NumberValue
		if n != math.Trunc(n) || n < math.MinInt32 || n > math.MaxInt32 {
			return nil, status.Errorf(codes.InvalidArgument, "value %v is not a 32-bit integer", n)
		}
		v, err = schema.ParseValue(id, strconv.FormatInt(int64(n), 10))
		if err != nil {
			return nil, toStatus(err)
		}
	case *structpb.Value_StringValue:
		v, err = schema.ParseValue(id, raw.StringValue)
		if err != nil {
			return nil, toStatus(err)
		}
	default:
		return nil, status.Error(codes.InvalidArgument, "value must be a number or a string")
	}

	if err := s.backend.Set(ctx, id, v); err != nil {
		s.logger.Error("Set %s failed: %v", name, err)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Save persists the current parameters
func (s *ParamService) Save(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.backend.Save(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Dump returns every populated record keyed by name.
func (s *ParamService) Dump(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(DumpFields(s.backend.Dump()))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode dump: %v", err)
	}
	return out, nil
}

// Inspect reports on the MAIN and BACKUP blocks
func (s *ParamService) Inspect(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	report, err := s.backend.Inspect(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	out, err := structpb.NewStruct(InspectionFields(report))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode inspection: %v", err)
	}
	return out, nil
}

// DumpFields keys records by name. When several records share a name the
// last one is reported, matching Get, and integers win over strings.
func DumpFields(records []param.Record) map[string]any {
	out := make(map[string]any, len(records))
	ints := make(map[string]bool)
	for _, rec := range records {
		switch rec.Value.Kind {
		case param.KindInt:
			ints[rec.Name] = true
			out[rec.Name] = float64(rec.Value.Int)
		case param.KindString:
			if ints[rec.Name] {
				continue
			}
			out[rec.Name] = rec.Value.Str
		}
	}
	return out
}

// InspectionFields flattens a block report into plain values.
func InspectionFields(report *param.Inspection) map[string]any {
	blocks := make([]any, 0, len(report.Blocks))
	for _, b := range report.Blocks {
		blocks = append(blocks, map[string]any{
			"offset":      b.Offset.String(),
			"valid":       b.Valid,
			"erased":      b.Erased,
			"magic":       fmt.Sprintf("%#08x", b.Magic),
			"version":     fmt.Sprintf("%#x", b.Version),
			"fingerprint": fmt.Sprintf("%016x", b.Fingerprint),
		})
	}

	return map[string]any{
		"partition_id": float64(report.PartitionID),
		"first_block":  float64(report.FirstBlock),
		"blocks":       blocks,
	}
}

// toStatus maps parameter errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, param.ErrUnknownIdentifier), errors.Is(err, param.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, param.ErrCorruption):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, param.ErrIO):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, param.ErrGeometryMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
