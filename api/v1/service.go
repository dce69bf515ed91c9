// Package v1 is the coordd wire contract: the sessionward.v1.Coordination
// gRPC service. Messages are protobuf well-known types, so the default proto
// codec carries them; the stubs below follow the protoc-gen-go-grpc layout.
package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// This is a compile-time assertion to ensure that this file is compatible
// with the grpc package it is being compiled against.
const _ = grpc.SupportPackageIsVersion9

const (
	Coordination_TrySet_FullMethodName     = "/sessionward.v1.Coordination/TrySet"
	Coordination_TryExtend_FullMethodName  = "/sessionward.v1.Coordination/TryExtend"
	Coordination_TryReplace_FullMethodName = "/sessionward.v1.Coordination/TryReplace"
	Coordination_TryDelete_FullMethodName  = "/sessionward.v1.Coordination/TryDelete"
	Coordination_TryElect_FullMethodName   = "/sessionward.v1.Coordination/TryElect"
	Coordination_Get_FullMethodName        = "/sessionward.v1.Coordination/Get"
	Coordination_Scan_FullMethodName       = "/sessionward.v1.Coordination/Scan"
	Coordination_Status_FullMethodName     = "/sessionward.v1.Coordination/Status"
)

// CoordinationClient is the client API for Coordination service.
type CoordinationClient interface {
	TrySet(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	TryExtend(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	TryReplace(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	TryDelete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	TryElect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.Int32Value, error)
	Get(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Scan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Status(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type coordinationClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinationClient(cc grpc.ClientConnInterface) CoordinationClient {
	return &coordinationClient{cc}
}

func (c *coordinationClient) TrySet(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	err := c.cc.Invoke(ctx, Coordination_TrySet_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinationClient) TryExtend(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	err := c.cc.Invoke(ctx, Coordination_TryExtend_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinationClient) TryReplace(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	err := c.cc.Invoke(ctx, Coordination_TryReplace_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinationClient) TryDelete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	err := c.cc.Invoke(ctx, Coordination_TryDelete_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinationClient) TryElect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.Int32Value, error) {
	out := new(wrapperspb.Int32Value)
	err := c.cc.Invoke(ctx, Coordination_TryElect_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinationClient) Get(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.cc.Invoke(ctx, Coordination_Get_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinationClient) Scan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.cc.Invoke(ctx, Coordination_Scan_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinationClient) Status(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.cc.Invoke(ctx, Coordination_Status_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CoordinationServer is the server API for Coordination service.
// All implementations must embed UnimplementedCoordinationServer
// for forward compatibility.
//
// Every coordd node serves it; writes are only accepted by the raft leader.
type CoordinationServer interface {
	TrySet(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	TryExtend(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	TryReplace(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	TryDelete(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	TryElect(context.Context, *structpb.Struct) (*wrapperspb.Int32Value, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Scan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	mustEmbedUnimplementedCoordinationServer()
}

// UnimplementedCoordinationServer must be embedded to have
// forward compatible implementations.
//
// NOTE: this should be embedded by value instead of pointer to avoid a nil
// pointer dereference when methods are called.
type UnimplementedCoordinationServer struct{}

func (UnimplementedCoordinationServer) TrySet(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return nil, status.Errorf(codes.Unimplemented, "method TrySet not implemented")
}
func (UnimplementedCoordinationServer) TryExtend(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return nil, status.Errorf(codes.Unimplemented, "method TryExtend not implemented")
}
func (UnimplementedCoordinationServer) TryReplace(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return nil, status.Errorf(codes.Unimplemented, "method TryReplace not implemented")
}
func (UnimplementedCoordinationServer) TryDelete(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return nil, status.Errorf(codes.Unimplemented, "method TryDelete not implemented")
}
func (UnimplementedCoordinationServer) TryElect(context.Context, *structpb.Struct) (*wrapperspb.Int32Value, error) {
	return nil, status.Errorf(codes.Unimplemented, "method TryElect not implemented")
}
func (UnimplementedCoordinationServer) Get(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Get not implemented")
}
func (UnimplementedCoordinationServer) Scan(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Scan not implemented")
}
func (UnimplementedCoordinationServer) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Status not implemented")
}
func (UnimplementedCoordinationServer) mustEmbedUnimplementedCoordinationServer() {}
func (UnimplementedCoordinationServer) testEmbeddedByValue()                      {}

// UnsafeCoordinationServer may be embedded to opt out of forward compatibility for this service.
// Use of this interface is not recommended, as added methods to CoordinationServer will
// result in compilation errors.
type UnsafeCoordinationServer interface {
	mustEmbedUnimplementedCoordinationServer()
}

func RegisterCoordinationServer(s grpc.ServiceRegistrar, srv CoordinationServer) {
	// If the following call panics, it indicates UnimplementedCoordinationServer was
	// embedded by pointer and is nil. This will cause panics if an
	// unimplemented method is ever invoked, so we test this at initialization
	// time to prevent it from happening at runtime later due to I/O.
	if t, ok := srv.(interface{ testEmbeddedByValue() }); ok {
		t.testEmbeddedByValue()
	}
	s.RegisterService(&Coordination_ServiceDesc, srv)
}

func _Coordination_TrySet_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinationServer).TrySet(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Coordination_TrySet_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinationServer).TrySet(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordination_TryExtend_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinationServer).TryExtend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Coordination_TryExtend_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinationServer).TryExtend(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordination_TryReplace_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinationServer).TryReplace(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Coordination_TryReplace_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinationServer).TryReplace(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordination_TryDelete_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinationServer).TryDelete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Coordination_TryDelete_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinationServer).TryDelete(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordination_TryElect_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinationServer).TryElect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Coordination_TryElect_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinationServer).TryElect(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordination_Get_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinationServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Coordination_Get_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinationServer).Get(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordination_Scan_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinationServer).Scan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Coordination_Scan_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinationServer).Scan(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordination_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinationServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Coordination_Status_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinationServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Coordination_ServiceDesc is the grpc.ServiceDesc for Coordination service.
// It's only intended for direct use with grpc.RegisterService,
// and not to be introspected or modified (even as a copy)
var Coordination_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "sessionward.v1.Coordination",
	HandlerType: (*CoordinationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "TrySet",
			Handler:    _Coordination_TrySet_Handler,
		},
		{
			MethodName: "TryExtend",
			Handler:    _Coordination_TryExtend_Handler,
		},
		{
			MethodName: "TryReplace",
			Handler:    _Coordination_TryReplace_Handler,
		},
		{
			MethodName: "TryDelete",
			Handler:    _Coordination_TryDelete_Handler,
		},
		{
			MethodName: "TryElect",
			Handler:    _Coordination_TryElect_Handler,
		},
		{
			MethodName: "Get",
			Handler:    _Coordination_Get_Handler,
		},
		{
			MethodName: "Scan",
			Handler:    _Coordination_Scan_Handler,
		},
		{
			MethodName: "Status",
			Handler:    _Coordination_Status_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sessionward/v1/coordination.proto",
}
