// Package lendingv1 carries the gRPC service definition for lending.v1.
// Messages travel as google.protobuf.Struct values so the service needs no
// generated message types.
package lendingv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "lending.v1.LendingService"

const (
	LendingService_DepositCollateral_FullMethodName      = "/lending.v1.LendingService/DepositCollateral"
	LendingService_Borrow_FullMethodName                 = "/lending.v1.LendingService/Borrow"
	LendingService_RepayLoan_FullMethodName              = "/lending.v1.LendingService/RepayLoan"
	LendingService_WithdrawCollateral_FullMethodName     = "/lending.v1.LendingService/WithdrawCollateral"
	LendingService_WithdrawFreeCollateral_FullMethodName = "/lending.v1.LendingService/WithdrawFreeCollateral"
	LendingService_FundPool_FullMethodName               = "/lending.v1.LendingService/FundPool"
	LendingService_GetCollateralBalance_FullMethodName   = "/lending.v1.LendingService/GetCollateralBalance"
	LendingService_GetLoan_FullMethodName                = "/lending.v1.LendingService/GetLoan"
	LendingService_ListLoans_FullMethodName              = "/lending.v1.LendingService/ListLoans"
	LendingService_GetPool_FullMethodName                = "/lending.v1.LendingService/GetPool"
)

// LendingServiceServer is the server API for lending.v1.LendingService.
type LendingServiceServer interface {
	DepositCollateral(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Borrow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RepayLoan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WithdrawCollateral(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WithdrawFreeCollateral(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FundPool(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCollateralBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetLoan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListLoans(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPool(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedLendingServiceServer can be embedded to satisfy the interface
// while only implementing a subset of methods.
type UnimplementedLendingServiceServer struct{}

func (UnimplementedLendingServiceServer) DepositCollateral(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method DepositCollateral not implemented")
}
func (UnimplementedLendingServiceServer) Borrow(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Borrow not implemented")
}
func (UnimplementedLendingServiceServer) RepayLoan(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method RepayLoan not implemented")
}
func (UnimplementedLendingServiceServer) WithdrawCollateral(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method WithdrawCollateral not implemented")
}
func (UnimplementedLendingServiceServer) WithdrawFreeCollateral(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method WithdrawFreeCollateral not implemented")
}
func (UnimplementedLendingServiceServer) FundPool(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method FundPool not implemented")
}
func (UnimplementedLendingServiceServer) GetCollateralBalance(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetCollateralBalance not implemented")
}
func (UnimplementedLendingServiceServer) GetLoan(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetLoan not implemented")
}
func (UnimplementedLendingServiceServer) ListLoans(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ListLoans not implemented")
}
func (UnimplementedLendingServiceServer) GetPool(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetPool not implemented")
}

// RegisterLendingServiceServer registers srv with s.
func RegisterLendingServiceServer(s grpc.ServiceRegistrar, srv LendingServiceServer) {
	s.RegisterService(&LendingService_ServiceDesc, srv)
}

type unaryMethod func(LendingServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LendingServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(LendingServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// LendingService_ServiceDesc is the grpc.ServiceDesc for LendingService.
var LendingService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LendingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc("DepositCollateral", LendingServiceServer.DepositCollateral),
		methodDesc("Borrow", LendingServiceServer.Borrow),
		methodDesc("RepayLoan", LendingServiceServer.RepayLoan),
		methodDesc("WithdrawCollateral", LendingServiceServer.WithdrawCollateral),
		methodDesc("WithdrawFreeCollateral", LendingServiceServer.WithdrawFreeCollateral),
		methodDesc("FundPool", LendingServiceServer.FundPool),
		methodDesc("GetCollateralBalance", LendingServiceServer.GetCollateralBalance),
		methodDesc("GetLoan", LendingServiceServer.GetLoan),
		methodDesc("ListLoans", LendingServiceServer.ListLoans),
		methodDesc("GetPool", LendingServiceServer.GetPool),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lending/v1/lending.proto",
}

// LendingServiceClient is the client API for lending.v1.LendingService.
type LendingServiceClient interface {
	Call(ctx context.Context, fullMethod string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type lendingServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewLendingServiceClient wraps cc.
func NewLendingServiceClient(cc grpc.ClientConnInterface) LendingServiceClient {
	return &lendingServiceClient{cc: cc}
}

func (c *lendingServiceClient) Call(ctx context.Context, fullMethod string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
