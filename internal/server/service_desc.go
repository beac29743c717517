package server

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "poolledger.v1.PoolService"

// PoolServiceServer is the server API of poolledger.v1.PoolService
type PoolServiceServer interface {
	Invest(context.Context, *InvestRequest) (*InvestResponse, error)
	Withdraw(context.Context, *WithdrawRequest) (*WithdrawResponse, error)
	WithdrawAll(context.Context, *AccountRequest) (*WithdrawResponse, error)
	DepositFunds(context.Context, *DepositFundsRequest) (*BalanceResponse, error)
	SetInterestRate(context.Context, *SetInterestRateRequest) (*Empty, error)
	SetPlatformFee(context.Context, *SetPlatformFeeRequest) (*Empty, error)
	Pause(context.Context, *Empty) (*Empty, error)
	Unpause(context.Context, *Empty) (*Empty, error)
	TransferOwnership(context.Context, *TransferOwnershipRequest) (*Empty, error)
	GetInvestment(context.Context, *GetInvestmentRequest) (*Investment, error)
	ListInvestments(context.Context, *AccountRequest) (*ListInvestmentsResponse, error)
	GetUserInvestments(context.Context, *AccountRequest) (*AccountSummary, error)
	GetPoolStats(context.Context, *Empty) (*PoolStats, error)
	GetBalance(context.Context, *Empty) (*BalanceResponse, error)
}

// unaryMethod builds the descriptor of one unary method. Requests are
// decoded by whatever codec the call negotiated (CodecName for this
// service).
func unaryMethod[Req any, Resp any](name string, call func(PoolServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(PoolServiceServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(impl, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var PoolServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PoolServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Invest", PoolServiceServer.Invest),
		unaryMethod("Withdraw", PoolServiceServer.Withdraw),
		unaryMethod("WithdrawAll", PoolServiceServer.WithdrawAll),
		unaryMethod("DepositFunds", PoolServiceServer.DepositFunds),
		unaryMethod("SetInterestRate", PoolServiceServer.SetInterestRate),
		unaryMethod("SetPlatformFee", PoolServiceServer.SetPlatformFee),
		unaryMethod("Pause", PoolServiceServer.Pause),
		unaryMethod("Unpause", PoolServiceServer.Unpause),
		unaryMethod("TransferOwnership", PoolServiceServer.TransferOwnership),
		unaryMethod("GetInvestment", PoolServiceServer.GetInvestment),
		unaryMethod("ListInvestments", PoolServiceServer.ListInvestments),
		unaryMethod("GetUserInvestments", PoolServiceServer.GetUserInvestments),
		unaryMethod("GetPoolStats", PoolServiceServer.GetPoolStats),
		unaryMethod("GetBalance", PoolServiceServer.GetBalance),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "poolledger/v1/pool.proto",
}

func RegisterPoolServiceServer(s grpc.ServiceRegistrar, srv PoolServiceServer) {
	s.RegisterService(&PoolServiceDesc, srv)
}

// PoolServiceClient calls PoolService with the JSON codec
type PoolServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPoolServiceClient(cc grpc.ClientConnInterface) *PoolServiceClient {
	return &PoolServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PoolServiceClient) Invest(ctx context.Context, in *InvestRequest, opts ...grpc.CallOption) (*InvestResponse, error) {
	return invoke[InvestResponse](ctx, c.cc, "Invest", in, opts)
}

func (c *PoolServiceClient) Withdraw(ctx context.Context, in *WithdrawRequest, opts ...grpc.CallOption) (*WithdrawResponse, error) {
	return invoke[WithdrawResponse](ctx, c.cc, "Withdraw", in, opts)
}

func (c *PoolServiceClient) WithdrawAll(ctx context.Context, in *AccountRequest, opts ...grpc.CallOption) (*WithdrawResponse, error) {
	return invoke[WithdrawResponse](ctx, c.cc, "WithdrawAll", in, opts)
}

func (c *PoolServiceClient) DepositFunds(ctx context.Context, in *DepositFundsRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, c.cc, "DepositFunds", in, opts)
}

func (c *PoolServiceClient) SetInterestRate(ctx context.Context, in *SetInterestRateRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "SetInterestRate", in, opts)
}

func (c *PoolServiceClient) SetPlatformFee(ctx context.Context, in *SetPlatformFeeRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "SetPlatformFee", in, opts)
}

func (c *PoolServiceClient) Pause(ctx context.Context, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "Pause", &Empty{}, opts)
}

func (c *PoolServiceClient) Unpause(ctx context.Context, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "Unpause", &Empty{}, opts)
}

func (c *PoolServiceClient) TransferOwnership(ctx context.Context, in *TransferOwnershipRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "TransferOwnership", in, opts)
}

func (c *PoolServiceClient) GetInvestment(ctx context.Context, in *GetInvestmentRequest, opts ...grpc.CallOption) (*Investment, error) {
	return invoke[Investment](ctx, c.cc, "GetInvestment", in, opts)
}

func (c *PoolServiceClient) ListInvestments(ctx context.Context, in *AccountRequest, opts ...grpc.CallOption) (*ListInvestmentsResponse, error) {
	return invoke[ListInvestmentsResponse](ctx, c.cc, "ListInvestments", in, opts)
}

func (c *PoolServiceClient) GetUserInvestments(ctx context.Context, in *AccountRequest, opts ...grpc.CallOption) (*AccountSummary, error) {
	return invoke[AccountSummary](ctx, c.cc, "GetUserInvestments", in, opts)
}

func (c *PoolServiceClient) GetPoolStats(ctx context.Context, opts ...grpc.CallOption) (*PoolStats, error) {
	return invoke[PoolStats](ctx, c.cc, "GetPoolStats", &Empty{}, opts)
}

func (c *PoolServiceClient) GetBalance(ctx context.Context, opts ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, c.cc, "GetBalance", &Empty{}, opts)
}
