package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName = "wager.v1.SettlementService"

	methodLockWager          = "LockWager"
	methodPayoutWinner       = "PayoutWinner"
	methodRefundMatch        = "RefundMatch"
	methodResolveMatch       = "ResolveMatch"
	methodProcessForfeit     = "ProcessForfeit"
	methodAutoResolveMatches = "AutoResolveMatches"
	methodResolveDispute     = "ResolveDispute"
	methodGetBalance         = "GetBalance"
	methodRecordHeartbeat    = "RecordHeartbeat"
)

// SettlementServiceServer is implemented by SettlementServer.
type SettlementServiceServer interface {
	LockWager(ctx context.Context, request *LockWagerRequest) (*LockWagerResponse, error)
	PayoutWinner(ctx context.Context, request *PayoutWinnerRequest) (*PayoutResponse, error)
	RefundMatch(ctx context.Context, request *RefundMatchRequest) (*RefundResponse, error)
	ResolveMatch(ctx context.Context, request *ResolveMatchRequest) (*OutcomeResponse, error)
	ProcessForfeit(ctx context.Context, request *ProcessForfeitRequest) (*OutcomeResponse, error)
	AutoResolveMatches(ctx context.Context, request *Empty) (*AutoResolveMatchesResponse, error)
	ResolveDispute(ctx context.Context, request *ResolveDisputeRequest) (*VerdictResponse, error)
	GetBalance(ctx context.Context, request *GetBalanceRequest) (*BalanceResponse, error)
	RecordHeartbeat(ctx context.Context, request *RecordHeartbeatRequest) (*Empty, error)
}

// unaryHandler adapts a typed method to grpc.MethodDesc.
func unaryHandler[Request any, Response any](method string, call func(SettlementServiceServer, context.Context, *Request) (*Response, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(Request)
			if err := decode(request); err != nil {
				return nil, err
			}
			server := srv.(SettlementServiceServer)
			if interceptor == nil {
				return call(server, ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
				return call(server, ctx, request.(*Request))
			})
		},
	}
}

// ServiceDesc describes wager.v1.SettlementService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SettlementServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(methodLockWager, SettlementServiceServer.LockWager),
		unaryHandler(methodPayoutWinner, SettlementServiceServer.PayoutWinner),
		unaryHandler(methodRefundMatch, SettlementServiceServer.RefundMatch),
		unaryHandler(methodResolveMatch, SettlementServiceServer.ResolveMatch),
		unaryHandler(methodProcessForfeit, SettlementServiceServer.ProcessForfeit),
		unaryHandler(methodAutoResolveMatches, SettlementServiceServer.AutoResolveMatches),
		unaryHandler(methodResolveDispute, SettlementServiceServer.ResolveDispute),
		unaryHandler(methodGetBalance, SettlementServiceServer.GetBalance),
		unaryHandler(methodRecordHeartbeat, SettlementServiceServer.RecordHeartbeat),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wager/v1/settlement.proto",
}

// RegisterSettlementServiceServer registers the service on a gRPC server.
func RegisterSettlementServiceServer(registrar grpc.ServiceRegistrar, server SettlementServiceServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

// SettlementClient calls wager.v1.SettlementService with the JSON codec.
type SettlementClient struct {
	conn grpc.ClientConnInterface
}

func NewSettlementClient(conn grpc.ClientConnInterface) *SettlementClient {
	return &SettlementClient{conn: conn}
}

func invoke[Response any](ctx context.Context, client *SettlementClient, method string, request any, options []grpc.CallOption) (*Response, error) {
	response := new(Response)
	options = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, options...)
	if err := client.conn.Invoke(ctx, "/"+serviceName+"/"+method, request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *SettlementClient) LockWager(ctx context.Context, request *LockWagerRequest, options ...grpc.CallOption) (*LockWagerResponse, error) {
	return invoke[LockWagerResponse](ctx, client, methodLockWager, request, options)
}

func (client *SettlementClient) PayoutWinner(ctx context.Context, request *PayoutWinnerRequest, options ...grpc.CallOption) (*PayoutResponse, error) {
	return invoke[PayoutResponse](ctx, client, methodPayoutWinner, request, options)
}

func (client *SettlementClient) RefundMatch(ctx context.Context, request *RefundMatchRequest, options ...grpc.CallOption) (*RefundResponse, error) {
	return invoke[RefundResponse](ctx, client, methodRefundMatch, request, options)
}

func (client *SettlementClient) ResolveMatch(ctx context.Context, request *ResolveMatchRequest, options ...grpc.CallOption) (*OutcomeResponse, error) {
	return invoke[OutcomeResponse](ctx, client, methodResolveMatch, request, options)
}

func (client *SettlementClient) ProcessForfeit(ctx context.Context, request *ProcessForfeitRequest, options ...grpc.CallOption) (*OutcomeResponse, error) {
	return invoke[OutcomeResponse](ctx, client, methodProcessForfeit, request, options)
}

func (client *SettlementClient) AutoResolveMatches(ctx context.Context, request *Empty, options ...grpc.CallOption) (*AutoResolveMatchesResponse, error) {
	return invoke[AutoResolveMatchesResponse](ctx, client, methodAutoResolveMatches, request, options)
}

func (client *SettlementClient) ResolveDispute(ctx context.Context, request *ResolveDisputeRequest, options ...grpc.CallOption) (*VerdictResponse, error) {
	return invoke[VerdictResponse](ctx, client, methodResolveDispute, request, options)
}

func (client *SettlementClient) GetBalance(ctx context.Context, request *GetBalanceRequest, options ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, client, methodGetBalance, request, options)
}

func (client *SettlementClient) RecordHeartbeat(ctx context.Context, request *RecordHeartbeatRequest, options ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, client, methodRecordHeartbeat, request, options)
}

var _ SettlementServiceServer = (*SettlementServer)(nil)
