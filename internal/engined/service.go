package engined

import (
	"context"

	"google.golang.org/grpc"

	"github.com/homelistingai/followup/internal/models"
	"github.com/homelistingai/followup/internal/scheduler"
	"github.com/homelistingai/followup/internal/trigger"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "followup.v1.EngineService"

// Full method names, used by the rate limiter.
const (
	MethodEnroll             = "/" + ServiceName + "/Enroll"
	MethodPause              = "/" + ServiceName + "/Pause"
	MethodResume             = "/" + ServiceName + "/Resume"
	MethodCancel             = "/" + ServiceName + "/Cancel"
	MethodListLeadExecutions = "/" + ServiceName + "/ListLeadExecutions"
	MethodGetHistory         = "/" + ServiceName + "/GetHistory"
	MethodGetStats           = "/" + ServiceName + "/GetStats"
)

// EnrollRequest routes a trigger event.
type EnrollRequest struct {
	Event models.TriggerEvent `json:"event"`
}

// EnrollResponse lists the executions the event enrolled into.
type EnrollResponse struct {
	Result *trigger.Result `json:"result"`
}

// LifecycleRequest targets one execution.
type LifecycleRequest struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

// ExecutionResponse carries one execution.
type ExecutionResponse struct {
	Execution *models.Execution `json:"execution"`
}

// ListLeadExecutionsRequest selects a lead.
type ListLeadExecutionsRequest struct {
	LeadID string `json:"lead_id"`
}

// ListLeadExecutionsResponse lists a lead's executions, newest first.
type ListLeadExecutionsResponse struct {
	Executions []*models.Execution `json:"executions"`
}

// GetHistoryRequest selects an execution.
type GetHistoryRequest struct {
	ExecutionID string `json:"execution_id"`
}

// GetHistoryResponse is an audit trail, oldest first.
type GetHistoryResponse struct {
	Events []*models.HistoryEvent `json:"events"`
}

// GetStatsRequest is empty.
type GetStatsRequest struct{}

// GetStatsResponse reports scheduler counters.
type GetStatsResponse struct {
	Scheduler scheduler.SchedulerStats `json:"scheduler"`
	Version   string                   `json:"version"`
}

// EngineServiceServer is the server API for EngineService.
type EngineServiceServer interface {
	Enroll(context.Context, *EnrollRequest) (*EnrollResponse, error)
	Pause(context.Context, *LifecycleRequest) (*ExecutionResponse, error)
	Resume(context.Context, *LifecycleRequest) (*ExecutionResponse, error)
	Cancel(context.Context, *LifecycleRequest) (*ExecutionResponse, error)
	ListLeadExecutions(context.Context, *ListLeadExecutionsRequest) (*ListLeadExecutionsResponse, error)
	GetHistory(context.Context, *GetHistoryRequest) (*GetHistoryResponse, error)
	GetStats(context.Context, *GetStatsRequest) (*GetStatsResponse, error)
}

// unary adapts a typed method to a grpc.MethodHandler.
func unary[Req, Resp any](fullMethod string, call func(EngineServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EngineServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EngineServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes EngineService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enroll", Handler: unary(MethodEnroll, EngineServiceServer.Enroll)},
		{MethodName: "Pause", Handler: unary(MethodPause, EngineServiceServer.Pause)},
		{MethodName: "Resume", Handler: unary(MethodResume, EngineServiceServer.Resume)},
		{MethodName: "Cancel", Handler: unary(MethodCancel, EngineServiceServer.Cancel)},
		{MethodName: "ListLeadExecutions", Handler: unary(MethodListLeadExecutions, EngineServiceServer.ListLeadExecutions)},
		{MethodName: "GetHistory", Handler: unary(MethodGetHistory, EngineServiceServer.GetHistory)},
		{MethodName: "GetStats", Handler: unary(MethodGetStats, EngineServiceServer.GetStats)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "followup/v1/engine.proto",
}

// RegisterEngineServiceServer registers srv with s.
func RegisterEngineServiceServer(s grpc.ServiceRegistrar, srv EngineServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls EngineService over a connection using the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Enroll(ctx context.Context, in *EnrollRequest, opts ...grpc.CallOption) (*EnrollResponse, error) {
	return invoke[EnrollResponse](ctx, c, MethodEnroll, in, opts)
}

func (c *Client) Pause(ctx context.Context, in *LifecycleRequest, opts ...grpc.CallOption) (*ExecutionResponse, error) {
	return invoke[ExecutionResponse](ctx, c, MethodPause, in, opts)
}

func (c *Client) Resume(ctx context.Context, in *LifecycleRequest, opts ...grpc.CallOption) (*ExecutionResponse, error) {
	return invoke[ExecutionResponse](ctx, c, MethodResume, in, opts)
}

func (c *Client) Cancel(ctx context.Context, in *LifecycleRequest, opts ...grpc.CallOption) (*ExecutionResponse, error) {
	return invoke[ExecutionResponse](ctx, c, MethodCancel, in, opts)
}

func (c *Client) ListLeadExecutions(ctx context.Context, in *ListLeadExecutionsRequest, opts ...grpc.CallOption) (*ListLeadExecutionsResponse, error) {
	return invoke[ListLeadExecutionsResponse](ctx, c, MethodListLeadExecutions, in, opts)
}

func (c *Client) GetHistory(ctx context.Context, in *GetHistoryRequest, opts ...grpc.CallOption) (*GetHistoryResponse, error) {
	return invoke[GetHistoryResponse](ctx, c, MethodGetHistory, in, opts)
}

func (c *Client) GetStats(ctx context.Context, in *GetStatsRequest, opts ...grpc.CallOption) (*GetStatsResponse, error) {
	return invoke[GetStatsResponse](ctx, c, MethodGetStats, in, opts)
}
