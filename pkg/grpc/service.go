package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/baaaht/pktrelay/pkg/ipc"
)

// Router RPC method names
const (
	RouterServiceName            = "pktrelay.v1.Router"
	Router_Attach_FullMethodName = "/pktrelay.v1.Router/Attach"
	Router_Write_FullMethodName  = "/pktrelay.v1.Router/Write"
	Router_Read_FullMethodName   = "/pktrelay.v1.Router/Read"
	Router_Wait_FullMethodName   = "/pktrelay.v1.Router/Wait"
	Router_Detach_FullMethodName = "/pktrelay.v1.Router/Detach"
	Router_Stats_FullMethodName  = "/pktrelay.v1.Router/Stats"
)

// AttachRequest opens a session for Identity
type AttachRequest struct {
	Identity uint64 `json:"identity"`
}

// AttachEvent is sent once the session is registered. The stream then stays
// open; the session is closed when the stream ends.
type AttachEvent struct {
	SessionID string `json:"session_id"`
	Identity  uint64 `json:"identity"`
}

// WriteRequest carries one encoded packet
type WriteRequest struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

// WriteResponse is empty
type WriteResponse struct{}

// ReadRequest asks for the head packet if it fits in Capacity bytes
type ReadRequest struct {
	SessionID string `json:"session_id"`
	Capacity  int    `json:"capacity"`
}

// ReadResponse mirrors ipc.ReadResult; Data holds the packet for ReadOK
type ReadResponse struct {
	Status   ipc.ReadStatus `json:"status"`
	Data     []byte         `json:"data,omitempty"`
	Required int            `json:"required,omitempty"`
}

// WaitRequest blocks until the session's inbound queue is non-empty or
// TimeoutMs elapses. A zero timeout polls.
type WaitRequest struct {
	SessionID string `json:"session_id"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// WaitResponse reports whether data is ready
type WaitResponse struct {
	Ready bool `json:"ready"`
}

// DetachRequest closes a session
type DetachRequest struct {
	SessionID string `json:"session_id"`
}

// DetachResponse is empty
type DetachResponse struct{}

// StatsRequest is empty
type StatsRequest struct{}

// StatsResponse carries the broker statistics
type StatsResponse struct {
	Broker ipc.BrokerStats `json:"broker"`
}

// RouterServer is the server API for the Router service
type RouterServer interface {
	Attach(*AttachRequest, Router_AttachServer) error
	Write(context.Context, *WriteRequest) (*WriteResponse, error)
	Read(context.Context, *ReadRequest) (*ReadResponse, error)
	Wait(context.Context, *WaitRequest) (*WaitResponse, error)
	Detach(context.Context, *DetachRequest) (*DetachResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// Router_AttachServer is the server side of the Attach stream
type Router_AttachServer interface {
	Send(*AttachEvent) error
	grpc.ServerStream
}

type routerAttachServer struct {
	grpc.ServerStream
}

func (x *routerAttachServer) Send(m *AttachEvent) error {
	return x.ServerStream.SendMsg(m)
}

func _Router_Attach_Handler(srv any, stream grpc.ServerStream) error {
	m := new(AttachRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(RouterServer).Attach(m, &routerAttachServer{stream})
}

func _Router_Write_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WriteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RouterServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Router_Write_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RouterServer).Write(ctx, req.(*WriteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Router_Read_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RouterServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Router_Read_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RouterServer).Read(ctx, req.(*ReadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Router_Wait_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WaitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RouterServer).Wait(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Router_Wait_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RouterServer).Wait(ctx, req.(*WaitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Router_Detach_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DetachRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RouterServer).Detach(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Router_Detach_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RouterServer).Detach(ctx, req.(*DetachRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Router_Stats_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RouterServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Router_Stats_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RouterServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Router_ServiceDesc is the grpc.ServiceDesc for the Router service
var Router_ServiceDesc = grpc.ServiceDesc{
	ServiceName: RouterServiceName,
	HandlerType: (*RouterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Write", Handler: _Router_Write_Handler},
		{MethodName: "Read", Handler: _Router_Read_Handler},
		{MethodName: "Wait", Handler: _Router_Wait_Handler},
		{MethodName: "Detach", Handler: _Router_Detach_Handler},
		{MethodName: "Stats", Handler: _Router_Stats_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       _Router_Attach_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "pktrelay/v1/router",
}

// RouterClient is the client API for the Router service. Every call is
// encoded with the JSON codec.
type RouterClient interface {
	Attach(ctx context.Context, in *AttachRequest, opts ...grpc.CallOption) (Router_AttachClient, error)
	Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error)
	Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error)
	Wait(ctx context.Context, in *WaitRequest, opts ...grpc.CallOption) (*WaitResponse, error)
	Detach(ctx context.Context, in *DetachRequest, opts ...grpc.CallOption) (*DetachResponse, error)
	Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error)
}

type routerClient struct {
	cc grpc.ClientConnInterface
}

// NewRouterClient creates a Router client over cc
func NewRouterClient(cc grpc.ClientConnInterface) RouterClient {
	return &routerClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
}

func (c *routerClient) Attach(ctx context.Context, in *AttachRequest, opts ...grpc.CallOption) (Router_AttachClient, error) {
	stream, err := c.cc.NewStream(ctx, &Router_ServiceDesc.Streams[0], Router_Attach_FullMethodName, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &routerAttachClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Router_AttachClient is the client side of the Attach stream
type Router_AttachClient interface {
	Recv() (*AttachEvent, error)
	grpc.ClientStream
}

type routerAttachClient struct {
	grpc.ClientStream
}

func (x *routerAttachClient) Recv() (*AttachEvent, error) {
	m := new(AttachEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *routerClient) Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	out := new(WriteResponse)
	if err := c.cc.Invoke(ctx, Router_Write_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *routerClient) Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error) {
	out := new(ReadResponse)
	if err := c.cc.Invoke(ctx, Router_Read_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *routerClient) Wait(ctx context.Context, in *WaitRequest, opts ...grpc.CallOption) (*WaitResponse, error) {
	out := new(WaitResponse)
	if err := c.cc.Invoke(ctx, Router_Wait_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *routerClient) Detach(ctx context.Context, in *DetachRequest, opts ...grpc.CallOption) (*DetachResponse, error) {
	out := new(DetachResponse)
	if err := c.cc.Invoke(ctx, Router_Detach_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *routerClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := c.cc.Invoke(ctx, Router_Stats_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
