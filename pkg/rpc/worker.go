package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// WorkerServer is the execution API each node serves to the leader
type WorkerServer interface {
	// Dispatch runs the task and streams execution updates until the
	// final result update.
	Dispatch(req *DispatchRequest, stream Worker_DispatchServer) error

	// CancelRunning stops a task currently executing on this node.
	// Best effort; the task settles as cancelled regardless.
	CancelRunning(ctx context.Context, req *CancelTaskRequest) (*Empty, error)
}

const workerServiceName = "meshd.Worker"

// RegisterWorkerServer registers the worker service implementation
func RegisterWorkerServer(s *grpc.Server, srv WorkerServer) {
	s.RegisterService(&workerServiceDesc, srv)
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: workerServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CancelRunning", Handler: workerCancelRunningHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Dispatch",
			Handler:       workerDispatchHandler,
			ServerStreams: true,
		},
	},
}

func workerCancelRunningHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).CancelRunning(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + workerServiceName + "/CancelRunning"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).CancelRunning(ctx, req.(*CancelTaskRequest))
	})
}

// Worker_DispatchServer is the send side of a dispatch stream
type Worker_DispatchServer interface {
	Send(*DispatchUpdate) error
	grpc.ServerStream
}

type workerDispatchServer struct {
	grpc.ServerStream
}

func (s *workerDispatchServer) Send(m *DispatchUpdate) error {
	return s.ServerStream.SendMsg(m)
}

func workerDispatchHandler(srv any, stream grpc.ServerStream) error {
	m := new(DispatchRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(WorkerServer).Dispatch(m, &workerDispatchServer{stream})
}

// WorkerClient calls the worker service of one node
type WorkerClient struct {
	cc *grpc.ClientConn
}

// NewWorkerClient wraps an established connection
func NewWorkerClient(cc *grpc.ClientConn) *WorkerClient {
	return &WorkerClient{cc: cc}
}

// Worker_DispatchClient is the receive side of a dispatch stream
type Worker_DispatchClient interface {
	Recv() (*DispatchUpdate, error)
	grpc.ClientStream
}

type workerDispatchClient struct {
	grpc.ClientStream
}

func (c *workerDispatchClient) Recv() (*DispatchUpdate, error) {
	m := new(DispatchUpdate)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *WorkerClient) Dispatch(ctx context.Context, req *DispatchRequest) (Worker_DispatchClient, error) {
	desc := &grpc.StreamDesc{StreamName: "Dispatch", ServerStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, "/"+workerServiceName+"/Dispatch", callOptions...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &workerDispatchClient{stream}, nil
}

func (c *WorkerClient) CancelRunning(ctx context.Context, req *CancelTaskRequest) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+workerServiceName+"/CancelRunning", req, out, callOptions...); err != nil {
		return nil, err
	}
	return out, nil
}
