package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// UpdaterServer is the binary update API each node serves to the leader
type UpdaterServer interface {
	// PushBinary receives a new daemon binary as a chunk stream and
	// stages it next to the running one.
	PushBinary(stream Updater_PushBinaryServer) error

	// ActivateBinary swaps the staged binary in and restarts the daemon.
	// The call returns before the restart.
	ActivateBinary(ctx context.Context, req *ActivateBinaryRequest) (*Empty, error)

	// RollbackBinary restores the binary preserved by the last activation
	// and restarts the daemon.
	RollbackBinary(ctx context.Context, req *Empty) (*Empty, error)
}

const updaterServiceName = "meshd.Updater"

// RegisterUpdaterServer registers the updater service implementation
func RegisterUpdaterServer(s *grpc.Server, srv UpdaterServer) {
	s.RegisterService(&updaterServiceDesc, srv)
}

var updaterServiceDesc = grpc.ServiceDesc{
	ServiceName: updaterServiceName,
	HandlerType: (*UpdaterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ActivateBinary", Handler: updaterActivateHandler},
		{MethodName: "RollbackBinary", Handler: updaterRollbackHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "PushBinary",
			Handler:       updaterPushHandler,
			ClientStreams: true,
		},
	},
}

func updaterActivateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ActivateBinaryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UpdaterServer).ActivateBinary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + updaterServiceName + "/ActivateBinary"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(UpdaterServer).ActivateBinary(ctx, req.(*ActivateBinaryRequest))
	})
}

func updaterRollbackHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UpdaterServer).RollbackBinary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + updaterServiceName + "/RollbackBinary"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(UpdaterServer).RollbackBinary(ctx, req.(*Empty))
	})
}

// Updater_PushBinaryServer is the receive side of a binary push
type Updater_PushBinaryServer interface {
	Recv() (*BinaryChunk, error)
	SendAndClose(*PushBinaryResponse) error
	grpc.ServerStream
}

type updaterPushBinaryServer struct {
	grpc.ServerStream
}

func (s *updaterPushBinaryServer) Recv() (*BinaryChunk, error) {
	m := new(BinaryChunk)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *updaterPushBinaryServer) SendAndClose(m *PushBinaryResponse) error {
	return s.ServerStream.SendMsg(m)
}

func updaterPushHandler(srv any, stream grpc.ServerStream) error {
	return srv.(UpdaterServer).PushBinary(&updaterPushBinaryServer{stream})
}

// UpdaterClient calls the updater service of one node
type UpdaterClient struct {
	cc *grpc.ClientConn
}

// NewUpdaterClient wraps an established connection
func NewUpdaterClient(cc *grpc.ClientConn) *UpdaterClient {
	return &UpdaterClient{cc: cc}
}

// Updater_PushBinaryClient is the send side of a binary push
type Updater_PushBinaryClient interface {
	Send(*BinaryChunk) error
	CloseAndRecv() (*PushBinaryResponse, error)
	grpc.ClientStream
}

type updaterPushBinaryClient struct {
	grpc.ClientStream
}

func (c *updaterPushBinaryClient) Send(m *BinaryChunk) error {
	return c.ClientStream.SendMsg(m)
}

func (c *updaterPushBinaryClient) CloseAndRecv() (*PushBinaryResponse, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(PushBinaryResponse)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *UpdaterClient) PushBinary(ctx context.Context) (Updater_PushBinaryClient, error) {
	desc := &grpc.StreamDesc{StreamName: "PushBinary", ClientStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, "/"+updaterServiceName+"/PushBinary", callOptions...)
	if err != nil {
		return nil, err
	}
	return &updaterPushBinaryClient{stream}, nil
}

func (c *UpdaterClient) ActivateBinary(ctx context.Context, req *ActivateBinaryRequest) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+updaterServiceName+"/ActivateBinary", req, out, callOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *UpdaterClient) RollbackBinary(ctx context.Context) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+updaterServiceName+"/RollbackBinary", new(Empty), out, callOptions...); err != nil {
		return nil, err
	}
	return out, nil
}
