package rpc

import (
	"context"

	"github.com/dpaschal/meshd/pkg/events"
	"google.golang.org/grpc"
)

// ClusterServer is the control-plane API every node serves. Write
// operations succeed only on the leader; followers answer with a
// not-leader error carrying the leader's address.
type ClusterServer interface {
	SubmitTask(ctx context.Context, req *SubmitTaskRequest) (*SubmitTaskResponse, error)
	CancelTask(ctx context.Context, req *CancelTaskRequest) (*Empty, error)
	GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error)
	ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error)
	TaskLogs(ctx context.Context, req *TaskLogsRequest) (*TaskLogsResponse, error)

	SubmitWorkflow(ctx context.Context, req *SubmitWorkflowRequest) (*SubmitWorkflowResponse, error)
	GetWorkflow(ctx context.Context, req *GetWorkflowRequest) (*GetWorkflowResponse, error)
	ListWorkflows(ctx context.Context, req *Empty) (*ListWorkflowsResponse, error)

	ListNodes(ctx context.Context, req *Empty) (*ListNodesResponse, error)
	JoinCluster(ctx context.Context, req *JoinClusterRequest) (*JoinClusterResponse, error)
	ApproveNode(ctx context.Context, req *NodeRequest) (*Empty, error)
	RejectNode(ctx context.Context, req *NodeRequest) (*Empty, error)
	DrainNode(ctx context.Context, req *NodeRequest) (*Empty, error)
	RemoveNode(ctx context.Context, req *NodeRequest) (*Empty, error)
	PendingJoins(ctx context.Context, req *Empty) (*PendingJoinsResponse, error)
	GenerateJoinToken(ctx context.Context, req *GenerateTokenRequest) (*GenerateTokenResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*Empty, error)
	ClusterStatus(ctx context.Context, req *Empty) (*ClusterStatusResponse, error)
	RollingUpdate(ctx context.Context, req *RollingUpdateRequest) (*RollingUpdateResponse, error)

	StreamEvents(req *StreamEventsRequest, stream Cluster_StreamEventsServer) error
}

const clusterServiceName = "meshd.Cluster"

// RegisterClusterServer registers the cluster service implementation
func RegisterClusterServer(s *grpc.Server, srv ClusterServer) {
	s.RegisterService(&clusterServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string,
	call func(srv ClusterServer, ctx context.Context, req *Req) (*Resp, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + clusterServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ClusterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(ClusterServer), ctx, req.(*Req))
		})
	}
}

var clusterServiceDesc = grpc.ServiceDesc{
	ServiceName: clusterServiceName,
	HandlerType: (*ClusterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitTask", Handler: unaryHandler("SubmitTask", ClusterServer.SubmitTask)},
		{MethodName: "CancelTask", Handler: unaryHandler("CancelTask", ClusterServer.CancelTask)},
		{MethodName: "GetTask", Handler: unaryHandler("GetTask", ClusterServer.GetTask)},
		{MethodName: "ListTasks", Handler: unaryHandler("ListTasks", ClusterServer.ListTasks)},
		{MethodName: "SubmitWorkflow", Handler: unaryHandler("SubmitWorkflow", ClusterServer.SubmitWorkflow)},
		{MethodName: "GetWorkflow", Handler: unaryHandler("GetWorkflow", ClusterServer.GetWorkflow)},
		{MethodName: "ListWorkflows", Handler: unaryHandler("ListWorkflows", ClusterServer.ListWorkflows)},
		{MethodName: "ListNodes", Handler: unaryHandler("ListNodes", ClusterServer.ListNodes)},
		{MethodName: "JoinCluster", Handler: unaryHandler("JoinCluster", ClusterServer.JoinCluster)},
		{MethodName: "ApproveNode", Handler: unaryHandler("ApproveNode", ClusterServer.ApproveNode)},
		{MethodName: "RejectNode", Handler: unaryHandler("RejectNode", ClusterServer.RejectNode)},
		{MethodName: "DrainNode", Handler: unaryHandler("DrainNode", ClusterServer.DrainNode)},
		{MethodName: "RemoveNode", Handler: unaryHandler("RemoveNode", ClusterServer.RemoveNode)},
		{MethodName: "PendingJoins", Handler: unaryHandler("PendingJoins", ClusterServer.PendingJoins)},
		{MethodName: "GenerateJoinToken", Handler: unaryHandler("GenerateJoinToken", ClusterServer.GenerateJoinToken)},
		{MethodName: "Heartbeat", Handler: unaryHandler("Heartbeat", ClusterServer.Heartbeat)},
		{MethodName: "ClusterStatus", Handler: unaryHandler("ClusterStatus", ClusterServer.ClusterStatus)},
		{MethodName: "TaskLogs", Handler: unaryHandler("TaskLogs", ClusterServer.TaskLogs)},
		{MethodName: "RollingUpdate", Handler: unaryHandler("RollingUpdate", ClusterServer.RollingUpdate)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
}

// Cluster_StreamEventsServer is the send side of the event stream
type Cluster_StreamEventsServer interface {
	Send(*EventMessage) error
	grpc.ServerStream
}

// EventMessage wraps a broker event for the wire
type EventMessage struct {
	Event *events.Event `json:"event"`
}

type clusterStreamEventsServer struct {
	grpc.ServerStream
}

func (s *clusterStreamEventsServer) Send(m *EventMessage) error {
	return s.ServerStream.SendMsg(m)
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	m := new(StreamEventsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ClusterServer).StreamEvents(m, &clusterStreamEventsServer{stream})
}

// ClusterClient calls the cluster service of one node
type ClusterClient struct {
	cc *grpc.ClientConn
}

// NewClusterClient wraps an established connection
func NewClusterClient(cc *grpc.ClientConn) *ClusterClient {
	return &ClusterClient{cc: cc}
}

func clusterInvoke[Resp any](ctx context.Context, c *ClusterClient, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, "/"+clusterServiceName+"/"+method, req, out, callOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ClusterClient) SubmitTask(ctx context.Context, req *SubmitTaskRequest) (*SubmitTaskResponse, error) {
	return clusterInvoke[SubmitTaskResponse](ctx, c, "SubmitTask", req)
}

func (c *ClusterClient) CancelTask(ctx context.Context, req *CancelTaskRequest) (*Empty, error) {
	return clusterInvoke[Empty](ctx, c, "CancelTask", req)
}

func (c *ClusterClient) GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error) {
	return clusterInvoke[GetTaskResponse](ctx, c, "GetTask", req)
}

func (c *ClusterClient) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error) {
	return clusterInvoke[ListTasksResponse](ctx, c, "ListTasks", req)
}

func (c *ClusterClient) SubmitWorkflow(ctx context.Context, req *SubmitWorkflowRequest) (*SubmitWorkflowResponse, error) {
	return clusterInvoke[SubmitWorkflowResponse](ctx, c, "SubmitWorkflow", req)
}

func (c *ClusterClient) GetWorkflow(ctx context.Context, req *GetWorkflowRequest) (*GetWorkflowResponse, error) {
	return clusterInvoke[GetWorkflowResponse](ctx, c, "GetWorkflow", req)
}

func (c *ClusterClient) ListWorkflows(ctx context.Context) (*ListWorkflowsResponse, error) {
	return clusterInvoke[ListWorkflowsResponse](ctx, c, "ListWorkflows", &Empty{})
}

func (c *ClusterClient) ListNodes(ctx context.Context) (*ListNodesResponse, error) {
	return clusterInvoke[ListNodesResponse](ctx, c, "ListNodes", &Empty{})
}

func (c *ClusterClient) JoinCluster(ctx context.Context, req *JoinClusterRequest) (*JoinClusterResponse, error) {
	return clusterInvoke[JoinClusterResponse](ctx, c, "JoinCluster", req)
}

func (c *ClusterClient) ApproveNode(ctx context.Context, req *NodeRequest) (*Empty, error) {
	return clusterInvoke[Empty](ctx, c, "ApproveNode", req)
}

func (c *ClusterClient) RejectNode(ctx context.Context, req *NodeRequest) (*Empty, error) {
	return clusterInvoke[Empty](ctx, c, "RejectNode", req)
}

func (c *ClusterClient) DrainNode(ctx context.Context, req *NodeRequest) (*Empty, error) {
	return clusterInvoke[Empty](ctx, c, "DrainNode", req)
}

func (c *ClusterClient) RemoveNode(ctx context.Context, req *NodeRequest) (*Empty, error) {
	return clusterInvoke[Empty](ctx, c, "RemoveNode", req)
}

func (c *ClusterClient) PendingJoins(ctx context.Context) (*PendingJoinsResponse, error) {
	return clusterInvoke[PendingJoinsResponse](ctx, c, "PendingJoins", &Empty{})
}

func (c *ClusterClient) GenerateJoinToken(ctx context.Context, req *GenerateTokenRequest) (*GenerateTokenResponse, error) {
	return clusterInvoke[GenerateTokenResponse](ctx, c, "GenerateJoinToken", req)
}

func (c *ClusterClient) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*Empty, error) {
	return clusterInvoke[Empty](ctx, c, "Heartbeat", req)
}

func (c *ClusterClient) ClusterStatus(ctx context.Context) (*ClusterStatusResponse, error) {
	return clusterInvoke[ClusterStatusResponse](ctx, c, "ClusterStatus", &Empty{})
}

func (c *ClusterClient) TaskLogs(ctx context.Context, req *TaskLogsRequest) (*TaskLogsResponse, error) {
	return clusterInvoke[TaskLogsResponse](ctx, c, "TaskLogs", req)
}

func (c *ClusterClient) RollingUpdate(ctx context.Context, req *RollingUpdateRequest) (*RollingUpdateResponse, error) {
	return clusterInvoke[RollingUpdateResponse](ctx, c, "RollingUpdate", req)
}

// Cluster_StreamEventsClient is the receive side of the event stream
type Cluster_StreamEventsClient interface {
	Recv() (*EventMessage, error)
	grpc.ClientStream
}

type clusterStreamEventsClient struct {
	grpc.ClientStream
}

func (c *clusterStreamEventsClient) Recv() (*EventMessage, error) {
	m := new(EventMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *ClusterClient) StreamEvents(ctx context.Context, req *StreamEventsRequest) (Cluster_StreamEventsClient, error) {
	desc := &grpc.StreamDesc{StreamName: "StreamEvents", ServerStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, "/"+clusterServiceName+"/StreamEvents", callOptions...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &clusterStreamEventsClient{stream}, nil
}
