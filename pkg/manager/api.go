package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/dpaschal/meshd/pkg/events"
	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/dpaschal/meshd/pkg/types"
)

// Manager implements rpc.ClusterServer; the gRPC assembly in cmd
// registers it directly.

func (m *Manager) SubmitTask(ctx context.Context, req *rpc.SubmitTaskRequest) (*rpc.SubmitTaskResponse, error) {
	id, err := m.submitTask(req.Task)
	if err != nil {
		return nil, err
	}
	return &rpc.SubmitTaskResponse{TaskID: id}, nil
}

func (m *Manager) CancelTask(ctx context.Context, req *rpc.CancelTaskRequest) (*rpc.Empty, error) {
	if err := m.cancelTask(req.TaskID, req.Reason); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (m *Manager) GetTask(ctx context.Context, req *rpc.GetTaskRequest) (*rpc.GetTaskResponse, error) {
	task, history, err := m.getTask(req.TaskID)
	if err != nil {
		return nil, err
	}
	return &rpc.GetTaskResponse{Task: task, Events: history}, nil
}

func (m *Manager) ListTasks(ctx context.Context, req *rpc.ListTasksRequest) (*rpc.ListTasksResponse, error) {
	tasks, err := m.listTasks(req.State, req.NodeID, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	return &rpc.ListTasksResponse{Tasks: tasks}, nil
}

func (m *Manager) SubmitWorkflow(ctx context.Context, req *rpc.SubmitWorkflowRequest) (*rpc.SubmitWorkflowResponse, error) {
	id, err := m.submitWorkflow(req.Workflow)
	if err != nil {
		return nil, err
	}
	return &rpc.SubmitWorkflowResponse{WorkflowID: id}, nil
}

func (m *Manager) GetWorkflow(ctx context.Context, req *rpc.GetWorkflowRequest) (*rpc.GetWorkflowResponse, error) {
	wf, tasks, err := m.getWorkflow(req.WorkflowID)
	if err != nil {
		return nil, err
	}
	return &rpc.GetWorkflowResponse{Workflow: wf, Tasks: tasks}, nil
}

func (m *Manager) ListWorkflows(ctx context.Context, req *rpc.Empty) (*rpc.ListWorkflowsResponse, error) {
	wfs, err := m.listWorkflows()
	if err != nil {
		return nil, err
	}
	return &rpc.ListWorkflowsResponse{Workflows: wfs}, nil
}

func (m *Manager) ListNodes(ctx context.Context, req *rpc.Empty) (*rpc.ListNodesResponse, error) {
	nodes, err := m.listNodes()
	if err != nil {
		return nil, err
	}
	return &rpc.ListNodesResponse{Nodes: nodes}, nil
}

func (m *Manager) JoinCluster(ctx context.Context, req *rpc.JoinClusterRequest) (*rpc.JoinClusterResponse, error) {
	result, err := m.membership.HandleJoin(req.Node, req.Token)
	if err != nil {
		return nil, err
	}
	return &rpc.JoinClusterResponse{Status: result.Status, RequestID: result.ID}, nil
}

func (m *Manager) ApproveNode(ctx context.Context, req *rpc.NodeRequest) (*rpc.Empty, error) {
	if err := m.membership.Approve(req.NodeID); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (m *Manager) RejectNode(ctx context.Context, req *rpc.NodeRequest) (*rpc.Empty, error) {
	if err := m.membership.Reject(req.NodeID); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (m *Manager) DrainNode(ctx context.Context, req *rpc.NodeRequest) (*rpc.Empty, error) {
	if err := m.membership.Drain(req.NodeID); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (m *Manager) RemoveNode(ctx context.Context, req *rpc.NodeRequest) (*rpc.Empty, error) {
	if err := m.membership.Remove(req.NodeID); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (m *Manager) PendingJoins(ctx context.Context, req *rpc.Empty) (*rpc.PendingJoinsResponse, error) {
	return &rpc.PendingJoinsResponse{Requests: m.membership.PendingRequests()}, nil
}

// GenerateJoinToken mints a join token. Tokens live on the leader; a
// follower cannot validate what it issued.
func (m *Manager) GenerateJoinToken(ctx context.Context, req *rpc.GenerateTokenRequest) (*rpc.GenerateTokenResponse, error) {
	if !m.raft.IsLeader() {
		addr, id := m.raft.LeaderWithID()
		return nil, &types.NotLeaderError{LeaderID: id, LeaderAddr: addr}
	}
	ttl := 24 * time.Hour
	if req.TTLMs > 0 {
		ttl = time.Duration(req.TTLMs) * time.Millisecond
	}
	token, err := m.membership.Tokens().GenerateToken(ttl)
	if err != nil {
		return nil, err
	}
	return &rpc.GenerateTokenResponse{Token: token.Token, ExpiresAt: token.ExpiresAt}, nil
}

func (m *Manager) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.Empty, error) {
	if err := m.membership.Heartbeat(req.NodeID, req.Resources); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (m *Manager) ClusterStatus(ctx context.Context, req *rpc.Empty) (*rpc.ClusterStatusResponse, error) {
	leaderID, leaderAddr, stats := m.Status()
	return &rpc.ClusterStatusResponse{
		LeaderID:   leaderID,
		LeaderAddr: leaderAddr,
		Stats:      stats,
	}, nil
}

func (m *Manager) TaskLogs(ctx context.Context, req *rpc.TaskLogsRequest) (*rpc.TaskLogsResponse, error) {
	lines := m.logs.Get(req.TaskID)
	resp := &rpc.TaskLogsResponse{Lines: make([]rpc.TaskLogLine, 0, len(lines))}
	for _, l := range lines {
		resp.Lines = append(resp.Lines, rpc.TaskLogLine{Stream: l.Stream, Data: l.Data})
	}
	return resp, nil
}

// RollingUpdate drives a rollout of a binary previously pushed to this
// leader's updater service
func (m *Manager) RollingUpdate(ctx context.Context, req *rpc.RollingUpdateRequest) (*rpc.RollingUpdateResponse, error) {
	path, ok := m.updaterSvc.StagedPath(req.Checksum)
	if !ok {
		return nil, fmt.Errorf("no staged binary with checksum %s: %w", req.Checksum, types.ErrNotFound)
	}

	m.broker.Emit(events.EventUpdateStarted, "rolling update started",
		map[string]string{"version": req.Version})
	report, err := m.rollout.Run(ctx, path, req.Version, req.DryRun)
	if !req.DryRun {
		m.broker.Emit(events.EventUpdateFinished, "rolling update finished",
			map[string]string{"version": req.Version})
	}
	if err != nil {
		return &rpc.RollingUpdateResponse{Report: report}, err
	}
	return &rpc.RollingUpdateResponse{Report: report}, nil
}

// StreamEvents forwards broker events matching the requested types until
// the client goes away
func (m *Manager) StreamEvents(req *rpc.StreamEventsRequest, stream rpc.Cluster_StreamEventsServer) error {
	want := make(map[events.EventType]bool, len(req.Types))
	for _, t := range req.Types {
		want[t] = true
	}

	sub := m.broker.Subscribe()
	defer m.broker.Unsubscribe(sub)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			if len(want) > 0 && !want[event.Type] {
				continue
			}
			if err := stream.Send(&rpc.EventMessage{Event: event}); err != nil {
				return err
			}
		}
	}
}
