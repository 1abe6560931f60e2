package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/dpaschal/meshd/pkg/config"
	"github.com/dpaschal/meshd/pkg/events"
	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/state"
	"github.com/dpaschal/meshd/pkg/storage"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Cluster is the slice of the consensus layer membership needs
type Cluster interface {
	Propose(kind types.EntryKind, payload any) (*state.ApplyResult, error)
	IsLeader() bool
	LeaderWithID() (addr, id string)
	AddVoter(nodeID, address string) error
	RemoveServer(nodeID string) error
}

// Manager owns the node lifecycle: join requests, operator approval,
// heartbeat liveness and ephemeral cleanup. All decisions become log
// entries; the manager never writes the store directly.
type Manager struct {
	cfg     *config.Config
	store   storage.Store
	cluster Cluster
	broker  *events.Broker
	tokens  *TokenManager
	logger  zerolog.Logger

	pending *pendingTable
}

// NewManager creates a membership manager
func NewManager(cfg *config.Config, store storage.Store, cluster Cluster, broker *events.Broker) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		cluster: cluster,
		broker:  broker,
		tokens:  NewTokenManager(),
		logger:  log.WithComponent("membership"),
		pending: newPendingTable(),
	}
}

// Tokens exposes the join token manager
func (m *Manager) Tokens() *TokenManager {
	return m.tokens
}

// notLeader builds the redirect error for leader-only operations
func (m *Manager) notLeader() error {
	addr, id := m.cluster.LeaderWithID()
	return &types.NotLeaderError{LeaderID: id, LeaderAddr: addr}
}

// HandleJoin processes a join request on the leader. The node enters the
// directory as pending_approval; nodes matching the auto-approve rules are
// activated in the same call.
func (m *Manager) HandleJoin(node types.Node, token string) (*types.JoinRequest, error) {
	if !m.cluster.IsLeader() {
		return nil, m.notLeader()
	}
	if token != "" {
		if err := m.tokens.ValidateToken(token); err != nil {
			return nil, fmt.Errorf("join rejected: %w", err)
		}
	}

	if _, err := m.cluster.Propose(types.EntryNodeJoin, types.NodeJoinPayload{Node: node}); err != nil {
		return nil, err
	}
	m.broker.Emit(events.EventNodeJoined, fmt.Sprintf("node %s requested to join", node.ID),
		map[string]string{"node_id": node.ID, "hostname": node.Hostname})

	req := &types.JoinRequest{
		ID:          uuid.New().String(),
		Node:        node,
		Ephemeral:   node.IsEphemeral(),
		RequestedAt: time.Now().UTC(),
		Status:      types.ApprovalPending,
	}

	if token != "" || m.cfg.AutoApproves(node.Tags) {
		if err := m.approve(node.ID, node.RaftAddr); err != nil {
			return nil, err
		}
		req.Status = types.ApprovalApproved
		return req, nil
	}

	m.pending.add(req)
	m.broker.Emit(events.EventApprovalRequired,
		fmt.Sprintf("node %s (%s) awaits approval", node.ID, node.Hostname),
		map[string]string{"node_id": node.ID, "request_id": req.ID})
	m.logger.Info().Str("node_id", node.ID).Str("request_id", req.ID).
		Msg("join request pending operator approval")
	return req, nil
}

// Approve activates a pending node and adds it as a consensus voter
func (m *Manager) Approve(nodeID string) error {
	if !m.cluster.IsLeader() {
		return m.notLeader()
	}

	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	if err := m.approve(nodeID, node.RaftAddr); err != nil {
		return err
	}
	m.pending.resolve(nodeID, types.ApprovalApproved)
	return nil
}

// approve activates the node and registers its consensus transport in the
// voter set; raftAddr is the bind address the other voters will dial.
func (m *Manager) approve(nodeID, raftAddr string) error {
	_, err := m.cluster.Propose(types.EntryNodeApprove, types.NodeApprovePayload{
		NodeID:     nodeID,
		ApprovedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := m.cluster.AddVoter(nodeID, raftAddr); err != nil {
		return err
	}
	m.broker.Emit(events.EventNodeApproved, fmt.Sprintf("node %s approved", nodeID),
		map[string]string{"node_id": nodeID})
	m.logger.Info().Str("node_id", nodeID).Msg("node approved and added as voter")
	return nil
}

// Reject refuses a pending join and removes the node from the directory
func (m *Manager) Reject(nodeID string) error {
	if !m.cluster.IsLeader() {
		return m.notLeader()
	}

	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status != types.NodeStatusPendingApproval {
		return fmt.Errorf("node %s is %s, not pending approval: %w", nodeID, node.Status, types.ErrConflict)
	}

	if _, err := m.cluster.Propose(types.EntryNodeRemove, types.NodeRemovePayload{NodeID: nodeID}); err != nil {
		return err
	}
	m.pending.resolve(nodeID, types.ApprovalRejected)
	m.logger.Info().Str("node_id", nodeID).Msg("join request rejected")
	return nil
}

// PendingRequests lists unresolved join requests on this leader
func (m *Manager) PendingRequests() []*types.JoinRequest {
	return m.pending.list()
}

// Drain stops new placements on a node; running tasks finish
func (m *Manager) Drain(nodeID string) error {
	if !m.cluster.IsLeader() {
		return m.notLeader()
	}
	if _, err := m.cluster.Propose(types.EntryNodeDrain, types.NodeDrainPayload{NodeID: nodeID}); err != nil {
		return err
	}
	m.broker.Emit(events.EventNodeDraining, fmt.Sprintf("node %s draining", nodeID),
		map[string]string{"node_id": nodeID})
	return nil
}

// Remove deletes a node from the directory and the voter set
func (m *Manager) Remove(nodeID string) error {
	if !m.cluster.IsLeader() {
		return m.notLeader()
	}
	if _, err := m.cluster.Propose(types.EntryNodeRemove, types.NodeRemovePayload{NodeID: nodeID}); err != nil {
		return err
	}
	if err := m.cluster.RemoveServer(nodeID); err != nil {
		m.logger.Warn().Str("node_id", nodeID).Err(err).Msg("failed to remove voter")
	}
	m.broker.Emit(events.EventNodeRemoved, fmt.Sprintf("node %s removed", nodeID),
		map[string]string{"node_id": nodeID})
	return nil
}

// Heartbeat refreshes a node's resource snapshot and liveness. The leader
// stamps last-seen so the apply is identical on every replica.
func (m *Manager) Heartbeat(nodeID string, resources *types.ResourceSnapshot) error {
	if !m.cluster.IsLeader() {
		return m.notLeader()
	}
	_, err := m.cluster.Propose(types.EntryNodeUpdateResources, types.NodeUpdateResourcesPayload{
		NodeID:    nodeID,
		Resources: resources,
		LastSeen:  time.Now().UTC(),
	})
	return err
}

// Run drives the liveness monitor until ctx is cancelled. Only the leader
// acts; followers tick idle so the loop survives leadership changes.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.cluster.IsLeader() {
				continue
			}
			m.sweep(time.Now().UTC())
		}
	}
}

// sweep marks silent nodes offline and removes long-offline ephemerals
func (m *Manager) sweep(now time.Time) {
	nodes, err := m.store.ListNodes()
	if err != nil {
		m.logger.Error().Err(err).Msg("liveness sweep failed to list nodes")
		return
	}

	for _, node := range nodes {
		switch node.Status {
		case types.NodeStatusActive, types.NodeStatusDraining:
			if now.Sub(node.LastSeen) <= m.cfg.HeartbeatTimeout() {
				continue
			}
			m.logger.Warn().Str("node_id", node.ID).Time("last_seen", node.LastSeen).
				Msg("node missed heartbeats, marking offline")
			if _, err := m.cluster.Propose(types.EntryNodeOffline, types.NodeOfflinePayload{NodeID: node.ID}); err != nil {
				m.logger.Error().Str("node_id", node.ID).Err(err).Msg("failed to propose node_offline")
				continue
			}
			m.broker.Emit(events.EventNodeOffline, fmt.Sprintf("node %s offline", node.ID),
				map[string]string{"node_id": node.ID})

		case types.NodeStatusOffline:
			if !node.IsEphemeral() || now.Sub(node.LastSeen) <= m.cfg.EphemeralCleanupTTL() {
				continue
			}
			m.logger.Info().Str("node_id", node.ID).Msg("removing long-offline ephemeral node")
			if err := m.Remove(node.ID); err != nil {
				m.logger.Error().Str("node_id", node.ID).Err(err).Msg("failed to remove ephemeral node")
			}
		}
	}
}
