package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/dpaschal/meshd/pkg/config"
	"github.com/dpaschal/meshd/pkg/consensus"
	"github.com/dpaschal/meshd/pkg/dispatch"
	"github.com/dpaschal/meshd/pkg/events"
	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/membership"
	"github.com/dpaschal/meshd/pkg/metrics"
	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/dpaschal/meshd/pkg/scheduler"
	"github.com/dpaschal/meshd/pkg/state"
	"github.com/dpaschal/meshd/pkg/storage"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/dpaschal/meshd/pkg/updater"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Manager assembles the daemon: consensus over the state machine, the
// scheduler and dispatcher on the leader, membership and the worker agent
// everywhere. It is also the front door the RPC layer calls into.
type Manager struct {
	cfg        *config.Config
	store      storage.Store
	machine    *state.Machine
	raft       *consensus.Raft
	broker     *events.Broker
	membership *membership.Manager
	sched      *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	agent      *dispatch.Agent
	executors  *dispatch.Registry
	logs       *dispatch.LogStore
	updaterSvc *updater.Service
	rollout    *updater.Rollout
	logger     zerolog.Logger

	actionCh chan state.Action
	cancel   context.CancelFunc
	loops    *errgroup.Group
}

// New wires the daemon's components together without starting anything
func New(cfg *config.Config, store storage.Store) *Manager {
	machine := state.NewMachine(store)
	raft := consensus.New(cfg, machine)
	broker := events.NewBroker()
	logs := dispatch.NewLogStore()
	executors := dispatch.NewRegistry()

	m := &Manager{
		cfg:        cfg,
		store:      store,
		machine:    machine,
		raft:       raft,
		broker:     broker,
		membership: membership.NewManager(cfg, store, raft, broker),
		sched:      scheduler.New(cfg, store, raft),
		dispatcher: dispatch.NewDispatcher(store, raft, logs),
		agent:      dispatch.NewAgent(cfg, executors),
		executors:  executors,
		logs:       logs,
		updaterSvc: updater.NewService(cfg.DataDir),
		logger:     log.WithComponent("manager"),
		actionCh:   make(chan state.Action, 256),
	}
	m.rollout = updater.NewRollout(cfg, store, raft)
	machine.OnCommit(m.onCommit)
	return m
}

// Accessors for the RPC assembly in cmd

func (m *Manager) Agent() *dispatch.Agent              { return m.agent }
func (m *Manager) Executors() *dispatch.Registry       { return m.executors }
func (m *Manager) Broker() *events.Broker              { return m.broker }
func (m *Manager) Membership() *membership.Manager     { return m.membership }
func (m *Manager) Store() storage.Store                { return m.store }
func (m *Manager) Raft() *consensus.Raft               { return m.raft }
func (m *Manager) Updater() *updater.Service           { return m.updaterSvc }

// Bootstrap starts this node as a fresh single-node cluster
func (m *Manager) Bootstrap(ctx context.Context) error {
	if err := m.raft.Bootstrap(m.cfg); err != nil {
		return err
	}
	if err := m.waitLeadership(ctx, 10*time.Second); err != nil {
		return err
	}

	// the bootstrap node registers and approves itself
	node := m.selfNode()
	if _, err := m.raft.Propose(types.EntryNodeJoin, types.NodeJoinPayload{Node: node}); err != nil {
		return err
	}
	if _, err := m.raft.Propose(types.EntryNodeApprove, types.NodeApprovePayload{
		NodeID:     node.ID,
		ApprovedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	m.start(ctx)
	return nil
}

// Join starts this node and asks the cluster at joinAddr for membership.
// Blocks until the node is approved or the join timeout passes.
func (m *Manager) Join(ctx context.Context, joinAddr, token string) error {
	if err := m.raft.Start(m.cfg); err != nil {
		return err
	}

	conn, err := rpc.Dial(joinAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	client := rpc.NewClusterClient(conn)

	jctx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout())
	defer cancel()

	resp, err := client.JoinCluster(jctx, &rpc.JoinClusterRequest{
		Node:  m.selfNode(),
		Token: token,
	})
	if err != nil {
		return fmt.Errorf("join request failed: %w", err)
	}

	if resp.Status != types.ApprovalApproved {
		m.logger.Info().Str("request_id", resp.RequestID).
			Msg("join pending operator approval")
		if err := m.waitApproved(jctx, client); err != nil {
			return err
		}
	}

	m.logger.Info().Str("cluster", joinAddr).Msg("joined cluster")
	m.start(ctx)
	return nil
}

// waitApproved polls the cluster until this node shows active
func (m *Manager) waitApproved(ctx context.Context, client *rpc.ClusterClient) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("join not approved before timeout: %w", types.ErrTimeout)
		case <-ticker.C:
			nodes, err := client.ListNodes(ctx)
			if err != nil {
				continue
			}
			for _, n := range nodes.Nodes {
				if n.ID == m.cfg.NodeID && n.Status == types.NodeStatusActive {
					return nil
				}
			}
		}
	}
}

func (m *Manager) waitLeadership(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !m.raft.IsLeader() {
		if time.Now().After(deadline) {
			return fmt.Errorf("leadership not attained: %w", types.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// start launches the background loops
func (m *Manager) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	m.broker.Start()

	var gctx context.Context
	m.loops, gctx = errgroup.WithContext(ctx)
	for _, loop := range []func(context.Context){
		m.sched.Run,
		m.membership.Run,
		m.driver,
		m.watchLeadership,
		m.heartbeatLoop,
		m.refreshMetrics,
	} {
		loop := loop
		m.loops.Go(func() error {
			loop(gctx)
			return nil
		})
	}
}

// Stop shuts the daemon down. Blocks until the background loops exit.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.loops != nil {
		_ = m.loops.Wait()
	}
	m.dispatcher.Close()
	m.broker.Stop()
	if err := m.raft.Shutdown(); err != nil {
		return err
	}
	return m.store.Close()
}

func (m *Manager) selfNode() types.Node {
	hostname := m.cfg.Hostname
	return types.Node{
		ID:       m.cfg.NodeID,
		Hostname: hostname,
		Address:  apiHost(m.cfg.APIAddr),
		Port:     apiPort(m.cfg.APIAddr),
		RaftAddr: m.cfg.BindAddr,
		Role:     types.NodeRoleWorker,
		Tags:     m.cfg.Tags,
	}
}

// onCommit runs after every applied entry: it feeds the metrics, wakes
// the scheduler, publishes broker events and, on the leader, queues the
// entry's actions for the driver. It must never propose inline; the
// apply goroutine cannot wait on its own next entry.
func (m *Manager) onCommit(entry types.Entry, result *state.ApplyResult) {
	metrics.EntriesApplied.WithLabelValues(string(entry.Kind)).Inc()
	metrics.RaftAppliedIndex.Set(float64(entry.Index))

	m.publishFor(entry, result)

	switch entry.Kind {
	case types.EntryTaskSubmit, types.EntryTaskRetry, types.EntryTaskComplete,
		types.EntryNodeUpdateResources, types.EntryNodeApprove,
		types.EntryWorkflowSubmit, types.EntryWorkflowAdvance:
		m.sched.Wake()
	}

	if !m.raft.IsLeader() || result.Err != nil {
		return
	}
	for _, action := range result.Actions {
		select {
		case m.actionCh <- action:
		default:
			// the driver drains fast; a full queue means something is
			// badly wedged, and dropping is safer than blocking apply
			m.logger.Error().Str("kind", string(action.Kind)).Str("task_id", action.TaskID).
				Msg("action queue full, dropping action")
		}
	}
}

// driver interprets state machine actions on the leader
func (m *Manager) driver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case action := <-m.actionCh:
			m.runAction(action)
		}
	}
}

func (m *Manager) runAction(action state.Action) {
	if !m.raft.IsLeader() {
		return
	}

	var err error
	switch action.Kind {
	case state.ActionRetry:
		metrics.TasksRetried.Inc()
		_, err = m.raft.Propose(types.EntryTaskRetry, types.TaskRetryPayload{
			TaskID:         action.TaskID,
			Attempt:        action.Attempt,
			ScheduledAfter: time.Now().UTC().Add(action.Backoff),
			Reason:         action.Reason,
		})

	case state.ActionDeadLetter:
		metrics.TasksDeadLettered.Inc()
		_, err = m.raft.Propose(types.EntryTaskDeadLetter, types.TaskDeadLetterPayload{
			TaskID:         action.TaskID,
			Reason:         action.Reason,
			DeadLetteredAt: time.Now().UTC(),
		})

	case state.ActionDispatch:
		metrics.TasksScheduled.Inc()
		m.dispatcher.Dispatch(action.TaskID, action.NodeID)

	case state.ActionCancelRunning:
		m.dispatcher.Cancel(action.TaskID, action.NodeID)

	case state.ActionWorkflowAdvance:
		_, err = m.raft.Propose(types.EntryWorkflowAdvance, types.WorkflowAdvancePayload{
			WorkflowID: action.WorkflowID,
			At:         time.Now().UTC(),
		})
	}

	if err != nil && !types.IsNotLeader(err) {
		m.logger.Error().Str("kind", string(action.Kind)).Str("task_id", action.TaskID).
			Err(err).Msg("action failed")
	}
}

// watchLeadership reacts to leadership transitions
func (m *Manager) watchLeadership(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case isLeader, ok := <-m.raft.LeaderCh():
			if !ok {
				return
			}
			if isLeader {
				metrics.RaftLeader.Set(1)
				m.logger.Info().Msg("leadership acquired")
				m.broker.Emit(events.EventLeadershipChanged, "this node became leader",
					map[string]string{"node_id": m.cfg.NodeID})
				m.recover()
			} else {
				metrics.RaftLeader.Set(0)
				m.logger.Info().Msg("leadership lost")
			}
		}
	}
}

// recover re-drives in-flight work after taking leadership: failed tasks
// whose retry decision died with the old leader, workflows that may need
// advancing, and queued tasks for the scheduler.
func (m *Manager) recover() {
	failed, err := m.store.ListTasksByState(types.TaskStateFailed)
	if err != nil {
		m.logger.Error().Err(err).Msg("recovery failed to list failed tasks")
	}
	for _, t := range failed {
		action := state.RetryDecision(t, t.Error)
		select {
		case m.actionCh <- action:
		default:
		}
	}

	workflows, err := m.store.ListWorkflows()
	if err != nil {
		m.logger.Error().Err(err).Msg("recovery failed to list workflows")
	}
	for _, wf := range workflows {
		if wf.State != types.WorkflowStateRunning {
			continue
		}
		select {
		case m.actionCh <- state.Action{Kind: state.ActionWorkflowAdvance, WorkflowID: wf.ID}:
		default:
		}
	}

	m.sched.Wake()
}

// heartbeatLoop reports this node's resources to the leader
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snapshot := probeResources()
		if m.raft.IsLeader() {
			if err := m.membership.Heartbeat(m.cfg.NodeID, snapshot); err != nil {
				m.logger.Warn().Err(err).Msg("self heartbeat failed")
			}
			continue
		}

		if err := m.remoteHeartbeat(ctx, snapshot); err != nil {
			m.logger.Warn().Err(err).Msg("heartbeat to leader failed")
		}
	}
}

func (m *Manager) remoteHeartbeat(ctx context.Context, snapshot *types.ResourceSnapshot) error {
	_, leaderID := m.raft.LeaderWithID()
	if leaderID == "" {
		return types.ErrUnavailable
	}
	leader, err := m.store.GetNode(leaderID)
	if err != nil {
		return err
	}

	conn, err := rpc.Dial(fmt.Sprintf("%s:%d", leader.Address, leader.Port))
	if err != nil {
		return err
	}
	defer conn.Close()

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = rpc.NewClusterClient(conn).Heartbeat(hctx, &rpc.HeartbeatRequest{
		NodeID:    m.cfg.NodeID,
		Resources: snapshot,
	})
	return err
}

// refreshMetrics keeps the state gauges current
func (m *Manager) refreshMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if nodes, err := m.store.ListNodes(); err == nil {
			counts := make(map[types.NodeStatus]int)
			for _, n := range nodes {
				counts[n.Status]++
			}
			for _, s := range []types.NodeStatus{types.NodeStatusPendingApproval,
				types.NodeStatusActive, types.NodeStatusDraining, types.NodeStatusOffline} {
				metrics.NodesTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
			}
		}
		if tasks, err := m.store.ListTasks(); err == nil {
			counts := make(map[types.TaskState]int)
			for _, t := range tasks {
				counts[t.State]++
			}
			for _, s := range []types.TaskState{types.TaskStatePending, types.TaskStateQueued,
				types.TaskStateAssigned, types.TaskStateRunning, types.TaskStateCompleted,
				types.TaskStateFailed, types.TaskStateCancelled, types.TaskStateDeadLetter,
				types.TaskStateSkipped} {
				metrics.TasksTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
			}
		}
		if workflows, err := m.store.ListWorkflows(); err == nil {
			counts := make(map[types.WorkflowState]int)
			for _, wf := range workflows {
				counts[wf.State]++
			}
			for _, s := range []types.WorkflowState{types.WorkflowStateRunning,
				types.WorkflowStateCompleted, types.WorkflowStateFailed} {
				metrics.WorkflowsTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
			}
		}
	}
}
