package state

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/storage"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/dpaschal/meshd/pkg/workflow"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

// Machine is the task-engine state machine: a pure function from committed
// entry to local-state mutation plus optional actions for the leader.
//
// Apply is invoked by consensus one entry at a time in index order; that
// serialization is the apply bus. Handlers must be deterministic (all
// wall-clock values travel inside the entry payload) and idempotent under
// crash-replay: a transition that would move a settled task is rejected as
// a no-op.
type Machine struct {
	mu     sync.RWMutex
	store  storage.Store
	logger zerolog.Logger

	subMu sync.RWMutex
	subs  []func(types.Entry, *ApplyResult)
}

// NewMachine creates a state machine over the given store
func NewMachine(store storage.Store) *Machine {
	return &Machine{
		store:  store,
		logger: log.WithComponent("state"),
	}
}

// Store exposes read access to the underlying replicated state
func (m *Machine) Store() storage.Store {
	return m.store
}

// OnCommit registers fn to run after every applied entry, in apply order.
// Subscribers must not block; they receive the entry and its result.
func (m *Machine) OnCommit(fn func(types.Entry, *ApplyResult)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, fn)
}

// Apply applies a committed consensus log entry. Returned *ApplyResult
// rides the proposal future back to the leader's driver.
func (m *Machine) Apply(l *raft.Log) interface{} {
	var entry types.Entry
	if err := json.Unmarshal(l.Data, &entry); err != nil {
		// a malformed entry is a nondeterminism bug, fatal per policy
		return &ApplyResult{Err: fmt.Errorf("unmarshal entry at index %d: %w", l.Index, err)}
	}
	entry.Index = l.Index
	entry.Term = l.Term

	m.mu.Lock()
	result := m.apply(entry)
	m.mu.Unlock()

	if result.Err != nil {
		m.logger.Error().Uint64("index", entry.Index).Str("kind", string(entry.Kind)).
			Err(result.Err).Msg("apply failed")
	}

	m.subMu.RLock()
	subs := m.subs
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(entry, result)
	}

	return result
}

func (m *Machine) apply(entry types.Entry) *ApplyResult {
	switch entry.Kind {
	case types.EntryNodeJoin:
		return m.applyNodeJoin(entry)
	case types.EntryNodeApprove:
		return m.applyNodeApprove(entry)
	case types.EntryNodeDrain:
		return m.applyNodeDrain(entry)
	case types.EntryNodeOffline:
		return m.applyNodeOffline(entry)
	case types.EntryNodeRemove:
		return m.applyNodeRemove(entry)
	case types.EntryNodeUpdateResources:
		return m.applyNodeUpdateResources(entry)
	case types.EntryTaskSubmit:
		return m.applyTaskSubmit(entry)
	case types.EntryTaskAssign:
		return m.applyTaskAssign(entry)
	case types.EntryTaskStarted:
		return m.applyTaskStarted(entry)
	case types.EntryTaskComplete:
		return m.applyTaskComplete(entry)
	case types.EntryTaskFailed:
		return m.applyTaskFailed(entry)
	case types.EntryTaskCancel:
		return m.applyTaskCancel(entry)
	case types.EntryTaskRetry:
		return m.applyTaskRetry(entry)
	case types.EntryTaskDeadLetter:
		return m.applyTaskDeadLetter(entry)
	case types.EntryWorkflowSubmit:
		return m.applyWorkflowSubmit(entry)
	case types.EntryWorkflowAdvance:
		return m.applyWorkflowAdvance(entry)
	default:
		// forward compatibility: unknown kinds are no-ops
		m.logger.Warn().Str("kind", string(entry.Kind)).Uint64("index", entry.Index).
			Msg("unknown entry kind, applying as no-op")
		return &ApplyResult{}
	}
}

// Membership handlers

func (m *Machine) applyNodeJoin(entry types.Entry) *ApplyResult {
	var p types.NodeJoinPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	if existing, err := m.store.GetNode(p.Node.ID); err == nil {
		// re-join of a known node refreshes addresses only
		existing.Address = p.Node.Address
		existing.Port = p.Node.Port
		existing.RaftAddr = p.Node.RaftAddr
		existing.Hostname = p.Node.Hostname
		return &ApplyResult{Err: m.store.PutNode(existing)}
	}

	node := p.Node
	node.Status = types.NodeStatusPendingApproval
	node.LastSeen = entry.AppendedAt
	return &ApplyResult{Err: m.store.PutNode(&node)}
}

func (m *Machine) applyNodeApprove(entry types.Entry) *ApplyResult {
	var p types.NodeApprovePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	node, err := m.store.GetNode(p.NodeID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	if node.Status == types.NodeStatusActive {
		// double-approve is a no-op
		return &ApplyResult{}
	}

	node.Status = types.NodeStatusActive
	node.JoinedAt = p.ApprovedAt
	node.LastSeen = p.ApprovedAt
	return &ApplyResult{Err: m.store.PutNode(node)}
}

func (m *Machine) applyNodeDrain(entry types.Entry) *ApplyResult {
	var p types.NodeDrainPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	node, err := m.store.GetNode(p.NodeID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	if node.Status != types.NodeStatusActive {
		return &ApplyResult{}
	}
	node.Status = types.NodeStatusDraining
	return &ApplyResult{Err: m.store.PutNode(node)}
}

// applyNodeOffline marks the node offline and returns a retry or
// dead-letter action for every task stranded on it. Node loss counts as
// one attempt against the task.
func (m *Machine) applyNodeOffline(entry types.Entry) *ApplyResult {
	var p types.NodeOfflinePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	node, err := m.store.GetNode(p.NodeID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	if node.Status == types.NodeStatusOffline {
		return &ApplyResult{}
	}
	node.Status = types.NodeStatusOffline
	if err := m.store.PutNode(node); err != nil {
		return &ApplyResult{Err: err}
	}

	stranded, err := m.store.ListTasksByNode(p.NodeID)
	if err != nil {
		return &ApplyResult{Err: err}
	}

	var actions []Action
	for _, t := range stranded {
		if t.State != types.TaskStateAssigned && t.State != types.TaskStateRunning {
			continue
		}
		actions = append(actions, retryDecision(t, fmt.Sprintf("node %s went offline", p.NodeID)))
	}
	return &ApplyResult{Actions: actions}
}

func (m *Machine) applyNodeRemove(entry types.Entry) *ApplyResult {
	var p types.NodeRemovePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}
	return &ApplyResult{Err: m.store.DeleteNode(p.NodeID)}
}

func (m *Machine) applyNodeUpdateResources(entry types.Entry) *ApplyResult {
	var p types.NodeUpdateResourcesPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	node, err := m.store.GetNode(p.NodeID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	if p.Resources != nil {
		node.Resources = p.Resources
	}
	node.LastSeen = p.LastSeen
	cameBack := ""
	if node.Status == types.NodeStatusOffline {
		// the node came back
		node.Status = types.NodeStatusActive
		cameBack = node.ID
	}
	return &ApplyResult{Err: m.store.PutNode(node), NodeOnline: cameBack}
}

// Task handlers

func (m *Machine) applyTaskSubmit(entry types.Entry) *ApplyResult {
	var p types.TaskSubmitPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	if _, err := m.store.GetTask(p.Task.ID); err == nil {
		// duplicate submit on replay
		return &ApplyResult{}
	}

	task := p.Task
	if task.WorkflowID == "" {
		task.State = types.TaskStateQueued
	} else {
		task.State = types.TaskStatePending
	}
	task.CreatedAt = entry.AppendedAt
	if err := m.store.PutTask(&task); err != nil {
		return &ApplyResult{Err: err}
	}
	return &ApplyResult{Err: m.event(entry, task.ID, types.TaskEventSubmitted, "", "")}
}

func (m *Machine) applyTaskAssign(entry types.Entry) *ApplyResult {
	var p types.TaskAssignPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	task, err := m.store.GetTask(p.TaskID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	if task.State != types.TaskStateQueued {
		return &ApplyResult{}
	}

	task.State = types.TaskStateAssigned
	task.AssignedNode = p.NodeID
	task.AssignedAt = p.AssignedAt
	if err := m.store.PutTask(task); err != nil {
		return &ApplyResult{Err: err}
	}
	if err := m.event(entry, task.ID, types.TaskEventAssigned, p.NodeID, ""); err != nil {
		return &ApplyResult{Err: err}
	}
	return &ApplyResult{Actions: []Action{{
		Kind:   ActionDispatch,
		TaskID: task.ID,
		NodeID: p.NodeID,
	}}}
}

func (m *Machine) applyTaskStarted(entry types.Entry) *ApplyResult {
	var p types.TaskStartedPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	task, err := m.store.GetTask(p.TaskID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	if task.State != types.TaskStateAssigned {
		return &ApplyResult{}
	}

	task.State = types.TaskStateRunning
	task.StartedAt = p.StartedAt
	if err := m.store.PutTask(task); err != nil {
		return &ApplyResult{Err: err}
	}
	return &ApplyResult{Err: m.event(entry, task.ID, types.TaskEventStarted, p.NodeID, "")}
}

func (m *Machine) applyTaskComplete(entry types.Entry) *ApplyResult {
	var p types.TaskCompletePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	task, err := m.store.GetTask(p.TaskID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	if task.State != types.TaskStateRunning {
		return &ApplyResult{}
	}

	node := task.AssignedNode
	task.State = types.TaskStateCompleted
	task.Result = p.Result
	task.CompletedAt = p.CompletedAt
	task.AssignedNode = ""
	if err := m.store.PutTask(task); err != nil {
		return &ApplyResult{Err: err}
	}
	if err := m.event(entry, task.ID, types.TaskEventCompleted, node, ""); err != nil {
		return &ApplyResult{Err: err}
	}
	return &ApplyResult{Actions: m.advanceAction(task)}
}

func (m *Machine) applyTaskFailed(entry types.Entry) *ApplyResult {
	var p types.TaskFailedPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	task, err := m.store.GetTask(p.TaskID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	if task.State != types.TaskStateRunning && task.State != types.TaskStateAssigned {
		return &ApplyResult{}
	}

	node := task.AssignedNode
	task.State = types.TaskStateFailed
	task.Error = p.Error
	task.Result = p.Result
	task.AssignedNode = ""
	if err := m.store.PutTask(task); err != nil {
		return &ApplyResult{Err: err}
	}
	if err := m.event(entry, task.ID, types.TaskEventFailed, node, p.Error); err != nil {
		return &ApplyResult{Err: err}
	}
	return &ApplyResult{Actions: []Action{retryDecision(task, p.Error)}}
}

func (m *Machine) applyTaskCancel(entry types.Entry) *ApplyResult {
	var p types.TaskCancelPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	task, err := m.store.GetTask(p.TaskID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	switch task.State {
	case types.TaskStateQueued, types.TaskStateAssigned, types.TaskStateRunning:
	default:
		// cancelling a settled task is a no-op
		return &ApplyResult{}
	}

	var actions []Action
	if task.AssignedNode != "" {
		actions = append(actions, Action{
			Kind:   ActionCancelRunning,
			TaskID: task.ID,
			NodeID: task.AssignedNode,
		})
	}

	node := task.AssignedNode
	task.State = types.TaskStateCancelled
	task.AssignedNode = ""
	task.CompletedAt = p.CancelledAt
	if err := m.store.PutTask(task); err != nil {
		return &ApplyResult{Err: err}
	}
	if err := m.event(entry, task.ID, types.TaskEventCancelled, node, p.Reason); err != nil {
		return &ApplyResult{Err: err}
	}
	actions = append(actions, m.advanceAction(task)...)
	return &ApplyResult{Actions: actions}
}

func (m *Machine) applyTaskRetry(entry types.Entry) *ApplyResult {
	var p types.TaskRetryPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	task, err := m.store.GetTask(p.TaskID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	switch task.State {
	case types.TaskStateFailed, types.TaskStateAssigned, types.TaskStateRunning:
		// failed after an executor report, assigned/running after node loss
	default:
		return &ApplyResult{}
	}
	if p.Attempt <= task.Attempt {
		// stale retry on replay; attempts are monotonic
		return &ApplyResult{}
	}

	task.State = types.TaskStateQueued
	task.Attempt = p.Attempt
	task.ScheduledAfter = p.ScheduledAfter
	task.AssignedNode = ""
	task.AssignedAt = time.Time{}
	task.StartedAt = time.Time{}
	task.Error = ""
	task.Result = nil
	if err := m.store.PutTask(task); err != nil {
		return &ApplyResult{Err: err}
	}
	return &ApplyResult{Err: m.event(entry, task.ID, types.TaskEventRetried, "", p.Reason)}
}

func (m *Machine) applyTaskDeadLetter(entry types.Entry) *ApplyResult {
	var p types.TaskDeadLetterPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	task, err := m.store.GetTask(p.TaskID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	switch task.State {
	case types.TaskStateFailed, types.TaskStateAssigned, types.TaskStateRunning:
	default:
		return &ApplyResult{}
	}

	node := task.AssignedNode
	task.State = types.TaskStateDeadLetter
	task.Error = p.Reason
	task.DeadLetteredAt = p.DeadLetteredAt
	task.AssignedNode = ""
	if err := m.store.PutTask(task); err != nil {
		return &ApplyResult{Err: err}
	}
	if err := m.event(entry, task.ID, types.TaskEventDeadLettered, node, p.Reason); err != nil {
		return &ApplyResult{Err: err}
	}
	return &ApplyResult{Actions: m.advanceAction(task)}
}

// Workflow handlers

func (m *Machine) applyWorkflowSubmit(entry types.Entry) *ApplyResult {
	var p types.WorkflowSubmitPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}

	if _, err := m.store.GetWorkflow(p.Workflow.ID); err == nil {
		return &ApplyResult{}
	}

	wf := p.Workflow
	wf.CreatedAt = entry.AppendedAt

	if err := workflow.Validate(&wf); err != nil {
		m.logger.Warn().Str("workflow", wf.Name).Err(err).Msg("workflow rejected at apply")
		wf.State = types.WorkflowStateFailed
		wf.CompletedAt = entry.AppendedAt
		return &ApplyResult{Err: m.store.PutWorkflow(&wf)}
	}

	if len(wf.Tasks) == 0 {
		// empty workflow commits as immediately completed
		wf.State = types.WorkflowStateCompleted
		wf.CompletedAt = entry.AppendedAt
		return &ApplyResult{Err: m.store.PutWorkflow(&wf)}
	}

	wf.State = types.WorkflowStateRunning
	if err := m.store.PutWorkflow(&wf); err != nil {
		return &ApplyResult{Err: err}
	}

	for _, def := range wf.Tasks {
		retry := types.DefaultRetryPolicy()
		if def.Retry != nil {
			retry = *def.Retry
		}
		task := &types.Task{
			ID:          workflowTaskID(wf.ID, def.Key),
			WorkflowID:  wf.ID,
			Key:         def.Key,
			Type:        def.Type,
			State:       types.TaskStatePending,
			Priority:    def.Priority,
			Spec:        def.Spec,
			Constraints: def.Constraints,
			Retry:       &retry,
			CreatedAt:   entry.AppendedAt,
		}
		if err := m.store.PutTask(task); err != nil {
			return &ApplyResult{Err: err}
		}
		if err := m.event(entry, task.ID, types.TaskEventSubmitted, "", ""); err != nil {
			return &ApplyResult{Err: err}
		}
		for _, dep := range def.DependsOn {
			edge := &types.Dependency{
				WorkflowID:   wf.ID,
				TaskKey:      def.Key,
				DependsOnKey: dep,
				Condition:    def.Condition,
			}
			if err := m.store.PutDependency(edge); err != nil {
				return &ApplyResult{Err: err}
			}
		}
	}

	// queue the roots in the same apply step
	return m.advance(entry, wf.ID)
}

func (m *Machine) applyWorkflowAdvance(entry types.Entry) *ApplyResult {
	var p types.WorkflowAdvancePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return &ApplyResult{Err: err}
	}
	return m.advance(entry, p.WorkflowID)
}

// advance runs one deterministic DAG evaluation and applies its outcome
func (m *Machine) advance(entry types.Entry, workflowID string) *ApplyResult {
	wf, err := m.store.GetWorkflow(workflowID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	if wf.State != types.WorkflowStateRunning {
		return &ApplyResult{}
	}

	tasks, err := m.store.ListTasksByWorkflow(workflowID)
	if err != nil {
		return &ApplyResult{Err: err}
	}
	deps, err := m.store.ListDependencies(workflowID)
	if err != nil {
		return &ApplyResult{Err: err}
	}

	ev := workflow.Evaluate(wf, tasks, deps)

	byKey := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		byKey[t.Key] = t
	}
	for _, key := range ev.ReadyKeys {
		t := byKey[key]
		t.State = types.TaskStateQueued
		if err := m.store.PutTask(t); err != nil {
			return &ApplyResult{Err: err}
		}
	}
	for _, key := range ev.SkippedKeys {
		t := byKey[key]
		t.State = types.TaskStateSkipped
		t.CompletedAt = entry.AppendedAt
		if err := m.store.PutTask(t); err != nil {
			return &ApplyResult{Err: err}
		}
		if err := m.event(entry, t.ID, types.TaskEventSkipped, "", "upstream condition unsatisfied"); err != nil {
			return &ApplyResult{Err: err}
		}
	}

	if ev.Complete {
		wf.State = ev.State
		wf.CompletedAt = entry.AppendedAt
		if err := m.store.PutWorkflow(wf); err != nil {
			return &ApplyResult{Err: err}
		}
	}

	if ev.NeedsAdvance {
		return &ApplyResult{Actions: []Action{{
			Kind:       ActionWorkflowAdvance,
			WorkflowID: workflowID,
		}}}
	}
	return &ApplyResult{}
}

// advanceAction returns a workflow_advance action when the task belongs to
// a workflow
func (m *Machine) advanceAction(task *types.Task) []Action {
	if task.WorkflowID == "" {
		return nil
	}
	return []Action{{
		Kind:       ActionWorkflowAdvance,
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
	}}
}

// event appends a task history record in the same apply step as the
// transition it describes
func (m *Machine) event(entry types.Entry, taskID string, kind types.TaskEventKind, nodeID, detail string) error {
	return m.store.AppendTaskEvent(&types.TaskEvent{
		TaskID:    taskID,
		Seq:       entry.Index,
		Kind:      kind,
		NodeID:    nodeID,
		Detail:    detail,
		CreatedAt: entry.AppendedAt,
	})
}

// retryDecision picks retry or dead-letter for a failed or stranded task.
// Backoff uses the attempt index at the moment of failure:
// attempt 0 fails into 1 x backoff, attempt 1 into multiplier x backoff.
func retryDecision(t *types.Task, reason string) Action {
	policy := t.Retry
	if policy == nil {
		// tasks persisted before submit filled a policy
		p := types.DefaultRetryPolicy()
		policy = &p
	}
	if policy.Retryable && t.Attempt < policy.MaxRetries {
		backoff := time.Duration(float64(policy.BackoffMs)*
			math.Pow(policy.BackoffMultiplier, float64(t.Attempt))) * time.Millisecond
		return Action{
			Kind:    ActionRetry,
			TaskID:  t.ID,
			Attempt: t.Attempt + 1,
			Backoff: backoff,
			Reason:  reason,
		}
	}

	why := fmt.Sprintf("not retryable: %s", reason)
	if policy.Retryable {
		why = fmt.Sprintf("Max retries (%d) exceeded: %s", policy.MaxRetries, reason)
	}
	return Action{
		Kind:   ActionDeadLetter,
		TaskID: t.ID,
		Reason: why,
	}
}

// RetryDecision exposes the retry/dead-letter choice so a new leader can
// re-emit decisions for failed tasks whose entry died with the old leader
func RetryDecision(t *types.Task, reason string) Action {
	return retryDecision(t, reason)
}

// workflowTaskID derives a stable member-task id so replayed submits are
// idempotent
func workflowTaskID(workflowID, key string) string {
	return workflowID + ":" + key
}

// Snapshot captures all replicated state for log compaction
func (m *Machine) Snapshot() (raft.FSMSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes, err := m.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	tasks, err := m.store.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	workflows, err := m.store.ListWorkflows()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	deps, err := m.store.ListAllDependencies()
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	events, err := m.store.ListAllTaskEvents()
	if err != nil {
		return nil, fmt.Errorf("failed to list task events: %w", err)
	}

	return &Snapshot{
		Nodes:        nodes,
		Tasks:        tasks,
		Workflows:    workflows,
		Dependencies: deps,
		TaskEvents:   events,
	}, nil
}

// Restore rebuilds the store from a snapshot
func (m *Machine) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Reset(); err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}
	for _, node := range snap.Nodes {
		if err := m.store.PutNode(node); err != nil {
			return fmt.Errorf("failed to restore node: %w", err)
		}
	}
	for _, task := range snap.Tasks {
		if err := m.store.PutTask(task); err != nil {
			return fmt.Errorf("failed to restore task: %w", err)
		}
	}
	for _, wf := range snap.Workflows {
		if err := m.store.PutWorkflow(wf); err != nil {
			return fmt.Errorf("failed to restore workflow: %w", err)
		}
	}
	for _, dep := range snap.Dependencies {
		if err := m.store.PutDependency(dep); err != nil {
			return fmt.Errorf("failed to restore dependency: %w", err)
		}
	}
	for _, event := range snap.TaskEvents {
		if err := m.store.AppendTaskEvent(event); err != nil {
			return fmt.Errorf("failed to restore task event: %w", err)
		}
	}
	return nil
}

// Snapshot is a point-in-time dump of replicated state
type Snapshot struct {
	Nodes        []*types.Node
	Tasks        []*types.Task
	Workflows    []*types.Workflow
	Dependencies []*types.Dependency
	TaskEvents   []*types.TaskEvent
}

// Persist writes the snapshot to the given sink
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *Snapshot) Release() {}
