package manager

import (
	"fmt"
	"time"

	"github.com/dpaschal/meshd/pkg/types"
	"github.com/dpaschal/meshd/pkg/workflow"
	"github.com/google/uuid"
)

// submitTask validates a task, fills defaults and proposes it. Returns
// the task id.
func (m *Manager) submitTask(task types.Task) (string, error) {
	task, err := normalizeTask(task, m.cfg.DefaultRetryPolicy())
	if err != nil {
		return "", err
	}
	if task.Constraints != nil {
		nodes, err := m.store.ListNodes()
		if err != nil {
			return "", err
		}
		if !placeable(task.Constraints, nodes) {
			return "", fmt.Errorf("no known node can satisfy the task constraints: %w", types.ErrNoEligibleNodes)
		}
	}

	if _, err := m.raft.Propose(types.EntryTaskSubmit, types.TaskSubmitPayload{Task: task}); err != nil {
		return "", err
	}
	return task.ID, nil
}

// normalizeTask fills the derived fields and the retry default. A retry
// policy the caller set explicitly, non-retryable included, is kept as
// submitted; only a nil policy takes the default.
func normalizeTask(task types.Task, defaultRetry types.RetryPolicy) (types.Task, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Type == "" {
		task.Type = task.Spec.Type
	}
	if task.Type == "" {
		return task, fmt.Errorf("task type is required: %w", types.ErrInvalidRequest)
	}
	if task.Spec.Type == "" {
		task.Spec.Type = task.Type
	}
	if task.Retry == nil {
		task.Retry = &defaultRetry
	}
	if task.Type == types.TaskTypeShell && task.Spec.Shell == nil {
		return task, fmt.Errorf("shell task without shell spec: %w", types.ErrInvalidRequest)
	}
	return task, nil
}

// placeable checks constraints against total node capacity, not current
// availability: a busy node still counts, an impossible ask never will.
// Nodes without a resource snapshot count as capable.
func placeable(c *types.Constraints, nodes []*types.Node) bool {
	for _, n := range nodes {
		if len(c.AllowedNodes) > 0 && !contains(c.AllowedNodes, n.ID) {
			continue
		}
		r := n.Resources
		if r == nil {
			return true
		}
		if c.CPUCores > 0 && r.CPUCores < c.CPUCores {
			continue
		}
		if c.MemoryBytes > 0 && r.MemoryTotalBytes < c.MemoryBytes {
			continue
		}
		if c.GPU != "" && !hasGPUNamed(r, c.GPU) {
			continue
		}
		return true
	}
	return false
}

func hasGPUNamed(r *types.ResourceSnapshot, name string) bool {
	for _, g := range r.GPUs {
		if g.Name == name {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// cancelTask cancels a task in any non-terminal state
func (m *Manager) cancelTask(taskID, reason string) error {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		return fmt.Errorf("task %s already %s: %w", taskID, task.State, types.ErrConflict)
	}

	_, err = m.raft.Propose(types.EntryTaskCancel, types.TaskCancelPayload{
		TaskID:      taskID,
		Reason:      reason,
		CancelledAt: time.Now().UTC(),
	})
	return err
}

// getTask returns a task with its event history
func (m *Manager) getTask(taskID string) (*types.Task, []*types.TaskEvent, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, nil, err
	}
	history, err := m.store.ListTaskEvents(taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, history, nil
}

// listTasks filters tasks by the non-empty criteria
func (m *Manager) listTasks(state types.TaskState, nodeID, workflowID string) ([]*types.Task, error) {
	switch {
	case workflowID != "":
		return m.store.ListTasksByWorkflow(workflowID)
	case nodeID != "":
		return m.store.ListTasksByNode(nodeID)
	case state != "":
		return m.store.ListTasksByState(state)
	default:
		return m.store.ListTasks()
	}
}

// submitWorkflow validates a workflow definition and proposes it.
// Validation runs again at apply; this early pass exists only to give
// the caller a synchronous error.
func (m *Manager) submitWorkflow(wf types.Workflow) (string, error) {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Name == "" {
		wf.Name = wf.ID
	}
	for i := range wf.Tasks {
		if wf.Tasks[i].Type == "" {
			wf.Tasks[i].Type = wf.Tasks[i].Spec.Type
		}
		if wf.Tasks[i].Spec.Type == "" {
			wf.Tasks[i].Spec.Type = wf.Tasks[i].Type
		}
	}
	if err := workflow.Validate(&wf); err != nil {
		return "", fmt.Errorf("%v: %w", err, types.ErrInvalidRequest)
	}

	if _, err := m.raft.Propose(types.EntryWorkflowSubmit, types.WorkflowSubmitPayload{Workflow: wf}); err != nil {
		return "", err
	}
	return wf.ID, nil
}

// getWorkflow returns a workflow with its member tasks
func (m *Manager) getWorkflow(workflowID string) (*types.Workflow, []*types.Task, error) {
	wf, err := m.store.GetWorkflow(workflowID)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := m.store.ListTasksByWorkflow(workflowID)
	if err != nil {
		return nil, nil, err
	}
	return wf, tasks, nil
}

// listWorkflows returns every workflow
func (m *Manager) listWorkflows() ([]*types.Workflow, error) {
	return m.store.ListWorkflows()
}

// listNodes returns the node directory with the consensus role overlaid
func (m *Manager) listNodes() ([]*types.Node, error) {
	nodes, err := m.store.ListNodes()
	if err != nil {
		return nil, err
	}
	_, leaderID := m.raft.LeaderWithID()
	for _, n := range nodes {
		if n.ID == leaderID {
			n.Role = types.NodeRoleLeader
		} else {
			n.Role = types.NodeRoleFollower
		}
	}
	return nodes, nil
}

// Status reports consensus state for the status command
func (m *Manager) Status() (leaderID, leaderAddr string, stats map[string]string) {
	leaderAddr, leaderID = m.raft.LeaderWithID()
	return leaderID, leaderAddr, m.raft.Stats()
}
