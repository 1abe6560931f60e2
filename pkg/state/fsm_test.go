package state

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/storage"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// harness drives the machine the way consensus does: one encoded entry at
// a time, indexes monotonic
type harness struct {
	t       *testing.T
	machine *Machine
	store   storage.Store
	index   uint64
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &harness{
		t:       t,
		machine: NewMachine(store),
		store:   store,
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (h *harness) apply(kind types.EntryKind, payload any) *ApplyResult {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	data, err := json.Marshal(types.Entry{
		Kind:       kind,
		Payload:    raw,
		AppendedAt: h.now,
	})
	require.NoError(h.t, err)

	h.index++
	result, ok := h.machine.Apply(&raft.Log{Index: h.index, Term: 1, Data: data}).(*ApplyResult)
	require.True(h.t, ok, "Apply must return *ApplyResult")
	return result
}

func (h *harness) mustApply(kind types.EntryKind, payload any) *ApplyResult {
	h.t.Helper()
	result := h.apply(kind, payload)
	require.NoError(h.t, result.Err)
	return result
}

func (h *harness) task(id string) *types.Task {
	h.t.Helper()
	task, err := h.store.GetTask(id)
	require.NoError(h.t, err)
	return task
}

func (h *harness) submitShellTask(id string, retry types.RetryPolicy) {
	h.t.Helper()
	h.mustApply(types.EntryTaskSubmit, types.TaskSubmitPayload{Task: types.Task{
		ID:    id,
		Type:  types.TaskTypeShell,
		Spec:  types.TaskSpec{Type: types.TaskTypeShell, Shell: &types.ShellSpec{Command: "true"}},
		Retry: &retry,
	}})
}

func (h *harness) runTask(id, nodeID string) {
	h.t.Helper()
	h.mustApply(types.EntryTaskAssign, types.TaskAssignPayload{TaskID: id, NodeID: nodeID, AssignedAt: h.now})
	h.mustApply(types.EntryTaskStarted, types.TaskStartedPayload{TaskID: id, NodeID: nodeID, StartedAt: h.now})
}

// Node lifecycle

func TestNodeJoinApproveDrain(t *testing.T) {
	h := newHarness(t)

	h.mustApply(types.EntryNodeJoin, types.NodeJoinPayload{Node: types.Node{
		ID: "n1", Hostname: "alpha", Address: "10.0.0.1", Port: 8080,
	}})
	node, err := h.store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusPendingApproval, node.Status)

	approvedAt := h.now.Add(time.Minute)
	h.mustApply(types.EntryNodeApprove, types.NodeApprovePayload{NodeID: "n1", ApprovedAt: approvedAt})
	node, _ = h.store.GetNode("n1")
	assert.Equal(t, types.NodeStatusActive, node.Status)
	assert.Equal(t, approvedAt, node.JoinedAt)
	assert.Equal(t, approvedAt, node.LastSeen)

	// double approve replays as a no-op
	h.mustApply(types.EntryNodeApprove, types.NodeApprovePayload{NodeID: "n1", ApprovedAt: h.now.Add(time.Hour)})
	node, _ = h.store.GetNode("n1")
	assert.Equal(t, approvedAt, node.JoinedAt)

	h.mustApply(types.EntryNodeDrain, types.NodeDrainPayload{NodeID: "n1"})
	node, _ = h.store.GetNode("n1")
	assert.Equal(t, types.NodeStatusDraining, node.Status)

	// draining is not active, so drain again is a no-op and keeps state
	h.mustApply(types.EntryNodeDrain, types.NodeDrainPayload{NodeID: "n1"})
	node, _ = h.store.GetNode("n1")
	assert.Equal(t, types.NodeStatusDraining, node.Status)
}

func TestNodeRejoinRefreshesAddress(t *testing.T) {
	h := newHarness(t)

	h.mustApply(types.EntryNodeJoin, types.NodeJoinPayload{Node: types.Node{
		ID: "n1", Address: "10.0.0.1", Port: 8080, RaftAddr: "10.0.0.1:7946",
	}})
	h.mustApply(types.EntryNodeApprove, types.NodeApprovePayload{NodeID: "n1", ApprovedAt: h.now})

	h.mustApply(types.EntryNodeJoin, types.NodeJoinPayload{Node: types.Node{
		ID: "n1", Address: "10.0.0.9", Port: 9090, RaftAddr: "10.0.0.9:7946",
	}})
	node, _ := h.store.GetNode("n1")
	assert.Equal(t, "10.0.0.9", node.Address)
	assert.Equal(t, 9090, node.Port)
	assert.Equal(t, "10.0.0.9:7946", node.RaftAddr)
	// status survives the re-join
	assert.Equal(t, types.NodeStatusActive, node.Status)
}

func TestNodeOfflineStrandsTasks(t *testing.T) {
	h := newHarness(t)
	h.mustApply(types.EntryNodeJoin, types.NodeJoinPayload{Node: types.Node{ID: "n1"}})
	h.mustApply(types.EntryNodeApprove, types.NodeApprovePayload{NodeID: "n1", ApprovedAt: h.now})

	h.submitShellTask("t-running", types.DefaultRetryPolicy())
	h.runTask("t-running", "n1")
	h.submitShellTask("t-assigned", types.DefaultRetryPolicy())
	h.mustApply(types.EntryTaskAssign, types.TaskAssignPayload{TaskID: "t-assigned", NodeID: "n1", AssignedAt: h.now})

	result := h.mustApply(types.EntryNodeOffline, types.NodeOfflinePayload{NodeID: "n1"})

	node, _ := h.store.GetNode("n1")
	assert.Equal(t, types.NodeStatusOffline, node.Status)

	// both stranded tasks get a retry decision; node loss costs an attempt
	require.Len(t, result.Actions, 2)
	for _, action := range result.Actions {
		assert.Equal(t, ActionRetry, action.Kind)
		assert.Equal(t, 1, action.Attempt)
		assert.Contains(t, action.Reason, "node n1 went offline")
	}

	// replay of node_offline is a no-op with no duplicate actions
	result = h.mustApply(types.EntryNodeOffline, types.NodeOfflinePayload{NodeID: "n1"})
	assert.Empty(t, result.Actions)
}

func TestNodeResourcesReactivateOffline(t *testing.T) {
	h := newHarness(t)
	h.mustApply(types.EntryNodeJoin, types.NodeJoinPayload{Node: types.Node{ID: "n1"}})
	h.mustApply(types.EntryNodeApprove, types.NodeApprovePayload{NodeID: "n1", ApprovedAt: h.now})
	h.mustApply(types.EntryNodeOffline, types.NodeOfflinePayload{NodeID: "n1"})

	seen := h.now.Add(time.Minute)
	result := h.mustApply(types.EntryNodeUpdateResources, types.NodeUpdateResourcesPayload{
		NodeID:    "n1",
		Resources: &types.ResourceSnapshot{CPUCores: 8},
		LastSeen:  seen,
	})

	node, _ := h.store.GetNode("n1")
	assert.Equal(t, types.NodeStatusActive, node.Status)
	assert.Equal(t, seen, node.LastSeen)
	require.NotNil(t, node.Resources)
	assert.Equal(t, 8, node.Resources.CPUCores)

	// the offline-to-active transition is surfaced so watchers can see it
	assert.Equal(t, "n1", result.NodeOnline)

	// a heartbeat from an already active node reports nothing
	result = h.mustApply(types.EntryNodeUpdateResources, types.NodeUpdateResourcesPayload{
		NodeID: "n1", LastSeen: seen.Add(time.Minute),
	})
	assert.Empty(t, result.NodeOnline)
}

func TestNodeRemove(t *testing.T) {
	h := newHarness(t)
	h.mustApply(types.EntryNodeJoin, types.NodeJoinPayload{Node: types.Node{ID: "n1"}})
	h.mustApply(types.EntryNodeRemove, types.NodeRemovePayload{NodeID: "n1"})

	_, err := h.store.GetNode("n1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// Task lifecycle

func TestTaskHappyPath(t *testing.T) {
	h := newHarness(t)
	h.submitShellTask("t1", types.DefaultRetryPolicy())

	task := h.task("t1")
	assert.Equal(t, types.TaskStateQueued, task.State)
	assert.Equal(t, h.now, task.CreatedAt)

	result := h.mustApply(types.EntryTaskAssign, types.TaskAssignPayload{TaskID: "t1", NodeID: "n1", AssignedAt: h.now})
	require.Len(t, result.Actions, 1)
	assert.Equal(t, ActionDispatch, result.Actions[0].Kind)
	assert.Equal(t, "n1", result.Actions[0].NodeID)
	assert.Equal(t, types.TaskStateAssigned, h.task("t1").State)

	h.mustApply(types.EntryTaskStarted, types.TaskStartedPayload{TaskID: "t1", NodeID: "n1", StartedAt: h.now})
	assert.Equal(t, types.TaskStateRunning, h.task("t1").State)

	done := h.now.Add(time.Minute)
	h.mustApply(types.EntryTaskComplete, types.TaskCompletePayload{
		TaskID:      "t1",
		Result:      &types.TaskResult{ExitCode: 0, Stdout: "done\n"},
		CompletedAt: done,
	})
	task = h.task("t1")
	assert.Equal(t, types.TaskStateCompleted, task.State)
	assert.Equal(t, done, task.CompletedAt)
	assert.Empty(t, task.AssignedNode)
	require.NotNil(t, task.Result)
	assert.Equal(t, "done\n", task.Result.Stdout)

	// history recorded one event per transition, in apply order
	events, err := h.store.ListTaskEvents("t1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, types.TaskEventSubmitted, events[0].Kind)
	assert.Equal(t, types.TaskEventAssigned, events[1].Kind)
	assert.Equal(t, types.TaskEventStarted, events[2].Kind)
	assert.Equal(t, types.TaskEventCompleted, events[3].Kind)
}

func TestTaskDuplicateSubmitIsNoop(t *testing.T) {
	h := newHarness(t)
	h.submitShellTask("t1", types.DefaultRetryPolicy())
	h.runTask("t1", "n1")

	// replayed submit must not reset the running task
	h.submitShellTask("t1", types.DefaultRetryPolicy())
	assert.Equal(t, types.TaskStateRunning, h.task("t1").State)
}

func TestTaskInvalidTransitionsAreNoops(t *testing.T) {
	h := newHarness(t)
	h.submitShellTask("t1", types.DefaultRetryPolicy())

	// started before assigned
	h.mustApply(types.EntryTaskStarted, types.TaskStartedPayload{TaskID: "t1", NodeID: "n1", StartedAt: h.now})
	assert.Equal(t, types.TaskStateQueued, h.task("t1").State)

	// complete before running
	h.mustApply(types.EntryTaskComplete, types.TaskCompletePayload{TaskID: "t1", CompletedAt: h.now})
	assert.Equal(t, types.TaskStateQueued, h.task("t1").State)

	// assign of an already assigned task keeps the first binding
	h.mustApply(types.EntryTaskAssign, types.TaskAssignPayload{TaskID: "t1", NodeID: "n1", AssignedAt: h.now})
	h.mustApply(types.EntryTaskAssign, types.TaskAssignPayload{TaskID: "t1", NodeID: "n2", AssignedAt: h.now})
	assert.Equal(t, "n1", h.task("t1").AssignedNode)
}

func TestTaskMissingIsError(t *testing.T) {
	h := newHarness(t)
	result := h.apply(types.EntryTaskAssign, types.TaskAssignPayload{TaskID: "ghost", NodeID: "n1", AssignedAt: h.now})
	assert.ErrorIs(t, result.Err, types.ErrNotFound)
}

// Retry and dead-letter

func TestTaskFailureRetryDecision(t *testing.T) {
	h := newHarness(t)
	h.submitShellTask("t1", types.RetryPolicy{
		MaxRetries: 3, BackoffMs: 1000, BackoffMultiplier: 2.0, Retryable: true,
	})
	h.runTask("t1", "n1")

	result := h.mustApply(types.EntryTaskFailed, types.TaskFailedPayload{
		TaskID: "t1", Error: "exit 1", FailedAt: h.now,
	})

	task := h.task("t1")
	assert.Equal(t, types.TaskStateFailed, task.State)
	assert.Equal(t, "exit 1", task.Error)
	assert.Empty(t, task.AssignedNode)

	// attempt 0 failing asks for attempt 1 with 1 x backoff
	require.Len(t, result.Actions, 1)
	action := result.Actions[0]
	assert.Equal(t, ActionRetry, action.Kind)
	assert.Equal(t, 1, action.Attempt)
	assert.Equal(t, time.Second, action.Backoff)
}

func TestBackoffGrowsPerAttempt(t *testing.T) {
	h := newHarness(t)
	h.submitShellTask("t1", types.RetryPolicy{
		MaxRetries: 5, BackoffMs: 1000, BackoffMultiplier: 2.0, Retryable: true,
	})

	wantBackoffs := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for attempt, want := range wantBackoffs {
		h.runTask("t1", "n1")
		result := h.mustApply(types.EntryTaskFailed, types.TaskFailedPayload{TaskID: "t1", Error: "boom", FailedAt: h.now})
		require.Len(t, result.Actions, 1, "attempt %d", attempt)
		assert.Equal(t, want, result.Actions[0].Backoff, "attempt %d", attempt)

		h.mustApply(types.EntryTaskRetry, types.TaskRetryPayload{
			TaskID:         "t1",
			Attempt:        result.Actions[0].Attempt,
			ScheduledAfter: h.now.Add(result.Actions[0].Backoff),
			Reason:         "boom",
		})
		assert.Equal(t, types.TaskStateQueued, h.task("t1").State)
		assert.Equal(t, attempt+1, h.task("t1").Attempt)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.submitShellTask("t1", types.RetryPolicy{
		MaxRetries: 2, BackoffMs: 100, BackoffMultiplier: 2.0, Retryable: true,
	})

	// burn through both retries
	for i := 0; i < 2; i++ {
		h.runTask("t1", "n1")
		result := h.mustApply(types.EntryTaskFailed, types.TaskFailedPayload{TaskID: "t1", Error: "boom", FailedAt: h.now})
		require.Equal(t, ActionRetry, result.Actions[0].Kind)
		h.mustApply(types.EntryTaskRetry, types.TaskRetryPayload{
			TaskID: "t1", Attempt: i + 1, ScheduledAfter: h.now, Reason: "boom",
		})
	}

	h.runTask("t1", "n1")
	result := h.mustApply(types.EntryTaskFailed, types.TaskFailedPayload{TaskID: "t1", Error: "boom", FailedAt: h.now})
	require.Len(t, result.Actions, 1)
	action := result.Actions[0]
	assert.Equal(t, ActionDeadLetter, action.Kind)
	assert.Equal(t, "Max retries (2) exceeded: boom", action.Reason)

	h.mustApply(types.EntryTaskDeadLetter, types.TaskDeadLetterPayload{
		TaskID: "t1", Reason: action.Reason, DeadLetteredAt: h.now,
	})
	task := h.task("t1")
	assert.Equal(t, types.TaskStateDeadLetter, task.State)
	assert.Equal(t, h.now, task.DeadLetteredAt)
	assert.Contains(t, task.Error, "Max retries (2) exceeded")
}

func TestNonRetryableDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	h.submitShellTask("t1", types.RetryPolicy{MaxRetries: 3, BackoffMs: 100, Retryable: false})
	h.runTask("t1", "n1")

	result := h.mustApply(types.EntryTaskFailed, types.TaskFailedPayload{TaskID: "t1", Error: "segfault", FailedAt: h.now})
	require.Len(t, result.Actions, 1)
	assert.Equal(t, ActionDeadLetter, result.Actions[0].Kind)
	assert.Equal(t, "not retryable: segfault", result.Actions[0].Reason)
}

func TestStaleRetryIgnored(t *testing.T) {
	h := newHarness(t)
	h.submitShellTask("t1", types.DefaultRetryPolicy())
	h.runTask("t1", "n1")
	h.mustApply(types.EntryTaskFailed, types.TaskFailedPayload{TaskID: "t1", Error: "boom", FailedAt: h.now})
	h.mustApply(types.EntryTaskRetry, types.TaskRetryPayload{TaskID: "t1", Attempt: 1, ScheduledAfter: h.now})
	require.Equal(t, 1, h.task("t1").Attempt)

	h.runTask("t1", "n1")

	// replayed retry for an attempt already taken must not reset the task
	h.mustApply(types.EntryTaskRetry, types.TaskRetryPayload{TaskID: "t1", Attempt: 1, ScheduledAfter: h.now})
	task := h.task("t1")
	assert.Equal(t, types.TaskStateRunning, task.State)
	assert.Equal(t, 1, task.Attempt)
}

func TestRetryResetsExecutionFields(t *testing.T) {
	h := newHarness(t)
	h.submitShellTask("t1", types.DefaultRetryPolicy())
	h.runTask("t1", "n1")
	h.mustApply(types.EntryTaskFailed, types.TaskFailedPayload{
		TaskID: "t1", Error: "boom",
		Result:   &types.TaskResult{ExitCode: 1},
		FailedAt: h.now,
	})

	after := h.now.Add(2 * time.Second)
	h.mustApply(types.EntryTaskRetry, types.TaskRetryPayload{TaskID: "t1", Attempt: 1, ScheduledAfter: after})

	task := h.task("t1")
	assert.Equal(t, types.TaskStateQueued, task.State)
	assert.Equal(t, after, task.ScheduledAfter)
	assert.Empty(t, task.AssignedNode)
	assert.True(t, task.AssignedAt.IsZero())
	assert.True(t, task.StartedAt.IsZero())
	assert.Empty(t, task.Error)
	assert.Nil(t, task.Result)
}

// Cancellation

func TestCancelRunningTask(t *testing.T) {
	h := newHarness(t)
	h.submitShellTask("t1", types.DefaultRetryPolicy())
	h.runTask("t1", "n1")

	cancelledAt := h.now.Add(time.Minute)
	result := h.mustApply(types.EntryTaskCancel, types.TaskCancelPayload{
		TaskID: "t1", Reason: "operator", CancelledAt: cancelledAt,
	})

	task := h.task("t1")
	assert.Equal(t, types.TaskStateCancelled, task.State)
	assert.Equal(t, cancelledAt, task.CompletedAt)

	// a cancel of a placed task tells the executor to stop
	require.Len(t, result.Actions, 1)
	assert.Equal(t, ActionCancelRunning, result.Actions[0].Kind)
	assert.Equal(t, "n1", result.Actions[0].NodeID)

	// cancelled is terminal; a late failure report is ignored
	h.mustApply(types.EntryTaskFailed, types.TaskFailedPayload{TaskID: "t1", Error: "late", FailedAt: h.now})
	assert.Equal(t, types.TaskStateCancelled, h.task("t1").State)
}

func TestCancelQueuedTaskHasNoExecutorAction(t *testing.T) {
	h := newHarness(t)
	h.submitShellTask("t1", types.DefaultRetryPolicy())

	result := h.mustApply(types.EntryTaskCancel, types.TaskCancelPayload{TaskID: "t1", CancelledAt: h.now})
	assert.Empty(t, result.Actions)
	assert.Equal(t, types.TaskStateCancelled, h.task("t1").State)

	// replay is a no-op
	result = h.mustApply(types.EntryTaskCancel, types.TaskCancelPayload{TaskID: "t1", CancelledAt: h.now})
	assert.Empty(t, result.Actions)
}

// Workflows

func wfDef(key, condition string, deps ...string) types.TaskDef {
	return types.TaskDef{
		Key:       key,
		Type:      types.TaskTypeShell,
		Spec:      types.TaskSpec{Type: types.TaskTypeShell, Shell: &types.ShellSpec{Command: "true"}},
		DependsOn: deps,
		Condition: condition,
	}
}

func TestWorkflowSubmitQueuesRoots(t *testing.T) {
	h := newHarness(t)
	h.mustApply(types.EntryWorkflowSubmit, types.WorkflowSubmitPayload{Workflow: types.Workflow{
		ID:   "wf1",
		Name: "pipeline",
		Tasks: []types.TaskDef{
			wfDef("build", ""),
			wfDef("test", "", "build"),
		},
	}})

	wf, err := h.store.GetWorkflow("wf1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateRunning, wf.State)

	// member task ids derive from workflow id and key
	build := h.task("wf1:build")
	assert.Equal(t, types.TaskStateQueued, build.State)
	assert.Equal(t, "wf1", build.WorkflowID)

	test := h.task("wf1:test")
	assert.Equal(t, types.TaskStatePending, test.State)

	deps, err := h.store.ListDependencies("wf1")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "test", deps[0].TaskKey)
	assert.Equal(t, "build", deps[0].DependsOnKey)
}

func TestWorkflowInvalidFailsAtApply(t *testing.T) {
	h := newHarness(t)
	h.mustApply(types.EntryWorkflowSubmit, types.WorkflowSubmitPayload{Workflow: types.Workflow{
		ID:   "wf1",
		Name: "cyclic",
		Tasks: []types.TaskDef{
			wfDef("a", "", "b"),
			wfDef("b", "", "a"),
		},
	}})

	wf, err := h.store.GetWorkflow("wf1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateFailed, wf.State)
	assert.Equal(t, h.now, wf.CompletedAt)

	// no member tasks were created for the rejected workflow
	tasks, err := h.store.ListTasksByWorkflow("wf1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestWorkflowEmptyCompletesImmediately(t *testing.T) {
	h := newHarness(t)
	h.mustApply(types.EntryWorkflowSubmit, types.WorkflowSubmitPayload{Workflow: types.Workflow{
		ID: "wf1", Name: "empty",
	}})

	wf, err := h.store.GetWorkflow("wf1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateCompleted, wf.State)
}

func TestWorkflowAdvanceToCompletion(t *testing.T) {
	h := newHarness(t)
	h.mustApply(types.EntryWorkflowSubmit, types.WorkflowSubmitPayload{Workflow: types.Workflow{
		ID: "wf1", Name: "chain",
		Tasks: []types.TaskDef{
			wfDef("a", ""),
			wfDef("b", "", "a"),
		},
	}})

	h.runTask("wf1:a", "n1")
	result := h.mustApply(types.EntryTaskComplete, types.TaskCompletePayload{
		TaskID: "wf1:a", Result: &types.TaskResult{ExitCode: 0}, CompletedAt: h.now,
	})

	// completion of a member asks the leader for a workflow advance
	require.Len(t, result.Actions, 1)
	require.Equal(t, ActionWorkflowAdvance, result.Actions[0].Kind)
	assert.Equal(t, "wf1", result.Actions[0].WorkflowID)

	h.mustApply(types.EntryWorkflowAdvance, types.WorkflowAdvancePayload{WorkflowID: "wf1", At: h.now})
	assert.Equal(t, types.TaskStateQueued, h.task("wf1:b").State)

	h.runTask("wf1:b", "n1")
	h.mustApply(types.EntryTaskComplete, types.TaskCompletePayload{
		TaskID: "wf1:b", Result: &types.TaskResult{ExitCode: 0}, CompletedAt: h.now,
	})
	h.mustApply(types.EntryWorkflowAdvance, types.WorkflowAdvancePayload{WorkflowID: "wf1", At: h.now})

	wf, _ := h.store.GetWorkflow("wf1")
	assert.Equal(t, types.WorkflowStateCompleted, wf.State)
	assert.Equal(t, h.now, wf.CompletedAt)
}

func TestWorkflowSkipCascadeOnDeadLetter(t *testing.T) {
	h := newHarness(t)
	h.mustApply(types.EntryWorkflowSubmit, types.WorkflowSubmitPayload{Workflow: types.Workflow{
		ID: "wf1", Name: "chain",
		Tasks: []types.TaskDef{
			wfDef("a", ""),
			wfDef("b", "", "a"),
			wfDef("c", "", "b"),
		},
	}})

	h.runTask("wf1:a", "n1")
	h.mustApply(types.EntryTaskFailed, types.TaskFailedPayload{TaskID: "wf1:a", Error: "boom", FailedAt: h.now})
	h.mustApply(types.EntryTaskDeadLetter, types.TaskDeadLetterPayload{
		TaskID: "wf1:a", Reason: "not retryable: boom", DeadLetteredAt: h.now,
	})
	h.mustApply(types.EntryWorkflowAdvance, types.WorkflowAdvancePayload{WorkflowID: "wf1", At: h.now})

	assert.Equal(t, types.TaskStateSkipped, h.task("wf1:b").State)
	assert.Equal(t, types.TaskStateSkipped, h.task("wf1:c").State)

	wf, _ := h.store.GetWorkflow("wf1")
	assert.Equal(t, types.WorkflowStateFailed, wf.State)
}

func TestWorkflowConditionalBranch(t *testing.T) {
	h := newHarness(t)
	h.mustApply(types.EntryWorkflowSubmit, types.WorkflowSubmitPayload{Workflow: types.Workflow{
		ID: "wf1", Name: "branch",
		Tasks: []types.TaskDef{
			wfDef("main", ""),
			wfDef("on-success", "parent.main.exitCode == 0", "main"),
			wfDef("on-failure", "parent.main.state == 'dead_letter'", "main"),
		},
	}})

	h.runTask("wf1:main", "n1")
	h.mustApply(types.EntryTaskComplete, types.TaskCompletePayload{
		TaskID: "wf1:main", Result: &types.TaskResult{ExitCode: 0}, CompletedAt: h.now,
	})
	h.mustApply(types.EntryWorkflowAdvance, types.WorkflowAdvancePayload{WorkflowID: "wf1", At: h.now})

	assert.Equal(t, types.TaskStateQueued, h.task("wf1:on-success").State)
	assert.Equal(t, types.TaskStateSkipped, h.task("wf1:on-failure").State)
}

func TestWorkflowSubmitReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	submit := types.WorkflowSubmitPayload{Workflow: types.Workflow{
		ID: "wf1", Name: "once",
		Tasks: []types.TaskDef{
			wfDef("a", ""),
			wfDef("b", "", "a"),
		},
	}}
	h.mustApply(types.EntryWorkflowSubmit, submit)
	h.runTask("wf1:a", "n1")

	h.mustApply(types.EntryWorkflowSubmit, submit)
	assert.Equal(t, types.TaskStateRunning, h.task("wf1:a").State)
}

// Snapshots

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.mustApply(types.EntryNodeJoin, types.NodeJoinPayload{Node: types.Node{ID: "n1"}})
	h.submitShellTask("t1", types.DefaultRetryPolicy())
	h.mustApply(types.EntryWorkflowSubmit, types.WorkflowSubmitPayload{Workflow: types.Workflow{
		ID: "wf1", Name: "snap",
		Tasks: []types.TaskDef{
			wfDef("a", ""),
			wfDef("b", "", "a"),
		},
	}})

	snap, err := h.machine.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))

	restored, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer restored.Close()

	target := NewMachine(restored)
	require.NoError(t, target.Restore(io.NopCloser(bytes.NewReader(sink.buf.Bytes()))))

	task, err := restored.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateQueued, task.State)

	wf, err := restored.GetWorkflow("wf1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateRunning, wf.State)

	deps, err := restored.ListDependencies("wf1")
	require.NoError(t, err)
	assert.Len(t, deps, 1)

	events, err := restored.ListTaskEvents("t1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestUnknownEntryKindIsNoop(t *testing.T) {
	h := newHarness(t)
	result := h.apply(types.EntryKind("future_feature"), map[string]string{"x": "y"})
	assert.NoError(t, result.Err)
	assert.Empty(t, result.Actions)
}

// memorySink collects a snapshot in memory
type memorySink struct {
	buf       bytes.Buffer
	cancelled bool
}

func (s *memorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memorySink) Close() error                { return nil }
func (s *memorySink) Cancel() error               { s.cancelled = true; return nil }
func (s *memorySink) ID() string                  { return "test" }

var _ raft.SnapshotSink = (*memorySink)(nil)
