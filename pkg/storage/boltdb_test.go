package storage

import (
	"testing"
	"time"

	"github.com/dpaschal/meshd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNodeCRUD(t *testing.T) {
	s := newStore(t)

	_, err := s.GetNode("n1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	node := &types.Node{ID: "n1", Hostname: "alpha", Status: types.NodeStatusActive}
	require.NoError(t, s.PutNode(node))

	got, err := s.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Hostname)

	// update overwrites in place
	node.Status = types.NodeStatusDraining
	require.NoError(t, s.PutNode(node))
	got, _ = s.GetNode("n1")
	assert.Equal(t, types.NodeStatusDraining, got.Status)

	require.NoError(t, s.DeleteNode("n1"))
	_, err = s.GetNode("n1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// deleting a missing node is not an error
	assert.NoError(t, s.DeleteNode("ghost"))
}

func TestActiveNodes(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutNode(&types.Node{ID: "a", Status: types.NodeStatusActive}))
	require.NoError(t, s.PutNode(&types.Node{ID: "b", Status: types.NodeStatusPendingApproval}))
	require.NoError(t, s.PutNode(&types.Node{ID: "c", Status: types.NodeStatusActive}))
	require.NoError(t, s.PutNode(&types.Node{ID: "d", Status: types.NodeStatusOffline}))

	active, err := s.ActiveNodes()
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, n := range active {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestTaskFilters(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutTask(&types.Task{ID: "t1", State: types.TaskStateQueued}))
	require.NoError(t, s.PutTask(&types.Task{ID: "t2", State: types.TaskStateRunning, AssignedNode: "n1"}))
	require.NoError(t, s.PutTask(&types.Task{ID: "t3", State: types.TaskStateRunning, AssignedNode: "n2"}))
	require.NoError(t, s.PutTask(&types.Task{ID: "wf1:a", State: types.TaskStatePending, WorkflowID: "wf1", Key: "a"}))

	all, err := s.ListTasks()
	require.NoError(t, err)
	assert.Len(t, all, 4)

	running, err := s.ListTasksByState(types.TaskStateRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	onN1, err := s.ListTasksByNode("n1")
	require.NoError(t, err)
	require.Len(t, onN1, 1)
	assert.Equal(t, "t2", onN1[0].ID)

	members, err := s.ListTasksByWorkflow("wf1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "wf1:a", members[0].ID)

	member, err := s.GetWorkflowTask("wf1", "a")
	require.NoError(t, err)
	assert.Equal(t, "wf1:a", member.ID)

	_, err = s.GetWorkflowTask("wf1", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestQueuedTasksReadyNowOrdering(t *testing.T) {
	s := newStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutTask(&types.Task{
		ID: "low-old", State: types.TaskStateQueued, Priority: 1, CreatedAt: base,
	}))
	require.NoError(t, s.PutTask(&types.Task{
		ID: "low-new", State: types.TaskStateQueued, Priority: 1, CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.PutTask(&types.Task{
		ID: "high", State: types.TaskStateQueued, Priority: 9, CreatedAt: base.Add(2 * time.Minute),
	}))
	require.NoError(t, s.PutTask(&types.Task{
		ID: "running", State: types.TaskStateRunning, Priority: 9, CreatedAt: base,
	}))

	ready, err := s.QueuedTasksReadyNow(base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, "high", ready[0].ID)
	assert.Equal(t, "low-old", ready[1].ID)
	assert.Equal(t, "low-new", ready[2].ID)
}

func TestQueuedTasksReadyNowBackoffGate(t *testing.T) {
	s := newStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutTask(&types.Task{
		ID: "ready", State: types.TaskStateQueued,
	}))
	require.NoError(t, s.PutTask(&types.Task{
		ID: "due", State: types.TaskStateQueued, ScheduledAfter: now.Add(-time.Second),
	}))
	require.NoError(t, s.PutTask(&types.Task{
		ID: "backing-off", State: types.TaskStateQueued, ScheduledAfter: now.Add(time.Minute),
	}))

	ready, err := s.QueuedTasksReadyNow(now)
	require.NoError(t, err)
	ids := make([]string, 0, len(ready))
	for _, task := range ready {
		ids = append(ids, task.ID)
	}
	assert.ElementsMatch(t, []string{"ready", "due"}, ids)
}

func TestDependencyPrefixScan(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutDependency(&types.Dependency{WorkflowID: "wf1", TaskKey: "b", DependsOnKey: "a"}))
	require.NoError(t, s.PutDependency(&types.Dependency{WorkflowID: "wf1", TaskKey: "c", DependsOnKey: "a"}))
	require.NoError(t, s.PutDependency(&types.Dependency{WorkflowID: "wf2", TaskKey: "x", DependsOnKey: "y"}))
	// wf1x must not leak into wf1's prefix scan
	require.NoError(t, s.PutDependency(&types.Dependency{WorkflowID: "wf1x", TaskKey: "q", DependsOnKey: "p"}))

	deps, err := s.ListDependencies("wf1")
	require.NoError(t, err)
	require.Len(t, deps, 2)
	for _, d := range deps {
		assert.Equal(t, "wf1", d.WorkflowID)
	}

	// duplicate edge overwrites rather than duplicating
	require.NoError(t, s.PutDependency(&types.Dependency{
		WorkflowID: "wf1", TaskKey: "b", DependsOnKey: "a", Condition: "true",
	}))
	deps, _ = s.ListDependencies("wf1")
	assert.Len(t, deps, 2)

	all, err := s.ListAllDependencies()
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestTaskEventsOrderedBySeq(t *testing.T) {
	s := newStore(t)

	// out-of-order appends; zero-padded keys restore apply order
	require.NoError(t, s.AppendTaskEvent(&types.TaskEvent{TaskID: "t1", Seq: 100, Kind: types.TaskEventStarted}))
	require.NoError(t, s.AppendTaskEvent(&types.TaskEvent{TaskID: "t1", Seq: 7, Kind: types.TaskEventSubmitted}))
	require.NoError(t, s.AppendTaskEvent(&types.TaskEvent{TaskID: "t1", Seq: 42, Kind: types.TaskEventAssigned}))
	require.NoError(t, s.AppendTaskEvent(&types.TaskEvent{TaskID: "t2", Seq: 1, Kind: types.TaskEventSubmitted}))

	events, err := s.ListTaskEvents("t1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.TaskEventSubmitted, events[0].Kind)
	assert.Equal(t, types.TaskEventAssigned, events[1].Kind)
	assert.Equal(t, types.TaskEventStarted, events[2].Kind)

	all, err := s.ListAllTaskEvents()
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestPluginKV(t *testing.T) {
	s := newStore(t)

	_, err := s.PluginGet("scanner", "cursor")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, s.PluginPut("scanner", "cursor", []byte("42")))
	v, err := s.PluginGet("scanner", "cursor")
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), v)

	// namespaces are isolated per plugin
	_, err = s.PluginGet("other", "cursor")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, s.PluginPut("scanner", "cursor", []byte("43")))
	v, _ = s.PluginGet("scanner", "cursor")
	assert.Equal(t, []byte("43"), v)
}

func TestResetKeepsPluginData(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutNode(&types.Node{ID: "n1"}))
	require.NoError(t, s.PutTask(&types.Task{ID: "t1", State: types.TaskStateQueued}))
	require.NoError(t, s.PluginPut("scanner", "cursor", []byte("42")))

	require.NoError(t, s.Reset())

	_, err := s.GetNode("n1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.GetTask("t1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	v, err := s.PluginGet("scanner", "cursor")
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), v)
}

func TestWorkflowCRUD(t *testing.T) {
	s := newStore(t)

	_, err := s.GetWorkflow("wf1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, s.PutWorkflow(&types.Workflow{ID: "wf1", Name: "pipeline", State: types.WorkflowStateRunning}))
	wf, err := s.GetWorkflow("wf1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", wf.Name)

	require.NoError(t, s.PutWorkflow(&types.Workflow{ID: "wf2", Name: "other", State: types.WorkflowStateCompleted}))
	wfs, err := s.ListWorkflows()
	require.NoError(t, err)
	assert.Len(t, wfs, 2)
}
