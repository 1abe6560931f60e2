package storage

import (
	"time"

	"github.com/dpaschal/meshd/pkg/types"
)

// Store defines the interface for replicated cluster state.
//
// The apply bus is the only writer; every other component reads. Writes
// outside the apply path are a bug, with the single exception of Restore,
// which rebuilds the store from a consensus snapshot.
type Store interface {
	// Nodes
	PutNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ActiveNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	// Tasks
	PutTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByState(state types.TaskState) ([]*types.Task, error)
	ListTasksByNode(nodeID string) ([]*types.Task, error)
	ListTasksByWorkflow(workflowID string) ([]*types.Task, error)
	GetWorkflowTask(workflowID, key string) (*types.Task, error)

	// QueuedTasksReadyNow returns queued tasks whose scheduled_after is
	// unset or <= now, ordered by (priority DESC, created_at ASC).
	QueuedTasksReadyNow(now time.Time) ([]*types.Task, error)

	// Workflows
	PutWorkflow(wf *types.Workflow) error
	GetWorkflow(id string) (*types.Workflow, error)
	ListWorkflows() ([]*types.Workflow, error)

	// Dependency edges
	PutDependency(dep *types.Dependency) error
	ListDependencies(workflowID string) ([]*types.Dependency, error)
	ListAllDependencies() ([]*types.Dependency, error)

	// Task events (append-only history)
	AppendTaskEvent(event *types.TaskEvent) error
	ListTaskEvents(taskID string) ([]*types.TaskEvent, error)
	ListAllTaskEvents() ([]*types.TaskEvent, error)

	// Plugin-owned local KV, namespaced per plugin. Not replicated.
	PluginPut(plugin, key string, value []byte) error
	PluginGet(plugin, key string) ([]byte, error)

	// Reset drops all replicated buckets before a snapshot restore.
	Reset() error

	Close() error
}
