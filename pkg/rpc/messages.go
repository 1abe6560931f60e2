package rpc

import (
	"time"

	"github.com/dpaschal/meshd/pkg/events"
	"github.com/dpaschal/meshd/pkg/types"
)

// Empty is the zero-field message
type Empty struct{}

// Cluster service messages

type SubmitTaskRequest struct {
	Task types.Task `json:"task"`
}

type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

type CancelTaskRequest struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

type GetTaskRequest struct {
	TaskID string `json:"task_id"`
}

type GetTaskResponse struct {
	Task   *types.Task        `json:"task"`
	Events []*types.TaskEvent `json:"events,omitempty"`
}

type ListTasksRequest struct {
	State      types.TaskState `json:"state,omitempty"`
	NodeID     string          `json:"node_id,omitempty"`
	WorkflowID string          `json:"workflow_id,omitempty"`
}

type ListTasksResponse struct {
	Tasks []*types.Task `json:"tasks"`
}

type SubmitWorkflowRequest struct {
	Workflow types.Workflow `json:"workflow"`
}

type SubmitWorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
}

type GetWorkflowRequest struct {
	WorkflowID string `json:"workflow_id"`
}

type GetWorkflowResponse struct {
	Workflow *types.Workflow `json:"workflow"`
	Tasks    []*types.Task   `json:"tasks,omitempty"`
}

type ListWorkflowsResponse struct {
	Workflows []*types.Workflow `json:"workflows"`
}

type ListNodesResponse struct {
	Nodes []*types.Node `json:"nodes"`
}

type JoinClusterRequest struct {
	Node  types.Node `json:"node"`
	Token string     `json:"token,omitempty"`
}

type JoinClusterResponse struct {
	Status    types.ApprovalStatus `json:"status"`
	RequestID string               `json:"request_id,omitempty"`
}

type NodeRequest struct {
	NodeID string `json:"node_id"`
}

type PendingJoinsResponse struct {
	Requests []*types.JoinRequest `json:"requests"`
}

type GenerateTokenRequest struct {
	// TTLMs bounds the token lifetime; 0 means the server default
	TTLMs int64 `json:"ttl_ms,omitempty"`
}

type GenerateTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type HeartbeatRequest struct {
	NodeID    string                  `json:"node_id"`
	Resources *types.ResourceSnapshot `json:"resources,omitempty"`
}

type ClusterStatusResponse struct {
	LeaderID   string            `json:"leader_id"`
	LeaderAddr string            `json:"leader_addr"`
	Stats      map[string]string `json:"stats,omitempty"`
}

type StreamEventsRequest struct {
	// Types filters the stream; empty means every event
	Types []events.EventType `json:"types,omitempty"`
}

type TaskLogsRequest struct {
	TaskID string `json:"task_id"`
}

// TaskLogLine is one retained chunk of task output
type TaskLogLine struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

type TaskLogsResponse struct {
	Lines []TaskLogLine `json:"lines"`
}

// RollingUpdateRequest starts a rollout of a binary already staged on
// the leader via Updater.PushBinary
type RollingUpdateRequest struct {
	Checksum string `json:"checksum"`
	Version  string `json:"version,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
}

type RollingUpdateResponse struct {
	Report *types.UpdateReport `json:"report"`
}

// Worker service messages

type DispatchRequest struct {
	Task types.Task `json:"task"`
}

// DispatchUpdateKind tags one message of a dispatch stream
type DispatchUpdateKind string

const (
	UpdateStarted DispatchUpdateKind = "started"
	UpdateStdout  DispatchUpdateKind = "stdout"
	UpdateStderr  DispatchUpdateKind = "stderr"
	UpdateResult  DispatchUpdateKind = "result"
)

// DispatchUpdate is one message on the executor stream. A result update
// is always the last message; its Result or Error settles the task.
type DispatchUpdate struct {
	Kind   DispatchUpdateKind `json:"kind"`
	TaskID string             `json:"task_id"`
	Data   []byte             `json:"data,omitempty"`
	Result *types.TaskResult  `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
	At     time.Time          `json:"at"`
}

// Updater service messages

// BinaryChunk is one piece of a streamed binary push. Meta travels on the
// first chunk only.
type BinaryChunk struct {
	Version  string `json:"version,omitempty"`
	Checksum string `json:"checksum,omitempty"` // hex sha256, first chunk
	Data     []byte `json:"data,omitempty"`
}

type PushBinaryResponse struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Bytes    int64  `json:"bytes"`
}

type ActivateBinaryRequest struct {
	Checksum string `json:"checksum"`
}
