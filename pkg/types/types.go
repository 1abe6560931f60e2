package types

import (
	"time"
)

// TagEphemeral marks a node as disposable: eligible for auto-approval on join
// and for time-based removal after going offline.
const TagEphemeral = "ephemeral"

// NodeRole defines the consensus/worker role of a node
type NodeRole string

const (
	NodeRoleLeader    NodeRole = "leader"
	NodeRoleFollower  NodeRole = "follower"
	NodeRoleCandidate NodeRole = "candidate"
	NodeRoleWorker    NodeRole = "worker"
)

// NodeStatus represents the membership lifecycle state of a node
type NodeStatus string

const (
	NodeStatusPendingApproval NodeStatus = "pending_approval"
	NodeStatusActive          NodeStatus = "active"
	NodeStatusDraining        NodeStatus = "draining"
	NodeStatusOffline         NodeStatus = "offline"
)

// GPU describes a single GPU on a node
type GPU struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// ResourceSnapshot tracks a node's capacity at heartbeat time.
// All memory/disk figures are bytes; ingress normalizes Mi/Gi strings.
type ResourceSnapshot struct {
	CPUCores             int     `json:"cpu_cores"`
	CPUUsagePercent      float64 `json:"cpu_usage_percent"`
	MemoryTotalBytes     int64   `json:"memory_total_bytes"`
	MemoryAvailableBytes int64   `json:"memory_available_bytes"`
	DiskTotalBytes       int64   `json:"disk_total_bytes"`
	DiskAvailableBytes   int64   `json:"disk_available_bytes"`
	GPUs                 []GPU   `json:"gpus,omitempty"`

	// GamingDetected is set when another workload is monopolizing the
	// hardware; gpu-heavy tasks are not placed while it holds.
	GamingDetected bool `json:"gaming_detected"`
}

// HasGPU reports whether the snapshot carries an available GPU matching name
func (r *ResourceSnapshot) HasGPU(name string) bool {
	for _, g := range r.GPUs {
		if g.Name == name && g.Available {
			return true
		}
	}
	return false
}

// Node represents a cluster member. Address/Port locate the gRPC API;
// RaftAddr is the consensus transport the voter set dials.
type Node struct {
	ID        string            `json:"id"`
	Hostname  string            `json:"hostname"`
	Address   string            `json:"address"`
	Port      int               `json:"port"`
	RaftAddr  string            `json:"raft_addr,omitempty"`
	Role      NodeRole          `json:"role"`
	Status    NodeStatus        `json:"status"`
	Resources *ResourceSnapshot `json:"resources,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	JoinedAt  time.Time         `json:"joined_at"`
	LastSeen  time.Time         `json:"last_seen"`
}

// HasTag reports whether the node carries the given tag
func (n *Node) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsEphemeral reports whether the node is tagged ephemeral
func (n *Node) IsEphemeral() bool {
	return n.HasTag(TagEphemeral)
}

// TaskType selects which spec subfield is populated and which executor
// adapter runs the task
type TaskType string

const (
	TaskTypeShell     TaskType = "shell"
	TaskTypeContainer TaskType = "container"
	TaskTypeK8sJob    TaskType = "k8s_job"
	TaskTypeSubagent  TaskType = "subagent"
)

// TaskState represents the state of a task
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateQueued     TaskState = "queued"
	TaskStateAssigned   TaskState = "assigned"
	TaskStateRunning    TaskState = "running"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
	TaskStateCancelled  TaskState = "cancelled"
	TaskStateDeadLetter TaskState = "dead_letter"
	TaskStateSkipped    TaskState = "skipped"
)

// Terminal reports whether a task in this state can never transition again.
// Failed is not terminal: a failed task is awaiting the leader's retry or
// dead-letter entry, and workflow evaluation must not cascade past it until
// that decision lands in the log.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCancelled,
		TaskStateDeadLetter, TaskStateSkipped:
		return true
	}
	return false
}

// ShellSpec describes a shell command task
type ShellSpec struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	WorkDir        string            `json:"work_dir,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// ContainerSpec describes a container task
type ContainerSpec struct {
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// K8sJobSpec describes a Kubernetes Job task, handed to the k8s adapter
type K8sJobSpec struct {
	Namespace string `json:"namespace,omitempty"`
	Manifest  string `json:"manifest"`
}

// SubagentSpec describes an agent-driven task
type SubagentSpec struct {
	Prompt   string `json:"prompt"`
	Model    string `json:"model,omitempty"`
	MaxTurns int    `json:"max_turns,omitempty"`
}

// TaskSpec is a tagged variant: Type selects which subfield is populated
type TaskSpec struct {
	Type      TaskType       `json:"type"`
	Shell     *ShellSpec     `json:"shell,omitempty"`
	Container *ContainerSpec `json:"container,omitempty"`
	K8sJob    *K8sJobSpec    `json:"k8s_job,omitempty"`
	Subagent  *SubagentSpec  `json:"subagent,omitempty"`
}

// Constraints restrict which nodes a task may be placed on
type Constraints struct {
	CPUCores     int      `json:"cpu_cores,omitempty"`
	MemoryBytes  int64    `json:"memory_bytes,omitempty"`
	GPU          string   `json:"gpu,omitempty"` // required GPU name, "" = none
	AllowedNodes []string `json:"allowed_nodes,omitempty"`
}

// RetryPolicy controls the retry/dead-letter branch of the task DFA
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	BackoffMs         int64   `json:"backoff_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	Retryable         bool    `json:"retryable"`
}

// DefaultRetryPolicy returns the policy applied when a task omits one
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BackoffMs:         1000,
		BackoffMultiplier: 2.0,
		Retryable:         true,
	}
}

// TaskResult captures the executor's final output
type TaskResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Task represents a single unit of schedulable work
type Task struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Key        string `json:"key,omitempty"` // unique within a workflow

	Type        TaskType     `json:"type"`
	State       TaskState    `json:"state"`
	Priority    int          `json:"priority"` // higher wins
	Spec        TaskSpec     `json:"spec"`
	Constraints *Constraints `json:"constraints,omitempty"`

	// Retry is nil only while a submission is in flight; submit fills the
	// default when the caller set none. Nil and the explicit non-retryable
	// policy are distinct.
	Retry *RetryPolicy `json:"retry,omitempty"`

	Attempt      int    `json:"attempt"`
	AssignedNode string `json:"assigned_node,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	AssignedAt     time.Time `json:"assigned_at,omitzero"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	CompletedAt    time.Time `json:"completed_at,omitzero"`
	DeadLetteredAt time.Time `json:"dead_lettered_at,omitzero"`

	// ScheduledAfter gates retried tasks: the scheduler ignores the task
	// until the wall clock passes this instant.
	ScheduledAfter time.Time `json:"scheduled_after,omitzero"`

	Error  string      `json:"error,omitempty"`
	Result *TaskResult `json:"result,omitempty"`
}

// TaskEventKind enumerates the append-only per-task history entries
type TaskEventKind string

const (
	TaskEventSubmitted    TaskEventKind = "submitted"
	TaskEventAssigned     TaskEventKind = "assigned"
	TaskEventStarted      TaskEventKind = "started"
	TaskEventCompleted    TaskEventKind = "completed"
	TaskEventFailed       TaskEventKind = "failed"
	TaskEventCancelled    TaskEventKind = "cancelled"
	TaskEventRetried      TaskEventKind = "retried"
	TaskEventDeadLettered TaskEventKind = "dead_lettered"
	TaskEventSkipped      TaskEventKind = "skipped"
)

// TaskEvent records one state transition in a task's history.
// An event is written in the same apply step as the transition it records.
type TaskEvent struct {
	TaskID    string        `json:"task_id"`
	Seq       uint64        `json:"seq"` // log index of the apply step
	Kind      TaskEventKind `json:"kind"`
	NodeID    string        `json:"node_id,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// WorkflowState represents the state of a workflow
type WorkflowState string

const (
	WorkflowStateRunning   WorkflowState = "running"
	WorkflowStateCompleted WorkflowState = "completed"
	WorkflowStateFailed    WorkflowState = "failed"
)

// TaskDef is one named task inside a workflow definition
type TaskDef struct {
	Key         string       `json:"key"`
	Type        TaskType     `json:"type"`
	Spec        TaskSpec     `json:"spec"`
	Priority    int          `json:"priority,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
	Retry       *RetryPolicy `json:"retry,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	Condition   string       `json:"condition,omitempty"`
}

// Workflow is a DAG of named tasks with conditional edges
type Workflow struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	State       WorkflowState     `json:"state"`
	Tasks       []TaskDef         `json:"tasks"`
	Context     map[string]string `json:"context,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
}

// Dependency is one edge of a workflow DAG, keyed by workflow id.
// Edges are stored flat; evaluation never builds an object graph.
type Dependency struct {
	WorkflowID   string `json:"workflow_id"`
	TaskKey      string `json:"task_key"`
	DependsOnKey string `json:"depends_on_key"`
	Condition    string `json:"condition,omitempty"`
}

// ApprovalStatus tracks a pending membership join request
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// JoinRequest is leader-local state for a join awaiting operator approval.
// It never enters the replicated log; approval becomes a node_approve entry.
type JoinRequest struct {
	ID          string         `json:"id"`
	Node        Node           `json:"node"`
	Ephemeral   bool           `json:"ephemeral"`
	RequestedAt time.Time      `json:"requested_at"`
	Status      ApprovalStatus `json:"status"`
}
