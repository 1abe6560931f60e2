package types

import (
	"encoding/json"
	"time"
)

// EntryKind is the typed tag selecting which apply handler runs for a
// committed log entry. Unknown kinds are applied as no-ops.
type EntryKind string

const (
	// Membership
	EntryNodeJoin            EntryKind = "node_join"
	EntryNodeApprove         EntryKind = "node_approve"
	EntryNodeDrain           EntryKind = "node_drain"
	EntryNodeOffline         EntryKind = "node_offline"
	EntryNodeRemove          EntryKind = "node_remove"
	EntryNodeUpdateResources EntryKind = "node_update_resources"

	// Task lifecycle
	EntryTaskSubmit     EntryKind = "task_submit"
	EntryTaskAssign     EntryKind = "task_assign"
	EntryTaskStarted    EntryKind = "task_started"
	EntryTaskComplete   EntryKind = "task_complete"
	EntryTaskFailed     EntryKind = "task_failed"
	EntryTaskCancel     EntryKind = "task_cancel"
	EntryTaskRetry      EntryKind = "task_retry"
	EntryTaskDeadLetter EntryKind = "task_dead_letter"

	// Workflow lifecycle
	EntryWorkflowSubmit  EntryKind = "workflow_submit"
	EntryWorkflowAdvance EntryKind = "workflow_advance"
)

// Entry is the replicated-log record handed to the state machine.
// Index and Term are filled in from the consensus log at apply time;
// only Kind, Payload and AppendedAt travel on the wire.
type Entry struct {
	Kind       EntryKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	AppendedAt time.Time       `json:"appended_at"`

	Index uint64 `json:"-"`
	Term  uint64 `json:"-"`
}

// EncodeEntry serializes an entry for the consensus log
func EncodeEntry(kind EntryKind, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Entry{
		Kind:       kind,
		Payload:    raw,
		AppendedAt: time.Now().UTC(),
	})
}

// NodeJoinPayload carries the proposed node record; the node enters the
// directory as pending_approval unless a node_approve follows.
type NodeJoinPayload struct {
	Node Node `json:"node"`
}

// NodeApprovePayload activates a pending node
type NodeApprovePayload struct {
	NodeID     string    `json:"node_id"`
	ApprovedAt time.Time `json:"approved_at"`
}

// NodeDrainPayload moves a node to draining
type NodeDrainPayload struct {
	NodeID string `json:"node_id"`
}

// NodeOfflinePayload marks a node offline after missed heartbeats
type NodeOfflinePayload struct {
	NodeID string `json:"node_id"`
}

// NodeRemovePayload deletes a node from the directory
type NodeRemovePayload struct {
	NodeID string `json:"node_id"`
}

// NodeUpdateResourcesPayload refreshes a node's snapshot and last-seen.
// LastSeen is stamped by the leader so the apply is deterministic.
type NodeUpdateResourcesPayload struct {
	NodeID    string            `json:"node_id"`
	Resources *ResourceSnapshot `json:"resources,omitempty"`
	LastSeen  time.Time         `json:"last_seen"`
}

// TaskSubmitPayload creates a task (queued, or pending inside a workflow)
type TaskSubmitPayload struct {
	Task Task `json:"task"`
}

// TaskAssignPayload binds a queued task to a node
type TaskAssignPayload struct {
	TaskID     string    `json:"task_id"`
	NodeID     string    `json:"node_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// TaskStartedPayload records the executor picking the task up
type TaskStartedPayload struct {
	TaskID    string    `json:"task_id"`
	NodeID    string    `json:"node_id"`
	StartedAt time.Time `json:"started_at"`
}

// TaskCompletePayload records successful completion
type TaskCompletePayload struct {
	TaskID      string      `json:"task_id"`
	Result      *TaskResult `json:"result,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
}

// TaskFailedPayload records an execution failure; the state machine decides
// between retry and dead-letter and returns the matching action.
type TaskFailedPayload struct {
	TaskID   string      `json:"task_id"`
	Error    string      `json:"error"`
	Result   *TaskResult `json:"result,omitempty"`
	FailedAt time.Time   `json:"failed_at"`
}

// TaskCancelPayload moves a non-terminal task to cancelled
type TaskCancelPayload struct {
	TaskID      string    `json:"task_id"`
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// TaskRetryPayload re-queues a failed task. Attempt and ScheduledAfter are
// computed by the leader when it emits the entry so every replica applies
// identical values.
type TaskRetryPayload struct {
	TaskID         string    `json:"task_id"`
	Attempt        int       `json:"attempt"`
	ScheduledAfter time.Time `json:"scheduled_after"`
	Reason         string    `json:"reason,omitempty"`
}

// TaskDeadLetterPayload parks a task that is out of attempts or non-retryable
type TaskDeadLetterPayload struct {
	TaskID         string    `json:"task_id"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// WorkflowSubmitPayload creates a workflow and its member tasks
type WorkflowSubmitPayload struct {
	Workflow Workflow `json:"workflow"`
}

// WorkflowAdvancePayload triggers a deterministic DAG re-evaluation on
// every node
type WorkflowAdvancePayload struct {
	WorkflowID string    `json:"workflow_id"`
	At         time.Time `json:"at"`
}
