package state

import (
	"time"
)

// ActionKind enumerates the follow-ups an apply step can ask of the leader
type ActionKind string

const (
	// ActionRetry asks the leader to emit task_retry with the computed
	// attempt and backoff.
	ActionRetry ActionKind = "retry"

	// ActionDeadLetter asks the leader to emit task_dead_letter.
	ActionDeadLetter ActionKind = "dead_letter"

	// ActionCancelRunning asks the leader to send a best-effort cancel
	// RPC to the executor on NodeID.
	ActionCancelRunning ActionKind = "cancel_running"

	// ActionDispatch asks the leader to send the dispatch RPC for a
	// freshly assigned task.
	ActionDispatch ActionKind = "dispatch"

	// ActionWorkflowAdvance asks the leader to emit workflow_advance so
	// every node re-evaluates the DAG identically.
	ActionWorkflowAdvance ActionKind = "workflow_advance"
)

// Action is a state-machine output interpreted by the leader's driver loop.
// The state machine itself never initiates RPCs or proposals.
type Action struct {
	Kind       ActionKind
	TaskID     string
	NodeID     string
	WorkflowID string
	Reason     string

	// retry parameters, computed at the moment of failure
	Attempt int
	Backoff time.Duration
}

// ApplyResult is returned from each apply step. On the leader it rides the
// proposal future back to the proposer; the commit subscription delivers it
// everywhere else.
type ApplyResult struct {
	Actions []Action
	Err     error

	// NodeOnline is set to the node id when the entry brought an offline
	// node back to active. The prior status is gone after the apply, so
	// the transition has to be surfaced here for watchers.
	NodeOnline string
}
