// Package state implements the replicated task-engine state machine.
//
// Every mutation of cluster state is a typed log entry applied here, one
// at a time, in commit order. Apply handlers are deterministic and
// idempotent; any follow-up work (dispatch RPCs, retry proposals, DAG
// re-evaluation) leaves as an Action for the leader's driver loop rather
// than happening inside the apply step.
package state
