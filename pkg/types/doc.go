/*
Package types defines the core data structures shared across the orchestrator.

This package contains the domain model replicated through the consensus log:
nodes, tasks, workflows, dependency edges, task events, and the log-entry
payloads that mutate them. It also defines the error kinds the core surfaces
across its API boundaries.

All replicated entities are owned by the state machine on each member and are
mutated only by the apply bus as it processes committed entries. Everything in
this package is JSON-serializable; memory and disk figures are always bytes.

Task state machine:

	created   ─ task_submit (standalone) ─▶ queued
	created   ─ task_submit (workflow)   ─▶ pending
	pending   ─ workflow_advance ─▶ queued | skipped
	queued    ─ task_assign   ─▶ assigned
	assigned  ─ task_started  ─▶ running
	running   ─ task_complete ─▶ completed
	running   ─ task_failed   ─▶ queued (via task_retry) | dead_letter
	queued|assigned|running ─ task_cancel ─▶ cancelled

Terminal states (completed, failed, cancelled, dead_letter, skipped) never
transition again.
*/
package types
