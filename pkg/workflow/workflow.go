package workflow

import (
	"fmt"

	"github.com/dpaschal/meshd/pkg/expr"
	"github.com/dpaschal/meshd/pkg/types"
)

// Evaluation is the outcome of one DAG pass over a workflow
type Evaluation struct {
	// ReadyKeys are pending tasks whose edges are all satisfied
	ReadyKeys []string
	// SkippedKeys are pending tasks with at least one unsatisfied edge
	SkippedKeys []string
	// NeedsAdvance is set when the second pass still produced changes;
	// the leader re-emits workflow_advance so every node converges
	// through identical log entries.
	NeedsAdvance bool
	// Complete is set once every member task is terminal
	Complete bool
	// State is the workflow state after this evaluation
	State types.WorkflowState
}

// Validate checks a workflow definition: non-empty keys, unique keys, known
// dependency targets and an acyclic graph. A cycle fails the workflow at
// submit time.
func Validate(wf *types.Workflow) error {
	keys := make(map[string]bool, len(wf.Tasks))
	for _, def := range wf.Tasks {
		if def.Key == "" {
			return fmt.Errorf("workflow %s: task with empty key", wf.Name)
		}
		if keys[def.Key] {
			return fmt.Errorf("workflow %s: duplicate task key %q", wf.Name, def.Key)
		}
		keys[def.Key] = true
	}

	indegree := make(map[string]int, len(wf.Tasks))
	children := make(map[string][]string)
	for _, def := range wf.Tasks {
		indegree[def.Key] += 0
		for _, dep := range def.DependsOn {
			if !keys[dep] {
				return fmt.Errorf("workflow %s: task %q depends on unknown key %q", wf.Name, def.Key, dep)
			}
			indegree[def.Key]++
			children[dep] = append(children[dep], def.Key)
		}
	}

	// Kahn's algorithm: if anything is left with an edge, there is a cycle
	var queue []string
	for key, deg := range indegree {
		if deg == 0 {
			queue = append(queue, key)
		}
	}
	visited := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[key] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited != len(wf.Tasks) {
		return fmt.Errorf("workflow %s: dependency graph has a cycle", wf.Name)
	}
	return nil
}

// Evaluate resolves readiness for every pending task of the workflow.
//
// The pass runs at most twice: skips and failures make downstream parents
// terminal, so a second pass catches the immediate cascade. If the second
// pass still changed anything, NeedsAdvance asks the leader for another
// workflow_advance entry rather than looping locally, so re-evaluation
// happens identically on every node.
//
// Evaluate mutates nothing; callers apply ReadyKeys and SkippedKeys.
func Evaluate(wf *types.Workflow, tasks []*types.Task, deps []*types.Dependency) Evaluation {
	byKey := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		byKey[t.Key] = t
	}

	// edges inbound per task key
	inbound := make(map[string][]*types.Dependency)
	for _, d := range deps {
		inbound[d.TaskKey] = append(inbound[d.TaskKey], d)
	}

	// states overlays byKey with this evaluation's own transitions so the
	// second pass sees the cascade
	states := make(map[string]types.TaskState, len(tasks))
	for key, t := range byKey {
		states[key] = t.State
	}

	var ev Evaluation
	for pass := 0; pass < 2; pass++ {
		changed := false
		for _, t := range tasks {
			if states[t.Key] != types.TaskStatePending {
				continue
			}

			ready, skipped := evaluateTask(t, inbound[t.Key], byKey, states, wf.Context)
			switch {
			case skipped:
				states[t.Key] = types.TaskStateSkipped
				ev.SkippedKeys = append(ev.SkippedKeys, t.Key)
				changed = true
			case ready:
				states[t.Key] = types.TaskStateQueued
				ev.ReadyKeys = append(ev.ReadyKeys, t.Key)
				changed = true
			}
		}
		if !changed {
			break
		}
		if pass == 1 {
			ev.NeedsAdvance = true
		}
	}

	ev.Complete, ev.State = terminalCheck(tasks, states)
	return ev
}

// evaluateTask decides ready/skipped for a single pending task. A task with
// a non-terminal predecessor stays pending.
func evaluateTask(t *types.Task, edges []*types.Dependency, byKey map[string]*types.Task,
	states map[string]types.TaskState, context map[string]string) (ready, skipped bool) {

	for _, edge := range edges {
		if !states[edge.DependsOnKey].Terminal() {
			return false, false
		}
	}

	env := expr.Env{
		Parents: make(map[string]expr.ParentResult, len(edges)),
		Context: context,
	}
	for _, edge := range edges {
		parent := byKey[edge.DependsOnKey]
		pr := expr.ParentResult{State: string(states[edge.DependsOnKey])}
		if parent != nil && parent.Result != nil {
			pr.ExitCode = parent.Result.ExitCode
			pr.Stdout = parent.Result.Stdout
			pr.Stderr = parent.Result.Stderr
		}
		env.Parents[edge.DependsOnKey] = pr
	}

	for _, edge := range edges {
		if edge.Condition == "" {
			// unconditioned edge is satisfied only by a completed parent
			if states[edge.DependsOnKey] != types.TaskStateCompleted {
				return false, true
			}
			continue
		}
		if !expr.Evaluate(edge.Condition, env) {
			return false, true
		}
	}
	return true, false
}

// terminalCheck computes the workflow's state: completed iff all members are
// terminal and none failed, dead-lettered or cancelled.
func terminalCheck(tasks []*types.Task, states map[string]types.TaskState) (bool, types.WorkflowState) {
	failed := false
	for _, t := range tasks {
		s := states[t.Key]
		if !s.Terminal() {
			return false, types.WorkflowStateRunning
		}
		switch s {
		case types.TaskStateFailed, types.TaskStateDeadLetter, types.TaskStateCancelled:
			failed = true
		}
	}
	if failed {
		return true, types.WorkflowStateFailed
	}
	return true, types.WorkflowStateCompleted
}
