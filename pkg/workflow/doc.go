/*
Package workflow evaluates task DAGs.

A workflow is a flat set of dependency edges keyed by workflow id; there are
no in-memory object graphs. Evaluate answers, for every pending member task,
whether it is ready (all inbound edges satisfied), skipped (any edge
unsatisfied), or still waiting on a non-terminal predecessor, and reports
the workflow's terminal state once all members settle.

Edge semantics: an edge without a condition is satisfied only by a completed
predecessor; an edge with a condition is satisfied when the expression
evaluates truthy against the parent-results map and the workflow context
(see package expr). Skips and failures cascade because they make downstream
predecessors terminal.

Validate rejects duplicate keys, unknown dependency targets and cycles at
submit time.
*/
package workflow
