// Package dispatch moves assigned tasks between the leader and the node
// that runs them. The leader-side Dispatcher streams each task to its
// node's Worker service behind a per-node circuit breaker; the worker
// side Agent executes tasks through a pluggable executor registry and
// streams output back under a bounded buffer.
package dispatch
