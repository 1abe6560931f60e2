// Package consensus wraps hashicorp/raft behind the daemon's contract:
// propose a typed entry and receive the state machine's result, observe
// leadership transitions, and manage the voter set. Election timing,
// replication and snapshot transfer are the library's responsibility.
package consensus
