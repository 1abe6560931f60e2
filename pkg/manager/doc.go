/*
Package manager assembles the meshd daemon and fronts its RPC surface.

A Manager owns one of everything: the bbolt-backed store, the replicated
state machine, the raft node, the event broker, membership, the scheduler,
the dispatcher and the worker agent. The cmd layer creates a Manager, hangs
it on a gRPC server and calls Bootstrap or Join.

# Control flow

Every mutation follows the same path: an RPC handler (api.go) validates the
request and proposes a log entry; the state machine applies it on every
replica; the commit callback feeds metrics, publishes broker events and, on
the leader, queues the entry's follow-up actions. A driver goroutine turns
those actions back into proposals (retry, dead-letter, workflow advance) or
into dispatcher calls. Apply never proposes inline.

# Leadership

The scheduler, dispatcher, membership sweeps and the action driver act only
while this node leads. On gaining leadership the manager re-derives lost
in-flight decisions from the store: failed tasks get their retry decision
re-queued, running workflows get an advance, the scheduler is woken.

Example:

	cfg, _ := config.Load(path)
	store, _ := storage.NewBoltStore(cfg.DataDir)
	mgr := manager.New(cfg, store)
	if err := mgr.Bootstrap(ctx); err != nil {
		// handle
	}
	defer mgr.Stop()
*/
package manager
