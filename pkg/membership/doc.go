// Package membership manages the node lifecycle: join requests with
// token or operator approval, heartbeat liveness, drain, and removal of
// long-offline ephemeral nodes.
package membership
