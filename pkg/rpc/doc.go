// Package rpc defines the daemon's gRPC surface: the Cluster service for
// clients and peers, the Worker service the leader dispatches through,
// and the Updater service for rolling binary updates. Messages ride a
// registered JSON codec; service descriptors are written by hand.
package rpc
