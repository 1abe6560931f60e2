// Package updater performs rolling binary updates: every node serves a
// staging service that receives and activates pushed binaries, and the
// leader drives the rollout follower by follower, updating itself last
// after yielding leadership.
package updater
