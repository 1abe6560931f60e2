// Package scheduler places queued tasks on active nodes. Placement
// filters on task constraints, spreads by in-flight load and breaks ties
// by the configured criterion; every assignment is proposed through
// consensus so replicas agree on who runs what.
package scheduler
