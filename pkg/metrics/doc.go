// Package metrics registers the daemon's Prometheus collectors and
// serves them over /metrics.
package metrics
