// Package config holds the daemon configuration: defaults, YAML file
// loading and validation. CLI flags are layered on top by cmd/meshd.
package config
