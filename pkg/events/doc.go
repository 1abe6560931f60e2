// Package events fans cluster lifecycle events out to subscribers. Slow
// subscribers miss events rather than stalling the broker.
package events
