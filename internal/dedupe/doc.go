// Package dedupe keeps a bounded, time-windowed set of inbound message ids so
// redelivered channel events are dropped before they reach the store.
package dedupe
