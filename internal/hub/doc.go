// Package hub is the realtime fan-out point between the router and operator
// clients.
//
// Each operator owns at most one live connection; a newer connection for the
// same operator evicts the older one with close code 4001. Administrators
// attach as observers and only receive observer broadcasts.
//
// Frames in both directions are JSON objects of the form
//
//	{"type": "<name>", "payload": {...}}
//
// Inbound frames are decoded into a closed set of Request types and validated
// before the Handler sees them. Outbound events are queued per connection and
// written by a dedicated goroutine, so a slow client never delays delivery to
// the others; its frames are dropped once its queue is full.
package hub
