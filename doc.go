// Package ticl is a thin invalidation client: a long-lived client that
// maintains a registration set against a remote invalidation service,
// receives and acknowledges invalidation notifications for objects in that
// set, and keeps its session token and server-driven pacing parameters in
// sync.
//
// The core runs single-threaded. A Scheduler collaborator provides one
// internal goroutine that serializes every mutation of core state. Entry
// points that can be reached from other goroutines (network callbacks, the
// application API on Client) trampoline onto the internal goroutine with
// Scheduler.Schedule before touching state.
//
// Logging convention, matching the rest of our network components:
//
//	Info: essential events for abnormal behavior, plus infrequent
//	      initialization data useful for monitoring
//	Error: unrecoverable crash details
//	V(1): key protocol events with ids that can be used to filter
//	V(2): frequent per-message traffic
package ticl
