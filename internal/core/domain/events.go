package domain

import "time"

// SessionEventKind tags the events a peer session emits toward the
// orchestrator. Event delivery replaces the callback closures the underlying
// transport uses, so the orchestrator never shares mutable state with the
// transport's goroutines.
type SessionEventKind string

const (
	EventTrackReceived SessionEventKind = "track_received"
	EventStateChanged  SessionEventKind = "state_changed"
)

// SessionEvent is one asynchronous notification from a peer session.
// Track is set for EventTrackReceived, State for EventStateChanged.
type SessionEvent struct {
	Kind      SessionEventKind
	State     SessionState
	Track     TrackInfo
	Timestamp time.Time
}
