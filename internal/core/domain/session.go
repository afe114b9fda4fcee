package domain

import "time"

type StreamID string
type ViewerID string
type SessionID string
type TrackID string

// SessionRole distinguishes the two signaling roles: a broadcaster pushes an
// offer and receives the relay's answer, a viewer receives a relay-generated
// offer and pushes an answer.
type SessionRole string

const (
	RoleBroadcaster SessionRole = "broadcaster"
	RoleViewer      SessionRole = "viewer"
)

// SessionState is the negotiation state of a peer session. Transitions are
// driven synchronously by signaling operations up to AnswerSet; Connected and
// the terminal states are driven by the transport's connection-state callback.
type SessionState string

const (
	StateNew           SessionState = "new"
	StateOfferSent     SessionState = "offer_sent"
	StateOfferReceived SessionState = "offer_received"
	StateAnswerSet     SessionState = "answer_set"
	StateConnected     SessionState = "connected"
	StateDisconnected  SessionState = "disconnected"
	StateFailed        SessionState = "failed"
	StateClosed        SessionState = "closed"
)

// Terminal reports whether a session in this state can never progress again.
func (s SessionState) Terminal() bool {
	switch s {
	case StateDisconnected, StateFailed, StateClosed:
		return true
	}
	return false
}

// TrackInfo describes one media track relayed from a broadcaster.
type TrackInfo struct {
	ID   TrackID
	Kind string // "audio" or "video"
}

// ICECandidate is the transport-agnostic candidate payload exchanged during
// connectivity establishment.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// StreamStatus is the externally visible snapshot of one broadcast.
type StreamStatus struct {
	StreamID    StreamID    `json:"streamId"`
	Live        bool        `json:"live"`
	ViewerCount int         `json:"viewerCount"`
	Tracks      []TrackInfo `json:"-"`
	StartedAt   time.Time   `json:"startedAt"`
}
