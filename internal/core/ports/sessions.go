package ports

import (
	"context"
	"time"

	"relaycast/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerSession wraps a single underlying peer connection and its negotiation
// lifecycle. Implementations must serialize their own state transitions; the
// orchestrator calls these methods from concurrent request handlers.
type PeerSession interface {
	ID() string
	Role() domain.SessionRole
	State() domain.SessionState
	CreatedAt() time.Time

	// CreateOffer generates and applies a local offer. Valid only from New;
	// a second call fails with domain.ErrNegotiation.
	CreateOffer(ctx context.Context) (string, error)

	// AcceptOffer applies a remote offer and returns the local answer.
	// Valid only from New; malformed SDP fails with domain.ErrNegotiation.
	AcceptOffer(ctx context.Context, offerSDP string) (string, error)

	// AcceptAnswer applies the remote answer to a previously created offer.
	// Valid only from OfferSent. The Connected transition is reported later
	// through Events, driven by the transport.
	AcceptAnswer(ctx context.Context, answerSDP string) error

	// AddICECandidate applies or buffers a remote candidate. Candidates that
	// arrive before the remote description are buffered and flushed once it
	// is set.
	AddICECandidate(cand domain.ICECandidate) error

	// AttachTracks adds local tracks to the connection. Must happen before
	// offer/answer creation; fails with domain.ErrInvalidState once the
	// session is connected or closed.
	AttachTracks(tracks []webrtc.TrackLocal) error

	// LocalTracks returns the relay-side tracks this session publishes. For a
	// broadcaster session these are the forwarded copies of inbound media.
	LocalTracks() []webrtc.TrackLocal

	// TrackInfos describes LocalTracks without exposing transport types.
	TrackInfos() []domain.TrackInfo

	// Events delivers track arrivals and state changes. The channel is closed
	// when the session closes.
	Events() <-chan domain.SessionEvent

	// RequestKeyFrame asks the remote publisher for an intra frame on every
	// inbound video track. No-op for sessions without inbound media.
	RequestKeyFrame() error

	// Close releases the underlying connection and buffered candidates.
	// Idempotent and safe in any state.
	Close() error
}

// SessionFactory creates peer sessions bound to the configured WebRTC engine.
type SessionFactory interface {
	NewSession(id string, role domain.SessionRole) (PeerSession, error)
}
