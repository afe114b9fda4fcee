package ports

import (
	"context"

	"relaycast/internal/core/domain"
)

// Orchestrator is the coordination brain consumed by the signaling transport.
// Every method is safe for concurrent use; operations on unrelated streams
// never block each other.
type Orchestrator interface {
	// HandleBroadcastOffer admits a broadcaster for streamID and returns the
	// relay's answer SDP. Fails with domain.ErrAlreadyBroadcasting when a
	// healthy broadcaster already owns the stream.
	HandleBroadcastOffer(ctx context.Context, streamID domain.StreamID, offerSDP string) (string, error)

	// HandleViewerJoin admits a viewer against an existing broadcast and
	// returns the relay-generated offer SDP. Fails with
	// domain.ErrStreamNotFound or domain.ErrStreamNotReady.
	HandleViewerJoin(ctx context.Context, streamID domain.StreamID, viewerID domain.ViewerID) (string, error)

	// HandleViewerAnswer completes a viewer's negotiation.
	HandleViewerAnswer(ctx context.Context, viewerID domain.ViewerID, answerSDP string) error

	// HandleBroadcastCandidate routes a broadcaster ICE candidate. A missing
	// target is a benign race: logged and swallowed.
	HandleBroadcastCandidate(ctx context.Context, streamID domain.StreamID, cand domain.ICECandidate) error

	// HandleViewerCandidate routes a viewer ICE candidate, same race policy.
	HandleViewerCandidate(ctx context.Context, viewerID domain.ViewerID, cand domain.ICECandidate) error

	// EndBroadcast stops a stream, force-closing every attached viewer before
	// removing the broadcaster. Idempotent.
	EndBroadcast(ctx context.Context, streamID domain.StreamID) error

	// EndViewer removes a single viewer. Idempotent.
	EndViewer(ctx context.Context, viewerID domain.ViewerID) error

	// StreamStatus returns the snapshot for one stream.
	StreamStatus(ctx context.Context, streamID domain.StreamID) (domain.StreamStatus, error)

	// ListStreams returns snapshots of all live streams.
	ListStreams(ctx context.Context) []domain.StreamStatus
}

// Notifier receives server-initiated stream events for the out-of-band push
// channel. Implementations must not block the caller.
type Notifier interface {
	StreamLive(streamID domain.StreamID)
	StreamEnded(streamID domain.StreamID)
	ViewerCountChanged(streamID domain.StreamID, count int)
}
