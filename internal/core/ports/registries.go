package ports

import (
	"context"

	"relaycast/internal/core/domain"
)

// BroadcasterRegistry is the single source of truth for which streams are
// live and what media they currently carry. All operations are atomic with
// respect to concurrent callers.
type BroadcasterRegistry interface {
	// Register stores the broadcaster session for streamID. Fails with
	// domain.ErrAlreadyBroadcasting if an active entry exists; it never
	// silently replaces one.
	Register(ctx context.Context, streamID domain.StreamID, sess PeerSession) error

	// MarkLive records an inbound track for streamID, flipping the stream to
	// live on the first one. Idempotent per track; a warning no-op when the
	// stream vanished concurrently.
	MarkLive(ctx context.Context, streamID domain.StreamID, track domain.TrackInfo) error

	// Get returns the session or domain.ErrStreamNotFound.
	Get(ctx context.Context, streamID domain.StreamID) (PeerSession, error)

	// Status returns the externally visible snapshot for one stream.
	Status(ctx context.Context, streamID domain.StreamID) (domain.StreamStatus, error)

	// List returns snapshots of all registered streams.
	List(ctx context.Context) []domain.StreamStatus

	// SetViewerCount updates the advertised viewer count for a stream.
	SetViewerCount(ctx context.Context, streamID domain.StreamID, count int)

	// Remove closes the session and deletes the entry. Idempotent.
	Remove(ctx context.Context, streamID domain.StreamID) error
}

// ViewerRegistry tracks viewer sessions keyed by viewer id, with a per-stream
// index so ending a broadcast can close every dependent viewer.
type ViewerRegistry interface {
	// Register stores the viewer session under viewerID and records it in
	// streamID's viewer set.
	Register(ctx context.Context, viewerID domain.ViewerID, streamID domain.StreamID, sess PeerSession) error

	// Get returns the session or domain.ErrViewerNotFound.
	Get(ctx context.Context, viewerID domain.ViewerID) (PeerSession, error)

	// StreamOf returns the stream a viewer is attached to.
	StreamOf(ctx context.Context, viewerID domain.ViewerID) (domain.StreamID, error)

	// CountByStream returns the number of viewers attached to streamID.
	CountByStream(ctx context.Context, streamID domain.StreamID) int

	// Remove closes the viewer session and deletes it from both indexes.
	// Idempotent.
	Remove(ctx context.Context, viewerID domain.ViewerID) error

	// RemoveByStream force-closes every viewer attached to streamID and
	// returns the ids that were removed.
	RemoveByStream(ctx context.Context, streamID domain.StreamID) []domain.ViewerID
}
