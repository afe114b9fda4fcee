package registry

import (
	"context"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"go.uber.org/zap"
)

type broadcasterEntry struct {
	session     ports.PeerSession
	tracks      []domain.TrackInfo
	seen        map[domain.TrackID]struct{}
	viewerCount int
	startedAt   time.Time
}

// BroadcasterRegistry is the in-memory implementation of
// ports.BroadcasterRegistry. A single mutex guards the map; contention is low
// because entries are touched once per signaling operation, not per packet.
type BroadcasterRegistry struct {
	mu      sync.RWMutex
	entries map[domain.StreamID]*broadcasterEntry
	logger  *zap.SugaredLogger
}

func NewBroadcasterRegistry(logger *zap.SugaredLogger) *BroadcasterRegistry {
	return &BroadcasterRegistry{
		entries: make(map[domain.StreamID]*broadcasterEntry),
		logger:  logger,
	}
}

// Register stores the session for streamID. The check and the insert happen
// under one lock so two concurrent broadcast offers cannot both win.
func (r *BroadcasterRegistry) Register(ctx context.Context, streamID domain.StreamID, sess ports.PeerSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[streamID]; exists {
		return domain.ErrAlreadyBroadcasting
	}

	r.entries[streamID] = &broadcasterEntry{
		session:   sess,
		seen:      make(map[domain.TrackID]struct{}),
		startedAt: time.Now(),
	}
	return nil
}

// MarkLive records an inbound track. Duplicate reports of the same track are
// ignored; an unknown stream is a benign race with removal.
func (r *BroadcasterRegistry) MarkLive(ctx context.Context, streamID domain.StreamID, track domain.TrackInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[streamID]
	if !exists {
		r.logger.Warnw("track arrived for unknown stream, broadcaster removed concurrently",
			"stream_id", streamID,
			"track_id", track.ID,
		)
		return nil
	}

	if _, dup := entry.seen[track.ID]; dup {
		return nil
	}
	entry.seen[track.ID] = struct{}{}
	entry.tracks = append(entry.tracks, track)
	return nil
}

func (r *BroadcasterRegistry) Get(ctx context.Context, streamID domain.StreamID) (ports.PeerSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[streamID]
	if !exists {
		return nil, domain.ErrStreamNotFound
	}
	return entry.session, nil
}

func (r *BroadcasterRegistry) Status(ctx context.Context, streamID domain.StreamID) (domain.StreamStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[streamID]
	if !exists {
		return domain.StreamStatus{}, domain.ErrStreamNotFound
	}
	return r.statusLocked(streamID, entry), nil
}

func (r *BroadcasterRegistry) List(ctx context.Context) []domain.StreamStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.StreamStatus, 0, len(r.entries))
	for id, entry := range r.entries {
		out = append(out, r.statusLocked(id, entry))
	}
	return out
}

func (r *BroadcasterRegistry) SetViewerCount(ctx context.Context, streamID domain.StreamID, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[streamID]; exists {
		entry.viewerCount = count
	}
}

// Remove closes the broadcaster session and deletes the entry. Calling it for
// a stream that is already gone is a no-op.
func (r *BroadcasterRegistry) Remove(ctx context.Context, streamID domain.StreamID) error {
	r.mu.Lock()
	entry, exists := r.entries[streamID]
	delete(r.entries, streamID)
	r.mu.Unlock()

	if !exists {
		return nil
	}

	if err := entry.session.Close(); err != nil {
		r.logger.Warnw("error closing broadcaster session",
			"stream_id", streamID,
			"error", err,
		)
	}
	return nil
}

func (r *BroadcasterRegistry) statusLocked(streamID domain.StreamID, entry *broadcasterEntry) domain.StreamStatus {
	tracks := make([]domain.TrackInfo, len(entry.tracks))
	copy(tracks, entry.tracks)
	return domain.StreamStatus{
		StreamID:    streamID,
		Live:        len(entry.tracks) > 0,
		ViewerCount: entry.viewerCount,
		Tracks:      tracks,
		StartedAt:   entry.startedAt,
	}
}
