package registry

import (
	"context"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"go.uber.org/zap"
)

type viewerEntry struct {
	session  ports.PeerSession
	streamID domain.StreamID
}

// ViewerRegistry is the in-memory implementation of ports.ViewerRegistry.
// Besides the primary viewer index it maintains a per-stream set of viewer
// ids, so ending a broadcast can close every dependent session instead of
// leaking them.
type ViewerRegistry struct {
	mu       sync.RWMutex
	viewers  map[domain.ViewerID]*viewerEntry
	byStream map[domain.StreamID]map[domain.ViewerID]struct{}
	logger   *zap.SugaredLogger
}

func NewViewerRegistry(logger *zap.SugaredLogger) *ViewerRegistry {
	return &ViewerRegistry{
		viewers:  make(map[domain.ViewerID]*viewerEntry),
		byStream: make(map[domain.StreamID]map[domain.ViewerID]struct{}),
		logger:   logger,
	}
}

func (r *ViewerRegistry) Register(ctx context.Context, viewerID domain.ViewerID, streamID domain.StreamID, sess ports.PeerSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.viewers[viewerID]; exists {
		return domain.ErrInvalidState
	}

	r.viewers[viewerID] = &viewerEntry{session: sess, streamID: streamID}
	set, ok := r.byStream[streamID]
	if !ok {
		set = make(map[domain.ViewerID]struct{})
		r.byStream[streamID] = set
	}
	set[viewerID] = struct{}{}
	return nil
}

func (r *ViewerRegistry) Get(ctx context.Context, viewerID domain.ViewerID) (ports.PeerSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.viewers[viewerID]
	if !exists {
		return nil, domain.ErrViewerNotFound
	}
	return entry.session, nil
}

func (r *ViewerRegistry) StreamOf(ctx context.Context, viewerID domain.ViewerID) (domain.StreamID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.viewers[viewerID]
	if !exists {
		return "", domain.ErrViewerNotFound
	}
	return entry.streamID, nil
}

func (r *ViewerRegistry) CountByStream(ctx context.Context, streamID domain.StreamID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byStream[streamID])
}

// Remove deletes and closes one viewer. Idempotent.
func (r *ViewerRegistry) Remove(ctx context.Context, viewerID domain.ViewerID) error {
	r.mu.Lock()
	entry, exists := r.viewers[viewerID]
	if exists {
		delete(r.viewers, viewerID)
		r.detachLocked(entry.streamID, viewerID)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}
	r.closeSession(viewerID, entry)
	return nil
}

// RemoveByStream force-closes every viewer attached to streamID. Sessions are
// closed outside the lock so a slow transport teardown cannot stall joins on
// other streams.
func (r *ViewerRegistry) RemoveByStream(ctx context.Context, streamID domain.StreamID) []domain.ViewerID {
	r.mu.Lock()
	set := r.byStream[streamID]
	delete(r.byStream, streamID)

	removed := make([]domain.ViewerID, 0, len(set))
	entries := make([]*viewerEntry, 0, len(set))
	for viewerID := range set {
		if entry, ok := r.viewers[viewerID]; ok {
			removed = append(removed, viewerID)
			entries = append(entries, entry)
			delete(r.viewers, viewerID)
		}
	}
	r.mu.Unlock()

	for i, entry := range entries {
		r.closeSession(removed[i], entry)
	}
	return removed
}

// detachLocked drops viewerID from its stream's set. Caller holds r.mu.
func (r *ViewerRegistry) detachLocked(streamID domain.StreamID, viewerID domain.ViewerID) {
	set, ok := r.byStream[streamID]
	if !ok {
		return
	}
	delete(set, viewerID)
	if len(set) == 0 {
		delete(r.byStream, streamID)
	}
}

func (r *ViewerRegistry) closeSession(viewerID domain.ViewerID, entry *viewerEntry) {
	if err := entry.session.Close(); err != nil {
		r.logger.Warnw("error closing viewer session",
			"viewer_id", viewerID,
			"stream_id", entry.streamID,
			"error", err,
		)
	}
}
