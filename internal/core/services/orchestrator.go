package services

import (
	"context"
	"fmt"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"go.uber.org/zap"
)

// Collector receives orchestrator-level measurements. The prometheus
// implementation lives in infrastructure/monitoring; tests use NopCollector.
type Collector interface {
	SessionStarted(role domain.SessionRole)
	SessionEnded(role domain.SessionRole)
	SessionFailed(role domain.SessionRole)
	ObserveNegotiation(role domain.SessionRole, d time.Duration)
	SetStreamViewers(streamID domain.StreamID, count int)
	StreamStarted()
	StreamEnded(streamID domain.StreamID)
}

// NopCollector discards all measurements.
type NopCollector struct{}

func (NopCollector) SessionStarted(domain.SessionRole)                    {}
func (NopCollector) SessionEnded(domain.SessionRole)                      {}
func (NopCollector) SessionFailed(domain.SessionRole)                     {}
func (NopCollector) ObserveNegotiation(domain.SessionRole, time.Duration) {}
func (NopCollector) SetStreamViewers(domain.StreamID, int)                {}
func (NopCollector) StreamStarted()                                       {}
func (NopCollector) StreamEnded(domain.StreamID)                          {}

// Config bounds session lifetimes.
type Config struct {
	// ConnectTimeout is how long a session may go without reaching Connected
	// before it is force-closed.
	ConnectTimeout time.Duration
	// IdleTimeout is how long a broadcast may run with zero viewers before
	// the reaper removes it.
	IdleTimeout time.Duration
	// SweepInterval is the reaper period.
	SweepInterval time.Duration
}

// Orchestrator coordinates broadcaster admission, viewer admission,
// negotiation and cleanup. It implements ports.Orchestrator. All state lives
// in the injected registries; the orchestrator itself is stateless apart from
// per-session watcher goroutines.
type Orchestrator struct {
	broadcasters ports.BroadcasterRegistry
	viewers      ports.ViewerRegistry
	factory      ports.SessionFactory
	notifier     ports.Notifier
	collector    Collector
	cfg          Config
	logger       *zap.SugaredLogger
}

func NewOrchestrator(
	broadcasters ports.BroadcasterRegistry,
	viewers ports.ViewerRegistry,
	factory ports.SessionFactory,
	notifier ports.Notifier,
	collector Collector,
	cfg Config,
	logger *zap.SugaredLogger,
) *Orchestrator {
	return &Orchestrator{
		broadcasters: broadcasters,
		viewers:      viewers,
		factory:      factory,
		notifier:     notifier,
		collector:    collector,
		cfg:          cfg,
		logger:       logger,
	}
}

// HandleBroadcastOffer admits a broadcaster and returns the relay's answer.
// A conflicting offer for an already-claimed stream is rejected, never
// silently replaces the active broadcaster: replacement would drop every
// attached viewer without notice.
func (o *Orchestrator) HandleBroadcastOffer(ctx context.Context, streamID domain.StreamID, offerSDP string) (string, error) {
	sess, err := o.factory.NewSession(string(streamID), domain.RoleBroadcaster)
	if err != nil {
		return "", fmt.Errorf("failed to create broadcaster session: %w", err)
	}

	if err := o.broadcasters.Register(ctx, streamID, sess); err != nil {
		sess.Close()
		return "", err
	}

	started := time.Now()
	answer, err := sess.AcceptOffer(ctx, offerSDP)
	if err != nil {
		o.broadcasters.Remove(context.WithoutCancel(ctx), streamID)
		o.collector.SessionFailed(domain.RoleBroadcaster)
		return "", err
	}

	o.collector.SessionStarted(domain.RoleBroadcaster)
	o.collector.ObserveNegotiation(domain.RoleBroadcaster, time.Since(started))
	o.collector.StreamStarted()

	go o.watchBroadcaster(streamID, sess)

	o.logger.Infow("broadcaster admitted",
		"stream_id", streamID,
		"negotiation_ms", time.Since(started).Milliseconds(),
	)
	return answer, nil
}

// HandleViewerJoin admits a viewer against an existing, live broadcast and
// returns the relay-generated offer. The viewer only carries the tracks the
// broadcaster has at this moment; later track changes require re-negotiation.
func (o *Orchestrator) HandleViewerJoin(ctx context.Context, streamID domain.StreamID, viewerID domain.ViewerID) (string, error) {
	bsess, err := o.broadcasters.Get(ctx, streamID)
	if err != nil {
		return "", err
	}

	tracks := bsess.LocalTracks()
	if len(tracks) == 0 {
		return "", domain.ErrStreamNotReady
	}

	vsess, err := o.factory.NewSession(string(viewerID), domain.RoleViewer)
	if err != nil {
		return "", fmt.Errorf("failed to create viewer session: %w", err)
	}

	if err := vsess.AttachTracks(tracks); err != nil {
		vsess.Close()
		return "", fmt.Errorf("failed to attach broadcaster tracks: %w", err)
	}

	if err := o.viewers.Register(ctx, viewerID, streamID, vsess); err != nil {
		vsess.Close()
		return "", fmt.Errorf("viewer %s already registered: %w", viewerID, err)
	}

	// Re-check after registering: a cascade-close may have raced the join, in
	// which case this viewer would outlive its stream.
	if _, err := o.broadcasters.Get(ctx, streamID); err != nil {
		o.viewers.Remove(context.WithoutCancel(ctx), viewerID)
		return "", domain.ErrStreamNotFound
	}

	started := time.Now()
	offer, err := vsess.CreateOffer(ctx)
	if err != nil {
		o.viewers.Remove(context.WithoutCancel(ctx), viewerID)
		o.collector.SessionFailed(domain.RoleViewer)
		return "", err
	}

	o.collector.SessionStarted(domain.RoleViewer)
	o.collector.ObserveNegotiation(domain.RoleViewer, time.Since(started))
	o.updateViewerCount(ctx, streamID)

	// Nudge the broadcaster for a keyframe so the new viewer renders quickly.
	if err := bsess.RequestKeyFrame(); err != nil {
		o.logger.Debugw("keyframe request failed", "stream_id", streamID, "error", err)
	}

	go o.watchViewer(viewerID, streamID, vsess)

	o.logger.Infow("viewer admitted",
		"viewer_id", viewerID,
		"stream_id", streamID,
		"tracks", len(tracks),
	)
	return offer, nil
}

// HandleViewerAnswer completes a viewer's negotiation.
func (o *Orchestrator) HandleViewerAnswer(ctx context.Context, viewerID domain.ViewerID, answerSDP string) error {
	sess, err := o.viewers.Get(ctx, viewerID)
	if err != nil {
		return err
	}
	return sess.AcceptAnswer(ctx, answerSDP)
}

// HandleBroadcastCandidate routes a broadcaster candidate. A missing stream is
// the usual teardown race: logged, not surfaced.
func (o *Orchestrator) HandleBroadcastCandidate(ctx context.Context, streamID domain.StreamID, cand domain.ICECandidate) error {
	sess, err := o.broadcasters.Get(ctx, streamID)
	if err != nil {
		o.logger.Debugw("candidate for unknown stream ignored", "stream_id", streamID)
		return nil
	}
	return sess.AddICECandidate(cand)
}

// HandleViewerCandidate routes a viewer candidate, same race policy.
func (o *Orchestrator) HandleViewerCandidate(ctx context.Context, viewerID domain.ViewerID, cand domain.ICECandidate) error {
	sess, err := o.viewers.Get(ctx, viewerID)
	if err != nil {
		o.logger.Debugw("candidate for unknown viewer ignored", "viewer_id", viewerID)
		return nil
	}
	return sess.AddICECandidate(cand)
}

// EndBroadcast stops a stream. The broadcaster entry is removed before the
// viewer cascade so a join racing the teardown fails its post-register
// re-check instead of attaching to a dead stream. Idempotent.
func (o *Orchestrator) EndBroadcast(ctx context.Context, streamID domain.StreamID) error {
	_, getErr := o.broadcasters.Get(ctx, streamID)
	if err := o.broadcasters.Remove(ctx, streamID); err != nil {
		return err
	}

	removed := o.viewers.RemoveByStream(ctx, streamID)
	for range removed {
		o.collector.SessionEnded(domain.RoleViewer)
	}

	if getErr != nil {
		if len(removed) > 0 {
			o.logger.Warnw("viewers removed for already-gone broadcaster",
				"stream_id", streamID,
				"viewers", len(removed),
			)
		}
		return nil
	}

	o.collector.SessionEnded(domain.RoleBroadcaster)
	o.collector.StreamEnded(streamID)
	o.notifier.StreamEnded(streamID)

	o.logger.Infow("broadcast ended",
		"stream_id", streamID,
		"viewers_closed", len(removed),
	)
	return nil
}

// EndViewer removes a single viewer. Idempotent.
func (o *Orchestrator) EndViewer(ctx context.Context, viewerID domain.ViewerID) error {
	streamID, err := o.viewers.StreamOf(ctx, viewerID)
	if err != nil {
		return nil
	}

	if err := o.viewers.Remove(ctx, viewerID); err != nil {
		return err
	}

	o.collector.SessionEnded(domain.RoleViewer)
	o.updateViewerCount(ctx, streamID)

	o.logger.Infow("viewer left", "viewer_id", viewerID, "stream_id", streamID)
	return nil
}

func (o *Orchestrator) StreamStatus(ctx context.Context, streamID domain.StreamID) (domain.StreamStatus, error) {
	return o.broadcasters.Status(ctx, streamID)
}

func (o *Orchestrator) ListStreams(ctx context.Context) []domain.StreamStatus {
	return o.broadcasters.List(ctx)
}

// watchBroadcaster consumes a broadcaster session's events: track arrivals
// flip the stream live, terminal transport states trigger the full cascade.
// The connect deadline rides the same loop because the events channel has a
// single consumer.
func (o *Orchestrator) watchBroadcaster(streamID domain.StreamID, sess ports.PeerSession) {
	ctx := context.Background()
	deadline := time.NewTimer(o.cfg.ConnectTimeout)
	defer deadline.Stop()

	connected := false
	announcedLive := false

	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case domain.EventTrackReceived:
				if err := o.broadcasters.MarkLive(ctx, streamID, ev.Track); err != nil {
					o.logger.Warnw("failed to record track", "stream_id", streamID, "error", err)
					continue
				}
				if !announcedLive {
					announcedLive = true
					o.notifier.StreamLive(streamID)
				}
			case domain.EventStateChanged:
				switch ev.State {
				case domain.StateConnected:
					connected = true
				case domain.StateDisconnected, domain.StateFailed, domain.StateClosed:
					if ev.State == domain.StateFailed {
						o.collector.SessionFailed(domain.RoleBroadcaster)
					}
					o.EndBroadcast(ctx, streamID)
					return
				}
			}

		case <-deadline.C:
			if connected {
				continue
			}
			o.logger.Warnw("broadcaster never connected, force-closing",
				"stream_id", streamID,
				"timeout", o.cfg.ConnectTimeout,
			)
			o.collector.SessionFailed(domain.RoleBroadcaster)
			o.EndBroadcast(ctx, streamID)
			return
		}
	}
}

// watchViewer mirrors watchBroadcaster for a single viewer session.
func (o *Orchestrator) watchViewer(viewerID domain.ViewerID, streamID domain.StreamID, sess ports.PeerSession) {
	ctx := context.Background()
	deadline := time.NewTimer(o.cfg.ConnectTimeout)
	defer deadline.Stop()

	connected := false

	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			if ev.Kind != domain.EventStateChanged {
				continue
			}
			switch ev.State {
			case domain.StateConnected:
				connected = true
			case domain.StateDisconnected, domain.StateFailed, domain.StateClosed:
				if ev.State == domain.StateFailed {
					o.collector.SessionFailed(domain.RoleViewer)
				}
				o.EndViewer(ctx, viewerID)
				return
			}

		case <-deadline.C:
			if connected {
				continue
			}
			o.logger.Warnw("viewer never connected, force-closing",
				"viewer_id", viewerID,
				"stream_id", streamID,
				"timeout", o.cfg.ConnectTimeout,
			)
			o.collector.SessionFailed(domain.RoleViewer)
			o.EndViewer(ctx, viewerID)
			return
		}
	}
}

func (o *Orchestrator) updateViewerCount(ctx context.Context, streamID domain.StreamID) {
	count := o.viewers.CountByStream(ctx, streamID)
	o.broadcasters.SetViewerCount(ctx, streamID, count)
	o.collector.SetStreamViewers(streamID, count)
	o.notifier.ViewerCountChanged(streamID, count)
}

var _ ports.Orchestrator = (*Orchestrator)(nil)
