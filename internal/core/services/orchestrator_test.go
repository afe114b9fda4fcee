package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/internal/infrastructure/registry"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	id   string
	role domain.SessionRole

	mu        sync.Mutex
	state     domain.SessionState
	tracks    []webrtc.TrackLocal
	infos     []domain.TrackInfo
	pending   []domain.ICECandidate
	answers   []string
	closed    bool
	events    chan domain.SessionEvent
	created   time.Time
	keyReqs   atomic.Int32
	offerErr  error
	closeHook func()
}

func newFakeSession(id string, role domain.SessionRole) *fakeSession {
	return &fakeSession{
		id:      id,
		role:    role,
		state:   domain.StateNew,
		events:  make(chan domain.SessionEvent, 16),
		created: time.Now(),
	}
}

func (s *fakeSession) ID() string               { return s.id }
func (s *fakeSession) Role() domain.SessionRole { return s.role }
func (s *fakeSession) CreatedAt() time.Time     { return s.created }

func (s *fakeSession) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) CreateOffer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerErr != nil {
		return "", s.offerErr
	}
	if s.state != domain.StateNew {
		return "", domain.ErrNegotiation
	}
	s.state = domain.StateOfferSent
	return "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n", nil
}

func (s *fakeSession) AcceptOffer(ctx context.Context, offerSDP string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateNew {
		return "", domain.ErrNegotiation
	}
	s.state = domain.StateAnswerSet
	return "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n", nil
}

func (s *fakeSession) AcceptAnswer(ctx context.Context, answerSDP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateOfferSent {
		return domain.ErrInvalidState
	}
	s.state = domain.StateAnswerSet
	s.answers = append(s.answers, answerSDP)
	return nil
}

func (s *fakeSession) AddICECandidate(cand domain.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateClosed {
		return domain.ErrInvalidState
	}
	s.pending = append(s.pending, cand)
	return nil
}

func (s *fakeSession) AttachTracks(tracks []webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateNew {
		return domain.ErrInvalidState
	}
	s.tracks = append(s.tracks, tracks...)
	return nil
}

func (s *fakeSession) LocalTracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *fakeSession) TrackInfos() []domain.TrackInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TrackInfo, len(s.infos))
	copy(out, s.infos)
	return out
}

func (s *fakeSession) Events() <-chan domain.SessionEvent { return s.events }

func (s *fakeSession) RequestKeyFrame() error {
	s.keyReqs.Add(1)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	hook := s.closeHook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.state = domain.StateClosed
	close(s.events)
	return nil
}

func (s *fakeSession) setCloseHook(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHook = hook
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// publishTrack simulates inbound media arriving on a broadcaster session.
func (s *fakeSession) publishTrack(t *testing.T, trackID string, kind string) {
	t.Helper()

	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		trackID, s.id,
	)
	require.NoError(t, err)

	info := domain.TrackInfo{ID: domain.TrackID(trackID), Kind: kind}

	s.mu.Lock()
	s.tracks = append(s.tracks, local)
	s.infos = append(s.infos, info)
	closed := s.closed
	s.mu.Unlock()

	if !closed {
		s.events <- domain.SessionEvent{
			Kind:      domain.EventTrackReceived,
			Track:     info,
			Timestamp: time.Now(),
		}
	}
}

func (s *fakeSession) reportState(state domain.SessionState) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.events <- domain.SessionEvent{
		Kind:      domain.EventStateChanged,
		State:     state,
		Timestamp: time.Now(),
	}
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	err      error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{sessions: make(map[string]*fakeSession)}
}

func (f *fakeFactory) NewSession(id string, role domain.SessionRole) (ports.PeerSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sess := newFakeSession(id, role)
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeFactory) session(id string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

type fakeNotifier struct {
	mu     sync.Mutex
	live   []domain.StreamID
	ended  []domain.StreamID
	counts []int
}

func (n *fakeNotifier) StreamLive(streamID domain.StreamID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.live = append(n.live, streamID)
}

func (n *fakeNotifier) StreamEnded(streamID domain.StreamID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, streamID)
}

func (n *fakeNotifier) ViewerCountChanged(streamID domain.StreamID, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts = append(n.counts, count)
}

func (n *fakeNotifier) endedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ended)
}

func (n *fakeNotifier) liveCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.live)
}

func (n *fakeNotifier) lastCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.counts) == 0 {
		return -1
	}
	return n.counts[len(n.counts)-1]
}

func newTestOrchestrator(cfg Config) (*Orchestrator, *fakeFactory, *fakeNotifier) {
	log := zap.NewNop().Sugar()
	factory := newFakeFactory()
	notifier := &fakeNotifier{}
	orch := NewOrchestrator(
		registry.NewBroadcasterRegistry(log),
		registry.NewViewerRegistry(log),
		factory,
		notifier,
		NopCollector{},
		cfg,
		log,
	)
	return orch, factory, notifier
}

func defaultTestConfig() Config {
	return Config{
		ConnectTimeout: time.Minute,
		IdleTimeout:    time.Minute,
		SweepInterval:  time.Minute,
	}
}

// startBroadcast admits a broadcaster and pushes one video track through so
// the stream counts as live.
func startBroadcast(t *testing.T, orch *Orchestrator, factory *fakeFactory, streamID domain.StreamID) *fakeSession {
	t.Helper()

	answer, err := orch.HandleBroadcastOffer(context.Background(), streamID, "v=0\r\n")
	require.NoError(t, err)
	require.NotEmpty(t, answer)

	sess := factory.session(string(streamID))
	require.NotNil(t, sess)
	sess.publishTrack(t, "video-0", "video")

	require.Eventually(t, func() bool {
		st, err := orch.StreamStatus(context.Background(), streamID)
		return err == nil && st.Live
	}, time.Second, 5*time.Millisecond)

	return sess
}

func TestHandleBroadcastOffer(t *testing.T) {
	t.Run("admits broadcaster and returns answer", func(t *testing.T) {
		orch, factory, _ := newTestOrchestrator(defaultTestConfig())

		answer, err := orch.HandleBroadcastOffer(context.Background(), "stream-1", "v=0\r\n")
		assert.NoError(t, err)
		assert.NotEmpty(t, answer)

		st, err := orch.StreamStatus(context.Background(), "stream-1")
		assert.NoError(t, err)
		assert.False(t, st.Live)
		assert.NotNil(t, factory.session("stream-1"))
	})

	t.Run("rejects second broadcaster for same stream", func(t *testing.T) {
		orch, factory, _ := newTestOrchestrator(defaultTestConfig())

		_, err := orch.HandleBroadcastOffer(context.Background(), "stream-1", "v=0\r\n")
		require.NoError(t, err)
		first := factory.session("stream-1")

		_, err = orch.HandleBroadcastOffer(context.Background(), "stream-1", "v=0\r\n")
		assert.ErrorIs(t, err, domain.ErrAlreadyBroadcasting)

		// The incumbent keeps the slot.
		assert.False(t, first.isClosed())
		st, err := orch.StreamStatus(context.Background(), "stream-1")
		assert.NoError(t, err)
		assert.Equal(t, domain.StreamID("stream-1"), st.StreamID)
	})

	t.Run("stream becomes live when media arrives", func(t *testing.T) {
		orch, factory, notifier := newTestOrchestrator(defaultTestConfig())

		startBroadcast(t, orch, factory, "stream-1")

		st, err := orch.StreamStatus(context.Background(), "stream-1")
		require.NoError(t, err)
		assert.True(t, st.Live)
		assert.Len(t, st.Tracks, 1)
		assert.Eventually(t, func() bool { return notifier.liveCount() == 1 }, time.Second, 5*time.Millisecond)
	})
}

func TestHandleViewerJoin(t *testing.T) {
	t.Run("unknown stream", func(t *testing.T) {
		orch, _, _ := newTestOrchestrator(defaultTestConfig())

		_, err := orch.HandleViewerJoin(context.Background(), "nope", "viewer-1")
		assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	})

	t.Run("stream exists but has no media yet", func(t *testing.T) {
		orch, _, _ := newTestOrchestrator(defaultTestConfig())

		_, err := orch.HandleBroadcastOffer(context.Background(), "stream-1", "v=0\r\n")
		require.NoError(t, err)

		_, err = orch.HandleViewerJoin(context.Background(), "stream-1", "viewer-1")
		assert.ErrorIs(t, err, domain.ErrStreamNotReady)
	})

	t.Run("viewer receives every broadcaster track", func(t *testing.T) {
		orch, factory, notifier := newTestOrchestrator(defaultTestConfig())

		bsess := startBroadcast(t, orch, factory, "stream-1")
		bsess.publishTrack(t, "audio-0", "audio")

		require.Eventually(t, func() bool {
			st, _ := orch.StreamStatus(context.Background(), "stream-1")
			return len(st.Tracks) == 2
		}, time.Second, 5*time.Millisecond)

		offer, err := orch.HandleViewerJoin(context.Background(), "stream-1", "viewer-1")
		require.NoError(t, err)
		assert.NotEmpty(t, offer)

		vsess := factory.session("viewer-1")
		require.NotNil(t, vsess)
		assert.Len(t, vsess.LocalTracks(), 2)

		assert.Equal(t, 1, notifier.lastCount())
		assert.GreaterOrEqual(t, int(bsess.keyReqs.Load()), 1)
	})

	t.Run("fifty concurrent joins all succeed", func(t *testing.T) {
		orch, factory, _ := newTestOrchestrator(defaultTestConfig())
		startBroadcast(t, orch, factory, "stream-1")

		const viewers = 50
		var wg sync.WaitGroup
		errs := make([]error, viewers)

		for i := 0; i < viewers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				viewerID := domain.ViewerID(fmt.Sprintf("viewer-%d", i))
				_, errs[i] = orch.HandleViewerJoin(context.Background(), "stream-1", viewerID)
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			assert.NoError(t, err, "viewer %d", i)
		}

		st, err := orch.StreamStatus(context.Background(), "stream-1")
		require.NoError(t, err)
		assert.Equal(t, viewers, st.ViewerCount)
	})
}

func TestHandleViewerAnswer(t *testing.T) {
	orch, factory, _ := newTestOrchestrator(defaultTestConfig())
	startBroadcast(t, orch, factory, "stream-1")

	_, err := orch.HandleViewerJoin(context.Background(), "stream-1", "viewer-1")
	require.NoError(t, err)

	t.Run("routes answer to viewer session", func(t *testing.T) {
		err := orch.HandleViewerAnswer(context.Background(), "viewer-1", "v=0\r\nanswer")
		assert.NoError(t, err)
		assert.Equal(t, domain.StateAnswerSet, factory.session("viewer-1").State())
	})

	t.Run("unknown viewer", func(t *testing.T) {
		err := orch.HandleViewerAnswer(context.Background(), "ghost", "v=0\r\n")
		assert.ErrorIs(t, err, domain.ErrViewerNotFound)
	})

	t.Run("second answer rejected", func(t *testing.T) {
		err := orch.HandleViewerAnswer(context.Background(), "viewer-1", "v=0\r\nagain")
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestHandleCandidates(t *testing.T) {
	orch, factory, _ := newTestOrchestrator(defaultTestConfig())
	bsess := startBroadcast(t, orch, factory, "stream-1")

	cand := domain.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host"}

	t.Run("broadcaster candidate applied", func(t *testing.T) {
		err := orch.HandleBroadcastCandidate(context.Background(), "stream-1", cand)
		assert.NoError(t, err)
		assert.Len(t, bsess.pending, 1)
	})

	t.Run("candidate for gone stream is swallowed", func(t *testing.T) {
		err := orch.HandleBroadcastCandidate(context.Background(), "gone", cand)
		assert.NoError(t, err)
	})

	t.Run("candidate for gone viewer is swallowed", func(t *testing.T) {
		err := orch.HandleViewerCandidate(context.Background(), "gone", cand)
		assert.NoError(t, err)
	})
}

func TestEndBroadcast(t *testing.T) {
	t.Run("cascades over viewers", func(t *testing.T) {
		orch, factory, notifier := newTestOrchestrator(defaultTestConfig())
		bsess := startBroadcast(t, orch, factory, "stream-1")

		for i := 0; i < 3; i++ {
			viewerID := domain.ViewerID(fmt.Sprintf("viewer-%d", i))
			_, err := orch.HandleViewerJoin(context.Background(), "stream-1", viewerID)
			require.NoError(t, err)
		}

		require.NoError(t, orch.EndBroadcast(context.Background(), "stream-1"))

		assert.True(t, bsess.isClosed())
		for i := 0; i < 3; i++ {
			viewerID := domain.ViewerID(fmt.Sprintf("viewer-%d", i))
			assert.True(t, factory.session(string(viewerID)).isClosed())
			err := orch.HandleViewerAnswer(context.Background(), viewerID, "v=0\r\n")
			assert.ErrorIs(t, err, domain.ErrViewerNotFound)
		}

		_, err := orch.StreamStatus(context.Background(), "stream-1")
		assert.ErrorIs(t, err, domain.ErrStreamNotFound)
		assert.Equal(t, 1, notifier.endedCount())
	})

	t.Run("join racing the cascade is rejected", func(t *testing.T) {
		orch, factory, _ := newTestOrchestrator(defaultTestConfig())
		startBroadcast(t, orch, factory, "stream-1")

		_, err := orch.HandleViewerJoin(context.Background(), "stream-1", "viewer-0")
		require.NoError(t, err)

		// Park the cascade inside the first viewer's close so a join can
		// arrive while the teardown is mid-flight.
		var once sync.Once
		cascadeStarted := make(chan struct{})
		release := make(chan struct{})
		factory.session("viewer-0").setCloseHook(func() {
			once.Do(func() { close(cascadeStarted) })
			<-release
		})

		endDone := make(chan error, 1)
		go func() {
			endDone <- orch.EndBroadcast(context.Background(), "stream-1")
		}()

		select {
		case <-cascadeStarted:
		case <-time.After(time.Second):
			t.Fatal("teardown never reached the viewer close")
		}

		_, err = orch.HandleViewerJoin(context.Background(), "stream-1", "viewer-1")
		assert.ErrorIs(t, err, domain.ErrStreamNotFound)

		close(release)
		require.NoError(t, <-endDone)

		assert.True(t, factory.session("viewer-0").isClosed())
		if late := factory.session("viewer-1"); late != nil {
			assert.True(t, late.isClosed())
		}
		err = orch.HandleViewerAnswer(context.Background(), "viewer-1", "v=0\r\n")
		assert.ErrorIs(t, err, domain.ErrViewerNotFound)
		_, err = orch.StreamStatus(context.Background(), "stream-1")
		assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	})

	t.Run("idempotent", func(t *testing.T) {
		orch, factory, notifier := newTestOrchestrator(defaultTestConfig())
		startBroadcast(t, orch, factory, "stream-1")

		require.NoError(t, orch.EndBroadcast(context.Background(), "stream-1"))
		require.NoError(t, orch.EndBroadcast(context.Background(), "stream-1"))
		assert.Equal(t, 1, notifier.endedCount())
	})

	t.Run("unknown stream is a no-op", func(t *testing.T) {
		orch, _, notifier := newTestOrchestrator(defaultTestConfig())
		assert.NoError(t, orch.EndBroadcast(context.Background(), "never-was"))
		assert.Equal(t, 0, notifier.endedCount())
	})
}

func TestEndViewer(t *testing.T) {
	orch, factory, notifier := newTestOrchestrator(defaultTestConfig())
	startBroadcast(t, orch, factory, "stream-1")

	_, err := orch.HandleViewerJoin(context.Background(), "stream-1", "viewer-1")
	require.NoError(t, err)

	t.Run("removes viewer and updates count", func(t *testing.T) {
		require.NoError(t, orch.EndViewer(context.Background(), "viewer-1"))

		assert.True(t, factory.session("viewer-1").isClosed())
		assert.Equal(t, 0, notifier.lastCount())

		st, err := orch.StreamStatus(context.Background(), "stream-1")
		require.NoError(t, err)
		assert.Equal(t, 0, st.ViewerCount)
	})

	t.Run("idempotent", func(t *testing.T) {
		assert.NoError(t, orch.EndViewer(context.Background(), "viewer-1"))
		assert.NoError(t, orch.EndViewer(context.Background(), "ghost"))
	})
}

func TestTransportFailureCleanup(t *testing.T) {
	t.Run("broadcaster failure tears down the stream", func(t *testing.T) {
		orch, factory, _ := newTestOrchestrator(defaultTestConfig())
		bsess := startBroadcast(t, orch, factory, "stream-1")

		_, err := orch.HandleViewerJoin(context.Background(), "stream-1", "viewer-1")
		require.NoError(t, err)

		bsess.reportState(domain.StateFailed)

		assert.Eventually(t, func() bool {
			_, err := orch.StreamStatus(context.Background(), "stream-1")
			return err != nil
		}, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool {
			return factory.session("viewer-1").isClosed()
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("viewer disconnect removes only that viewer", func(t *testing.T) {
		orch, factory, _ := newTestOrchestrator(defaultTestConfig())
		startBroadcast(t, orch, factory, "stream-1")

		_, err := orch.HandleViewerJoin(context.Background(), "stream-1", "viewer-1")
		require.NoError(t, err)
		_, err = orch.HandleViewerJoin(context.Background(), "stream-1", "viewer-2")
		require.NoError(t, err)

		factory.session("viewer-1").reportState(domain.StateDisconnected)

		assert.Eventually(t, func() bool {
			st, err := orch.StreamStatus(context.Background(), "stream-1")
			return err == nil && st.ViewerCount == 1
		}, time.Second, 5*time.Millisecond)

		_, err = orch.StreamStatus(context.Background(), "stream-1")
		assert.NoError(t, err)
	})
}

func TestConnectTimeout(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond

	orch, factory, _ := newTestOrchestrator(cfg)

	_, err := orch.HandleBroadcastOffer(context.Background(), "stream-1", "v=0\r\n")
	require.NoError(t, err)

	// Never reports Connected, so the deadline fires.
	assert.Eventually(t, func() bool {
		_, err := orch.StreamStatus(context.Background(), "stream-1")
		return err != nil
	}, time.Second, 5*time.Millisecond)
	assert.True(t, factory.session("stream-1").isClosed())
}

func TestFullBroadcastScenario(t *testing.T) {
	orch, factory, notifier := newTestOrchestrator(defaultTestConfig())

	// Broadcaster goes live with audio and video.
	bsess := startBroadcast(t, orch, factory, "live-show")
	bsess.publishTrack(t, "audio-0", "audio")
	bsess.reportState(domain.StateConnected)

	// Two viewers join and answer.
	for _, v := range []domain.ViewerID{"alice", "bob"} {
		offer, err := orch.HandleViewerJoin(context.Background(), "live-show", v)
		require.NoError(t, err)
		require.NotEmpty(t, offer)
		require.NoError(t, orch.HandleViewerAnswer(context.Background(), v, "v=0\r\nanswer"))
		factory.session(string(v)).reportState(domain.StateConnected)
	}

	st, err := orch.StreamStatus(context.Background(), "live-show")
	require.NoError(t, err)
	assert.True(t, st.Live)
	assert.Equal(t, 2, st.ViewerCount)
	assert.Equal(t, 2, notifier.lastCount())

	streams := orch.ListStreams(context.Background())
	require.Len(t, streams, 1)
	assert.Equal(t, domain.StreamID("live-show"), streams[0].StreamID)

	// One viewer leaves, then the show ends.
	require.NoError(t, orch.EndViewer(context.Background(), "alice"))
	assert.Equal(t, 1, notifier.lastCount())

	require.NoError(t, orch.EndBroadcast(context.Background(), "live-show"))
	assert.True(t, factory.session("bob").isClosed())
	assert.True(t, bsess.isClosed())
	assert.Empty(t, orch.ListStreams(context.Background()))
	assert.Equal(t, 1, notifier.endedCount())
}
