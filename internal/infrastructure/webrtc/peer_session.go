package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relaycast/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const eventBufferSize = 16

// PeerSession owns one pion peer connection and enforces the negotiation
// state machine on top of it. Transport callbacks are translated into events
// on a channel the orchestrator consumes; the session never calls back into
// shared state.
type PeerSession struct {
	id               string
	role             domain.SessionRole
	pc               *webrtc.PeerConnection
	keyframeInterval time.Duration
	createdAt        time.Time
	logger           *zap.SugaredLogger

	mu           sync.Mutex
	state        domain.SessionState
	pending      []webrtc.ICECandidateInit
	localTracks  []webrtc.TrackLocal
	trackInfos   []domain.TrackInfo
	remoteVideos []*webrtc.TrackRemote

	events       chan domain.SessionEvent
	eventsClosed bool
	done         chan struct{}
	closeOnce    sync.Once
}

func newPeerSession(id string, role domain.SessionRole, pc *webrtc.PeerConnection, keyframeInterval time.Duration, logger *zap.SugaredLogger) *PeerSession {
	s := &PeerSession{
		id:               id,
		role:             role,
		pc:               pc,
		keyframeInterval: keyframeInterval,
		createdAt:        time.Now(),
		logger:           logger,
		state:            domain.StateNew,
		events:           make(chan domain.SessionEvent, eventBufferSize),
		done:             make(chan struct{}),
	}

	pc.OnConnectionStateChange(s.handleConnectionState)
	if role == domain.RoleBroadcaster {
		pc.OnTrack(s.handleInboundTrack)
	}

	return s
}

func (s *PeerSession) ID() string               { return s.id }
func (s *PeerSession) Role() domain.SessionRole { return s.role }
func (s *PeerSession) CreatedAt() time.Time     { return s.createdAt }

func (s *PeerSession) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreateOffer generates the local offer and waits for ICE gathering to finish
// so the returned SDP is self-contained.
func (s *PeerSession) CreateOffer(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state != domain.StateNew {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: create offer in state %s", domain.ErrNegotiation, s.state)
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}

	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}
	s.state = domain.StateOfferSent
	s.mu.Unlock()

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("%w: gathering interrupted: %v", domain.ErrNegotiation, ctx.Err())
	}

	return s.pc.LocalDescription().SDP, nil
}

// AcceptOffer applies a remote offer and returns the gathered local answer.
func (s *PeerSession) AcceptOffer(ctx context.Context, offerSDP string) (string, error) {
	s.mu.Lock()
	if s.state != domain.StateNew {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: accept offer in state %s", domain.ErrNegotiation, s.state)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}
	s.state = domain.StateOfferReceived
	s.flushPendingLocked()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}

	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}
	s.state = domain.StateAnswerSet
	s.mu.Unlock()

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("%w: gathering interrupted: %v", domain.ErrNegotiation, ctx.Err())
	}

	return s.pc.LocalDescription().SDP, nil
}

// AcceptAnswer applies the remote answer to an offer this session created.
func (s *PeerSession) AcceptAnswer(ctx context.Context, answerSDP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateOfferSent {
		return fmt.Errorf("%w: accept answer in state %s", domain.ErrNegotiation, s.state)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}
	s.state = domain.StateAnswerSet
	s.flushPendingLocked()
	return nil
}

// AddICECandidate applies the candidate, or buffers it when the remote
// description is not set yet.
func (s *PeerSession) AddICECandidate(cand domain.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return fmt.Errorf("%w: session closed", domain.ErrInvalidState)
	}

	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}

	if s.pc.RemoteDescription() == nil {
		s.pending = append(s.pending, init)
		return nil
	}

	return s.pc.AddICECandidate(init)
}

// flushPendingLocked applies candidates that arrived before the remote
// description. Caller holds s.mu.
func (s *PeerSession) flushPendingLocked() {
	for _, init := range s.pending {
		if err := s.pc.AddICECandidate(init); err != nil {
			s.logger.Warnw("failed to apply buffered ICE candidate",
				"session_id", s.id,
				"role", s.role,
				"error", err,
			)
		}
	}
	s.pending = nil
}

// AttachTracks adds local tracks to the connection ahead of negotiation.
func (s *PeerSession) AttachTracks(tracks []webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case domain.StateConnected, domain.StateDisconnected, domain.StateFailed, domain.StateClosed:
		return fmt.Errorf("%w: attach tracks in state %s", domain.ErrInvalidState, s.state)
	}

	for _, track := range tracks {
		if _, err := s.pc.AddTrack(track); err != nil {
			return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
		}
		s.localTracks = append(s.localTracks, track)
		s.trackInfos = append(s.trackInfos, domain.TrackInfo{
			ID:   domain.TrackID(track.ID()),
			Kind: track.Kind().String(),
		})
	}
	return nil
}

func (s *PeerSession) LocalTracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(s.localTracks))
	copy(out, s.localTracks)
	return out
}

func (s *PeerSession) TrackInfos() []domain.TrackInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TrackInfo, len(s.trackInfos))
	copy(out, s.trackInfos)
	return out
}

func (s *PeerSession) Events() <-chan domain.SessionEvent {
	return s.events
}

// RequestKeyFrame sends a PLI for every inbound video track so a newly
// admitted viewer does not wait for the next scheduled intra frame.
func (s *PeerSession) RequestKeyFrame() error {
	s.mu.Lock()
	remotes := make([]*webrtc.TrackRemote, len(s.remoteVideos))
	copy(remotes, s.remoteVideos)
	s.mu.Unlock()

	for _, remote := range remotes {
		pkt := &rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}
		if err := s.pc.WriteRTCP([]rtcp.Packet{pkt}); err != nil {
			return fmt.Errorf("failed to send PLI: %w", err)
		}
	}
	return nil
}

// Close releases the connection and buffered candidates. Safe to call any
// number of times in any state.
func (s *PeerSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = domain.StateClosed
		s.pending = nil
		s.mu.Unlock()

		close(s.done)
		err = s.pc.Close()

		s.mu.Lock()
		s.sendLocked(domain.SessionEvent{
			Kind:      domain.EventStateChanged,
			State:     domain.StateClosed,
			Timestamp: time.Now(),
		})
		s.eventsClosed = true
		close(s.events)
		s.mu.Unlock()
	})
	return err
}

func (s *PeerSession) handleConnectionState(state webrtc.PeerConnectionState) {
	var next domain.SessionState
	switch state {
	case webrtc.PeerConnectionStateConnected:
		next = domain.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		next = domain.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		next = domain.StateFailed
	case webrtc.PeerConnectionStateClosed:
		// Close() already reported the terminal transition.
		return
	default:
		return
	}

	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Infow("peer connection state changed",
		"session_id", s.id,
		"role", s.role,
		"state", next,
	)

	s.emit(domain.SessionEvent{
		Kind:      domain.EventStateChanged,
		State:     next,
		Timestamp: time.Now(),
	})
}

// emit delivers an event without blocking pion's callback goroutines.
func (s *PeerSession) emit(ev domain.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	s.sendLocked(ev)
}

// sendLocked performs a non-blocking send; an orchestrator that stopped
// consuming loses events rather than wedging the transport. Caller holds s.mu.
func (s *PeerSession) sendLocked(ev domain.SessionEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warnw("session event dropped, consumer too slow",
			"session_id", s.id,
			"kind", ev.Kind,
		)
	}
}
