package webrtc

import (
	"errors"
	"io"
	"time"

	"relaycast/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const mtu = 1500

// handleInboundTrack republishes an inbound broadcaster track as a local
// static RTP track that viewer sessions can attach to, then pumps packets
// until the track ends.
func (s *PeerSession) handleInboundTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.logger.Infow("inbound track received",
		"session_id", s.id,
		"track_id", remote.ID(),
		"kind", remote.Kind().String(),
		"codec", remote.Codec().MimeType,
	)

	local, err := webrtc.NewTrackLocalStaticRTP(
		remote.Codec().RTPCodecCapability,
		remote.ID(),
		remote.StreamID(),
	)
	if err != nil {
		s.logger.Errorw("failed to create forwarding track",
			"session_id", s.id,
			"track_id", remote.ID(),
			"error", err,
		)
		return
	}

	info := domain.TrackInfo{
		ID:   domain.TrackID(remote.ID()),
		Kind: remote.Kind().String(),
	}

	s.mu.Lock()
	s.localTracks = append(s.localTracks, local)
	s.trackInfos = append(s.trackInfos, info)
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		s.remoteVideos = append(s.remoteVideos, remote)
	}
	s.mu.Unlock()

	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		go s.keyframeLoop(remote)
	}

	s.emit(domain.SessionEvent{
		Kind:      domain.EventTrackReceived,
		Track:     info,
		Timestamp: time.Now(),
	})

	s.forwardTrack(remote, local)
}

// forwardTrack copies RTP packets from the broadcaster to the relay-side
// track. Every viewer subscribed to the local track receives the same bytes;
// the relay never touches the payload.
func (s *PeerSession) forwardTrack(remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP) {
	buf := make([]byte, mtu)
	pkt := &rtp.Packet{}

	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warnw("error reading inbound track",
					"session_id", s.id,
					"track_id", remote.ID(),
					"error", err,
				)
			}
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Warnw("error unmarshaling RTP packet",
				"session_id", s.id,
				"track_id", remote.ID(),
				"error", err,
			)
			continue
		}

		if err := local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Warnw("error forwarding RTP packet",
				"session_id", s.id,
				"track_id", remote.ID(),
				"error", err,
			)
		}
	}
}

// keyframeLoop periodically asks the broadcaster for an intra frame so viewers
// admitted mid-stream start rendering promptly.
func (s *PeerSession) keyframeLoop(remote *webrtc.TrackRemote) {
	ticker := time.NewTicker(s.keyframeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			pkt := &rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}
			if err := s.pc.WriteRTCP([]rtcp.Packet{pkt}); err != nil {
				return
			}
		}
	}
}
