package webrtc

import (
	"fmt"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// EngineConfig carries the transport settings for new peer connections.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	KeyFrameInterval time.Duration
}

// EngineConfigFrom maps the application config onto transport settings.
func EngineConfigFrom(cfg *config.Config) EngineConfig {
	ec := EngineConfig{KeyFrameInterval: cfg.Session.KeyFrameInterval}
	for _, s := range cfg.WebRTC.ICEServers {
		ec.ICEServers = append(ec.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	ec.PortRange.Min = cfg.WebRTC.PortRange.Min
	ec.PortRange.Max = cfg.WebRTC.PortRange.Max
	return ec
}

// Engine creates peer sessions backed by pion peer connections. It implements
// ports.SessionFactory.
type Engine struct {
	config EngineConfig
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewEngine(cfg EngineConfig, logger *zap.SugaredLogger) *Engine {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max)
	}

	return &Engine{
		config: cfg,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}
}

// NewSession creates a peer connection and wraps it in a session state
// machine for the given role.
func (e *Engine) NewSession(id string, role domain.SessionRole) (ports.PeerSession, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   e.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	sess := newPeerSession(id, role, pc, e.config.KeyFrameInterval, e.logger)
	return sess, nil
}
