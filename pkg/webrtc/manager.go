package webrtc

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

const defaultGatheringTimeout = 5 * time.Second

// Manager builds the shared pion API and creates one Transport per peer
type Manager struct {
	api              *webrtc.API
	config           webrtc.Configuration
	logger           *slog.Logger
	gatheringTimeout time.Duration
}

// NewManager creates a new WebRTC manager
func NewManager(cfg ConnectionConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Build WebRTC configuration from ConnectionConfig
	rtcConfig := webrtc.Configuration{}

	// Add STUN servers
	for _, stunURL := range cfg.STUN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs: []string{stunURL},
		})
	}

	// Add TURN servers
	for _, turn := range cfg.TURN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	api, err := newAPI(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		api:              api,
		config:           rtcConfig,
		logger:           logger,
		gatheringTimeout: defaultGatheringTimeout,
	}, nil
}

// newAPI assembles codecs, interceptors and network settings
func newAPI(cfg ConnectionConfig, logger *slog.Logger) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// NACK, RTCP reports and TWCC for the echoed track
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	// Increased buffer sizes avoid
	// "mux: failed to read from packetio.Buffer short buffer" errors
	se := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(logger),
	}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("invalid udp port range %d-%d: %w", cfg.UDPPortMin, cfg.UDPPortMax, err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// SetGatheringTimeout bounds how long an offer waits for ICE gathering
func (m *Manager) SetGatheringTimeout(d time.Duration) {
	if d > 0 {
		m.gatheringTimeout = d
	}
}
