package webrtc

import (
	"github.com/pion/rtp"
)

// ConnectionConfig holds WebRTC configuration
type ConnectionConfig struct {
	STUN []string // STUN server URLs
	TURN []TURNServer

	// UDPPortMin and UDPPortMax restrict ICE host candidates to a port range.
	// Both zero means any ephemeral port.
	UDPPortMin uint16
	UDPPortMax uint16

	// IncludeLoopback gathers candidates on loopback interfaces. Only useful
	// when server and peer share a host (tests, local development).
	IncludeLoopback bool
}

// TURNServer represents a TURN server
type TURNServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Options selects the capabilities of a Transport.
type Options struct {
	AudioIn       bool // receive the peer's audio track
	AudioOut      bool // send audio back to the peer
	Transcription bool // not supported; must be false
}

// Frame is a unit flowing out of a Transport's inbound source: either an
// AudioFrame or an EndFrame.
type Frame interface {
	frame()
}

// AudioFrame carries one encoded (Opus) RTP payload exactly as received.
// Frames are immutable once produced.
type AudioFrame struct {
	Header  rtp.Header
	Payload []byte
}

// EndFrame marks the end of the inbound stream.
type EndFrame struct{}

func (AudioFrame) frame() {}
func (EndFrame) frame()   {}

// Packet rebuilds an RTP packet carrying the frame.
func (f AudioFrame) Packet() *rtp.Packet {
	return &rtp.Packet{
		Header:  f.Header,
		Payload: f.Payload,
	}
}
