package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/silviot/webrtc_audio_loopback_go/pkg/signaling"
)

var (
	// ErrTransportClosed is returned by SendAudio after Release
	ErrTransportClosed = errors.New("transport closed")

	// ErrTranscriptionUnsupported is returned when Options.Transcription is set
	ErrTranscriptionUnsupported = errors.New("transcription is not supported")
)

// Signaler delivers messages to the remote peer
type Signaler interface {
	Send(msg signaling.Message) error
}

// Transport wraps one RTCPeerConnection carrying a bidirectional audio track.
// Inbound audio is exposed as an ordered stream of frames; outbound audio is
// written to a local Opus track.
type Transport struct {
	peerConn      *webrtc.PeerConnection
	localTrack    *webrtc.TrackLocalStaticRTP
	sig           Signaler
	logger        *slog.Logger
	gatherTimeout time.Duration
	inbound       chan Frame
	ready         chan struct{}
	closeCh       chan struct{}
	mu            sync.Mutex // guards closed and wg.Add
	closed        bool
	endOnce       sync.Once
	trackStarted  atomic.Bool
	wg            sync.WaitGroup
}

// NewTransport creates a peer connection for one browser peer. Negotiation
// happens later, through HandleSignal.
func (m *Manager) NewTransport(sig Signaler, opts Options) (*Transport, error) {
	if opts.Transcription {
		return nil, ErrTranscriptionUnsupported
	}
	if !opts.AudioIn && !opts.AudioOut {
		return nil, fmt.Errorf("transport needs at least one audio direction")
	}

	peerConn, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		m.logger.Error("failed to create peer connection", "error", err)
		return nil, err
	}

	t := &Transport{
		peerConn:      peerConn,
		sig:           sig,
		logger:        m.logger,
		gatherTimeout: m.gatheringTimeout,
		inbound:       make(chan Frame),
		ready:         make(chan struct{}),
		closeCh:       make(chan struct{}),
	}

	if opts.AudioOut {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", "loopback",
		)
		if err != nil {
			peerConn.Close()
			return nil, fmt.Errorf("failed to create local track: %w", err)
		}

		sender, err := peerConn.AddTrack(track)
		if err != nil {
			peerConn.Close()
			return nil, fmt.Errorf("failed to add local track: %w", err)
		}
		t.localTrack = track

		t.spawn(func() { t.readRTCP(sender) })
	} else {
		_, err := peerConn.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			peerConn.Close()
			return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
		}
	}

	if opts.AudioIn {
		peerConn.OnTrack(t.onTrack)
	}

	peerConn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debug("ICE connection state changed", "state", state.String())
	})

	peerConn.OnConnectionStateChange(t.onConnectionStateChange)

	// The inbound source is bound; frames flow once the peer's track arrives.
	close(t.ready)

	t.logger.Info("transport created", "audioIn", opts.AudioIn, "audioOut", opts.AudioOut)

	return t, nil
}

// Inbound returns the ordered frame source. It is unbuffered: the producer
// reads the next RTP packet only after the consumer took the previous frame.
func (t *Transport) Inbound() <-chan Frame {
	return t.inbound
}

// Ready is closed once the inbound source is bound
func (t *Transport) Ready() <-chan struct{} {
	return t.ready
}

// onTrack handles incoming tracks; only the first Opus audio track is relayed
func (t *Transport) onTrack(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	codec := remoteTrack.Codec()
	t.logger.Info("track received",
		"codec", codec.MimeType,
		"clockRate", codec.ClockRate,
		"channels", codec.Channels,
		"kind", remoteTrack.Kind().String(),
	)

	if remoteTrack.Kind() != webrtc.RTPCodecTypeAudio {
		t.logger.Debug("ignoring non-audio track", "codec", codec.MimeType)
		return
	}

	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		t.logger.Warn("ignoring non-opus audio track", "codec", codec.MimeType)
		return
	}

	if !t.trackStarted.CompareAndSwap(false, true) {
		t.logger.Warn("ignoring additional audio track", "trackID", remoteTrack.ID())
		return
	}

	t.spawn(func() { t.readLoop(remoteTrack) })
}

// spawn runs fn on a goroutine tracked by Release, unless already released
func (t *Transport) spawn(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// readLoop turns RTP packets into frames until the track ends
func (t *Transport) readLoop(track *webrtc.TrackRemote) {
	defer t.endStream()

	packetCount := 0
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !t.isClosed() {
				t.logger.Debug("remote track ended", "error", err, "packets", packetCount)
			}
			return
		}

		if len(pkt.Payload) == 0 {
			continue
		}

		packetCount++
		if packetCount <= 5 || packetCount%500 == 0 {
			t.logger.Debug("RTP packet", "seq", pkt.SequenceNumber, "ts", pkt.Timestamp,
				"payloadLen", len(pkt.Payload), "packetCount", packetCount)
		}

		frame := AudioFrame{
			Header:  pkt.Header.Clone(),
			Payload: append([]byte(nil), pkt.Payload...),
		}

		select {
		case t.inbound <- frame:
		case <-t.closeCh:
			return
		}
	}
}

// endStream delivers a single EndFrame, whichever path gets there first
func (t *Transport) endStream() {
	t.endOnce.Do(func() {
		select {
		case t.inbound <- EndFrame{}:
		case <-t.closeCh:
		}
	})
}

// readRTCP drains RTCP for the echo sender so interceptors keep running
func (t *Transport) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			if rr, ok := p.(*rtcp.ReceiverReport); ok {
				for _, report := range rr.Reports {
					t.logger.Debug("receiver report",
						"ssrc", report.SSRC,
						"fractionLost", report.FractionLost,
						"totalLost", report.TotalLost,
						"jitter", report.Jitter)
				}
			}
		}
	}
}

// onConnectionStateChange ends the stream when the peer connection dies.
// A failed connection leaves the remote track open, so readLoop alone
// would never see the end.
func (t *Transport) onConnectionStateChange(state webrtc.PeerConnectionState) {
	t.logger.Info("peer connection state changed", "state", state.String(),
		"trackStarted", t.trackStarted.Load())

	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		t.spawn(t.endStream)
	}
}

// HandleSignal applies an offer or ICE candidate from the peer
func (t *Transport) HandleSignal(ctx context.Context, msg signaling.Message) error {
	switch msg.Type {
	case signaling.TypeOffer:
		return t.handleOffer(ctx, msg.SDP)
	case signaling.TypeCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("candidate message without candidate")
		}
		return t.peerConn.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:        msg.Candidate.Candidate,
			SDPMid:           msg.Candidate.SDPMid,
			SDPMLineIndex:    msg.Candidate.SDPMLineIndex,
			UsernameFragment: msg.Candidate.UsernameFragment,
		})
	default:
		return fmt.Errorf("unsupported signaling message type %q", msg.Type)
	}
}

// handleOffer answers an SDP offer once ICE gathering completed, so the
// answer carries every local candidate.
func (t *Transport) handleOffer(ctx context.Context, offerSDP string) error {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}

	if err := t.peerConn.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := t.peerConn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.peerConn)

	if err := t.peerConn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(t.gatherTimeout):
		t.logger.Warn("ICE gathering timed out, answering with partial candidates")
	case <-ctx.Done():
		return ctx.Err()
	}

	local := t.peerConn.LocalDescription()
	if local == nil {
		return fmt.Errorf("missing local description")
	}

	return t.sig.Send(signaling.Message{
		Type: signaling.TypeAnswer,
		SDP:  local.SDP,
	})
}

// SendAudio writes one frame to the peer, unchanged
func (t *Transport) SendAudio(frame AudioFrame) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	if t.localTrack == nil {
		return fmt.Errorf("transport has no outbound audio track")
	}
	return t.localTrack.WriteRTP(frame.Packet())
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closeCh:
		return true
	default:
		return false
	}
}

// Release closes the peer connection and waits for reader goroutines.
// It is safe to call more than once.
func (t *Transport) Release() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closeCh)
	t.mu.Unlock()

	err := t.peerConn.Close()
	t.wg.Wait()
	t.logger.Info("transport released")
	return err
}
